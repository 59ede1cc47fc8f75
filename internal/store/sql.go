package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/guregu/null/v5"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

const (
	tableTests      = "tests"
	tableVariations = "variations"
)

// Compile-time check that SQLStore satisfies Store.
var _ Store = (*SQLStore)(nil)

type SQLStore struct {
	db     *sql.DB
	driver string
	sb     sq.StatementBuilderType
}

const schema = `
CREATE TABLE IF NOT EXISTS tests (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    brand_id TEXT,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    test_type TEXT NOT NULL DEFAULT '',
    goal_metric TEXT NOT NULL,
    min_sample_size INTEGER NOT NULL,
    confidence_level DOUBLE PRECISION NOT NULL,
    auto_end BOOLEAN NOT NULL DEFAULT FALSE,
    state TEXT NOT NULL DEFAULT 'draft',
    started_at BIGINT,
    ended_at BIGINT,
    winner_variation_id TEXT,
    is_significant BOOLEAN NOT NULL DEFAULT FALSE,
    p_value DOUBLE PRECISION,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tests_owner ON tests(owner_id, created_at);
CREATE INDEX IF NOT EXISTS idx_tests_state ON tests(state);

CREATE TABLE IF NOT EXISTS variations (
    id TEXT PRIMARY KEY,
    test_id TEXT NOT NULL REFERENCES tests(id) ON DELETE CASCADE,
    position INTEGER NOT NULL,
    name TEXT NOT NULL,
    is_control BOOLEAN NOT NULL DEFAULT FALSE,
    content TEXT NOT NULL DEFAULT '',
    content_data TEXT,
    impressions BIGINT NOT NULL DEFAULT 0,
    engagements BIGINT NOT NULL DEFAULT 0,
    clicks BIGINT NOT NULL DEFAULT 0,
    conversions BIGINT NOT NULL DEFAULT 0,
    engagement_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
    click_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
    conversion_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
    traffic_percent INTEGER NOT NULL DEFAULT 0,
    created_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_variations_test ON variations(test_id, position);
`

var testColumns = []string{
	"id", "owner_id", "brand_id", "name", "description", "test_type", "goal_metric",
	"min_sample_size", "confidence_level", "auto_end", "state", "started_at", "ended_at",
	"winner_variation_id", "is_significant", "p_value", "created_at", "updated_at",
}

var variationColumns = []string{
	"id", "test_id", "position", "name", "is_control", "content", "content_data",
	"impressions", "engagements", "clicks", "conversions",
	"engagement_rate", "click_rate", "conversion_rate", "traffic_percent", "created_at",
}

// counterColumns whitelists the columns IncrementCounter may touch.
var counterColumns = map[Counter]string{
	CounterImpressions: "impressions",
	CounterEngagements: "engagements",
	CounterClicks:      "clicks",
	CounterConversions: "conversions",
}

// rateColumns recomputes every derived rate from the stored counters.
var rateColumns = map[string]any{
	"engagement_rate": sq.Expr("CASE WHEN impressions > 0 THEN engagements * 100.0 / impressions ELSE 0 END"),
	"click_rate":      sq.Expr("CASE WHEN impressions > 0 THEN clicks * 100.0 / impressions ELSE 0 END"),
	"conversion_rate": sq.Expr("CASE WHEN clicks > 0 THEN conversions * 100.0 / clicks ELSE 0 END"),
}

var collectingStates = []string{string(StateRunning), string(StatePaused)}

// Open opens a sqlite database at dbPath.
func Open(dbPath string) (*SQLStore, error) {
	return OpenDriver(DriverSQLite, dbPath)
}

// OpenDriver opens a store on the given driver ("sqlite" or "pgx") and applies
// the schema.
func OpenDriver(driver, dsn string) (*SQLStore, error) {
	var placeholder sq.PlaceholderFormat
	switch driver {
	case DriverSQLite:
		placeholder = sq.Question
		dsn = sqliteDSN(dsn)
	case DriverPostgres:
		placeholder = sq.Dollar
	default:
		return nil, errors.Newf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	ctx := context.Background()
	if driver == DriverSQLite {
		// Single writer connection: sqlite serialises writes anyway and this
		// keeps concurrent increments from failing with SQLITE_BUSY.
		db.SetMaxOpenConns(1)

		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "failed to enable WAL mode")
		}
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}

	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "failed to apply schema")
		}
	}

	return &SQLStore{
		db:     db,
		driver: driver,
		sb:     sq.StatementBuilder.PlaceholderFormat(placeholder),
	}, nil
}

// sqlitePragmas are added to every sqlite DSN that does not set them.
var sqlitePragmas = []struct{ name, param string }{
	{"busy_timeout", "_pragma=busy_timeout(5000)"},
	{"foreign_keys", "_pragma=foreign_keys(1)"},
}

func sqliteDSN(dsn string) string {
	for _, p := range sqlitePragmas {
		if strings.Contains(dsn, p.name) {
			continue
		}
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + p.param
	}
	return dsn
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB returns the underlying database connection for health checks
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Driver() string {
	return s.driver
}

func (s *SQLStore) CreateTest(ctx context.Context, test *Test) error {
	now := time.Now()
	if test.ID == "" {
		test.ID = uuid.NewString()
	}
	if test.State == "" {
		test.State = StateDraft
	}
	test.CreatedAt = now
	test.UpdatedAt = now

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := execBuilder(ctx, tx, s.sb.Insert(tableTests).
			Columns(testColumns...).
			Values(
				test.ID, test.OwnerID, null.StringFromPtr(test.BrandID), test.Name, test.Description,
				test.TestType, string(test.GoalMetric), test.MinSampleSize, test.ConfidenceLevel,
				test.AutoEndOnSignificance, string(test.State), nullableMillis(test.StartedAt),
				nullableMillis(test.EndedAt), null.StringFromPtr(test.WinnerVariationID),
				test.IsSignificant, null.FloatFromPtr(test.PValue), now.UnixMilli(), now.UnixMilli(),
			))
		if err != nil {
			return errors.Wrap(err, "failed to insert test")
		}

		for i := range test.Variations {
			v := &test.Variations[i]
			if v.ID == "" {
				v.ID = uuid.NewString()
			}
			v.TestID = test.ID
			v.Position = i
			v.CreatedAt = now
			v.Recompute()

			contentData, err := marshalContentData(v.ContentData)
			if err != nil {
				return err
			}

			_, err = execBuilder(ctx, tx, s.sb.Insert(tableVariations).
				Columns(variationColumns...).
				Values(
					v.ID, v.TestID, v.Position, v.Name, v.IsControl, v.Content, contentData,
					v.Impressions, v.Engagements, v.Clicks, v.Conversions,
					v.EngagementRate, v.ClickRate, v.ConversionRate, v.TrafficPercent, now.UnixMilli(),
				))
			if err != nil {
				return errors.Wrapf(err, "failed to insert variation %q", v.Name)
			}
		}
		return nil
	})
}

func (s *SQLStore) GetTest(ctx context.Context, id string) (*Test, error) {
	query, args, err := s.sb.Select(testColumns...).
		From(tableTests).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "failed to build query")
	}

	test, err := scanTest(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get test")
	}

	variations, err := s.variationsOf(ctx, test.ID)
	if err != nil {
		return nil, err
	}
	test.Variations = variations[test.ID]

	return test, nil
}

func (s *SQLStore) ListTests(ctx context.Context, filter ListFilter) ([]*Test, error) {
	q := s.sb.Select(testColumns...).
		From(tableTests).
		OrderBy("created_at DESC", "id")

	if filter.OwnerID != "" {
		q = q.Where(sq.Eq{"owner_id": filter.OwnerID})
	}
	if filter.State != "" {
		q = q.Where(sq.Eq{"state": string(filter.State)})
	}
	if filter.BrandID != "" {
		q = q.Where(sq.Eq{"brand_id": filter.BrandID})
	}
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "failed to build query")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tests")
	}
	defer rows.Close()

	var tests []*Test
	var ids []string
	for rows.Next() {
		test, err := scanTest(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan test")
		}
		tests = append(tests, test)
		ids = append(ids, test.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate tests")
	}
	if len(tests) == 0 {
		return tests, nil
	}

	variations, err := s.variationsOf(ctx, ids...)
	if err != nil {
		return nil, err
	}
	for _, test := range tests {
		test.Variations = variations[test.ID]
	}

	return tests, nil
}

func (s *SQLStore) CountTests(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tests").Scan(&count); err != nil {
		return 0, errors.Wrap(err, "failed to count tests")
	}
	return count, nil
}

func (s *SQLStore) TransitionTest(ctx context.Context, id string, tr Transition) error {
	now := time.Now().UnixMilli()
	q := s.sb.Update(tableTests).
		Set("state", string(tr.To)).
		Set("updated_at", now).
		Where(sq.Eq{"id": id, "state": statesToStrings(tr.From)})

	if tr.StartedAt != nil {
		q = q.Set("started_at", sq.Expr("COALESCE(started_at, ?)", tr.StartedAt.UnixMilli()))
	}
	if tr.EndedAt != nil {
		q = q.Set("ended_at", tr.EndedAt.UnixMilli())
	}

	result, err := execBuilder(ctx, s.db, q)
	if err != nil {
		return errors.Wrap(err, "failed to update test state")
	}
	return s.checkSwapped(ctx, s.db, result, id)
}

func (s *SQLStore) FinalizeTest(ctx context.Context, id string, f Finalization) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := execBuilder(ctx, tx, s.sb.Update(tableTests).
			Set("state", string(StateCompleted)).
			Set("winner_variation_id", null.StringFromPtr(f.WinnerVariationID)).
			Set("is_significant", f.IsSignificant).
			Set("p_value", null.FloatFromPtr(f.PValue)).
			Set("ended_at", f.EndedAt.UnixMilli()).
			Set("updated_at", time.Now().UnixMilli()).
			Where(sq.Eq{"id": id, "state": collectingStates}))
		if err != nil {
			return errors.Wrap(err, "failed to finalize test")
		}
		if err := s.checkSwapped(ctx, tx, result, id); err != nil {
			return err
		}

		_, err = execBuilder(ctx, tx, s.sb.Update(tableVariations).
			SetMap(rateColumns).
			Where(sq.Eq{"test_id": id}))
		return errors.Wrap(err, "failed to refresh rates")
	})
}

func (s *SQLStore) SaveSignificance(ctx context.Context, id string, isSignificant bool, pValue *float64) error {
	result, err := execBuilder(ctx, s.db, s.sb.Update(tableTests).
		Set("is_significant", isSignificant).
		Set("p_value", null.FloatFromPtr(pValue)).
		Set("updated_at", time.Now().UnixMilli()).
		Where(sq.Eq{"id": id, "state": collectingStates}))
	if err != nil {
		return errors.Wrap(err, "failed to save significance")
	}
	return s.checkSwapped(ctx, s.db, result, id)
}

func (s *SQLStore) SetAutoEnd(ctx context.Context, id string, enabled bool) error {
	result, err := execBuilder(ctx, s.db, s.sb.Update(tableTests).
		Set("auto_end", enabled).
		Set("updated_at", time.Now().UnixMilli()).
		Where(sq.Eq{"id": id}).
		Where(sq.NotEq{"state": []string{string(StateCompleted), string(StateCancelled)}}))
	if err != nil {
		return errors.Wrap(err, "failed to set auto end")
	}
	return s.checkSwapped(ctx, s.db, result, id)
}

func (s *SQLStore) SetTrafficSplit(ctx context.Context, testID string, split map[string]int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		// Touching the parent row first both checks its state and takes the
		// write lock before any variation changes.
		result, err := execBuilder(ctx, tx, s.sb.Update(tableTests).
			Set("updated_at", time.Now().UnixMilli()).
			Where(sq.Eq{"id": testID}).
			Where(sq.NotEq{"state": []string{string(StateCompleted), string(StateCancelled)}}))
		if err != nil {
			return errors.Wrap(err, "failed to lock test")
		}
		if err := s.checkSwapped(ctx, tx, result, testID); err != nil {
			return err
		}

		for variationID, pct := range split {
			result, err := execBuilder(ctx, tx, s.sb.Update(tableVariations).
				Set("traffic_percent", pct).
				Where(sq.Eq{"id": variationID, "test_id": testID}))
			if err != nil {
				return errors.Wrap(err, "failed to update traffic percent")
			}
			n, err := result.RowsAffected()
			if err != nil {
				return errors.Wrap(err, "failed to get rows affected")
			}
			if n == 0 {
				return errors.Wrapf(ErrNotFound, "variation %s", variationID)
			}
		}
		return nil
	})
}

// IncrementCounter atomically adds one to a variation counter and refreshes
// its rates. It reports false without error when the variation does not
// belong to the test or the test is not collecting events.
func (s *SQLStore) IncrementCounter(ctx context.Context, testID, variationID string, counter Counter) (bool, error) {
	column, ok := counterColumns[counter]
	if !ok {
		return false, errors.Newf("unknown counter %q", counter)
	}

	var incremented bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := execBuilder(ctx, tx, s.sb.Update(tableVariations).
			Set(column, sq.Expr(column+" + 1")).
			Where(sq.Eq{"id": variationID, "test_id": testID}).
			Where(sq.Expr(
				"EXISTS (SELECT 1 FROM tests WHERE tests.id = variations.test_id AND tests.state IN (?, ?))",
				collectingStates[0], collectingStates[1],
			)))
		if err != nil {
			return errors.Wrapf(err, "failed to increment %s", column)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "failed to get rows affected")
		}
		if n == 0 {
			return nil
		}

		_, err = execBuilder(ctx, tx, s.sb.Update(tableVariations).
			SetMap(rateColumns).
			Where(sq.Eq{"id": variationID}))
		if err != nil {
			return errors.Wrap(err, "failed to refresh rates")
		}
		incremented = true
		return nil
	})
	return incremented, err
}

func (s *SQLStore) DeleteTest(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := execBuilder(ctx, tx, s.sb.Delete(tableVariations).Where(sq.Eq{"test_id": id})); err != nil {
			return errors.Wrap(err, "failed to delete variations")
		}

		result, err := execBuilder(ctx, tx, s.sb.Delete(tableTests).Where(sq.Eq{"id": id}))
		if err != nil {
			return errors.Wrap(err, "failed to delete test")
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "failed to get rows affected")
		}
		if rowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *SQLStore) variationsOf(ctx context.Context, testIDs ...string) (map[string][]Variation, error) {
	query, args, err := s.sb.Select(variationColumns...).
		From(tableVariations).
		Where(sq.Eq{"test_id": testIDs}).
		OrderBy("test_id", "position").
		ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "failed to build query")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get variations")
	}
	defer rows.Close()

	out := make(map[string][]Variation, len(testIDs))
	for rows.Next() {
		var v Variation
		var contentData null.String
		var createdAt int64
		err := rows.Scan(
			&v.ID, &v.TestID, &v.Position, &v.Name, &v.IsControl, &v.Content, &contentData,
			&v.Impressions, &v.Engagements, &v.Clicks, &v.Conversions,
			&v.EngagementRate, &v.ClickRate, &v.ConversionRate, &v.TrafficPercent, &createdAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan variation")
		}
		if contentData.Valid && contentData.String != "" {
			if err := json.Unmarshal([]byte(contentData.String), &v.ContentData); err != nil {
				return nil, errors.Wrap(err, "failed to unmarshal content data")
			}
		}
		v.CreatedAt = time.UnixMilli(createdAt)
		out[v.TestID] = append(out[v.TestID], v)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate variations")
	}

	return out, nil
}

// checkSwapped turns a zero-row conditional update into ErrNotFound or
// ErrStateConflict depending on whether the test exists.
func (s *SQLStore) checkSwapped(ctx context.Context, q execer, result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if n > 0 {
		return nil
	}

	query, args, err := s.sb.Select("1").From(tableTests).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return errors.Wrap(err, "failed to build query")
	}
	var one int
	err = q.QueryRowContext(ctx, query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return errors.Wrap(err, "failed to check test existence")
	}
	return ErrStateConflict
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func execBuilder(ctx context.Context, q execer, b sq.Sqlizer) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "failed to build query")
	}
	return q.ExecContext(ctx, query, args...)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTest(row rowScanner) (*Test, error) {
	var t Test
	var brandID, winnerID null.String
	var startedAt, endedAt null.Int
	var pValue null.Float
	var goal, state string
	var createdAt, updatedAt int64

	err := row.Scan(
		&t.ID, &t.OwnerID, &brandID, &t.Name, &t.Description, &t.TestType, &goal,
		&t.MinSampleSize, &t.ConfidenceLevel, &t.AutoEndOnSignificance, &state, &startedAt, &endedAt,
		&winnerID, &t.IsSignificant, &pValue, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.GoalMetric = GoalMetric(goal)
	t.State = TestState(state)
	t.BrandID = brandID.Ptr()
	t.WinnerVariationID = winnerID.Ptr()
	t.PValue = pValue.Ptr()
	t.StartedAt = millisToTime(startedAt)
	t.EndedAt = millisToTime(endedAt)
	t.CreatedAt = time.UnixMilli(createdAt)
	t.UpdatedAt = time.UnixMilli(updatedAt)

	return &t, nil
}

func marshalContentData(data map[string]any) (null.String, error) {
	if len(data) == 0 {
		return null.String{}, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return null.String{}, errors.Wrap(err, "failed to marshal content data")
	}
	return null.StringFrom(string(b)), nil
}

func nullableMillis(t *time.Time) null.Int {
	if t == nil {
		return null.Int{}
	}
	return null.IntFrom(t.UnixMilli())
}

func millisToTime(v null.Int) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func statesToStrings(states []TestState) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
