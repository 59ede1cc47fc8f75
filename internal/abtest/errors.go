package abtest

import (
	"github.com/cockroachdb/errors"

	"github.com/headline-goat/post-goat/internal/store"
)

// Base errors, mapped to status codes by the transport layer
var (
	// BadParameterError is rendered with the http status code 400
	BadParameterError = errors.New("bad parameter")

	// NotFoundError is rendered with the http status code 404
	NotFoundError = errors.New("not found")
)

// Test errors. Tests owned by someone else are reported as not found.
var (
	ErrTestNotFound        = errors.Wrap(NotFoundError, "test not found")
	ErrTooFewVariations    = errors.Wrap(BadParameterError, "a test needs at least 2 variations")
	ErrUnknownTemplate     = errors.Wrap(BadParameterError, "unknown template")
	ErrInvalidInput        = errors.Wrap(BadParameterError, "invalid input")
	ErrInvalidTransition   = errors.Wrap(BadParameterError, "invalid state transition")
	ErrInvalidWinner       = errors.Wrap(BadParameterError, "winner is not a variation of this test")
	ErrInvalidTrafficSplit = errors.Wrap(BadParameterError, "invalid traffic split")
)

// storeError translates store sentinels into service errors.
func storeError(err error, action string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return ErrTestNotFound
	case errors.Is(err, store.ErrStateConflict):
		return errors.Wrapf(ErrInvalidTransition, "test changed state before it could %s", action)
	default:
		return errors.Wrapf(err, "failed to %s", action)
	}
}
