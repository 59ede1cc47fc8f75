package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

// rootOptions carries the persistent flags shared by every command.
type rootOptions struct {
	configPath string
	dbDSN      string
	dbDriver   string
	owner      string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "post-goat",
		Short: "post-goat - A/B testing engine for social media content",
		Long: `post-goat runs A/B tests on social media content variations.

It assigns viewers to variations, accumulates impressions, engagements,
clicks and conversions, and declares a winner once a two-proportion z-test
reaches the test's confidence level.

Owner commands are scoped by --owner. Public tracking traffic goes through
'post-goat serve'.`,
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", os.Getenv("PGOAT_CONFIG"), "path to a YAML config file")
	flags.StringVar(&opts.dbDSN, "db", "", "database path or DSN (overrides config)")
	flags.StringVar(&opts.dbDriver, "driver", "", "database driver: sqlite or pgx (overrides config)")
	flags.StringVar(&opts.owner, "owner", getEnvOrDefault("PGOAT_OWNER", "local"), "owner the tests belong to")
	flags.BoolVarP(&opts.verbose, "verbose", "V", false, "log service activity to stderr")

	cmd.AddCommand(
		newCreateCmd(opts),
		newTemplatesCmd(),
		newCreateFromTemplateCmd(opts),
		newListCmd(opts),
		newResultsCmd(opts),
		newExportCmd(opts),
		newStartCmd(opts),
		newPauseCmd(opts),
		newResumeCmd(opts),
		newEndCmd(opts),
		newCancelCmd(opts),
		newDeleteCmd(opts),
		newSplitCmd(opts),
		newAutoEndCmd(opts),
		newTrackCmd(opts),
		newAssignCmd(opts),
		newServeCmd(opts),
	)

	return cmd
}

func Execute(ctx context.Context) error {
	return newRootCmd().ExecuteContext(ctx)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
