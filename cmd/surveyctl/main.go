// Command surveyctl ingests survey submissions into the upsert tables and
// reads them back.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"surveycore/internal/config"
	"surveycore/internal/ingest"
	"surveycore/internal/logging"
	"surveycore/internal/metrics"
	"surveycore/internal/schema"
)

var exitFunc = os.Exit

// cli holds the state shared by every subcommand. It is filled in by the
// root command's PersistentPreRunE.
type cli struct {
	configPath string
	verbose    bool
	demo       bool

	cfg     *config.Config
	logger  *zap.Logger
	reg     *schema.Registry
	metrics *metrics.Metrics

	stdout io.Writer
	stderr io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	c := &cli{stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:           "surveyctl",
		Short:         "Normalize survey submissions and upsert them into one row per respondent",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log.Level, c.verbose)
			if err != nil {
				return err
			}
			reg, err := schema.Load()
			if err != nil {
				return fmt.Errorf("load schema registry: %w", err)
			}
			c.cfg, c.logger, c.reg, c.metrics = cfg, logger, reg, metrics.New()
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.logger != nil {
				_ = c.logger.Sync()
			}
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "surveycore.toml", "path to the TOML config file")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().BoolVar(&c.demo, "demo", false, "use the demo table instead of records")

	root.AddCommand(
		c.ingestCmd(),
		c.rowCmd(),
		c.exportCmd(),
		c.schemaCmd(),
	)
	return root
}

func (c *cli) target() ingest.Target {
	if c.demo {
		return ingest.Demo
	}
	return ingest.Records
}

func (c *cli) open(ctx context.Context) (*ingest.Service, error) {
	return ingest.Open(ctx, c.cfg, c.reg, c.logger, c.metrics)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "surveyctl:", err)
		stop()
		exitFunc(1)
	}
}
