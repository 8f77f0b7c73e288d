// Package cmd defines the CLI commands for the rcsb-pdb-crawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/rcsb-pdb-crawler/internal/app"
	"github.com/JakeFAU/rcsb-pdb-crawler/internal/config"
	"github.com/JakeFAU/rcsb-pdb-crawler/internal/logging"
)

type contextKey string

const (
	cfgKey    contextKey = "config"
	loggerKey contextKey = "logger"
)

// runOptions are flag overrides applied on top of the loaded config.
type runOptions struct {
	cfgFile    string
	mode       string
	pdbID      string
	maxTargets int
	startFrom  int
}

// newApp is the application factory. Tests replace it to inject overrides.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger, app.Overrides{})
}

func newRootCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "rcsb-pdb-crawler",
		Short: "Ingests RCSB Protein Data Bank entries into canonical records.",
		Long: `rcsb-pdb-crawler pages through the RCSB search API, fetches every
entry with its entities, chemical components, DrugBank cross references and
assembly, audits the published files and writes one record per structure.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)
			ctx := context.WithValue(cmd.Context(), cfgKey, cfg)
			ctx = context.WithValue(ctx, loggerKey, logger)
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if logger, ok := cmd.Context().Value(loggerKey).(*zap.Logger); ok {
				_ = logger.Sync()
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	flags.StringVar(&opts.mode, "mode", "", "run mode: full or incremental")
	flags.StringVar(&opts.pdbID, "pdb-id", "", "ingest a single identifier and skip search")
	flags.IntVar(&opts.maxTargets, "max-targets", 0, "cap on identifiers fed from search")
	flags.IntVar(&opts.startFrom, "start-from", 0, "first search offset")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newServeCmd())
	return cmd
}

func loadConfig(cmd *cobra.Command, opts *runOptions) (config.Config, error) {
	cfg, err := config.Load(opts.cfgFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	flags := cmd.Flags()
	if flags.Changed("mode") {
		cfg.Run.Mode = opts.mode
	}
	if flags.Changed("pdb-id") {
		cfg.Run.PDBID = opts.pdbID
	}
	if flags.Changed("max-targets") {
		cfg.Run.MaxTargets = opts.maxTargets
	}
	if flags.Changed("start-from") {
		cfg.Run.StartFrom = opts.startFrom
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func fromContext(ctx context.Context) (config.Config, *zap.Logger, error) {
	cfg, ok := ctx.Value(cfgKey).(config.Config)
	logger, lok := ctx.Value(loggerKey).(*zap.Logger)
	if !ok || !lok {
		return config.Config{}, nil, errors.New("configuration not initialized")
	}
	return cfg, logger, nil
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
