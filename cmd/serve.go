package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/rcsb-pdb-crawler/internal/api"
)

func newServeCmd() *cobra.Command {
	var keepAlive bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs one ingestion pass behind the ops HTTP server",
		Long: `Starts the ops server (/healthz, /readyz, /metrics, /v1/runs/current)
and runs one ingestion pass. With --keep-alive the server keeps answering
after the run finishes until the process is signalled.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServeCommand(cmd.Context(), keepAlive)
		},
	}
	cmd.Flags().BoolVar(&keepAlive, "keep-alive", false, "keep serving after the run finishes")
	return cmd
}

func runServeCommand(ctx context.Context, keepAlive bool) error {
	cfg, logger, err := fromContext(ctx)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			logger.Warn("error closing application services", zap.Error(cerr))
		}
	}()

	srv := api.NewServer(a, a, logger.Named("api"))
	serverCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()

	g, gctx := errgroup.WithContext(serverCtx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, ":"+strconv.Itoa(cfg.Server.Port))
	})
	g.Go(func() error {
		summary, runErr := a.Run(gctx)
		logger.Info("ingestion run finished", summary.Fields()...)
		if !keepAlive {
			stopServer()
		}
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			return fmt.Errorf("run crawler: %w", runErr)
		}
		return nil
	})
	return g.Wait()
}
