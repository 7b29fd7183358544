package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/parcelmap/parcelmap-go/internal/server"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the query API and the pipeline trigger",
	Long: `Start the HTTP API. On startup any run left mid-flight by a previous
process is resumed in the background before new triggers are accepted.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.ValidateServe(); err != nil {
		return err
	}

	stack, err := buildStack()
	if err != nil {
		return err
	}
	defer stack.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		resumed, err := stack.pipeline.ResumeLatest(ctx)
		if err != nil {
			logger.WithError(err).Error("Startup resume failed")
			return
		}
		if resumed {
			logger.Info("Startup resume completed")
		}
	}()

	srv := server.New(cfg.API.Addr, stack.store, stack.ledger, stack.pipeline, cfg.API.SharedSecret, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
