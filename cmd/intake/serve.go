package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cdcw/intake/internal/api"
	"github.com/cdcw/intake/internal/worker"
	"github.com/cdcw/intake/pkg/intake"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the station API and background sync",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(os.Stdout, cfg.Log))
	slog.Info("configuration loaded", "level", cfg.Log.Level, "ledger", cfg.Ledger.URL)

	st, err := intake.Open(ctx, cfg)
	if err != nil {
		return err
	}
	scheduler, err := worker.NewSyncScheduler(st, cfg.Sync.Interval.Std())
	if err != nil {
		st.Close()
		return err
	}

	router := api.NewRouter(api.NewHandler(st, cfg.Auth.APIKey, Version))
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}

	var wg sync.WaitGroup
	startWorker(ctx, &wg, "sync-scheduler", scheduler.Run)

	// Anything left from a previous run goes out first.
	st.Resume()

	go func() {
		slog.Info("server starting", "address", addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	wg.Wait()

	// Closing the station waits for an in-flight drain.
	if err := st.Close(); err != nil {
		slog.Error("station close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
