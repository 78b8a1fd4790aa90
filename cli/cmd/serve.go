package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/BDNK1/chatflow/runtime"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP ingestion service",
	Long: `Serve publishes the configured flows, recovers sessions left mid-flow by
a previous run and accepts inbound messages over HTTP. Expired session
timeouts are handled by a background scanner.

Example:
  chatflow serve
  chatflow serve --config ./deploy/chatflow.yaml
`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := newService(ctx, cfg)
	if err != nil {
		return err
	}
	l := svc.l

	if err := svc.manager.Recover(ctx); err != nil {
		l.Error("Session recovery failed", "error", err)
	}

	scanner := runtime.NewTimeoutScanner(l, svc.store, svc.manager, cfg.Scanner.Interval, cfg.Scanner.Batch)
	scanner.Start(ctx)

	gin.SetMode(gin.ReleaseMode)
	g := gin.New()
	g.Use(gin.Recovery())
	runtime.NewHTTPHandler(l, svc.manager, svc.store, g)

	srv := &http.Server{Addr: ":" + cfg.Server.Port, Handler: g}
	serveErr := make(chan error, 1)
	go func() {
		l.Info("Listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			l.Error("Server failed", "error", err)
		}
	}
	l.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := svc.manager.Drain(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("drain: %w", err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if err := svc.shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
