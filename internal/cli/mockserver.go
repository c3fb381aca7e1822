package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wesleyorama2/chatload/internal/chatmock"
)

func newMockServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mock-server",
		Short: "Serve an in-memory chat service to run load tests against",
		Long: `Start a local chat service implementing the endpoints chatload exercises.
Faults can be injected to rehearse signup rejections and a lagging search index.

  chatload mock-server --addr :8080 --fail-signup-every 10 --search-not-found 4`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serveMock(ctx, cmd)
		},
	}

	f := cmd.Flags()
	f.String("addr", ":8080", "Listen address")
	f.Int("fail-signup-every", 0, "Reject every Nth signup with 400 (0 disables)")
	f.Int("search-not-found", 0, "Answer the first N user searches with 404")
	f.Duration("latency", 0, "Delay added to every request")
	f.String("log-level", "info", "Log level: debug, info, warn, error")
	f.String("log-format", "console", "Log format: console or json")
	return cmd
}

func serveMock(ctx context.Context, cmd *cobra.Command) error {
	f := cmd.Flags()
	addr, _ := f.GetString("addr")
	failEvery, _ := f.GetInt("fail-signup-every")
	notFound, _ := f.GetInt("search-not-found")
	latency, _ := f.GetDuration("latency")
	level, _ := f.GetString("log-level")
	format, _ := f.GetString("log-format")

	if failEvery < 0 || notFound < 0 || latency < 0 {
		return fmt.Errorf("fault injection values cannot be negative")
	}

	logger, err := newLogger(level, format, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	opts := chatmock.Options{
		SearchNotFound: notFound,
		Latency:        latency,
		Logger:         logger,
	}
	if failEvery > 0 {
		opts.RejectSignup = chatmock.RejectEvery(failEvery)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           chatmock.New(opts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("mock chat service listening",
			zap.String("addr", addr),
			zap.Int("fail_signup_every", failEvery),
			zap.Int("search_not_found", notFound),
			zap.Duration("latency", latency))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down mock chat service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
