package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wesleyorama2/chatload/internal/loadgen/config"
	"github.com/wesleyorama2/chatload/internal/loadgen/coordinator"
	"github.com/wesleyorama2/chatload/internal/loadgen/metrics"
	"github.com/wesleyorama2/chatload/internal/loadgen/output"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a load test against a chat service",
		Long: `Spawn simulated chat sessions at a fixed rate, hold for the run duration
and print a summary. Flags override values from the configuration file.

  chatload run --host http://localhost:8080 --users 100 --spawn-rate 10 --run-time 5m
  chatload run --config run.yaml --headless --report report.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runLoad(ctx, cmd, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	f := cmd.Flags()
	f.StringP("config", "c", "", "Configuration file (YAML or JSON)")
	f.String("name", "", "Run name shown in the summary")
	f.String("host", "", "Chat service root URL")
	f.IntP("users", "u", 0, "Number of concurrent sessions")
	f.Float64P("spawn-rate", "r", 0, "Sessions started per second")
	f.StringP("run-time", "t", "", "Run duration (e.g. 30s, 5m, or seconds)")
	f.String("wait-min", "", "Minimum wait between tasks")
	f.String("wait-max", "", "Maximum wait between tasks")
	f.String("grace", "", "Time sessions get to stop before being force-terminated")
	f.Int64("seed", 0, "Seed for reproducible task draws (0 picks one)")
	f.String("transport", "", "Message transport: synthetic or websocket")
	f.Bool("contracts", false, "Check response bodies against JSON schemas")
	f.Bool("headless", false, "Disable the live progress display")
	f.String("report", "", "Write the run report to this file (.json, .yaml)")
	f.String("metrics-addr", "", "Serve Prometheus metrics on this address during the run")
	f.String("log-level", "", "Log level: debug, info, warn, error")
	f.String("log-format", "", "Log format: console or json")
	return cmd
}

func runLoad(ctx context.Context, cmd *cobra.Command, stdout, stderr io.Writer) error {
	cfg, err := loadRunConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Log.Level, cfg.Log.Format, stderr)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	var opts []coordinator.Option
	opts = append(opts, coordinator.WithLogger(logger))

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		sink, err := metrics.NewPrometheusSink(reg)
		if err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		opts = append(opts, coordinator.WithSink(sink))

		shutdown := serveMetrics(cfg.MetricsAddr, reg, logger)
		defer shutdown()
	}

	coord, err := coordinator.New(cfg, opts...)
	if err != nil {
		return err
	}
	effective := coord.Config()

	console := output.NewConsole(output.ConsoleConfig{Writer: stdout})
	console.PrintHeader(output.Header{
		Name:      effective.Name,
		Host:      effective.Host,
		Sessions:  effective.Sessions,
		SpawnRate: effective.SpawnRate,
		Duration:  time.Duration(effective.Duration),
		Seed:      coord.Seed(),
		Transport: effective.Stream.Transport,
	})

	done := make(chan struct{})
	progressDone := make(chan struct{})
	if effective.Headless {
		close(progressDone)
	} else {
		go func() {
			defer close(progressDone)
			reportProgress(coord, console, done)
		}()
	}

	report, err := coord.Run(ctx)
	close(done)
	<-progressDone
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}

	console.PrintSummary(report)

	if effective.Report.Path != "" {
		if err := report.WriteFile(effective.Report.Path); err != nil {
			return err
		}
		logger.Info("report written", zap.String("path", effective.Report.Path))
	}
	return nil
}

// loadRunConfig reads the configuration file, if any, and applies flags
// that were set explicitly on top of it.
func loadRunConfig(cmd *cobra.Command) (*config.RunConfig, error) {
	f := cmd.Flags()

	cfg := &config.RunConfig{}
	if path, _ := f.GetString("config"); path != "" {
		loaded, err := config.LoadConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if f.Changed("name") {
		cfg.Name, _ = f.GetString("name")
	}
	if f.Changed("host") {
		cfg.Host, _ = f.GetString("host")
	}
	if f.Changed("users") {
		cfg.Sessions, _ = f.GetInt("users")
	}
	if f.Changed("spawn-rate") {
		cfg.SpawnRate, _ = f.GetFloat64("spawn-rate")
	}
	if f.Changed("seed") {
		cfg.Seed, _ = f.GetInt64("seed")
	}
	if f.Changed("transport") {
		cfg.Stream.Transport, _ = f.GetString("transport")
	}
	if f.Changed("contracts") {
		cfg.Contracts, _ = f.GetBool("contracts")
	}
	if f.Changed("headless") {
		cfg.Headless, _ = f.GetBool("headless")
	}
	if f.Changed("report") {
		cfg.Report.Path, _ = f.GetString("report")
	}
	if f.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = f.GetString("metrics-addr")
	}
	if f.Changed("log-level") {
		cfg.Log.Level, _ = f.GetString("log-level")
	}
	if f.Changed("log-format") {
		cfg.Log.Format, _ = f.GetString("log-format")
	}

	durations := []struct {
		flag   string
		target *config.Duration
	}{
		{"run-time", &cfg.Duration},
		{"wait-min", &cfg.Wait.Min},
		{"wait-max", &cfg.Wait.Max},
	}
	for _, d := range durations {
		if !f.Changed(d.flag) {
			continue
		}
		s, _ := f.GetString(d.flag)
		v, err := config.ParseDurationString(s)
		if err != nil {
			return nil, fmt.Errorf("--%s: %w", d.flag, err)
		}
		*d.target = config.Duration(v)
	}

	if f.Changed("grace") {
		s, _ := f.GetString("grace")
		v, err := config.ParseDurationString(s)
		if err != nil {
			return nil, fmt.Errorf("--grace: %w", err)
		}
		cfg.GracePeriod = config.DurationOf(v)
	}

	return cfg, nil
}

func reportProgress(coord *coordinator.Coordinator, console *output.Console, done <-chan struct{}) {
	interval := time.Second
	if !console.IsTTY() {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			p := coord.Progress()
			if console.IsTTY() {
				console.Update(p)
			} else {
				console.PrintProgressLine(p)
			}
		}
	}
}

// serveMetrics exposes reg on addr and returns a shutdown func.
func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
