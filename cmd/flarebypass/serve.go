package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cloudflyer-project/flarebypass"
	"github.com/cloudflyer-project/flarebypass/chromedriver"
	"github.com/cloudflyer-project/flarebypass/internal/config"
	"github.com/cloudflyer-project/flarebypass/internal/history"
	"github.com/cloudflyer-project/flarebypass/internal/logging"
	"github.com/cloudflyer-project/flarebypass/internal/metrics"
	"github.com/cloudflyer-project/flarebypass/server"
)

// serve command
func newServeCmd() *cobra.Command {
	var (
		host        string
		port        int
		proxy       string
		headful     bool
		xvfb        bool
		disableGPU  bool
		debugDir    string
		historyPath string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the solver HTTP service",
		Long: `Start the solver HTTP service.

Flags override the FLAREBYPASS_* environment variables.

Example:
    flarebypass serve -P 8080
    curl -X POST http://127.0.0.1:8080/v1 -H 'Content-Type: application/json' \
        -d '{"cmd":"get_cookies","url":"https://protected-site.com","maxTimeout":60000}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if flags.Changed("host") {
				cfg.Server.Host = host
			}
			if flags.Changed("port") {
				cfg.Server.Port = port
			}
			if flags.Changed("proxy") {
				cfg.Proxy.Default = proxy
			}
			if flags.Changed("headful") {
				cfg.Browser.Headless = !headful
			}
			if flags.Changed("xvfb") {
				cfg.Browser.Xvfb = xvfb
			}
			if flags.Changed("disable-gpu") {
				cfg.Browser.DisableGPU = disableGPU
			}
			if flags.Changed("debug-dir") {
				cfg.Browser.DebugDir = debugDir
			}
			if flags.Changed("history") {
				cfg.History.Path = historyPath
			}
			return runServe(cmd.Context(), cfg, logger)
		},
	}

	cmd.Flags().StringVarP(&host, "host", "H", "0.0.0.0", "Listen address")
	cmd.Flags().IntVarP(&port, "port", "P", 8080, "Listen port")
	cmd.Flags().StringVarP(&proxy, "proxy", "X", "", "Default proxy for requests without one")
	cmd.Flags().BoolVar(&headful, "headful", false, "Show browser windows")
	cmd.Flags().BoolVar(&xvfb, "xvfb", false, "Run headful browsers on a virtual display")
	cmd.Flags().BoolVar(&disableGPU, "disable-gpu", false, "Disable GPU acceleration")
	cmd.Flags().StringVar(&debugDir, "debug-dir", "", "Save screenshots and DOM dumps of every solve here")
	cmd.Flags().StringVar(&historyPath, "history", "", "Record solves into this SQLite database")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	solver, cleanup, err := buildSolver(cfg, logger, m)
	if err != nil {
		return err
	}
	defer cleanup()

	opts := []server.Option{
		server.WithLogger(logging.Component(logger, "server")),
		server.WithMetrics(m, reg),
	}
	if cfg.History.Path != "" {
		store, err := history.Open(cfg.History.Path, logging.Component(logger, "history"))
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, server.WithHistory(store))
	}

	srv := server.New(solver, opts...)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(cfg.Server.Addr())
	}()
	logger.Info().
		Str("addr", cfg.Server.Addr()).
		Str("version", flarebypass.Version).
		Strs("commands", solver.Commands()).
		Msg("Solver service started")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return <-errCh
}

// buildSolver wires a Solver from configuration. cleanup stops everything the
// solver started.
func buildSolver(cfg *config.Config, logger zerolog.Logger, m *metrics.Metrics) (*flarebypass.Solver, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	factoryOpts := []chromedriver.FactoryOption{
		chromedriver.WithExecPath(cfg.Browser.ExecPath),
		chromedriver.WithWindowSize(cfg.Browser.WindowWidth, cfg.Browser.WindowHeight),
		chromedriver.WithLogger(logging.Component(logger, "browser")),
	}
	if cfg.Browser.Xvfb && !cfg.Browser.Headless {
		display := chromedriver.NewDisplay(cfg.Browser.Display, "", logging.Component(logger, "xvfb"))
		if err := display.Start(); err != nil {
			return nil, nil, fmt.Errorf("failed to start virtual display: %w", err)
		}
		closers = append(closers, func() {
			if err := display.Stop(); err != nil {
				logger.Warn().Err(err).Msg("Failed to stop virtual display")
			}
		})
		factoryOpts = append(factoryOpts, chromedriver.WithDisplay(display))
	}

	command := cfg.Proxy.Command
	if command == "" {
		self, err := flarebypass.SelfForwarderCommand()
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("failed to locate forwarder executable: %w", err)
		}
		command = self
	}
	controller := flarebypass.NewProxyController(
		flarebypass.WithPortRange(cfg.Proxy.PortStart, cfg.Proxy.PortEnd),
		flarebypass.WithForwarderCommand(command),
		flarebypass.WithReadySignal(cfg.Proxy.ReadySignal),
		flarebypass.WithReadyTimeout(cfg.Proxy.ReadyTimeout),
		flarebypass.WithProxyLogger(logging.Component(logger, "proxy")),
		flarebypass.WithProxyMetrics(m),
	)
	closers = append(closers, controller.Close)

	solver := flarebypass.NewSolver(chromedriver.NewFactory(factoryOpts...),
		flarebypass.WithDefaultProxy(cfg.Proxy.Default),
		flarebypass.WithProxyController(controller),
		flarebypass.WithHeadless(cfg.Browser.Headless),
		flarebypass.WithDisableGPU(cfg.Browser.DisableGPU),
		flarebypass.WithReliableStep(cfg.Solver.ReliableStep),
		flarebypass.WithReliableClick(cfg.Solver.ReliableClick),
		flarebypass.WithPollInterval(cfg.Solver.PollInterval),
		flarebypass.WithClickPause(cfg.Solver.ClickPause),
		flarebypass.WithDebugDir(cfg.Browser.DebugDir),
		flarebypass.WithLogger(logging.Component(logger, "solver")),
		flarebypass.WithMetrics(m),
	)
	return solver, cleanup, nil
}
