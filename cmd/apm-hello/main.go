// Command apm-hello serves GET /health and GET / behind the monitoring middleware.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	monitor "github.com/aidenappl/apm-hello"
	"github.com/aidenappl/apm-hello/internal/logging"
	"github.com/aidenappl/apm-hello/internal/server"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

type options struct {
	configFile      string
	listen          string
	metricsListen   string
	logLevel        string
	logFormat       string
	logDevelopment  bool
	corsOrigins     []string
	shutdownTimeout time.Duration
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "apm-hello",
		Short: "Hello service instrumented with APM request spans",
		Long: `apm-hello serves GET /health and GET / and reports one span per request
to the APM collector configured through APM_SERVICE_NAME, APM_SERVER_URL,
APM_SECRET_TOKEN and APM_ENVIRONMENT (or a YAML config file).`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", os.Getenv(monitor.EnvConfigFile), "Path to YAML config file (fallback for APM_* variables)")

	f := cmd.Flags()
	f.StringVar(&opts.listen, "listen", ":8000", "Listen address for the application")
	f.StringVar(&opts.metricsListen, "metrics-listen", ":9090", "Listen address for Prometheus metrics (empty disables)")
	f.StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	f.StringVar(&opts.logFormat, "log-format", "", "Log encoding (json, console)")
	f.BoolVar(&opts.logDevelopment, "log-development", false, "Use development logging defaults")
	f.StringSliceVar(&opts.corsOrigins, "cors-origin", nil, "Allowed CORS origin (repeatable)")
	f.DurationVar(&opts.shutdownTimeout, "shutdown-timeout", 10*time.Second, "Time allowed for draining requests and spans on shutdown")

	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newValidateCommand(opts))
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "apm-hello %s\n", version)
			fmt.Fprintf(out, "  commit:  %s\n", commit)
			fmt.Fprintf(out, "  built:   %s\n", buildTime)
		},
	}
}

func newValidateCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the monitoring configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := monitor.LoadConfig(opts.configFile)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Configuration is valid")
			kv := cfg.LogValues()
			for i := 0; i+1 < len(kv); i += 2 {
				fmt.Fprintf(out, "  %s: %v\n", kv[i], kv[i+1])
			}
			return nil
		},
	}
}

func run(ctx context.Context, opts *options) error {
	log, err := logging.NewLogger(logging.Config{
		Level:       opts.logLevel,
		Encoding:    opts.logFormat,
		Development: opts.logDevelopment,
	})
	if err != nil {
		return err
	}

	cfg, err := monitor.LoadConfig(opts.configFile)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	client, err := monitor.New(cfg, monitor.WithLogger(log), monitor.WithRegisterer(reg))
	if err != nil {
		return err
	}
	log.Info("monitoring configured", cfg.LogValues()...)

	servers := []*http.Server{{
		Addr:              opts.listen,
		Handler:           server.New(client, log, server.Options{CORSAllowedOrigins: opts.corsOrigins}),
		ReadHeaderTimeout: 10 * time.Second,
	}}
	if opts.metricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		servers = append(servers, &http.Server{
			Addr:              opts.metricsListen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			log.Info("listening", "address", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("listening on %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), opts.shutdownTimeout)
		defer cancel()

		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(shutdownCtx))
		}
		if err := client.Shutdown(shutdownCtx); err != nil {
			log.Error(err, "spans dropped during shutdown")
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}
