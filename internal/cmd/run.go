package cmd

import (
	"context"
	"encoding/json"
	"errors"
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

	"github.com/trickstertwo/streambus"
)

type runOptions struct {
	subjects    []string
	allow       []string
	metricsAddr string
}

func newRunCommand(a *app) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler and log messages on the given subjects",
		Long: "run consumes every --subject with a consumer that logs each body, fires due scheduled\n" +
			"messages and cron schedules, and serves Prometheus metrics when --metrics is set.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return a.run(ctx, opts)
		},
	}
	cmd.Flags().StringSliceVar(&opts.subjects, "subject", nil, "Subject to consume and log (repeatable)")
	cmd.Flags().StringSliceVar(&opts.allow, "allow", nil, "Extra subjects whose scheduled raw JSON may be fired")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics", "", "Serve /metrics on this address (default from STREAMBUS_METRICS_ADDR)")
	return cmd
}

func (a *app) run(ctx context.Context, opts *runOptions) error {
	addr := opts.metricsAddr
	if addr == "" {
		addr = a.cfg.MetricsAddr
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	registry := streambus.NewRegistry()
	registry.Allow(opts.allow...)
	consumers := streambus.NewConsumers()
	for _, subject := range opts.subjects {
		streambus.HandleSubject(consumers, subject, "cli-log", a.logBody(subject))
	}

	bus, err := a.newBus(func(bb *streambus.BusBuilder) {
		bb.WithRegistry(registry).
			WithConsumers(consumers).
			WithObserver(streambus.NewPrometheusObserver(reg))
	})
	if err != nil {
		return err
	}
	defer func() { _ = bus.Close(context.Background()) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bus.Run(gctx) })
	if addr != "" {
		srv := &http.Server{Addr: addr, Handler: metricsMux(reg, bus), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			a.logger.Info().Str("addr", addr).Msg("metrics listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}
	return g.Wait()
}

func (a *app) logBody(subject string) func(context.Context, json.RawMessage) error {
	return func(ctx context.Context, body json.RawMessage) error {
		a.logger.Info().Str("subject", subject).Str("body", string(body)).Msg("message")
		return nil
	}
}

func metricsMux(reg *prometheus.Registry, bus *streambus.Bus) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		h := bus.Health(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if h.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(h)
	})
	return mux
}
