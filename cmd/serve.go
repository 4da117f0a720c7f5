package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-driver/internal/fixtures"
	"github.com/xkilldash9x/scalpel-driver/internal/observability"
)

const shutdownGracePeriod = 15 * time.Second

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the fixture site and its request metrics",
		Long: `Serve runs the HTTP fixture site the integration suite uses until
interrupted. /metrics exposes Prometheus metrics of the serve process
itself: fixture request counts and latencies plus Go runtime and process
collectors. No browser runs here, so driver session metrics are not served.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := getConfig(cmd); err != nil {
				return err
			}
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", addr, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Serving fixtures on http://%s\n", ln.Addr())
			return serve(cmd.Context(), ln, newServeMetrics())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8089", "listen address")
	return cmd
}

// serveMetrics instruments the fixture site on a private registry.
type serveMetrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

func newServeMetrics() *serveMetrics {
	m := &serveMetrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scalpel_driver",
			Subsystem: "fixtures",
			Name:      "requests_total",
			Help:      "Fixture requests served, by status code and method.",
		}, []string{"code", "method"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "scalpel_driver",
			Subsystem: "fixtures",
			Name:      "request_duration_seconds",
			Help:      "Time to serve a fixture request.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"code", "method"}),
	}
	m.registry.MustRegister(
		m.requests,
		m.latency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *serveMetrics) instrument(next http.Handler) http.Handler {
	return promhttp.InstrumentHandlerCounter(m.requests,
		promhttp.InstrumentHandlerDuration(m.latency, next))
}

// serveHandler mounts the instrumented fixture site and the metrics endpoint.
func serveHandler(logger *zap.Logger, metrics *serveMetrics) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{}))
	r.Mount("/", metrics.instrument(fixtures.NewHandler(logger)))
	return r
}

// serve blocks until ctx is cancelled, then shuts the server down gracefully.
func serve(ctx context.Context, ln net.Listener, metrics *serveMetrics) error {
	logger := observability.GetLogger().Named("serve")
	server := &http.Server{
		Handler:           serveHandler(logger, metrics),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(logger.Named("http_server")),
	}

	shutdownErr := make(chan error, 1)
	go func() {
		<-ctx.Done()
		logger.Info("Shutdown signal received, stopping fixture server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		shutdownErr <- server.Shutdown(shutdownCtx)
	}()

	logger.Info("Starting fixture server", zap.String("address", ln.Addr().String()))
	err := server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		err = <-shutdownErr
	}
	if err != nil {
		return fmt.Errorf("fixture server failed: %w", err)
	}
	logger.Info("Fixture server stopped gracefully.")
	return nil
}
