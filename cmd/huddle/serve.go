package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-huddle/v1/core"
	"github.com/mirkobrombin/go-huddle/v1/metrics"
	"github.com/mirkobrombin/go-huddle/v1/realtime"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(v *viper.Viper, configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the session API and live event streams",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v, *configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().String("addr", "", "listen address (http.addr)")
	cmd.Flags().String("transport", "", "change stream transport: memory, redis, nats or kafka")
	cmd.Flags().String("storage", "", "record storage: memory or sqlite")
	_ = v.BindPFlag("http.addr", cmd.Flags().Lookup("addr"))
	_ = v.BindPFlag("transport", cmd.Flags().Lookup("transport"))
	_ = v.BindPFlag("storage", cmd.Flags().Lookup("storage"))
	return cmd
}

// routes mounts the REST API, the live event streams, the admin API and
// the metrics endpoint.
func (a *app) routes(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/sessions/", core.NewHandler(a.board))
	mux.HandleFunc("GET /sessions/{id}/events", realtime.SSEHandler(a.bus, a.board, a.logger))
	mux.HandleFunc("GET /sessions/{id}/ws", realtime.WebSocketHandler(a.bus, a.board, a.logger))
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	a.registerAdmin(mux)
	return mux
}

func installTracing(ctx context.Context) (func(), error) {
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("stdout exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return func() { _ = tp.Shutdown(ctx) }, nil
}

func serve(ctx context.Context, cfg Config) error {
	logger := newLogger(cfg, os.Stderr)

	if cfg.Trace.Stdout {
		shutdown, err := installTracing(context.Background())
		if err != nil {
			return err
		}
		defer shutdown()
	}

	a, err := wireApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("close", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           a.routes(reg),
		ReadHeaderTimeout: 10 * time.Second,
		// live streams end with the server context
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.board.Locks().Run(ctx, cfg.Locks.Sweep)
	}()
	if a.guard != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.guard.Run(ctx, cfg.RateLimit.Window)
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("huddle listening", "addr", cfg.HTTP.Addr, "transport", cfg.Transport, "storage", cfg.Storage)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err = <-errCh:
	case <-ctx.Done():
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		err = srv.Shutdown(sctx)
		cancel()
	}
	cancel()
	wg.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
