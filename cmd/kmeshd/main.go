// Command kmeshd runs one mesh node: it joins the fixed-membership mesh,
// serves the messaging substrate to in-process clients, and exposes
// Prometheus metrics.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rocketbitz/kmesh-go/config"
	"github.com/rocketbitz/kmesh-go/kmsg"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	fs := pflag.NewFlagSet("kmeshd", pflag.ContinueOnError)
	config.RegisterFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}
	cfg, err := config.Load(fs)
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	nodes, err := cfg.MeshNodes()
	if err != nil {
		return err
	}
	id, err := cfg.ResolveNodeID()
	if err != nil {
		return err
	}

	metrics, err := kmsg.NewPrometheusMetrics(kmsg.PrometheusMetricsOptions{})
	if err != nil {
		return err
	}

	logger.Info("joining mesh",
		zap.Int("node_id", id),
		zap.Int("nodes", len(nodes)))

	node, err := kmsg.Start(kmsg.Config{
		NodeID:           id,
		Nodes:            nodes,
		RingChunks:       cfg.RingChunks,
		RingChunkSize:    cfg.RingChunkSize,
		Logger:           kmsg.NewZapLogger(logger),
		StructuredLogger: kmsg.NewZapLogger(logger),
		Metrics:          metrics,
	})
	if err != nil {
		return err
	}
	logger.Info("mesh established", zap.Int("node_id", node.ID()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	var srv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		g.Go(func() error {
			logger.Info("serving metrics", zap.String("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		if srv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}
		return node.Shutdown()
	})

	err = g.Wait()
	logger.Info("node stopped")
	if err != nil && !errors.Is(err, kmsg.ErrShutdown) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("bad log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	return cfg.Build()
}
