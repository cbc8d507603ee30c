package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/consumer"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/server"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/redis"
)

func newServeCommand(a *app) *cobra.Command {
	var (
		port    int
		consume bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the index over HTTP",
		Long: `Serves queries, payload writes and field management over HTTP on
server.port. With --consume, payload events from Kafka are applied
alongside. The index is flushed every index.flushInterval and on shutdown.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if port != 0 {
				a.cfg.Server.Port = port
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(logger.WithOperation(ctx, "serve"), consume)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port, overrides server.port")
	cmd.Flags().BoolVar(&consume, "consume", false, "also apply payload events from Kafka")
	return cmd
}

func (a *app) serve(ctx context.Context, consume bool) error {
	cfg := a.cfg
	log := logger.FromContext(ctx)

	idx, err := a.openIndex(ctx)
	if err != nil {
		return err
	}
	defer idx.Close()

	checker := health.NewChecker(0)
	checker.Register("storage", health.ErrorCheck(idx.Ping, health.StatusDown))
	checker.Register("index", func(context.Context) health.ComponentHealth {
		return health.ComponentHealth{
			Status:  health.StatusUp,
			Message: fmt.Sprintf("%d points, %d fields, sealed=%t", idx.PointsCount(), len(idx.IndexedFields()), idx.Sealed()),
		}
	})

	var cache *server.QueryCache
	if cfg.Server.QueryCache {
		rc, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("connecting query cache: %w", err)
		}
		defer rc.Close()
		cache = server.NewQueryCache(rc, cfg.Redis.KeyPrefix, cfg.Redis.CacheTTL)
		checker.Register("query_cache", health.ErrorCheck(rc.Ping, health.StatusDegraded))
	}

	var limiter *middleware.Limiter
	if cfg.Server.RateLimit > 0 {
		limiter = middleware.NewLimiter(cfg.Server.RateLimit, cfg.Server.RateWindow)
	}
	h := server.New(idx, cache, cfg.Index.HardwareBudget)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.NewRouter(h, checker, server.RouterConfig{RequestTimeout: cfg.Server.RequestTimeout, Limiter: limiter}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	var kc *kafka.Consumer
	if consume {
		kc = kafka.NewConsumer(cfg.Kafka, consumer.HandleMessage(idx))
		checker.Register("kafka", func(context.Context) health.ComponentHealth {
			return health.ComponentHealth{Status: health.StatusUp, Message: "consuming " + cfg.Kafka.PayloadTopic}
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.New(kc, idx, cfg.Index.FlushInterval).Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down http server")
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		log.Info("payload index service listening", "addr", srv.Addr, "consume", consume, "query_cache", cache != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	err = g.Wait()
	log.Info("payload index service stopped")
	return err
}
