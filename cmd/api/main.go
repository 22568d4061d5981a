package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"newsfeed-refresh/internal/api"
	"newsfeed-refresh/internal/app"
	"newsfeed-refresh/internal/auth"
	"newsfeed-refresh/internal/config"
	"newsfeed-refresh/internal/ratelimit"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	defer rt.Close()

	var limiter api.Limiter
	if rt.Redis != nil {
		limiter = ratelimit.NewTokenBucket(rt.Redis, cfg.RedisKeyPrefix, cfg.RateLimitCapacity, cfg.RateLimitRefill)
	}
	var prefs api.PreferenceStore
	if rt.Postgres != nil {
		prefs = rt.Postgres
	}
	if cfg.JWTSecret == "your-secret-key" && cfg.Env != "dev" {
		log.Printf("warning: JWT_SECRET is the development default")
	}

	server := api.New(cfg, rt.Service, auth.NewVerifier(cfg.JWTSecret), limiter, prefs)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("api listening on :%s (store=%s)", cfg.HTTPPort, cfg.StoreBackend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if cfg.EmbeddedWorkers {
		pool, err := rt.NewPool(ctx)
		if err != nil {
			log.Fatalf("init workers: %v", err)
		}
		g.Go(func() error { return pool.Run(gctx) })
		g.Go(func() error { return rt.NewJanitor().Run(gctx) })
	}

	if err := g.Wait(); err != nil {
		log.Printf("api stopped: %v", err)
	}
}
