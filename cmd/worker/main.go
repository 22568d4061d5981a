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

	"newsfeed-refresh/internal/app"
	"newsfeed-refresh/internal/config"
	"newsfeed-refresh/internal/telemetry"
)

func main() {
	cfg := config.Load()
	if cfg.StoreBackend == config.BackendMemory {
		log.Fatalf("a standalone worker cannot share the in-memory store; use STORE_BACKEND=redis")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}
	defer rt.Close()

	pool, err := rt.NewPool(ctx)
	if err != nil {
		log.Fatalf("init workers: %v", err)
	}

	metrics := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return rt.NewJanitor().Run(gctx) })
	g.Go(func() error {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server stopped: %v", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metrics.Shutdown(shutdownCtx)
	})

	log.Printf("worker started concurrency=%d claim_timeout=%s exec_timeout=%s", cfg.WorkerConcurrency, cfg.ClaimTimeout, cfg.ExecutorTimeout)
	if err := g.Wait(); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
