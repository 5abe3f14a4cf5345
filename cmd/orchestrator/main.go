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

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mediafoundry/orchestrator/internal/api"
	"github.com/mediafoundry/orchestrator/internal/chain"
	"github.com/mediafoundry/orchestrator/internal/claim"
	"github.com/mediafoundry/orchestrator/internal/config"
	"github.com/mediafoundry/orchestrator/internal/events"
	"github.com/mediafoundry/orchestrator/internal/generate"
	"github.com/mediafoundry/orchestrator/internal/listener"
	"github.com/mediafoundry/orchestrator/internal/pipeline"
	"github.com/mediafoundry/orchestrator/internal/registry"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}
	reg := registry.NewRedis(rdb)

	// ── Chain client (orchestrator key + ABI bindings) ────────────────────────
	onchain, err := chain.NewClient(cfg)
	if err != nil {
		log.Fatal("chain client init failed", zap.Error(err))
	}
	log.Info("chain client ready",
		zap.String("signer", onchain.SignerAddress().Hex()),
		zap.Int64("chain_id", onchain.ChainID().Int64()),
	)

	// ── Event bus + logging subscriber ────────────────────────────────────────
	bus := events.NewBus()
	go logEvents(ctx, bus, log)

	// ── Pipeline + claim service ──────────────────────────────────────────────
	gen := generate.NewClient(cfg, log)
	pipe := pipeline.New(cfg, onchain, gen, reg, bus, onchain.PrivateKey(), log)
	claims := claim.NewService(onchain, reg, bus, log)

	// ── Request listener ──────────────────────────────────────────────────────
	lst := listener.New(cfg, onchain, listener.Func(func(ctx context.Context, ev chain.RequestEvent) {
		if _, err := pipe.Process(ctx, ev); err != nil {
			log.Error("pipeline run failed", zap.Uint64("request", ev.RequestID), zap.Error(err))
		}
	}), reg, log)
	go func() {
		if err := lst.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Fatal("listener failed", zap.Error(err))
		}
	}()

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	api.NewHandler(cfg, onchain, claims, reg, log).Register(r.Group("/api"))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}

// logEvents mirrors pipeline progress into the structured log. Purely an
// observer; losing an event here loses a log line, nothing else.
func logEvents(ctx context.Context, bus *events.Bus, log *zap.Logger) {
	ch, cancel := bus.Subscribe(64)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			fields := []zap.Field{zap.Uint64("request", ev.RequestID)}
			if ev.Role != "" {
				fields = append(fields, zap.String("role", string(ev.Role)))
			}
			if ev.Amount != nil {
				fields = append(fields, zap.String("amount", ev.Amount.String()))
			}
			if ev.Reason != "" {
				fields = append(fields, zap.String("reason", ev.Reason))
			}
			log.Info(string(ev.Type), fields...)
		}
	}
}
