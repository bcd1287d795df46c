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

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentmesh/paygate/internal/agent"
	"github.com/agentmesh/paygate/internal/auth"
	"github.com/agentmesh/paygate/internal/broker"
	"github.com/agentmesh/paygate/internal/config"
	"github.com/agentmesh/paygate/internal/convo"
	"github.com/agentmesh/paygate/internal/gateway"
	"github.com/agentmesh/paygate/internal/ledger"
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

	// ── Ledger reader (verification is read-only; first endpoint serves) ─────
	reader, err := ethclient.Dial(cfg.Ledger.Endpoints[0])
	if err != nil {
		log.Fatal("ledger dial failed", zap.String("endpoint", cfg.Ledger.Endpoints[0]), zap.Error(err))
	}
	verifier := ledger.NewVerifier(reader, cfg.Ledger.TokenSymbol, cfg.Ledger.TokenDecimals, log)

	// ── Payment state ─────────────────────────────────────────────────────────
	brk := broker.New(rdb, cfg.Ledger.TokenDecimals, cfg.RequirementTTL())
	cache := convo.New(rdb, cfg.ConversationTTL())

	// ── Downstream worker client ──────────────────────────────────────────────
	worker := agent.NewClient(cfg.Agent.WorkerURL, cfg.Agent.WorkerKey)

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	api := r.Group("/a2a", auth.Middleware(cfg.Auth.RequireSignature))
	gateway.NewHandler(
		brk,
		cache,
		verifier,
		worker,
		cfg,
		cfg.Ledger.TokenSymbol,
		cfg.Pricing.Recipient,
		cfg.Gateway.AllowSynthesizedRequirements,
		log,
	).Register(api)

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
