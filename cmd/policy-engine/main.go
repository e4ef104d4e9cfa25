package main

import (
	"context"
	"crypto/rsa"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"policy-engine/internal/config"
	"policy-engine/internal/engine"
	"policy-engine/internal/httpapi"
	"policy-engine/internal/middleware"
	"policy-engine/internal/mqtt"
	"policy-engine/internal/realtime"
	"policy-engine/internal/schema"
	"policy-engine/internal/spatial"
	"policy-engine/internal/store"
)

func main() {
	cfg := config.Load()

	db, err := store.OpenPostgres(
		cfg.Postgres.User,
		cfg.Postgres.Password,
		cfg.Postgres.DBName,
		cfg.Postgres.Host,
		cfg.Postgres.Port,
		cfg.Postgres.SSLMode,
	)
	if err != nil {
		slog.Error("db connect failed", "error", err)
		os.Exit(1)
	}

	repo, err := store.New(db)
	if err != nil {
		slog.Error("db init failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Seed {
		if err := repo.Seed(ctx); err != nil {
			slog.Error("seed failed", "error", err)
			os.Exit(1)
		}
	}

	registry := schema.NewRegistry(repo)
	if err := registry.Load(ctx); err != nil {
		slog.Error("schema registry load failed", "error", err)
		os.Exit(1)
	}
	registry.Start(ctx)

	resolver := spatial.NewResolver(repo)
	if err := resolver.Refresh(ctx); err != nil {
		slog.Error("spatial resolver load failed", "error", err)
		os.Exit(1)
	}

	var pubKey *rsa.PublicKey
	if cfg.AuthEnabled {
		pubKey, err = middleware.LoadRSAPublicKey(cfg.JWTPublicKey)
		if err != nil {
			slog.Error("jwt public key load failed", "path", cfg.JWTPublicKey, "error", err)
			os.Exit(1)
		}
	}

	mq := mqtt.New(cfg.MQTTBrokerURL, "policy-engine")
	hub := realtime.NewHub()

	eng := engine.New(repo, registry, resolver, mq, engine.Options{Hub: hub})
	if err := eng.Start(ctx); err != nil {
		slog.Error("engine start failed", "error", err)
		os.Exit(1)
	}
	defer eng.Stop()

	if err := mq.Subscribe(engine.TopicSamples, func(m mqtt.Message) {
		eng.HandleSampleMessage(ctx, m.Payload())
	}); err != nil {
		slog.Error("sample subscription failed", "error", err)
		os.Exit(1)
	}
	if err := mq.Subscribe(engine.TopicCommandResults, func(m mqtt.Message) {
		eng.HandleCommandResultMessage(ctx, m.Payload())
	}); err != nil {
		slog.Error("command result subscription failed", "error", err)
		os.Exit(1)
	}
	if err := mq.Subscribe(engine.TopicCatalogChanged, func(mqtt.Message) {
		registry.Invalidate()
	}); err != nil {
		slog.Error("catalog change subscription failed", "error", err)
		os.Exit(1)
	}

	srv := httpapi.New(repo, registry, resolver, eng, hub, pubKey)
	httpSrv := &http.Server{Addr: ":" + cfg.Port, Handler: srv.Handler()}

	go func() {
		slog.Info("policy-engine started", "port", cfg.Port, "broker", cfg.MQTTBrokerURL)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("graceful shutdown failed", "error", err)
	}
	mq.Disconnect(250)

	slog.Info("policy-engine stopped")
}
