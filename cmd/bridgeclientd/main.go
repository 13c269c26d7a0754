package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fieldbooks/bridgeclient/internal/bridge"
	"github.com/fieldbooks/bridgeclient/internal/config"
	"github.com/fieldbooks/bridgeclient/internal/httpapi"
	"github.com/fieldbooks/bridgeclient/internal/pushsync"
)

func main() {
	log := logrus.New()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if cfg.Debug {
		log.SetLevel(logrus.DebugLevel)
	}

	backend, err := bridge.BuildTokenBackendFromDSN(cfg.TokenBackendDSN, cfg.EncodeTokens)
	if err != nil {
		log.Fatalf("failed to initialize token backend: %v", err)
	}
	tokens := bridge.NewTokenStore(bridge.TokenStoreOptions{
		Backend: backend,
		UserID:  cfg.DefaultUserID,
		Logger:  log,
	})
	gate := bridge.NewRateGate(bridge.RateGateOptions{Limits: cfg.ToRateLimits()})
	dispatcher := bridge.NewDispatcher(log)
	gateway := bridge.NewGateway(bridge.GatewayOptions{
		BaseURL:  cfg.BackendBaseURL,
		Tokens:   tokens,
		Gate:     gate,
		Logger:   log,
		MockMode: cfg.MockMode,
		UserID:   cfg.DefaultUserID,
	})
	channel, err := pushsync.NewChannel(pushsync.ChannelOptions{
		WSBaseURL:    cfg.WSBaseURL,
		Gateway:      gateway,
		Dispatcher:   dispatcher,
		Logger:       log,
		PollInterval: time.Duration(cfg.PollIntervalSeconds) * time.Second,
	})
	if err != nil {
		log.Fatalf("failed to initialize push channel: %v", err)
	}

	if watchPath := os.Getenv("BRIDGE_CONFIG_FILE"); watchPath != "" {
		watcher, err := config.Watch(watchPath, log, func(updated *config.Config) {
			for provider, limit := range updated.ToRateLimits() {
				gate.SetLimit(provider, limit)
			}
			log.Info("rate limits reloaded from config")
		})
		if err != nil {
			log.WithError(err).Warn("config watch unavailable")
		} else {
			defer func() { _ = watcher.Close() }()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Deferred teardown runs in reverse: channel first so the poll loop
	// stops before the gate and token backend go away.
	defer func() { _ = tokens.Close() }()
	defer gate.Close()
	channel.Connect()
	defer channel.Disconnect()

	go sweepTokens(ctx, tokens, time.Duration(cfg.SweepMinutes)*time.Minute, log)

	server := &http.Server{
		Addr:    cfg.StatusAddr,
		Handler: httpapi.NewServer(tokens, gate, channel),
	}
	go func() {
		log.Infof("status server listening on %s", cfg.StatusAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("status server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}

func loadConfig() (*config.Config, error) {
	if path := os.Getenv("BRIDGE_CONFIG_FILE"); path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func sweepTokens(ctx context.Context, tokens *bridge.TokenStore, interval time.Duration, log logrus.FieldLogger) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := tokens.SweepExpired(); removed > 0 {
				log.WithField("removed", removed).Info("expired tokens swept")
			}
		}
	}
}
