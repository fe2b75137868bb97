package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/pitext/travelvoice/internal/config"
	"github.com/pitext/travelvoice/internal/geo"
	"github.com/pitext/travelvoice/internal/httpapi"
	"github.com/pitext/travelvoice/internal/observability"
	"github.com/pitext/travelvoice/internal/realtime"
	"github.com/pitext/travelvoice/internal/trips"
	"github.com/pitext/travelvoice/internal/tripstore"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := tripstore.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("trip store init failed: %v", err)
	}
	defer store.Close()

	geocoder := geo.NewClient(cfg.GoogleMapsAPIKey)
	planner := trips.NewPlanner(cfg.OpenAIAPIKey, cfg.ChatModel, geocoder)

	factory := func(sessionID string) (*realtime.Client, error) {
		return realtime.NewClient(sessionID, realtime.ClientConfig{
			APIKey:         cfg.OpenAIAPIKey,
			URL:            cfg.RealtimeURL,
			Model:          cfg.RealtimeModel,
			Voice:          cfg.RealtimeVoice,
			Temperature:    cfg.RealtimeTemperature,
			Instructions:   cfg.RealtimeInstructions,
			VADThreshold:   cfg.VADThreshold,
			VADPrefixMS:    cfg.VADPrefixMS,
			VADSilenceMS:   cfg.VADSilenceMS,
			ConnectTimeout: cfg.ConnectTimeout,
		})
	}

	sessions := realtime.NewManager(realtime.ManagerConfig{
		RateLimitPerIP:        cfg.RateLimitPerIP,
		MaxConcurrentSessions: cfg.MaxConcurrentSessions,
		SessionTimeout:        cfg.SessionTimeout,
		ActivationTimeout:     cfg.ActivationTimeout,
	}, factory)
	sessions.SetExpireHook(func(_ *realtime.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	api := httpapi.New(cfg, sessions, planner, store, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, cfg.SweepInterval)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
