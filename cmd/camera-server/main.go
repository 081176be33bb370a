package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/camwatch/camwatch-server/internal/api"
	"github.com/camwatch/camwatch-server/internal/broadcast"
	"github.com/camwatch/camwatch-server/internal/clock"
	"github.com/camwatch/camwatch-server/internal/config"
	"github.com/camwatch/camwatch-server/internal/coordinator"
	"github.com/camwatch/camwatch-server/internal/database"
	"github.com/camwatch/camwatch-server/internal/encoder"
	"github.com/camwatch/camwatch-server/internal/integration"
	"github.com/camwatch/camwatch-server/internal/media"
	"github.com/camwatch/camwatch-server/internal/server"
	"github.com/camwatch/camwatch-server/internal/storage"
)

func main() {
	// Command line flags
	var configFile string
	flag.StringVar(&configFile, "config", "config/camera-server.yml", "Configuration file path")
	flag.Parse()

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setupLogging(cfg.Log)
	cfg.PrintConfigSummary()

	// Storage
	var store storage.Store
	if cfg.Database.DSN != "" {
		if cfg.Database.AutoMigrate {
			if err := database.MigrateUp(cfg.Database.DSN); err != nil {
				log.Fatal().Err(err).Msg("Failed to migrate database")
			}
		}

		pg, err := storage.NewPostgresStore(cfg.Database)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer pg.Close()
		store = pg

		log.Info().Msg("Connected to database")
	} else {
		store = storage.NewMemoryStore()
		log.Warn().Msg("No database configured, using in-memory store")
	}

	// Create context
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	enc := encoder.NewFFmpeg(cfg.Encoder)
	if err := enc.Validate(ctx); err != nil {
		log.Warn().Err(err).Str("binary", cfg.Encoder.Binary).Msg("Video encoder unavailable, stream sessions will fail to assemble")
	}

	// Background assembly outlives the signal; coord.Shutdown ends it.
	hub := broadcast.NewHub(cfg.Broadcast.SubscriberBuffer)
	coord := coordinator.New(context.Background(), coordinator.Deps{
		Store:   store,
		Clock:   clock.Real(),
		Encoder: enc,
		Hub:     hub,
		Layout:  media.NewLayout(cfg.Media.RootDir, cfg.Media.PublicPrefix),
	}, coordinator.Options{
		DefaultDuration: cfg.Stream.DefaultDuration,
		MaxDuration:     cfg.Stream.MaxDuration,
		FinalizeBuffer:  cfg.Stream.FinalizeBuffer,
		AutoRegister:    cfg.Devices.AutoRegister,
	})

	if err := coord.SeedDevices(ctx, cfg.Devices.Seed); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed devices")
	}
	if n, err := coord.Recover(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to recover stream sessions")
	} else if n > 0 {
		log.Info().Int("sessions", n).Msg("Recovered active stream sessions")
	}

	apiServer := api.NewRESTServer(cfg, coord)

	g, gctx := errgroup.WithContext(ctx)

	// Start API server
	g.Go(func() error {
		addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
		if err := apiServer.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("rest api server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
		defer shutdownCancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to shutdown API server gracefully")
		}
		return nil
	})

	// Optional: NATS request subjects and event bridge
	if cfg.NATS.URL != "" {
		if nc := connectNATS(cfg.NATS); nc != nil {
			defer nc.Close()

			subscriber := server.NewNATSSubscriber(nc, coord, cfg.NATS.SubjectPrefix)
			g.Go(func() error {
				if err := subscriber.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
					return fmt.Errorf("nats subscriber: %w", err)
				}
				return nil
			})
		}
	} else {
		log.Info().Msg("NATS not configured, running in standalone mode")
	}

	// Optional: webhook and MQTT forwarding
	forwarder := integration.NewForwarderService(cfg.Integration, cfg.Server.Name, hub)
	if forwarder.Enabled() {
		g.Go(func() error {
			return forwarder.Start(gctx)
		})
	}

	err = g.Wait()
	if err != nil {
		log.Error().Err(err).Msg("Service failed")
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	if err := coord.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Interrupted stream sessions left active for recovery")
	}
	shutdownCancel()
	hub.Close()

	log.Info().Msg("Camera server stopped")
	if err != nil {
		os.Exit(1)
	}
}

func setupLogging(cfg config.LogConfig) {
	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func connectNATS(cfg config.NATSConfig) *nats.Conn {
	log.Info().Str("url", cfg.URL).Msg("Connecting to NATS...")

	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.ClientID),
		nats.UserInfo(cfg.Username, cfg.Password),
		nats.ReconnectWait(cfg.ReconnectInterval),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Msg("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Error().
				Err(err).
				Str("subject", subject).
				Msg("NATS error")
		}),
	)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to connect to NATS, continuing without NATS support")
		return nil
	}

	log.Info().Msg("Connected to NATS")
	return nc
}
