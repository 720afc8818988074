package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"masond/pkg/bus"
	"masond/pkg/db"
	"masond/pkg/keys"
	"masond/pkg/logstore"
	"masond/pkg/telemetry"
	"masond/services/hub/auth"
	"masond/services/hub/client"
	"masond/services/hub/config"
	"masond/services/hub/gateway"
	"masond/services/hub/identity"
	"masond/services/hub/registry"
	"masond/services/hub/scheduler"
	"masond/services/hub/seed"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	cleanup, traceMiddleware, err := telemetry.Init(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("init telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cleanup(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	pool, err := db.Open(ctx, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	keyPair, err := keys.ParseSecretKey(cfg.SecretKey)
	if err != nil {
		log.Fatal().Err(err).Msg("parse secret key")
	}

	issuer, err := auth.NewIssuer(keyPair, cfg.ServiceName)
	if err != nil {
		log.Fatal().Err(err).Msg("create token issuer")
	}
	accounts, err := identity.NewStore(pool)
	if err != nil {
		log.Fatal().Err(err).Msg("create identity store")
	}
	authService := auth.NewService(issuer, auth.NewChallengeStore(), accounts, cfg.Audience)

	var events *bus.Bus
	if cfg.NATSURL != "" {
		events, err = bus.New(cfg.NATSURL)
		if err != nil {
			log.Fatal().Err(err).Msg("connect event bus")
		}
		defer events.Close()
	}

	endpoints, err := registry.NewStore(pool)
	if err != nil {
		log.Fatal().Err(err).Msg("create endpoint store")
	}

	peers := client.New()
	reg, err := registry.New(registry.Params{
		Pool:      pool,
		Accounts:  accounts,
		Endpoints: endpoints,
		Auth:      authService,
		Peers:     peers,
		Events:    events,
		Self: registry.Issuer{
			PublicKey:   keyPair.PublicKey().Encode(),
			URL:         cfg.PublicURL,
			Role:        registry.RoleHub,
			AdminName:   cfg.AdminName,
			AdminEmail:  cfg.AdminEmail,
			Description: cfg.Description,
		},
		Log: log.Logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("create registry")
	}

	var logs *logstore.Store
	if os.Getenv("LOGSTORE_ENDPOINT") != "" {
		logs, err = logstore.NewFromEnv()
		if err != nil {
			log.Fatal().Err(err).Msg("init log store")
		}
	} else {
		log.Warn().Msg("LOGSTORE_ENDPOINT not set, build log stashing disabled")
	}

	tasks, err := scheduler.NewStore(pool)
	if err != nil {
		log.Fatal().Err(err).Msg("create task store")
	}
	sched, err := scheduler.New(scheduler.Params{
		Pool:       pool,
		Tasks:      tasks,
		Endpoints:  endpoints,
		Demoter:    reg,
		Dispatcher: peers,
		Logs:       logs,
		Events:     events,
		Log:        log.Logger,
		Capacity:   cfg.BuilderCapacity,
		Retry: scheduler.RetryPolicy{
			Attempts: cfg.DispatchAttempts,
			Base:     cfg.DispatchBackoff,
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("create scheduler")
	}
	reg.SetTaskReleaser(sched)

	if cfg.SeedPath != "" {
		seedFile, err := seed.Load(cfg.SeedPath)
		if err != nil {
			log.Fatal().Err(err).Msg("load seed file")
		}
		if err := seed.Apply(ctx, pool, seedFile, log.Logger); err != nil {
			log.Fatal().Err(err).Msg("apply seed")
		}
		for _, target := range seedFile.Enrollments {
			if err := reg.SendEnrollment(ctx, target); err != nil {
				log.Warn().Err(err).Str("host", target.Host).Msg("initial enrollment failed")
			}
		}
	}

	gw, err := gateway.New(authService, reg, sched, endpoints, gateway.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		RateLimit:      cfg.RateLimit,
		RequestTimeout: cfg.RequestTimeout,
	}, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("create gateway")
	}
	routes, err := gw.Routes()
	if err != nil {
		log.Fatal().Err(err).Msg("build routes")
	}

	worker := scheduler.NewWorker(sched, events)
	go func() {
		if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("scheduler worker stopped")
		}
	}()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           traceMiddleware(routes),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("starting masond")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown server")
	}
}
