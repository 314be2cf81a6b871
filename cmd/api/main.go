package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"

	"github.com/diogomassis/ob-payments/cmd/handlers"
	"github.com/diogomassis/ob-payments/internal/env"
	"github.com/diogomassis/ob-payments/internal/metrics"
	"github.com/diogomassis/ob-payments/internal/models"
	"github.com/diogomassis/ob-payments/internal/persistence"
	"github.com/diogomassis/ob-payments/internal/server"
	"github.com/diogomassis/ob-payments/internal/services/bank"
	"github.com/diogomassis/ob-payments/internal/services/cache"
	"github.com/diogomassis/ob-payments/internal/services/correlation"
	"github.com/diogomassis/ob-payments/internal/services/health"
	"github.com/diogomassis/ob-payments/internal/services/notification"
	"github.com/diogomassis/ob-payments/internal/services/orchestrator"
	"github.com/diogomassis/ob-payments/internal/services/signer"
	"github.com/diogomassis/ob-payments/internal/services/verifier"
	"github.com/diogomassis/ob-payments/internal/services/worker"
)

const (
	flowTokenRetention = 15 * time.Minute
	shutdownTimeout    = 10 * time.Second
)

var (
	db          *pgxpool.Pool
	redisClient *cache.RedisClient
	monitor     *health.Monitor
	auditWorker *worker.AuditWorker
)

func main() {
	env.Load()
	configureLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pending := correlation.New[models.PendingAuthorization](env.Env.StateExpiry,
		correlation.WithLogger(component("correlation")),
		correlation.WithGauge(metrics.PendingAuthorizations),
	)
	defer pending.Close()
	flowTokens := correlation.New[models.AccessToken](flowTokenRetention,
		correlation.WithLogger(component("correlation")),
		correlation.WithGauge(metrics.FlowTokens),
	)
	defer flowTokens.Close()

	transport, err := bank.NewTransport(bank.TLSConfig{
		CertPath:           env.Env.TransportCertPath,
		KeyPath:            env.Env.TransportKeyPath,
		CAPaths:            env.Env.BankCAPaths,
		InsecureSkipVerify: env.Env.BankInsecureTLS,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("[main] failed to build bank transport")
	}
	bankClient := bank.NewClient(bank.Config{
		TokenURL:    env.Env.TokenURL,
		APIURL:      env.Env.BankAPIURL,
		ClientID:    env.Env.ClientID,
		RedirectURI: env.Env.RedirectURI,
		FinancialID: env.Env.FinancialID,
		Timeout:     env.Env.BankTimeout,
	}, transport, component("bank"))

	signingKey, err := signer.LoadPrivateKey(env.Env.SigningKeyPath)
	if err != nil {
		log.Fatal().Err(err).Msg("[main] failed to load signing key")
	}
	jws := signer.New(signingKey, signer.Config{
		SigningKeyID: env.Env.SigningKeyID,
		AuthKeyID:    env.Env.AuthKeyID,
		TrustAnchor:  env.Env.JwksRootDomain,
		ClientID:     env.Env.ClientID,
		RedirectURI:  env.Env.RedirectURI,
		Audience:     env.Env.Audience,
	})

	bus := notification.NewBus(component("notification"), metrics.EventsDropped)

	roots, err := verifier.LoadCertPool(env.Env.BankCAPaths)
	if err != nil {
		log.Fatal().Err(err).Msg("[main] failed to load verification roots")
	}
	verifierCfg := verifier.Config{JwksURI: env.Env.JwksURI}
	if len(env.Env.BankCAPaths) > 0 {
		verifierCfg.Roots = roots
	}
	responseVerifier := verifier.New(verifierCfg, log.Logger)

	auditWorker, err = worker.NewAuditWorkerBuilder().
		WithNumWorkers(env.Env.AuditWorkers).
		WithQueueSize(env.Env.AuditQueueSize).
		WithJobFunc(worker.NewVerificationJob(responseVerifier, component("audit"))).
		WithLogger(component("audit")).
		Build()
	if err != nil {
		log.Fatal().Err(err).Msg("[main] failed to build audit worker")
	}
	auditWorker.Start()
	defer auditWorker.Stop()

	checks := []health.Checker{health.NewCheck("jwks", responseVerifier.Ping)}
	builder := orchestrator.NewPaymentOrchestratorBuilder().
		WithTokenService(bankClient).
		WithPaymentGateway(bankClient).
		WithSigner(jws).
		WithPublisher(bus).
		WithAuditor(auditWorker).
		WithPendingStore(pending).
		WithFlowTokenStore(flowTokens).
		WithAuthorizationEndpoint(env.Env.AuthorizationURL, env.Env.ClientID, env.Env.RedirectURI).
		WithLogger(component("orchestrator"))

	if env.Env.RedisAddr != "" {
		redisClient, err = cache.NewRedisClient(env.Env.RedisAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("[main] failed to configure Redis")
		}
		defer redisClient.Close()
		ledger := cache.NewPaymentLedger(redisClient.Client(), component("cache"))
		builder.WithRecorder(ledger)
		handlers.Ledger = ledger
		checks = append(checks, health.NewCheck("redis", redisClient.Ping))
	}

	if env.Env.DatabaseURL != "" {
		db, err = persistence.NewPool(ctx, env.Env.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("[main] failed to connect to Postgres")
		}
		defer db.Close()
		commitments := persistence.NewCommitmentRepository(db)
		if err := commitments.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("[main] failed to prepare commitments schema")
		}
		handlers.Commitments = commitments
		checks = append(checks, health.NewCheck("postgres", commitments.Ping))
	}

	flows, err := builder.Build()
	if err != nil {
		log.Fatal().Err(err).Msg("[main] failed to build payment orchestrator")
	}

	monitor = health.NewMonitor(env.Env.HealthCheckInterval, component("health"), checks...)
	monitor.Start()
	defer monitor.Stop()

	handlers.Flows = flows
	handlers.Verifier = responseVerifier
	handlers.Monitor = monitor
	app := handlers.NewApp()

	opsServer := &http.Server{
		Addr:              env.Env.OpsAddr,
		Handler:           server.NewOpsRouter(bus, log.Logger, env.Env.OpsAllowedOrigins),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var grpcServer *grpc.Server
	if env.Env.GrpcAddr != "" {
		lis, err := net.Listen("tcp", env.Env.GrpcAddr)
		if err != nil {
			log.Fatal().Err(err).Str("addr", env.Env.GrpcAddr).Msg("[main] failed to listen for gRPC")
		}
		grpcServer = server.NewGRPCServer(server.NewPaymentFlowService(flows, log.Logger), log.Logger)
		go func() {
			log.Info().Str("addr", env.Env.GrpcAddr).Msg("[main] gRPC server listening")
			if err := grpcServer.Serve(lis); err != nil {
				log.Error().Err(err).Msg("[main] gRPC server stopped")
				stop()
			}
		}()
	}

	go func() {
		log.Info().Str("addr", env.Env.OpsAddr).Msg("[main] ops listener started")
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("[main] ops listener stopped")
			stop()
		}
	}()

	go func() {
		log.Info().Str("port", env.Env.HTTPPort).Msg("[main] HTTP server listening")
		if err := app.Listen(":" + env.Env.HTTPPort); err != nil {
			log.Error().Err(err).Msg("[main] HTTP server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("[main] shutting down")

	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		log.Error().Err(err).Msg("[main] HTTP shutdown failed")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("[main] ops shutdown failed")
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
}

func configureLogger() {
	level, err := zerolog.ParseLevel(env.Env.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if env.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
