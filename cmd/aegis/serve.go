package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/aegis/pkg/archive"
	"github.com/Mindburn-Labs/aegis/pkg/audit"
	"github.com/Mindburn-Labs/aegis/pkg/auth"
	"github.com/Mindburn-Labs/aegis/pkg/authz"
	"github.com/Mindburn-Labs/aegis/pkg/breaker"
	"github.com/Mindburn-Labs/aegis/pkg/config"
	"github.com/Mindburn-Labs/aegis/pkg/gate"
	"github.com/Mindburn-Labs/aegis/pkg/metering"
	"github.com/Mindburn-Labs/aegis/pkg/observability"
	"github.com/Mindburn-Labs/aegis/pkg/ratelimit"
	"github.com/Mindburn-Labs/aegis/pkg/session"
)

const (
	shutdownGrace   = 10 * time.Second
	archiveInterval = 30 * time.Second
)

// runServe wires the gate from configuration and serves until interrupted.
// Configuration errors abort startup; degraded runtime dependencies (telemetry
// export, remote authorizer) are logged and served around.
func runServe(errOut io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(errOut, "Configuration error: %v\n", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(errOut, "Configuration error: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Telemetry failing to start must not keep the gate down.
	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "aegis-gate",
		ServiceVersion: version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.SampleRate,
		Insecure:       cfg.OTLPInsecure,
		Enabled:        cfg.OTLPEndpoint != "",
	})
	if err != nil {
		logger.Error("observability init failed, continuing without export", "error", err)
		obs = nil
	}

	chain := audit.NewChainStore()
	recorder := audit.Multi(audit.NewLogger(), chain)

	breakers := breaker.NewRegistry(breaker.Settings{
		FailureThreshold: cfg.BreakerFailureThreshold,
		RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
		OnStateChange: func(name string, from, to breaker.State) {
			logger.Warn("breaker state change", "breaker", name, "from", from, "to", to)
			if obs != nil {
				obs.RecordBreakerTransition(ctx, name, string(to))
			}
			if err := recorder.Record(ctx, audit.Event{
				Actor:    "system",
				Type:     audit.EventSystem,
				Action:   "breaker_state_change",
				Resource: name,
				Metadata: map[string]any{"from": string(from), "to": string(to)},
			}); err != nil {
				logger.Error("breaker transition audit failed", "breaker", name, "error", err)
			}
		},
	})

	var verifier auth.Verifier
	if cfg.JWKSURL != "" {
		verifier = auth.NewJWKSVerifier(cfg.JWKSURL, cfg.JWKSCacheTTL, cfg.JWTIssuer)
		logger.Info("token verification via JWKS", "url", cfg.JWKSURL)
	} else {
		verifier = auth.NewSecretVerifier([]byte(cfg.JWTSecret), cfg.JWTIssuer)
	}

	var sessionStore session.Store
	if cfg.RedisAddr != "" {
		sessionStore = session.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		logger.Info("sessions backed by redis", "addr", cfg.RedisAddr)
	} else {
		sessionStore = session.NewMemoryStore()
	}
	sessions := session.NewManager(sessionStore, session.Options{
		InactivityTimeout: cfg.SessionInactivityTimeout,
		MaxConcurrent:     cfg.SessionMaxConcurrent,
		Logger:            logger,
	})

	var authzClient authz.Client
	if cfg.AuthzServiceURL != "" {
		authzClient = authz.NewHTTPClient(cfg.AuthzServiceURL, cfg.AuthzStoreID, cfg.AuthzModelID, 0)
		logger.Info("authorization via remote service", "url", cfg.AuthzServiceURL, "strict", cfg.StrictMode)
	} else {
		authzClient = authz.NewMemoryBackend()
		logger.Info("authorization via embedded backend", "strict", cfg.StrictMode)
	}

	var guard *authz.Guard
	if cfg.AuthzWriteRule != "" || cfg.AuthzForceStrict != "" {
		guard, err = authz.NewGuard(cfg.AuthzWriteRule, cfg.AuthzForceStrict, logger)
		if err != nil {
			logger.Error("authorization guard rule is invalid", "error", err)
			return 1
		}
	}

	engine := authz.NewEngine(authzClient, breakers, authz.Config{
		StrictMode: cfg.StrictMode,
		CacheTTL:   cfg.AuthzCacheTTL,
		Guard:      guard,
		Logger:     logger,
	})

	resolver, err := ratelimit.NewResolver(cfg.RateLimits)
	if err != nil {
		logger.Error("rate limit configuration is invalid", "error", err)
		return 1
	}
	var limiter ratelimit.Limiter
	if cfg.RedisAddr != "" {
		limiter = ratelimit.NewRedisLimiter(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	} else {
		limiter = ratelimit.NewLocalLimiter()
	}

	var archiver *audit.SQLiteStore
	if cfg.AuditDBPath != "" {
		archiver, err = audit.OpenSQLiteStore(cfg.AuditDBPath)
		if err != nil {
			logger.Error("audit archive unavailable", "path", cfg.AuditDBPath, "error", err)
			return 1
		}
		defer archiver.Close()
		logger.Info("audit archive enabled", "path", cfg.AuditDBPath)
	}

	var meter metering.Meter
	if cfg.MeterDSN != "" {
		pg, err := metering.OpenPostgresMeter(ctx, cfg.MeterDSN)
		if err != nil {
			logger.Error("usage meter unavailable", "error", err)
			return 1
		}
		defer pg.Close()
		meter = pg
		logger.Info("usage metering backed by postgres")
	} else {
		meter = metering.NewMemoryMeter()
	}

	packs, err := archive.NewStoreFromEnv(ctx)
	if err != nil {
		logger.Error("evidence pack storage misconfigured", "error", err)
		return 1
	}

	var creds *auth.CredentialStore
	if cfg.CredentialsFile != "" {
		creds, err = auth.LoadCredentials(cfg.CredentialsFile)
		if err != nil {
			logger.Error("credentials file unreadable", "path", cfg.CredentialsFile, "error", err)
			return 1
		}
	}

	g, err := gate.New(gate.Options{
		Verifier:      verifier,
		Sessions:      sessions,
		Engine:        engine,
		Resolver:      resolver,
		Limiter:       limiter,
		Audit:         recorder,
		Meter:         meter,
		Observability: obs,
		Logger:        logger,
	})
	if err != nil {
		logger.Error("gate init failed", "error", err)
		return 1
	}

	slos, slis := defaultServiceLevels()
	srv := &gateServer{
		cfg:      cfg,
		gate:     g,
		sessions: sessions,
		creds:    creds,
		secret:   []byte(cfg.JWTSecret),
		breakers: breakers,
		meter:    meter,
		exporter: audit.NewExporter(chain),
		packs:    packs,
		slos:     slos,
		slis:     slis,
		logger:   logger,
	}

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if archiver != nil {
		go runChainArchiver(ctx, chain, archiver, logger)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown incomplete", "error", err)
		}
		if obs != nil {
			if err := obs.Shutdown(shutdownCtx); err != nil {
				logger.Error("telemetry flush failed", "error", err)
			}
		}
	}()

	logger.Info("gate listening",
		"port", cfg.Port,
		"strict", cfg.StrictMode,
		"environment", cfg.Environment,
	)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		return 1
	}
	<-done
	return 0
}

// runChainArchiver periodically copies the in-memory hash chain into the
// SQLite archive. Archive inserts are idempotent on sequence number, so
// re-copying already archived entries is harmless.
func runChainArchiver(ctx context.Context, chain *audit.ChainStore, store *audit.SQLiteStore, logger *slog.Logger) {
	ticker := time.NewTicker(archiveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := store.Archive(flushCtx, chain.Entries()); err != nil {
				logger.Error("final audit archive flush failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := store.Archive(ctx, chain.Entries()); err != nil {
				logger.Warn("audit archive write failed", "error", err)
			}
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
