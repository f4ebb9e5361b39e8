package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/config"
	"github.com/ehr/intake/internal/domain/assessment"
	"github.com/ehr/intake/internal/platform/auth"
	"github.com/ehr/intake/internal/platform/cache"
	"github.com/ehr/intake/internal/platform/db"
	"github.com/ehr/intake/internal/platform/definitions"
	"github.com/ehr/intake/internal/platform/middleware"
	"github.com/ehr/intake/internal/platform/rules"
	"github.com/ehr/intake/migrations"
)

const version = "0.1.0"

func loadDefinitions(dir string) (*definitions.Bundle, error) {
	if dir == "" {
		return definitions.LoadDefaults()
	}
	return definitions.LoadDir(dir)
}

func runServer(ctx context.Context) error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}
	if err := cfg.RequireDatabase(); err != nil {
		return err
	}
	for _, w := range cfg.Warnings() {
		logger.Warn().Msg(w)
	}

	// Definitions. Template and scoring problems are fatal; rule set
	// problems leave the recommender unavailable.
	defs, err := loadDefinitions(cfg.DefinitionsDir)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load assessment definitions")
		return err
	}
	rec := defs.NewRecommender()
	if defs.RulesErr != nil {
		logger.Error().Err(defs.RulesErr).Str("source", defs.Source).
			Msg("rule sets invalid, recommendations will use the unvalidated fallback")
	} else {
		st := rec.Status()
		logger.Info().Str("source", defs.Source).Str("wm_version", st.Versions.WM).
			Str("loc_version", st.Versions.LOC).Msg("assessment definitions loaded")
	}

	// Database
	pool, err := db.NewPool(ctx, db.PoolOptions{
		URL:             cfg.DatabaseURL,
		MaxConns:        cfg.DBMaxConns,
		MinConns:        cfg.DBMinConns,
		MaxConnIdleTime: 5 * time.Minute,
		ApplicationName: "intake-server",
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return err
	}
	defer pool.Close()
	applied, err := db.EnsureTenantSchema(ctx, pool, cfg.DefaultTenant, migrations.FS)
	if err != nil {
		logger.Error().Err(err).Str("tenant", cfg.DefaultTenant).Msg("failed to prepare tenant schema")
		return err
	}
	logger.Info().Int("migrations_applied", applied).Msg("connected to database")

	// Cache
	var assessments cache.AssessmentCache = cache.Nop{}
	if cfg.RedisURL != "" {
		client, err := cache.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, continuing without assessment cache")
		} else {
			defer client.Close()
			assessments = cache.NewRedis(client, cfg.SessionTTL)
			logger.Info().Dur("ttl", cfg.SessionTTL).Msg("assessment cache enabled")
		}
	}

	svc := assessment.NewService(assessment.NewRepoPG(pool), defs, rec, assessments, logger)
	svc.SetRuleLoader(func() (wm, loc rules.RuleSet, err error) {
		return definitions.LoadRules(cfg.DefinitionsDir)
	})

	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		Burst:             cfg.RateLimitBurst,
	})
	e := newRouter(cfg, logger, routerDeps{
		tenant:  db.TenantMiddleware(pool, cfg.DefaultTenant),
		dbPing:  pool,
		service: svc,
		limiter: limiter,
	})

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	go sweepLimiter(ctx, limiter, time.Minute)

	// Graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

type routerDeps struct {
	tenant  echo.MiddlewareFunc
	dbPing  db.Pinger
	service *assessment.Service
	limiter *middleware.RateLimiter
}

func newRouter(cfg *config.Config, logger zerolog.Logger, deps routerDeps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-Tenant-ID"},
	}))
	e.Use(echomw.BodyLimit("1M"))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(deps.dbPing))

	apiV1 := e.Group("/api/v1")
	if cfg.ResolvedAuthMode() == config.AuthModeDevelopment {
		apiV1.Use(auth.DevAuthMiddleware(cfg.DefaultTenant))
	} else {
		jwtCfg := auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		}
		if cfg.AuthSigningKey != "" {
			jwtCfg.SigningKey = []byte(cfg.AuthSigningKey)
		}
		apiV1.Use(auth.JWTMiddleware(jwtCfg))
	}
	apiV1.Use(deps.limiter.Middleware())
	apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	apiV1.Use(deps.tenant)

	assessment.NewHandler(deps.service).RegisterRoutes(apiV1)
	return e
}

func sweepLimiter(ctx context.Context, l *middleware.RateLimiter, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.Sweep()
		}
	}
}
