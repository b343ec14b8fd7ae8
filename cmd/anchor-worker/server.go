package main

import (
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/anchor/internal/domain/anchor"
	"github.com/ehr/anchor/internal/platform/auth"
	"github.com/ehr/anchor/internal/platform/db"
	"github.com/ehr/anchor/internal/platform/middleware"
	"github.com/ehr/anchor/internal/platform/webhook"
)

const requestTimeout = 30 * time.Second

// newServer builds the admin API. Manual runs are served through trigger so
// they share the scheduler's overlap guard.
func newServer(a *app, trigger anchor.Trigger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(a.metrics.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(requestTimeout, "/api/v1/anchors/run"))

	jwtCfg := auth.JWTConfig{
		SigningKey: []byte(a.cfg.AdminJWTSecret),
		Skipper:    auth.AuthSkipper,
	}
	if a.cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}
	e.Use(middleware.Audit(a.logger, a.audit))

	e.GET("/health", db.HealthHandler(a.stores.health, map[string]interface{}{
		"mode": string(a.chain.Mode()),
	}))
	e.GET("/metrics", a.metrics.Handler())

	apiV1 := e.Group("/api/v1")
	anchor.NewHandler(a.stores.queue, a.producer, trigger).RegisterRoutes(apiV1)

	events := apiV1.Group("/webhook-events", auth.RequireRole("auditor"))
	webhook.NewHandler(a.stores.events).RegisterRoutes(events)

	return e
}
