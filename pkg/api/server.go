package api

import (
	"crypto/tls"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/clip-prefetch/pkg/auth"
	"github.com/psantana5/clip-prefetch/pkg/ratelimit"
	"github.com/psantana5/clip-prefetch/pkg/tracing"
)

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Addr      string
	RateLimit float64 // requests per second per client, 0 disables limiting
	Burst     int
	// Limiter overrides the limiter built from RateLimit and Burst
	Limiter *ratelimit.Limiter
	// Keys guards every route but /health when it holds at least one key
	Keys   *auth.KeySet
	TLS    *tls.Config
	Tracer *tracing.Provider
}

// NewServer builds the router with rate limiting and request metrics
func NewServer(cfg ServerConfig, h *Handler) *http.Server {
	r := mux.NewRouter()
	h.RegisterRoutes(r)

	if cfg.Tracer != nil {
		r.Use(mux.MiddlewareFunc(tracing.HTTPMiddleware(cfg.Tracer, RouteName)))
	}
	if h.metrics != nil {
		r.Use(mux.MiddlewareFunc(h.metrics.Middleware(RouteName)))
	}
	limiter := cfg.Limiter
	if limiter == nil && cfg.RateLimit > 0 {
		limiter = ratelimit.NewLimiter(cfg.RateLimit, cfg.Burst)
	}
	if limiter != nil {
		r.Use(mux.MiddlewareFunc(limiter.Middleware(ratelimit.IPKeyFunc)))
	}
	if cfg.Keys != nil {
		r.Use(cfg.Keys.Middleware)
	}

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		TLSConfig:         cfg.TLS,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
