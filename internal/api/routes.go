// Package api provides the REST API for the slot service.
package api

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/vizlab/slotbox/internal/config"
	"github.com/vizlab/slotbox/internal/events"
	"github.com/vizlab/slotbox/internal/metrics"
	"github.com/vizlab/slotbox/internal/registry"
	"github.com/vizlab/slotbox/internal/slot/sandbox"
	"github.com/vizlab/slotbox/pkg/auth"
)

// Options carries the service dependencies the API server wires together.
// Store may be nil when no registry backend is configured; Publisher may be
// nil when Redis events are disabled, in which case events go straight to
// the local broker.
type Options struct {
	Store      registry.Store
	Dispatcher *sandbox.Dispatcher
	Publisher  *events.Publisher
	Broker     *events.Broker
	Collector  *metrics.Collector
	Gatherer   prometheus.Gatherer
	Logger     zerolog.Logger
}

// Server is the HTTP server for the slot API.
type Server struct {
	config  *config.Config
	authSvc *auth.ServiceAuth
	logger  zerolog.Logger
	router  chi.Router
	root    http.Handler
	handler *Handler
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		config:  cfg,
		authSvc: auth.NewServiceAuth(cfg.Auth.ServiceToken),
		logger:  opts.Logger,
	}

	s.handler = NewHandler(cfg, opts)
	s.router = s.setupRoutes(opts.Gatherer)
	s.root = otelhttp.NewHandler(s.router, "slotbox")

	return s
}

// setupRoutes configures the router with all API routes.
func (s *Server) setupRoutes(gatherer prometheus.Gatherer) chi.Router {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	// Health and metrics (no auth required)
	r.Get("/health", s.handler.HealthCheck)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// API routes (with auth)
	r.Route("/api/v1", func(r chi.Router) {
		// Apply auth middleware to all API routes
		if s.authSvc.Enabled() {
			r.Use(s.AuthMiddleware)
		}
		if s.config.Auth.RateLimitRPS > 0 {
			r.Use(s.rateLimiter(s.config.Auth.RateLimitRPS, s.config.Auth.RateLimitBurst))
		}

		// Slot operations. The event stream stays outside the request
		// timeout so connections can outlive it.
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.config.Server.WriteTimeout))

			r.Route("/slots", func(r chi.Router) {
				r.Post("/run", s.handler.RunSlot)
				r.Post("/validate", s.handler.ValidateSlot)

				r.Post("/", s.handler.CreateSlot)
				r.Get("/", s.handler.ListSlots)
				r.Get("/{id}", s.handler.GetSlot)
				r.Put("/{id}", s.handler.UpdateSlot)
				r.Delete("/{id}", s.handler.DeleteSlot)
				r.Post("/{id}/run", s.handler.RunStoredSlot)
			})
		})

		r.Get("/events/stream", s.handler.StreamEvents)
	})

	return r
}

// AuthMiddleware validates the service token.
func (s *Server) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.ExtractToken(r)
		if token == "" {
			http.Error(w, "missing authentication token", http.StatusUnauthorized)
			return
		}

		if !s.authSvc.Verify(token) {
			http.Error(w, "invalid authentication token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one line per request at debug level.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("dur", time.Since(start)).
			Msg("request")
	})
}

// Visitors idle longer than visitorTTL are swept once the table grows past
// maxVisitors.
const (
	visitorTTL  = 3 * time.Minute
	maxVisitors = 10000
)

// rateLimiter limits requests per client IP.
func (s *Server) rateLimiter(rps float64, burst int) func(http.Handler) http.Handler {
	type visitor struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}
	var (
		mu       sync.Mutex
		visitors = make(map[string]*visitor)
	)
	if burst < 1 {
		burst = 1
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr
			}

			mu.Lock()
			v, ok := visitors[ip]
			if !ok {
				v = &visitor{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
				visitors[ip] = v
			}
			v.lastSeen = time.Now()
			if len(visitors) > maxVisitors {
				for key, vis := range visitors {
					if time.Since(vis.lastSeen) > visitorTTL {
						delete(visitors, key)
					}
				}
			}
			mu.Unlock()

			if !v.limiter.Allow() {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]string{
					"error": "too many requests",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.root.ServeHTTP(w, r)
}

// Router returns the chi router for custom configuration.
func (s *Server) Router() chi.Router {
	return s.router
}
