// Package api provides the HTTP surface of the media pipeline.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amillerrr/media-pipeline/internal/auth"
	"github.com/amillerrr/media-pipeline/internal/config"
	"github.com/amillerrr/media-pipeline/internal/health"
)

// Server configuration constants
const (
	ReadTimeout       = 30 * time.Minute
	ReadHeaderTimeout = 10 * time.Second
	WriteTimeout      = 300 * time.Second
	IdleTimeout       = 120 * time.Second
	MaxHeaderBytes    = 1 << 20 // 1 MB
)

// Server represents the HTTP server for the API.
type Server struct {
	httpServer  *http.Server
	cfg         *config.Config
	log         *slog.Logger
	rateLimiter *auth.RateLimiter
}

// ServerConfig holds dependencies for the server.
type ServerConfig struct {
	Config        *config.Config
	Logger        *slog.Logger
	Videos        Videos
	Streams       Streams
	Analytics     Analytics
	JWTService    *auth.JWTService
	RateLimiter   *auth.RateLimiter
	HealthChecker *health.Checker
	// MediaDir is served under /media when files live on local disk.
	MediaDir string
}

// NewServer creates a new API server.
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg.JWTService == nil {
		return nil, errors.New("jwt service is required")
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Config.API.Port,
		Handler:           NewRouter(cfg),
		ReadTimeout:       ReadTimeout,
		ReadHeaderTimeout: ReadHeaderTimeout,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       IdleTimeout,
		MaxHeaderBytes:    MaxHeaderBytes,
	}

	return &Server{
		httpServer:  httpServer,
		cfg:         cfg.Config,
		log:         cfg.Logger,
		rateLimiter: cfg.RateLimiter,
	}, nil
}

// NewRouter builds the route tree.
func NewRouter(cfg *ServerConfig) http.Handler {
	h := NewHandlers(&HandlersConfig{
		Logger:      cfg.Logger,
		Videos:      cfg.Videos,
		Streams:     cfg.Streams,
		Analytics:   cfg.Analytics,
		JWTService:  cfg.JWTService,
		RateLimiter: cfg.RateLimiter,
		Credentials: cfg.Config.GetAPICredentials,
	})

	viewRate := cfg.Config.API.ViewRateLimit
	if viewRate <= 0 {
		viewRate = config.DefaultViewRateLimit
	}
	requireAuth := cfg.JWTService.Handler(cfg.RateLimiter)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(CORSMiddleware(cfg.Config.CORS.AllowedOrigins))

	if cfg.HealthChecker != nil {
		r.Get("/health", cfg.HealthChecker.Handler())
		r.Get("/health/deep", cfg.HealthChecker.DeepHandler())
	}
	r.Post("/login", h.LoginHandler)
	r.With(internalOnlyMiddleware).Handle("/metrics", promhttp.Handler())

	if cfg.MediaDir != "" {
		r.Handle("/media/*", http.StripPrefix("/media/", http.FileServer(http.Dir(cfg.MediaDir))))
	}

	r.Route("/videos", func(r chi.Router) {
		r.Get("/", h.ListVideosHandler)
		r.Get("/trending", h.TrendingHandler)
		r.With(requireAuth).Post("/", h.CreateVideoHandler)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetVideoHandler)
			r.Get("/stream", h.StreamHandler)

			r.Group(func(r chi.Router) {
				r.Use(ViewRateLimit(viewRate))
				r.Use(cfg.JWTService.OptionalMiddleware)
				r.Post("/views", h.RecordViewHandler)
				r.Post("/usage", h.TrackUsageHandler)
				r.Post("/engagements/{kind}", h.EngagementHandler)
			})

			r.Group(func(r chi.Router) {
				r.Use(requireAuth)
				r.Put("/upload", h.UploadHandler)
				r.Delete("/", h.DeleteVideoHandler)
				r.Get("/analytics", h.AnalyticsHandler)
			})
		})
	})

	return r
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info("Starting API server", "port", s.cfg.API.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down API server...")

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	return s.httpServer.Shutdown(ctx)
}

var privateNetworks = []net.IPNet{
	{IP: net.ParseIP("10.0.0.0"), Mask: net.CIDRMask(8, 32)},
	{IP: net.ParseIP("172.16.0.0"), Mask: net.CIDRMask(12, 32)},
	{IP: net.ParseIP("192.168.0.0"), Mask: net.CIDRMask(16, 32)},
	{IP: net.ParseIP("127.0.0.0"), Mask: net.CIDRMask(8, 32)},
}

// internalOnlyMiddleware restricts access to internal networks.
func internalOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Anything that came through the load balancer is external.
		if r.Header.Get("X-Forwarded-For") != "" {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		if isInternalRequest(r.RemoteAddr) {
			next.ServeHTTP(w, r)
			return
		}

		http.Error(w, "Forbidden", http.StatusForbidden)
	})
}

func isInternalRequest(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	for _, network := range privateNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return ip.IsLoopback()
}
