package server

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"

	"github.com/dukerupert/rolecall/internal/handler"
	"github.com/dukerupert/rolecall/internal/middleware"
	"github.com/dukerupert/rolecall/internal/verify"
)

type Config struct {
	AllowedOrigins []string
	AllowedDomains []string
	TrustProxy     bool

	// RateLimit requests per RateWindow per client on the POST routes
	// (10 per minute if zero).
	RateLimit  int
	RateWindow time.Duration
}

type Server struct {
	db          *sql.DB
	cfg         Config
	verifyH     *handler.VerifyHandler
	rateLimiter *middleware.RateLimiter
	logger      *slog.Logger
}

func New(db *sql.DB, svc *verify.Service, cfg Config, logger *slog.Logger) *Server {
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 10
	}
	if cfg.RateWindow == 0 {
		cfg.RateWindow = time.Minute
	}
	return &Server{
		db:          db,
		cfg:         cfg,
		verifyH:     handler.NewVerifyHandler(svc, cfg.AllowedDomains, logger.With("component", "verify_handler")),
		rateLimiter: middleware.NewRateLimiter(cfg.RateLimit, cfg.RateWindow),
		logger:      logger,
	}
}

// RateLimiter exposes the limiter so main can run its cleanup loop.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	if s.cfg.TrustProxy {
		r.Use(middleware.TrustProxy)
	}
	r.Use(chimw.RequestID)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(render.SetContentType(render.ContentTypeJSON))

	r.Get("/health", s.healthHandler)

	limited := r.With(middleware.RateLimit(s.rateLimiter))
	limited.Post("/verify", s.verifyH.Request)
	limited.Post("/verify/otp", s.verifyH.Submit)
	r.Get("/verify/status/{email}", s.verifyH.Status)

	return r
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		s.logger.Error("health check", "error", err)
		render.Status(r, http.StatusServiceUnavailable)
		render.JSON(w, r, map[string]string{"status": "unavailable"})
		return
	}
	render.JSON(w, r, map[string]string{"status": "ok"})
}
