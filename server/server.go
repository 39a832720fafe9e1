// Package server exposes the supervisor over HTTP: health, stateless queries
// and session CRUD with per-session queries. Queries answer either with one
// buffered JSON result or as a Server-Sent Events stream.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hupe1980/agentgate/logging"
	"github.com/hupe1980/agentgate/supervisor"
)

// ServiceName is reported by the health endpoint.
const ServiceName = "agentgate"

// Options configures a Server.
type Options struct {
	// Service is the name reported by /health.
	Service string

	// RetryAfter is sent with 429 responses.
	RetryAfter time.Duration

	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64

	// Logger provides structured logging. Defaults to NoOpLogger.
	Logger logging.Logger
}

// Server is the REST surface in front of a Supervisor.
type Server struct {
	sup    *supervisor.Supervisor
	router chi.Router
	opts   Options
	logger logging.Logger
}

// New creates a Server and registers its routes.
func New(sup *supervisor.Supervisor, optFns ...func(o *Options)) *Server {
	opts := Options{
		Service:      ServiceName,
		RetryAfter:   time.Second,
		MaxBodyBytes: 1 << 20,
		Logger:       logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	s := &Server{
		sup:    sup,
		opts:   opts,
		logger: opts.Logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)
	r.Post("/query", s.query)

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", s.createSession)
		r.Get("/", s.listSessions)
		r.Get("/{sessionID}", s.getSession)
		r.Delete("/{sessionID}", s.deleteSession)
		r.Post("/{sessionID}/query", s.sessionQuery)
	})

	s.router = r

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		defer func() {
			s.logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
				"remote", r.RemoteAddr,
			)
		}()

		next.ServeHTTP(ww, r)
	})
}
