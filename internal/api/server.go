package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/camwatch/camwatch-server/internal/auth"
	"github.com/camwatch/camwatch-server/internal/config"
	"github.com/camwatch/camwatch-server/internal/coordinator"
	"github.com/camwatch/camwatch-server/internal/validation"
)

// RESTServer represents the REST API server
type RESTServer struct {
	config    *config.Config
	coord     *coordinator.Coordinator
	auth      *auth.JWTManager
	validator *validation.Validator
	upgrader  websocket.Upgrader
	router    chi.Router
	server    *http.Server
}

// NewRESTServer creates a new REST API server
func NewRESTServer(cfg *config.Config, coord *coordinator.Coordinator) *RESTServer {
	s := &RESTServer{
		config:    cfg,
		coord:     coord,
		auth:      auth.NewJWTManager(&cfg.JWT),
		validator: validation.NewValidator(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
			WriteBufferSize: cfg.WebSocket.WriteBufferSize,
			CheckOrigin:     checkOrigin(cfg.API.CORSOrigins),
		},
		router: chi.NewRouter(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  cfg.API.IdleTimeout,
	}

	return s
}

// setupRoutes configures all routes
func (s *RESTServer) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.API.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Api-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// API routes
	s.router.Route("/api/v1", func(r chi.Router) {
		s.setupAPIRoutes(r)
	})

	s.setupLegacyRoutes(s.router)

	// Stored photos and videos
	prefix := strings.TrimSuffix(s.config.Media.PublicPrefix, "/")
	s.router.Handle(prefix+"/*", http.StripPrefix(prefix+"/", http.FileServer(http.Dir(s.config.Media.RootDir))))
}

// Handler returns the root HTTP handler
func (s *RESTServer) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the server
func (s *RESTServer) ListenAndServe(addr string) error {
	s.server.Addr = addr
	log.Info().Str("addr", addr).Msg("Starting REST API server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *RESTServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// checkOrigin accepts websocket upgrades from the configured CORS origins
func checkOrigin(origins []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range origins {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}
