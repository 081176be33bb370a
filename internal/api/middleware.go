package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/camwatch/camwatch-server/internal/auth"
	"github.com/camwatch/camwatch-server/internal/errs"
)

type contextKey string

const (
	claimsKey contextKey = "claims"
	deviceKey contextKey = "device_id"
)

// requestLogger writes one zerolog event per request
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		defer func() {
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			event := log.Info()
			switch {
			case status >= 500:
				event = log.Error()
			case status >= 400:
				event = log.Warn()
			case r.Method == http.MethodGet:
				event = log.Debug()
			}
			event.
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("remote", r.RemoteAddr).
				Msg("HTTP request")
		}()

		next.ServeHTTP(ww, r)
	})
}

// authMiddleware requires a valid bearer token when a JWT secret is
// configured. Websocket clients may pass the token as ?token=.
func (s *RESTServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		token := r.URL.Query().Get("token")
		if authHeader := r.Header.Get("Authorization"); authHeader != "" {
			// Parse Bearer token
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				s.respondError(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}
			token = parts[1]
		}
		if token == "" {
			s.respondError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		// Validate token
		claims, err := s.auth.ValidateToken(token)
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		// Add claims to context
		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// operatorOnly rejects viewer tokens on routes that command devices
func (s *RESTServer) operatorOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if claims, ok := r.Context().Value(claimsKey).(*auth.Claims); ok && !claims.CanOperate() {
			s.respondError(w, http.StatusForbidden, "operator role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// deviceAuth checks the X-Api-Key header against the device named by the
// route. The device id is read from the {id} route parameter, or from the
// cameraId query parameter on legacy websocket routes.
func (s *RESTServer) deviceAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deviceID := chi.URLParam(r, "id")
		if deviceID == "" {
			deviceID = r.URL.Query().Get("cameraId")
		}
		if deviceID == "" {
			s.respondError(w, http.StatusBadRequest, "device id is required")
			return
		}

		apiKey := r.Header.Get("X-Api-Key")
		if apiKey == "" {
			apiKey = r.URL.Query().Get("apiKey")
		}

		if _, err := s.coord.AuthenticateDevice(r.Context(), deviceID, apiKey); err != nil {
			if errors.Is(err, errs.ErrUnauthorized) {
				log.Warn().Str("device_id", deviceID).Str("remote", r.RemoteAddr).Msg("Rejected device credentials")
			}
			s.respondErr(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), deviceKey, deviceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticatedDevice returns the device id set by deviceAuth
func authenticatedDevice(r *http.Request) string {
	id, _ := r.Context().Value(deviceKey).(string)
	return id
}
