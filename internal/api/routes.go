package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	// Health check
	r.Get("/health", s.HandleHealth)
	r.Get("/", s.HandleRoot)

	// Device-facing routes, authenticated by X-Api-Key
	r.Route("/devices/{id}", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.deviceAuth)
			r.Get("/stream", s.HandleDeviceStream)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(s.config.API.RequestTimeout))
				r.Get("/next-action", s.HandleNextAction)
				r.Post("/photo", s.HandleUploadPhoto)
				r.Post("/frame", s.HandleUploadFrame)
				r.Post("/energy", s.HandleRecordEnergy)
				r.Post("/data-usage", s.HandleRecordDataUsage)
			})
		})

		// Viewer routes for a single device
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Use(middleware.Timeout(s.config.API.RequestTimeout))
			r.Get("/", s.HandleGetDevice)
			r.Get("/action-state", s.HandleActionState)
			r.Get("/live-frame", s.HandleLiveFrame)
			r.Get("/energy", s.HandleListEnergy)

			r.Group(func(r chi.Router) {
				r.Use(s.operatorOnly)
				r.Put("/enabled", s.HandleSetDeviceEnabled)
				r.Post("/request-photo", s.HandleRequestPhoto)
				r.Post("/request-stream", s.HandleRequestStream)
			})
		})
	})

	// Viewer routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/events", s.HandleEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.config.API.RequestTimeout))

			r.Get("/devices", s.HandleListDevices)
			r.With(s.operatorOnly).Post("/devices", s.HandleCreateDevice)

			r.Route("/streams", func(r chi.Router) {
				r.Get("/", s.HandleListStreams)
				r.Get("/pending", s.HandlePendingFinalizations)
				r.Route("/{sessionId}", func(r chi.Router) {
					r.Get("/", s.HandleGetStream)
					r.Get("/video", s.HandleStreamVideo)
					r.With(s.operatorOnly).Post("/regenerate", s.HandleRegenerateStream)
				})
			})

			r.Get("/media-events", s.HandleListMediaEvents)
		})
	})
}
