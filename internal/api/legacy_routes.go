package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// setupLegacyRoutes serves the paths used by deployed agent firmware. All
// of them are device-authenticated; request-stream on this path lets an
// agent open a session for itself.
func (s *RESTServer) setupLegacyRoutes(r chi.Router) {
	r.With(s.deviceAuth).Get("/ws/camera-stream", s.HandleDeviceStream)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.config.API.RequestTimeout))
		r.Use(s.deviceAuth)

		r.Get("/api/camera/{id}/take-photo-or-video", s.HandleNextAction)
		r.Route("/api/cameras/{id}", func(r chi.Router) {
			r.Post("/photo", s.HandleUploadPhoto)
			r.Post("/live-frame", s.HandleUploadFrame)
			r.Post("/request-stream", s.HandleRequestStream)
			r.Post("/energy", s.HandleRecordEnergy)
			r.Post("/data-usage", s.HandleRecordDataUsage)
		})
	})
}
