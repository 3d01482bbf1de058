package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Routes returns the HTTP handler serving the panel and feedback endpoints.
func (m Main) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(accessLog(m.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", m.HandleHealth)

	r.Route("/panels", func(r chi.Router) {
		r.Post("/", m.HandleNewPanel)
		r.Get("/{id}", m.HandlePanel)
		r.Delete("/{id}", m.HandleClosePanel)
		r.Post("/{id}/messages", m.HandleMessages)
	})

	r.Route("/tools/{slug}", func(r chi.Router) {
		r.Get("/ratings", m.HandleRatings)
		r.Post("/ratings", m.HandleAddRating)
		r.Get("/comments", m.HandleComments)
		r.Post("/comments", m.HandleAddComment)
	})

	return r
}

// HandleHealth reports that the server is up.
func (m Main) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// accessLog writes one log line per request once the handler returns. For a streamed answer that is when
// the stream ends.
func accessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.Info("http",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("req_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
