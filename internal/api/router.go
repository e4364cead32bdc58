package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"plantpod-gateway/internal/auth"
)

// SetupDataRouter serves device ingestion.
func SetupDataRouter(apiHandler *APIHandler, am *auth.AuthManager) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(apiHandler.log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", apiHandler.HandleHealth)
	r.With(am.APIKeyMiddleware).Post("/telemetry", apiHandler.HandleDataIngest)

	return r
}

// SetupUIRouter serves viewers: pod state, live streams and plant moods.
func SetupUIRouter(apiHandler *APIHandler, am *auth.AuthManager) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(apiHandler.log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", apiHandler.HandleHealth)
	r.Group(func(r chi.Router) {
		r.Use(am.JWTMiddleware)
		r.Get("/pods/{podID}/state", apiHandler.HandleState)
		r.Get("/pods/{podID}/stream", apiHandler.HandleStream)
		r.Get("/pods/{podID}/ws", apiHandler.HandleWebSocket)
		r.Put("/pods/{podID}/members", apiHandler.HandleAssignMembers)
		r.Get("/plants/{plantID}/mood", apiHandler.HandleMood)
	})

	return r
}

// RequestLogger logs one line per request through zap.
func RequestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info("HTTP request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
