package http

import (
	"log/slog"
	"net/http"
	"time"

	"bongard-study-service/internal/app"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions configures the HTTP surface.
type RouterOptions struct {
	AllowedOrigins []string
}

// NewRouter wires every study endpoint and the progress websocket.
func NewRouter(service *app.StudyService, hub *app.ProgressHub, opts RouterOptions) http.Handler {
	h := NewHandler(service)

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}

	ws := NewProgressHandler(hub, origins)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	r.Route("/participants", func(r chi.Router) {
		r.Get("/", h.GetParticipant)
		r.Post("/", h.RegisterParticipant)
	})
	r.Get("/assignments", h.GetAssignment)
	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", h.LatestSession)
		r.Post("/", h.StartSession)
		r.Get("/resume", h.ResumeSession)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Patch("/", h.UpdateSession)
			r.Post("/complete", h.CompleteSession)
			r.Get("/responses", h.SessionResponses)
		})
	})
	r.Post("/responses", h.RecordResponse)
	r.Get("/invites/{code}", h.RedeemInvite)
	r.Get("/ws/progress", ws.ServeWS)

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Info("request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"request_id", middleware.GetReqID(r.Context()),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
