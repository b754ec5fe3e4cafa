package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

func NewRouter(apiHandler *APIHandler, logger zerolog.Logger, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(hlog.NewHandler(logger))
	r.Use(requestIDLogger)
	r.Use(hlog.AccessHandler(accessLog))
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling
	r.Use(CORS(allowedOrigins))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", apiHandler.HealthHandler)
		r.Get("/session", apiHandler.SessionHandler)

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", apiHandler.StartChatHandler)
			r.Get("/", apiHandler.ListConversationsHandler)
			r.Get("/{conversationID}", apiHandler.GetConversationHandler)
			r.Delete("/{conversationID}", apiHandler.DeleteConversationHandler)
			r.Put("/{conversationID}/active", apiHandler.SelectConversationHandler)
		})

		r.Post("/messages", apiHandler.SendMessageHandler)

		r.Get("/theme", apiHandler.GetThemeHandler)
		r.Put("/theme", apiHandler.SetThemeHandler)
		r.Post("/theme/toggle", apiHandler.ToggleThemeHandler)

		r.Handle("/events", apiHandler.events)
	})

	return r
}

// requestIDLogger tags the request logger with chi's request id.
func requestIDLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			logger := zerolog.Ctx(r.Context())
			logger.UpdateContext(func(c zerolog.Context) zerolog.Context {
				return c.Str("request_id", id)
			})
		}
		next.ServeHTTP(w, r)
	})
}

func accessLog(r *http.Request, status, size int, duration time.Duration) {
	hlog.FromRequest(r).Info().
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Int("size", size).
		Dur("duration", duration).
		Msg("request")
}

// CORS allows the configured browser origins to call the API.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && allowed[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
