package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(apiHandler *APIHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)       // Basic request logging
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	// All API routes will be under /api
	r.Route("/api", func(r chi.Router) {
		// Public routes
		r.Post("/signup", apiHandler.SignupHandler)
		r.Post("/login", apiHandler.LoginHandler)
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		})

		// User-authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(apiHandler.JWTAuthMiddleware)

			// Profile routes
			r.Get("/profile", apiHandler.GetProfileHandler)
			r.Put("/profile", apiHandler.PutProfileHandler)

			// Meal routes
			r.Post("/meals", apiHandler.CreateMealHandler)
			r.Get("/meals", apiHandler.ListMealsHandler)
			r.Patch("/meals/{mealID}", apiHandler.UpdateMealHandler)
			r.Delete("/meals/{mealID}", apiHandler.DeleteMealHandler)

			// Weight log routes
			r.Post("/weights", apiHandler.CreateWeightLogHandler)
			r.Get("/weights", apiHandler.ListWeightLogsHandler)
			r.Delete("/weights/{logID}", apiHandler.DeleteWeightLogHandler)

			// Chat routes
			r.Post("/chat/threads", apiHandler.CreateChatThreadHandler)
			r.Post("/chat/threads/{threadID}/messages", apiHandler.PostChatMessageHandler)
			r.Get("/chat/threads/{threadID}/events", apiHandler.RunEventsHandler)

			// Voice transcription
			r.Post("/transcriptions", apiHandler.TranscribeHandler)
		})
	})

	return r
}
