package routes

import (
	"chatrelay/chatrelay/config"
	"chatrelay/chatrelay/controllers"
	"chatrelay/chatrelay/middlewares"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func NewRouter(cfg config.Config, health *controllers.HealthController, chat *controllers.ChatController, socket *controllers.SocketController) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewares.RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Mount("/health", HealthRoutes(health))
	r.Mount("/chat", ChatRoutes(chat, cfg))
	r.With(middlewares.AuthMiddleware(cfg)).Get("/ws", SocketHandler(socket, cfg))
	return r
}
