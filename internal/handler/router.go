package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/civic-connect/realtime-core/internal/bridge"
	"github.com/civic-connect/realtime-core/internal/middleware"
	"github.com/civic-connect/realtime-core/internal/model"
	"github.com/civic-connect/realtime-core/pkg/logger"
)

// RouterConfig holds what the HTTP surface needs.
type RouterConfig struct {
	Bridge            *bridge.Bridge
	Health            *HealthHandler
	Websocket         http.Handler
	JWTSecret         string
	AllowedOrigins    []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
	Logger            *logger.Logger
}

// NewRouter builds the HTTP routes.
func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Logger.Named("handler")
	conversations := NewConversationHandler(cfg.Bridge, log)
	messages := NewMessageHandler(cfg.Bridge, log)
	announcements := NewAnnouncementHandler(cfg.Bridge, log)
	notifications := NewNotificationHandler(cfg.Bridge, log)
	civic := NewCivicHandler(cfg.Bridge, log)

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(cfg.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", cfg.Health.Health)
	r.Get("/ready", cfg.Health.Ready)
	r.Handle("/metrics", promhttp.Handler())

	// The websocket authenticates itself: token query parameter, bearer
	// header or an authenticate event.
	if cfg.Websocket != nil {
		r.With(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow)).
			Get("/ws", cfg.Websocket.ServeHTTP)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.UserRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Post("/chat/messages", messages.Send)

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", conversations.List)
			r.Get("/{id}", conversations.Get)
			r.Get("/{id}/messages", messages.List)
		})

		r.Get("/announcements", announcements.List)
		r.Post("/announcements/{id}/read", announcements.MarkRead)

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", notifications.List)
			r.Get("/unread-count", notifications.UnreadCount)
			r.Post("/read-all", notifications.MarkAllRead)
			r.Post("/{id}/read", notifications.MarkRead)
		})

		r.Post("/campaigns/{id}/contributions", civic.Contribute)

		r.Route("/admin", func(r chi.Router) {
			// Field staff report issue progress too.
			r.With(middleware.RequireRole(model.RoleWorker, model.RoleDepartment, model.RoleAdmin, model.RoleSuperAdmin)).
				Post("/issues/{id}/status", civic.IssueStatus)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireRole(model.RoleAdmin, model.RoleSuperAdmin))

				r.Post("/conversations/{id}/messages", messages.AdminSend)
				r.Post("/conversations/{id}/close", conversations.Close)
				r.Post("/conversations/{id}/assign", conversations.Assign)
				r.Post("/announcements", announcements.Publish)
				r.Post("/issues/{id}/assign", civic.IssueAssign)
				r.Post("/users/{id}/moderation", civic.Moderate)
			})
		})
	})

	return r
}
