package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/zhouzirui/chat-relay/internal/config"
	"github.com/zhouzirui/chat-relay/internal/handler/chat"
	"github.com/zhouzirui/chat-relay/internal/handler/session"
	"github.com/zhouzirui/chat-relay/internal/handler/stream"
	middlewarePkg "github.com/zhouzirui/chat-relay/internal/middleware"
	chatService "github.com/zhouzirui/chat-relay/internal/service/chat"
	"github.com/zhouzirui/chat-relay/pkg/utils"
)

// Health is the body of GET /healthz.
type Health struct {
	Status   string `json:"status"`
	Provider string `json:"provider"`
	Sessions int    `json:"sessions"`
}

// NewRouter wires HTTP routes to core services.
func NewRouter(chatSvc *chatService.Service, server config.ServerConfig, sanitizeErrors bool, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(server.AllowedOrigins))

	opts := chat.Options{MaxBodyBytes: server.MaxBodyBytes, SanitizeErrors: sanitizeErrors}

	chat.New(chatSvc, opts).RegisterRoutes(r)
	stream.New(chatSvc, opts).RegisterRoutes(r)
	stream.NewWebSocketHandler(chatSvc, opts, server.AllowedOrigins).RegisterRoutes(r)
	session.New(chatSvc, opts).RegisterRoutes(r)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, Health{
			Status:   "ok",
			Provider: chatSvc.ProviderName(),
			Sessions: chatSvc.ResidentSessions(),
		})
	})

	return r
}
