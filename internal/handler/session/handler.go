package session

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	chatHandler "github.com/zhouzirui/chat-relay/internal/handler/chat"
	chatService "github.com/zhouzirui/chat-relay/internal/service/chat"
	"github.com/zhouzirui/chat-relay/pkg/utils"
)

// Handler 会话管理的HTTP处理器
type Handler struct {
	chatSvc *chatService.Service
	opts    chatHandler.Options
}

// New 创建会话处理器
func New(chatSvc *chatService.Service, opts chatHandler.Options) *Handler {
	return &Handler{chatSvc: chatSvc, opts: opts}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.handleCreate)
		r.Get("/{sessionID}", h.handleGet)
		r.Get("/{sessionID}/messages", h.handleMessages)
		r.Post("/{sessionID}/reset", h.handleReset)
		r.Delete("/{sessionID}", h.handleDelete)
	})
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	session, err := h.chatSvc.CreateSession(r.Context())
	if err != nil {
		chatHandler.RespondServiceError(w, r, err, h.opts.SanitizeErrors)
		return
	}
	w.Header().Set(chatHandler.SessionHeader, session.ID)
	utils.RespondJSON(w, http.StatusCreated, session)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	session, err := h.chatSvc.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		chatHandler.RespondServiceError(w, r, err, h.opts.SanitizeErrors)
		return
	}
	utils.RespondJSON(w, http.StatusOK, session)
}

func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := h.chatSvc.LoadTranscript(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		chatHandler.RespondServiceError(w, r, err, h.opts.SanitizeErrors)
		return
	}
	utils.RespondJSON(w, http.StatusOK, messages)
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := h.chatSvc.ResetSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		chatHandler.RespondServiceError(w, r, err, h.opts.SanitizeErrors)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.chatSvc.DeleteSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		chatHandler.RespondServiceError(w, r, err, h.opts.SanitizeErrors)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
