package stream

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	chatHandler "github.com/zhouzirui/chat-relay/internal/handler/chat"
	"github.com/zhouzirui/chat-relay/internal/model/chat"
	chatService "github.com/zhouzirui/chat-relay/internal/service/chat"
	"github.com/zhouzirui/chat-relay/pkg/utils"
)

// SSE event names.
const (
	EventStart   = "start"
	EventDelta   = "delta"
	EventMessage = "message"
	EventEnd     = "end"
	EventError   = "error"
)

// Event is the data payload of every SSE event.
type Event struct {
	SessionID string `json:"sessionId,omitempty"`
	Content   string `json:"content,omitempty"`
	Response  string `json:"response,omitempty"`
	Error     string `json:"error,omitempty"`
	Details   string `json:"details,omitempty"`
}

// Handler manages streaming AI responses via Server-Sent Events
type Handler struct {
	chatSvc *chatService.Service
	opts    chatHandler.Options
}

// New creates a new stream handler
func New(chatSvc *chatService.Service, opts chatHandler.Options) *Handler {
	return &Handler{chatSvc: chatSvc, opts: opts}
}

// RegisterRoutes mounts POST /chat/stream.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat/stream", h.handleStream)
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	req, ok := chatHandler.DecodeRequest(w, r, maxBodyBytes(h.opts))
	if !ok {
		return
	}

	sessionID := chatHandler.ResolveSessionID(r, req)
	w.Header().Set(chatHandler.SessionHeader, sessionID)

	// Unknown sessions answer 404 before the event stream starts.
	if sessionID != chat.DefaultSessionID {
		if _, err := h.chatSvc.GetSession(r.Context(), sessionID); err != nil {
			chatHandler.RespondServiceError(w, r, err, h.opts.SanitizeErrors)
			return
		}
	}

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	if err := utils.SendSSEEvent(w, flusher, EventStart, Event{SessionID: sessionID}); err != nil {
		h.logWriteError(r, err)
		return
	}

	reply, err := h.chatSvc.Stream(r.Context(), sessionID, req.Message, func(delta string) error {
		return utils.SendSSEEvent(w, flusher, EventDelta, Event{Content: delta})
	})
	if err != nil {
		_, body := chatHandler.ErrorBody(r, err, h.opts.SanitizeErrors)
		if err := utils.SendSSEEvent(w, flusher, EventError, Event{SessionID: sessionID, Error: body.Error, Details: body.Details}); err != nil {
			h.logWriteError(r, err)
		}
		return
	}

	if err := utils.SendSSEEvent(w, flusher, EventMessage, Event{SessionID: reply.SessionID, Response: reply.Content}); err != nil {
		h.logWriteError(r, err)
		return
	}
	if err := utils.SendSSEEvent(w, flusher, EventEnd, Event{SessionID: reply.SessionID}); err != nil {
		h.logWriteError(r, err)
	}
}

func (h *Handler) logWriteError(r *http.Request, err error) {
	log.Debug().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Msg("sse client went away")
}

func maxBodyBytes(opts chatHandler.Options) int64 {
	if opts.MaxBodyBytes <= 0 {
		return 1 << 20
	}
	return opts.MaxBodyBytes
}
