package chat

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/chat-relay/internal/model/chat"
	chatService "github.com/zhouzirui/chat-relay/internal/service/chat"
	"github.com/zhouzirui/chat-relay/pkg/utils"
)

// SessionHeader names the session a request belongs to.
const SessionHeader = "X-Session-ID"

// Client-facing texts of the relay endpoints.
const (
	MsgInvalidBody     = "Cuerpo de la solicitud inválido."
	MsgMessageRequired = "El campo 'message' es requerido."
	MsgMessageNotText  = "El campo 'message' debe ser una cadena de texto."
	MsgProviderFailure = "Ocurrió un error en el servidor de IA."
)

const defaultMaxBodyBytes = 1 << 20

// Request is the body of POST /chat.
type Request struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
}

// Response is the success body of POST /chat.
type Response struct {
	Response  string `json:"response"`
	SessionID string `json:"sessionId,omitempty"`
}

// Options tunes request decoding and error reporting.
type Options struct {
	MaxBodyBytes int64
	// SanitizeErrors reports the error class in the details field instead
	// of the provider's message.
	SanitizeErrors bool
}

// Handler 聊天服务的HTTP处理器
type Handler struct {
	chatSvc *chatService.Service
	opts    Options
}

// New 创建聊天处理器
func New(chatSvc *chatService.Service, opts Options) *Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Handler{chatSvc: chatSvc, opts: opts}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/chat", h.handleChat)
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := DecodeRequest(w, r, h.opts.MaxBodyBytes)
	if !ok {
		return
	}

	sessionID := ResolveSessionID(r, req)
	w.Header().Set(SessionHeader, sessionID)

	reply, err := h.chatSvc.Send(r.Context(), sessionID, req.Message)
	if err != nil {
		RespondServiceError(w, r, err, h.opts.SanitizeErrors)
		return
	}

	resp := Response{Response: reply.Content}
	if req.SessionID != "" || r.Header.Get(SessionHeader) != "" {
		resp.SessionID = reply.SessionID
	}
	utils.RespondJSON(w, http.StatusOK, resp)
}

// DecodeRequest reads and validates a chat request body. On failure the
// 400 response has already been written.
func DecodeRequest(w http.ResponseWriter, r *http.Request, maxBytes int64) (Request, bool) {
	var req Request
	if r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		err := json.NewDecoder(r.Body).Decode(&req)
		if err != nil && !errors.Is(err, io.EOF) {
			log.Debug().Err(err).Str("request_id", middleware.GetReqID(r.Context())).Msg("invalid chat request body")
			utils.RespondError(w, http.StatusBadRequest, DecodeErrorMessage(err))
			return Request{}, false
		}
	}

	if req.Message == "" {
		utils.RespondError(w, http.StatusBadRequest, MsgMessageRequired)
		return Request{}, false
	}
	return req, true
}

// DecodeErrorMessage maps a request decoding failure to its client text.
func DecodeErrorMessage(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field == "message" {
		return MsgMessageNotText
	}
	return MsgInvalidBody
}

// ResolveSessionID picks the body session, then the header, then the default session.
func ResolveSessionID(r *http.Request, req Request) string {
	if req.SessionID != "" {
		return req.SessionID
	}
	if id := r.Header.Get(SessionHeader); id != "" {
		return id
	}
	return chat.DefaultSessionID
}

// ErrorBody converts a service error into the client-facing envelope and
// logs the full cause.
func ErrorBody(r *http.Request, err error, sanitize bool) (int, utils.ErrorBody) {
	ce := chatService.AsError(err)
	status := ce.HTTPStatus()

	switch status {
	case http.StatusBadRequest:
		return status, utils.ErrorBody{Error: MsgMessageRequired}
	case http.StatusNotFound:
		return status, utils.ErrorBody{Error: ce.Public()}
	}

	log.Error().
		Err(err).
		Str("request_id", middleware.GetReqID(r.Context())).
		Str("code", string(ce.Code)).
		Str("reason", ce.Reason).
		Msg("chat relay failed")

	details := ce.Cause()
	if sanitize {
		details = ce.Public()
	}
	return status, utils.ErrorBody{Error: MsgProviderFailure, Details: details}
}

// RespondServiceError writes a service error as JSON.
func RespondServiceError(w http.ResponseWriter, r *http.Request, err error, sanitize bool) {
	status, body := ErrorBody(r, err, sanitize)
	utils.RespondErrorDetails(w, status, body.Error, body.Details)
}
