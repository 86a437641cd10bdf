package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	chatHandler "github.com/zhouzirui/chat-relay/internal/handler/chat"
	"github.com/zhouzirui/chat-relay/internal/model/chat"
	chatService "github.com/zhouzirui/chat-relay/internal/service/chat"
)

// WebSocket frame types.
const (
	FrameDelta   = "delta"
	FrameMessage = "message"
	FrameError   = "error"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingPeriod   = 54 * time.Second
)

// Frame is an outbound WebSocket frame.
type Frame struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Content   string `json:"content,omitempty"`
	Error     string `json:"error,omitempty"`
	Details   string `json:"details,omitempty"`
}

// WebSocketHandler relays chat requests arriving as WebSocket frames.
type WebSocketHandler struct {
	chatSvc  *chatService.Service
	opts     chatHandler.Options
	upgrader websocket.Upgrader
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(chatSvc *chatService.Service, opts chatHandler.Options, allowedOrigins []string) *WebSocketHandler {
	return &WebSocketHandler{
		chatSvc: chatSvc,
		opts:    opts,
		upgrader: websocket.Upgrader{
			CheckOrigin:     originChecker(allowedOrigins),
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes mounts GET /chat/ws.
func (h *WebSocketHandler) RegisterRoutes(r chi.Router) {
	r.Get("/chat/ws", h.handleWebSocket)
}

func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxBodyBytes(h.opts))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go pingLoop(ctx, conn)

	// Frames without a session fall back to the one named at upgrade time.
	connSession := r.Header.Get(chatHandler.SessionHeader)
	if connSession == "" {
		connSession = r.URL.Query().Get("sessionId")
	}

	log.Debug().Str("remote", r.RemoteAddr).Msg("websocket connected")
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("websocket read failed")
			}
			return
		}

		if msgType != websocket.TextMessage {
			if err := h.write(conn, Frame{Type: FrameError, Error: chatHandler.MsgInvalidBody}); err != nil {
				return
			}
			continue
		}
		if err := h.handleFrame(ctx, r, conn, connSession, data); err != nil {
			return
		}
	}
}

// handleFrame relays one request. It returns an error only when the
// connection can no longer be written to.
func (h *WebSocketHandler) handleFrame(ctx context.Context, r *http.Request, conn *websocket.Conn, connSession string, data []byte) error {
	var req chatHandler.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return h.write(conn, Frame{Type: FrameError, Error: chatHandler.DecodeErrorMessage(err)})
	}
	if req.Message == "" {
		return h.write(conn, Frame{Type: FrameError, Error: chatHandler.MsgMessageRequired})
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = connSession
	}
	if sessionID == "" {
		sessionID = chat.DefaultSessionID
	}

	reply, err := h.chatSvc.Stream(ctx, sessionID, req.Message, func(delta string) error {
		return h.write(conn, Frame{Type: FrameDelta, SessionID: sessionID, Content: delta})
	})
	if err != nil {
		_, body := chatHandler.ErrorBody(r, err, h.opts.SanitizeErrors)
		return h.write(conn, Frame{Type: FrameError, SessionID: sessionID, Error: body.Error, Details: body.Details})
	}
	return h.write(conn, Frame{Type: FrameMessage, SessionID: reply.SessionID, Content: reply.Content})
}

func (h *WebSocketHandler) write(conn *websocket.Conn, frame Frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(frame); err != nil {
		log.Debug().Err(err).Str("type", frame.Type).Msg("websocket write failed")
		return err
	}
	return nil
}

func pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// originChecker allows requests without an Origin header and origins on the list.
func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.TrimRight(o, "/") == origin {
				return true
			}
		}
		return false
	}
}
