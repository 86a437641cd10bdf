package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	chatHandler "github.com/zhouzirui/chat-relay/internal/handler/chat"
	"github.com/zhouzirui/chat-relay/internal/service/ai/aitest"
	chatservice "github.com/zhouzirui/chat-relay/internal/service/chat"
)

func dialChat(t *testing.T, provider *aitest.Provider, opts chatHandler.Options) (*websocket.Conn, *chatservice.Service) {
	t.Helper()
	chatSvc := chatservice.NewService(provider, chatservice.NewMemoryStore(), chatservice.Options{})
	r := chi.NewRouter()
	NewWebSocketHandler(chatSvc, opts, []string{"*"}).RegisterRoutes(r)

	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/chat/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn, chatSvc
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	var frame Frame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestWebSocketRelaysMessage(t *testing.T) {
	provider := &aitest.Provider{Chunks: []string{"hi ", "there"}}
	conn, _ := dialChat(t, provider, chatHandler.Options{})

	require.NoError(t, conn.WriteJSON(chatHandler.Request{Message: "hello"}))

	require.Equal(t, Frame{Type: FrameDelta, SessionID: "default", Content: "hi "}, readFrame(t, conn))
	require.Equal(t, Frame{Type: FrameDelta, SessionID: "default", Content: "there"}, readFrame(t, conn))
	require.Equal(t, Frame{Type: FrameMessage, SessionID: "default", Content: "hi there"}, readFrame(t, conn))
	require.Len(t, provider.Calls(), 1)
}

func TestWebSocketRejectsBadFrames(t *testing.T) {
	provider := &aitest.Provider{}
	conn, _ := dialChat(t, provider, chatHandler.Options{})

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"message":`)))
	require.Equal(t, chatHandler.MsgInvalidBody, readFrame(t, conn).Error)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{}`)))
	frame := readFrame(t, conn)
	require.Equal(t, FrameError, frame.Type)
	require.Equal(t, chatHandler.MsgMessageRequired, frame.Error)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"message":42}`)))
	require.Equal(t, chatHandler.MsgMessageNotText, readFrame(t, conn).Error)

	require.Empty(t, provider.Calls())
}

func TestWebSocketSessionsAndFailures(t *testing.T) {
	provider := &aitest.Provider{}
	conn, chatSvc := dialChat(t, provider, chatHandler.Options{})

	session, err := chatSvc.CreateSession(context.Background())
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(chatHandler.Request{Message: "hello", SessionID: session.ID}))
	require.Equal(t, FrameDelta, readFrame(t, conn).Type)
	frame := readFrame(t, conn)
	require.Equal(t, FrameMessage, frame.Type)
	require.Equal(t, session.ID, frame.SessionID)

	require.NoError(t, conn.WriteJSON(chatHandler.Request{Message: "hello", SessionID: "missing"}))
	frame = readFrame(t, conn)
	require.Equal(t, FrameError, frame.Type)
	require.Equal(t, "session not found", frame.Error)
}

func TestWebSocketProviderError(t *testing.T) {
	provider := &aitest.Provider{Err: errors.New("quota exceeded")}
	conn, _ := dialChat(t, provider, chatHandler.Options{})

	require.NoError(t, conn.WriteJSON(chatHandler.Request{Message: "hello"}))
	frame := readFrame(t, conn)
	require.Equal(t, FrameError, frame.Type)
	require.Equal(t, chatHandler.MsgProviderFailure, frame.Error)
	require.Equal(t, "quota exceeded", frame.Details)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/chat/ws", nil)
	require.True(t, check(req))

	req.Header.Set("Origin", "https://app.example.com")
	require.True(t, check(req))

	req.Header.Set("Origin", "https://evil.example.com")
	require.False(t, check(req))
}
