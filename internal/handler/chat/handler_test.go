package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/chat-relay/internal/service/ai/aitest"
	chatservice "github.com/zhouzirui/chat-relay/internal/service/chat"
)

func setupRouter(provider *aitest.Provider, opts Options) (*chi.Mux, *chatservice.Service) {
	chatSvc := chatservice.NewService(provider, chatservice.NewMemoryStore(), chatservice.Options{})
	handler := New(chatSvc, opts)

	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	return r, chatSvc
}

func postChat(r http.Handler, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

func TestChatRelaysReply(t *testing.T) {
	provider := &aitest.Provider{Reply: "hi there"}
	r, _ := setupRouter(provider, Options{})

	resp := postChat(r, `{"message":"hello"}`, nil)

	require.Equal(t, http.StatusOK, resp.Code)
	require.JSONEq(t, `{"response":"hi there"}`, resp.Body.String())
	require.Equal(t, "default", resp.Header().Get(SessionHeader))

	calls := provider.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, "hello", calls[0].Text)
}

func TestChatMissingMessage(t *testing.T) {
	for _, body := range []string{`{}`, `{"message":""}`, ``, `null`} {
		provider := &aitest.Provider{}
		r, _ := setupRouter(provider, Options{})

		resp := postChat(r, body, nil)

		require.Equal(t, http.StatusBadRequest, resp.Code, "body %q", body)
		require.JSONEq(t, `{"error":"El campo 'message' es requerido."}`, resp.Body.String())
		require.Empty(t, provider.Calls())
	}
}

func TestChatInvalidBody(t *testing.T) {
	for _, body := range []string{`{"message":`, `[1,2]`, `{"sessionId":7,"message":"hi"}`} {
		provider := &aitest.Provider{}
		r, _ := setupRouter(provider, Options{})

		resp := postChat(r, body, nil)

		require.Equal(t, http.StatusBadRequest, resp.Code, "body %q", body)
		require.JSONEq(t, `{"error":"Cuerpo de la solicitud inválido."}`, resp.Body.String())
		require.Empty(t, provider.Calls())
	}
}

func TestChatMessageNotString(t *testing.T) {
	for _, body := range []string{`{"message":42}`, `{"message":true}`, `{"message":["hi"]}`, `{"message":{"text":"hi"}}`} {
		provider := &aitest.Provider{}
		r, _ := setupRouter(provider, Options{})

		resp := postChat(r, body, nil)

		require.Equal(t, http.StatusBadRequest, resp.Code, "body %q", body)
		require.JSONEq(t, `{"error":"El campo 'message' debe ser una cadena de texto."}`, resp.Body.String())
		require.Empty(t, provider.Calls())
	}
}

func TestChatBodyTooLarge(t *testing.T) {
	provider := &aitest.Provider{}
	r, _ := setupRouter(provider, Options{MaxBodyBytes: 16})

	resp := postChat(r, `{"message":"`+strings.Repeat("a", 64)+`"}`, nil)

	require.Equal(t, http.StatusBadRequest, resp.Code)
	require.Empty(t, provider.Calls())
}

func TestChatProviderFailureReturnsProviderMessage(t *testing.T) {
	provider := &aitest.Provider{Err: errors.New("quota exceeded")}
	r, _ := setupRouter(provider, Options{})

	resp := postChat(r, `{"message":"hello"}`, nil)

	require.Equal(t, http.StatusInternalServerError, resp.Code)
	require.JSONEq(t, `{"error":"Ocurrió un error en el servidor de IA.","details":"quota exceeded"}`, resp.Body.String())
	require.Len(t, provider.Calls(), 1)
}

func TestChatProviderTimeoutReturnsProviderMessage(t *testing.T) {
	provider := &aitest.Provider{Err: fmt.Errorf("wrapped: %w", context.DeadlineExceeded)}
	r, _ := setupRouter(provider, Options{})

	resp := postChat(r, `{"message":"hello"}`, nil)

	require.Equal(t, http.StatusInternalServerError, resp.Code)
	require.JSONEq(t, `{"error":"Ocurrió un error en el servidor de IA.","details":"wrapped: context deadline exceeded"}`, resp.Body.String())
}

func TestChatProviderFailureSanitized(t *testing.T) {
	provider := &aitest.Provider{Err: errors.New("api key AIza-secret rejected")}
	r, _ := setupRouter(provider, Options{SanitizeErrors: true})

	resp := postChat(r, `{"message":"hello"}`, nil)

	require.Equal(t, http.StatusInternalServerError, resp.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, "Ocurrió un error en el servidor de IA.", body["error"])
	require.Equal(t, "the AI provider request failed", body["details"])
	require.NotContains(t, resp.Body.String(), "AIza-secret")
	require.Len(t, provider.Calls(), 1)
}

func TestChatNamedSession(t *testing.T) {
	provider := &aitest.Provider{}
	r, chatSvc := setupRouter(provider, Options{})

	session, err := chatSvc.CreateSession(context.Background())
	require.NoError(t, err)

	payload, _ := json.Marshal(map[string]string{"message": "first", "sessionId": session.ID})
	req := httptest.NewRequest(http.MethodPost, "/chat", bytes.NewReader(payload))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)
	require.Equal(t, session.ID, resp.Header().Get(SessionHeader))

	var body Response
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, session.ID, body.SessionID)
	require.Equal(t, "echo: first", body.Response)

	// The header names the same session.
	resp = postChat(r, `{"message":"second"}`, map[string]string{SessionHeader: session.ID})
	require.Equal(t, http.StatusOK, resp.Code)

	calls := provider.Calls()
	require.Len(t, calls, 2)
	require.Equal(t, []string{"first", "echo: first"}, calls[1].History)

	transcript, err := chatSvc.LoadTranscript(context.Background(), "")
	require.Error(t, err)
	require.Nil(t, transcript)
}

func TestChatUnknownSession(t *testing.T) {
	provider := &aitest.Provider{}
	r, _ := setupRouter(provider, Options{})

	resp := postChat(r, `{"message":"hello","sessionId":"missing"}`, nil)

	require.Equal(t, http.StatusNotFound, resp.Code)
	require.JSONEq(t, `{"error":"session not found"}`, resp.Body.String())
	require.Empty(t, provider.Calls())
}
