package chat_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"

	model "github.com/zhouzirui/chat-relay/internal/model/chat"
	"github.com/zhouzirui/chat-relay/internal/service/ai"
	"github.com/zhouzirui/chat-relay/internal/service/ai/aitest"
	chat "github.com/zhouzirui/chat-relay/internal/service/chat"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newService(t *testing.T, provider *aitest.Provider, opts chat.Options) (*chat.Service, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)}
	opts.Now = clk.Now
	return chat.NewService(provider, chat.NewMemoryStore(), opts), clk
}

func requireCode(t *testing.T, err error, code chat.ErrorCode) {
	t.Helper()
	var ce *chat.Error
	require.True(t, errors.As(err, &ce), "expected *chat.Error, got %T", err)
	require.Equal(t, code, ce.Code)
}

func TestServiceSendUsesDefaultSession(t *testing.T) {
	provider := &aitest.Provider{Reply: "hi there"}
	svc, _ := newService(t, provider, chat.Options{})
	ctx := context.Background()

	reply, err := svc.Send(ctx, "", "hello")
	require.NoError(t, err)
	require.Equal(t, "hi there", reply.Content)
	require.Equal(t, model.DefaultSessionID, reply.SessionID)
	require.Len(t, provider.Calls(), 1)

	transcript, err := svc.LoadTranscript(ctx, model.DefaultSessionID)
	require.NoError(t, err)
	require.Len(t, transcript, 2)
	require.Equal(t, model.SenderUser, transcript[0].Sender)
	require.Equal(t, "hello", transcript[0].Content)
	require.Equal(t, model.SenderAssistant, transcript[1].Sender)
	require.Equal(t, "hi there", transcript[1].Content)

	session, err := svc.GetSession(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 1, session.Turns)
}

func TestServiceSendRejectsEmptyMessage(t *testing.T) {
	provider := &aitest.Provider{}
	svc, _ := newService(t, provider, chat.Options{})

	_, err := svc.Send(context.Background(), "", "")
	requireCode(t, err, chat.ErrorInvalidInput)
	require.Empty(t, provider.Calls())
}

func TestServiceSessionsAreIsolated(t *testing.T) {
	provider := &aitest.Provider{}
	svc, _ := newService(t, provider, chat.Options{})
	ctx := context.Background()

	a, err := svc.CreateSession(ctx)
	require.NoError(t, err)
	b, err := svc.CreateSession(ctx)
	require.NoError(t, err)
	require.NotEqual(t, a.ID, b.ID)

	_, err = svc.Send(ctx, a.ID, "first for a")
	require.NoError(t, err)
	_, err = svc.Send(ctx, b.ID, "first for b")
	require.NoError(t, err)
	_, err = svc.Send(ctx, a.ID, "second for a")
	require.NoError(t, err)

	calls := provider.Calls()
	require.Len(t, calls, 3)
	require.Empty(t, calls[1].History)
	require.Equal(t, []string{"first for a", "echo: first for a"}, calls[2].History)
}

func TestServiceUnknownSession(t *testing.T) {
	provider := &aitest.Provider{}
	svc, _ := newService(t, provider, chat.Options{})

	_, err := svc.Send(context.Background(), "missing", "hello")
	requireCode(t, err, chat.ErrorSessionNotFound)
	require.Empty(t, provider.Calls())

	_, err = svc.GetSession(context.Background(), "missing")
	requireCode(t, err, chat.ErrorSessionNotFound)
}

func TestServiceProviderFailureIsClassified(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code chat.ErrorCode
	}{
		{"generic", errors.New("connection refused"), chat.ErrorUpstream},
		{"timeout", fmt.Errorf("gemini: %w", context.DeadlineExceeded), chat.ErrorUpstreamTimeout},
		{"rate limited", fmt.Errorf("gemini: %w", &googleapi.Error{Code: 429}), chat.ErrorRateLimited},
		{"blocked", ai.ErrBlocked, chat.ErrorBlocked},
		{"empty", ai.ErrEmptyResponse, chat.ErrorMalformedResponse},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			provider := &aitest.Provider{Err: tc.err}
			svc, _ := newService(t, provider, chat.Options{})
			ctx := context.Background()

			_, err := svc.Send(ctx, "", "hello")
			requireCode(t, err, tc.code)
			require.ErrorIs(t, err, tc.err)

			var ce *chat.Error
			require.True(t, errors.As(err, &ce))
			require.True(t, ce.IsProviderFailure())
			require.NotContains(t, ce.Public(), tc.err.Error())

			transcript, err := svc.LoadTranscript(ctx, model.DefaultSessionID)
			require.NoError(t, err)
			require.Empty(t, transcript)
		})
	}
}

func TestServiceTimeoutBoundsProviderCall(t *testing.T) {
	provider := &aitest.Provider{Block: make(chan struct{})}
	svc, _ := newService(t, provider, chat.Options{Timeout: 20 * time.Millisecond})

	_, err := svc.Send(context.Background(), "", "hello")
	requireCode(t, err, chat.ErrorUpstreamTimeout)
}

func TestServiceSerializesCallsPerSession(t *testing.T) {
	block := make(chan struct{})
	provider := &aitest.Provider{Block: block}
	svc, _ := newService(t, provider, chat.Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Send(ctx, "", fmt.Sprintf("msg-%d", i))
			assert.NoError(t, err)
		}(i)
	}

	require.Eventually(t, func() bool { return len(provider.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	// Only one call is in flight while the first one blocks.
	time.Sleep(20 * time.Millisecond)
	require.Len(t, provider.Calls(), 1)

	close(block)
	wg.Wait()

	calls := provider.Calls()
	require.Len(t, calls, 3)
	for i, call := range calls {
		require.Len(t, call.History, 2*i)
	}
}

func TestServiceStreamDeliversChunks(t *testing.T) {
	provider := &aitest.Provider{Chunks: []string{"hi ", "there"}}
	svc, _ := newService(t, provider, chat.Options{})

	var deltas []string
	reply, err := svc.Stream(context.Background(), "", "hello", func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "hi there", reply.Content)
	require.Equal(t, []string{"hi ", "there"}, deltas)
}

func TestServiceResetClearsHistory(t *testing.T) {
	provider := &aitest.Provider{}
	svc, _ := newService(t, provider, chat.Options{})
	ctx := context.Background()

	session, err := svc.CreateSession(ctx)
	require.NoError(t, err)
	_, err = svc.Send(ctx, session.ID, "remember me")
	require.NoError(t, err)

	require.NoError(t, svc.ResetSession(ctx, session.ID))

	transcript, err := svc.LoadTranscript(ctx, session.ID)
	require.NoError(t, err)
	require.Empty(t, transcript)

	_, err = svc.Send(ctx, session.ID, "who am I")
	require.NoError(t, err)
	calls := provider.Calls()
	require.Empty(t, calls[len(calls)-1].History)

	got, err := svc.GetSession(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.Turns)
}

func TestServiceDeleteSession(t *testing.T) {
	provider := &aitest.Provider{}
	svc, _ := newService(t, provider, chat.Options{})
	ctx := context.Background()

	session, err := svc.CreateSession(ctx)
	require.NoError(t, err)
	require.NoError(t, svc.DeleteSession(ctx, session.ID))

	_, err = svc.Send(ctx, session.ID, "hello")
	requireCode(t, err, chat.ErrorSessionNotFound)

	err = svc.DeleteSession(ctx, session.ID)
	requireCode(t, err, chat.ErrorSessionNotFound)
}

func TestServiceDeleteDuringCallDiscardsTurn(t *testing.T) {
	block := make(chan struct{})
	provider := &aitest.Provider{Block: block}
	store := chat.NewMemoryStore()
	svc := chat.NewService(provider, store, chat.Options{})
	ctx := context.Background()

	session, err := svc.CreateSession(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Send(ctx, session.ID, "hello")
		done <- err
	}()

	require.Eventually(t, func() bool { return len(provider.Calls()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, svc.DeleteSession(ctx, session.ID))
	close(block)
	require.NoError(t, <-done)

	_, err = svc.GetSession(ctx, session.ID)
	requireCode(t, err, chat.ErrorSessionNotFound)
	_, err = store.GetSession(ctx, session.ID)
	require.ErrorIs(t, err, chat.ErrSessionNotFound)
	_, err = store.LoadTranscript(ctx, session.ID)
	require.ErrorIs(t, err, chat.ErrSessionNotFound)
}

func TestServiceCapacityEvictionSkipsBusySessions(t *testing.T) {
	block := make(chan struct{})
	provider := &aitest.Provider{Block: block}
	svc, clk := newService(t, provider, chat.Options{MaxSessions: 1})
	ctx := context.Background()

	busy, err := svc.CreateSession(ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Send(ctx, busy.ID, "hello")
		done <- err
	}()
	require.Eventually(t, func() bool { return len(provider.Calls()) == 1 }, time.Second, 5*time.Millisecond)

	clk.Advance(time.Second)
	_, err = svc.CreateSession(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, svc.ResidentSessions())

	close(block)
	require.NoError(t, <-done)

	got, err := svc.GetSession(ctx, busy.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.Turns)
}

func TestServiceSweepEvictsIdleSessions(t *testing.T) {
	provider := &aitest.Provider{}
	svc, clk := newService(t, provider, chat.Options{TTL: 10 * time.Minute})
	ctx := context.Background()

	idle, err := svc.CreateSession(ctx)
	require.NoError(t, err)
	_, err = svc.Send(ctx, "", "keep default")
	require.NoError(t, err)

	clk.Advance(5 * time.Minute)
	active, err := svc.CreateSession(ctx)
	require.NoError(t, err)

	clk.Advance(6 * time.Minute)
	removed := svc.Sweep(ctx)
	require.Equal(t, 1, removed)

	_, err = svc.GetSession(ctx, idle.ID)
	requireCode(t, err, chat.ErrorSessionNotFound)
	_, err = svc.GetSession(ctx, active.ID)
	require.NoError(t, err)
	_, err = svc.GetSession(ctx, model.DefaultSessionID)
	require.NoError(t, err)
}

func TestServiceCapacityEvictionRestoresFromStore(t *testing.T) {
	provider := &aitest.Provider{}
	svc, clk := newService(t, provider, chat.Options{MaxSessions: 1})
	ctx := context.Background()

	first, err := svc.CreateSession(ctx)
	require.NoError(t, err)
	_, err = svc.Send(ctx, first.ID, "hello")
	require.NoError(t, err)

	clk.Advance(time.Second)
	_, err = svc.CreateSession(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, svc.ResidentSessions())

	_, err = svc.Send(ctx, first.ID, "still there?")
	require.NoError(t, err)

	calls := provider.Calls()
	require.Equal(t, []string{"hello", "echo: hello"}, calls[len(calls)-1].History)

	restored := provider.Restored()
	require.Len(t, restored[len(restored)-1], 2)
}

func TestErrorHTTPStatus(t *testing.T) {
	require.Equal(t, 400, (&chat.Error{Code: chat.ErrorInvalidInput}).HTTPStatus())
	require.Equal(t, 404, (&chat.Error{Code: chat.ErrorSessionNotFound}).HTTPStatus())
	require.Equal(t, 500, (&chat.Error{Code: chat.ErrorRateLimited}).HTTPStatus())
	require.Equal(t, 500, (&chat.Error{Code: chat.ErrorInternal}).HTTPStatus())

	wrapped := chat.AsError(errors.New("boom"))
	require.Equal(t, chat.ErrorInternal, wrapped.Code)
	require.Equal(t, "boom", wrapped.Cause())
}
