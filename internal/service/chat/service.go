package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/zhouzirui/chat-relay/internal/model/chat"
	"github.com/zhouzirui/chat-relay/internal/service/ai"
)

const instrumentationName = "github.com/zhouzirui/chat-relay/internal/service/chat"

// Options tunes the session registry.
type Options struct {
	// TTL is the idle time after which a session is deleted. Zero disables expiry.
	TTL           time.Duration
	SweepInterval time.Duration
	// MaxSessions caps the number of resident provider conversations.
	MaxSessions int
	// Timeout bounds each provider call. Zero means no timeout.
	Timeout time.Duration
	Now     func() time.Time
}

// Service is the session registry. Each session owns one provider
// conversation and provider calls are serialized per session.
type Service struct {
	provider ai.Provider
	store    Store
	opts     Options
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*entry

	tracer   trace.Tracer
	relayed  metric.Int64Counter
	failures metric.Int64Counter
}

type entry struct {
	// mu is held for the whole provider call.
	mu   sync.Mutex
	conv ai.Conversation

	// session is guarded by Service.mu.
	session chat.Session
}

// NewService builds the registry on top of a provider and a transcript store.
func NewService(provider ai.Provider, store Store, opts Options) *Service {
	if store == nil {
		store = NewMemoryStore()
	}
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = 1000
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	meter := otel.Meter(instrumentationName)
	relayed, err := meter.Int64Counter("chat_relay.messages",
		metric.WithDescription("Messages relayed to the AI provider"))
	if err != nil {
		log.Warn().Err(err).Msg("failed to create relayed counter")
	}
	failures, err := meter.Int64Counter("chat_relay.provider_failures",
		metric.WithDescription("Failed AI provider calls by error class"))
	if err != nil {
		log.Warn().Err(err).Msg("failed to create failure counter")
	}

	return &Service{
		provider: provider,
		store:    store,
		opts:     opts,
		now:      now,
		entries:  make(map[string]*entry),
		tracer:   otel.Tracer(instrumentationName),
		relayed:  relayed,
		failures: failures,
	}
}

// ProviderName reports which provider backs the registry.
func (s *Service) ProviderName() string {
	return s.provider.Name()
}

// ResidentSessions returns the number of sessions holding a live conversation.
func (s *Service) ResidentSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// CreateSession provisions a session with an empty history.
func (s *Service) CreateSession(ctx context.Context) (chat.Session, error) {
	now := s.now()
	session := chat.Session{
		ID:           uuid.NewString(),
		CreatedAt:    now,
		LastActiveAt: now,
	}

	if err := s.store.SaveSession(ctx, session); err != nil {
		return chat.Session{}, newError(ErrorInternal, "store_save_session", err)
	}

	conv, err := s.provider.StartConversation(ctx, nil)
	if err != nil {
		return chat.Session{}, classifyProviderError(err)
	}

	s.mu.Lock()
	s.entries[session.ID] = &entry{conv: conv, session: session}
	s.evictOverflowLocked(session.ID)
	s.mu.Unlock()

	log.Debug().Str("session_id", session.ID).Msg("session created")
	return session, nil
}

// GetSession returns a session, resident or stored.
func (s *Service) GetSession(ctx context.Context, sessionID string) (chat.Session, error) {
	sessionID = normalizeID(sessionID)

	s.mu.Lock()
	if e, ok := s.entries[sessionID]; ok {
		session := e.session
		s.mu.Unlock()
		return session, nil
	}
	s.mu.Unlock()

	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return chat.Session{}, storeError(err, "store_get_session")
	}
	return session, nil
}

// LoadTranscript returns the stored messages of a session.
func (s *Service) LoadTranscript(ctx context.Context, sessionID string) ([]chat.Message, error) {
	messages, err := s.store.LoadTranscript(ctx, normalizeID(sessionID))
	if err != nil {
		return nil, storeError(err, "store_load_transcript")
	}
	return messages, nil
}

// Send relays one message to the session's conversation and returns the reply.
func (s *Service) Send(ctx context.Context, sessionID, text string) (chat.Reply, error) {
	return s.relay(ctx, sessionID, text, nil)
}

// Stream is Send with incremental delivery of reply chunks to onDelta.
func (s *Service) Stream(ctx context.Context, sessionID, text string, onDelta func(string) error) (chat.Reply, error) {
	if onDelta == nil {
		onDelta = func(string) error { return nil }
	}
	return s.relay(ctx, sessionID, text, onDelta)
}

func (s *Service) relay(ctx context.Context, sessionID, text string, onDelta func(string) error) (chat.Reply, error) {
	if text == "" {
		return chat.Reply{}, newError(ErrorInvalidInput, "empty_message", ErrMessageRequired)
	}
	sessionID = normalizeID(sessionID)

	e, err := s.lockEntry(ctx, sessionID)
	if err != nil {
		return chat.Reply{}, err
	}
	defer e.mu.Unlock()

	callCtx, span := s.tracer.Start(ctx, "chat.relay", trace.WithAttributes(
		attribute.String("chat.session_id", sessionID),
		attribute.String("chat.provider", s.provider.Name()),
		attribute.Bool("chat.stream", onDelta != nil),
		attribute.Int("chat.message_length", len(text)),
	))
	defer span.End()

	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, s.opts.Timeout)
		defer cancel()
	}

	started := s.now()
	var content string
	if onDelta != nil {
		content, err = e.conv.Stream(callCtx, text, onDelta)
	} else {
		content, err = e.conv.Send(callCtx, text)
	}
	if err != nil {
		classified := classifyProviderError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(classified.Code))
		s.countFailure(ctx, classified.Code)
		return chat.Reply{}, classified
	}
	span.SetAttributes(attribute.Int("chat.reply_length", len(content)))
	s.countRelayed(ctx)

	s.recordTurn(ctx, e, sessionID, text, content, started)
	return chat.Reply{SessionID: sessionID, Content: content}, nil
}

// recordTurn persists both sides of a successful exchange. Store failures
// are logged; the reply has already been produced. Nothing is written for a
// session deleted while its call was in flight.
func (s *Service) recordTurn(ctx context.Context, e *entry, sessionID, userText, reply string, started time.Time) {
	s.mu.Lock()
	resident := s.entries[sessionID] == e
	s.mu.Unlock()
	if !resident {
		log.Debug().Str("session_id", sessionID).Msg("session deleted during call, turn not persisted")
		return
	}

	now := s.now()
	err := s.store.AppendMessages(ctx, sessionID,
		chat.Message{ID: uuid.NewString(), SessionID: sessionID, Sender: chat.SenderUser, Content: userText, CreatedAt: started},
		chat.Message{ID: uuid.NewString(), SessionID: sessionID, Sender: chat.SenderAssistant, Content: reply, CreatedAt: now},
	)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to persist turn")
	}

	s.mu.Lock()
	e.session.Turns++
	e.session.LastActiveAt = now
	session := e.session
	s.mu.Unlock()

	if err := s.store.SaveSession(ctx, session); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to persist session")
	}
}

// ResetSession drops the history of a session and starts a fresh conversation.
func (s *Service) ResetSession(ctx context.Context, sessionID string) error {
	sessionID = normalizeID(sessionID)

	e, err := s.lockEntry(ctx, sessionID)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	if err := s.store.ClearTranscript(ctx, sessionID); err != nil {
		return storeError(err, "store_clear_transcript")
	}

	conv, err := s.provider.StartConversation(ctx, nil)
	if err != nil {
		return classifyProviderError(err)
	}
	e.conv = conv

	s.mu.Lock()
	e.session.Turns = 0
	e.session.LastActiveAt = s.now()
	session := e.session
	s.mu.Unlock()

	if err := s.store.SaveSession(ctx, session); err != nil {
		return newError(ErrorInternal, "store_save_session", err)
	}
	log.Info().Str("session_id", sessionID).Msg("session reset")
	return nil
}

// DeleteSession forgets a session and its transcript.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	sessionID = normalizeID(sessionID)

	s.mu.Lock()
	delete(s.entries, sessionID)
	s.mu.Unlock()

	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		return storeError(err, "store_delete_session")
	}
	log.Info().Str("session_id", sessionID).Msg("session deleted")
	return nil
}

// Sweep deletes sessions idle for longer than the TTL. The default session
// and sessions with a provider call in flight are kept.
func (s *Service) Sweep(ctx context.Context) int {
	if s.opts.TTL <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.opts.TTL)

	s.mu.Lock()
	expired := make([]string, 0)
	for id, e := range s.entries {
		if id == chat.DefaultSessionID || !e.session.LastActiveAt.Before(cutoff) {
			continue
		}
		if !e.mu.TryLock() {
			continue
		}
		delete(s.entries, id)
		e.mu.Unlock()
		expired = append(expired, id)
	}
	s.mu.Unlock()

	removed := 0
	for _, id := range expired {
		if err := s.store.DeleteSession(ctx, id); err != nil {
			if !errors.Is(err, ErrSessionNotFound) {
				log.Warn().Err(err).Str("session_id", id).Msg("failed to delete expired session")
			}
			continue
		}
		removed++
	}

	// Sessions that were evicted from memory only live in the store.
	if sweeper, ok := s.store.(idleSweeper); ok {
		n, err := sweeper.DeleteIdle(ctx, cutoff, s.residentIDs()...)
		if err != nil {
			log.Warn().Err(err).Msg("failed to delete idle stored sessions")
		}
		removed += n
	}

	if removed > 0 {
		log.Info().Int("removed", removed).Msg("expired idle sessions")
	}
	return removed
}

func (s *Service) residentIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.entries)+1)
	ids = append(ids, chat.DefaultSessionID)
	for id := range s.entries {
		ids = append(ids, id)
	}
	return ids
}

// Run sweeps expired sessions until ctx is done.
func (s *Service) Run(ctx context.Context) {
	if s.opts.TTL <= 0 || s.opts.SweepInterval <= 0 {
		return
	}

	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Close releases the provider and the store.
func (s *Service) Close() error {
	return errors.Join(s.provider.Close(), s.store.Close())
}

// lockEntry returns the resident entry for sessionID with its lock held,
// restoring the conversation from the store when needed.
func (s *Service) lockEntry(ctx context.Context, sessionID string) (*entry, error) {
	for {
		e, err := s.resolve(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()

		s.mu.Lock()
		current, ok := s.entries[sessionID]
		if ok && current == e {
			e.session.LastActiveAt = s.now()
			s.mu.Unlock()
			return e, nil
		}
		s.mu.Unlock()
		e.mu.Unlock()

		// Evicted or deleted while waiting. A deleted session fails the
		// store lookup on the next pass.
		if err := ctx.Err(); err != nil {
			return nil, classifyProviderError(err)
		}
	}
}

func (s *Service) resolve(ctx context.Context, sessionID string) (*entry, error) {
	s.mu.Lock()
	if e, ok := s.entries[sessionID]; ok {
		s.mu.Unlock()
		return e, nil
	}
	s.mu.Unlock()

	session, err := s.store.GetSession(ctx, sessionID)
	switch {
	case errors.Is(err, ErrSessionNotFound) && sessionID == chat.DefaultSessionID:
		now := s.now()
		session = chat.Session{ID: sessionID, CreatedAt: now, LastActiveAt: now}
		if err := s.store.SaveSession(ctx, session); err != nil {
			return nil, newError(ErrorInternal, "store_save_session", err)
		}
	case err != nil:
		return nil, storeError(err, "store_get_session")
	}

	transcript, err := s.store.LoadTranscript(ctx, sessionID)
	if err != nil {
		return nil, storeError(err, "store_load_transcript")
	}

	conv, err := s.provider.StartConversation(ctx, transcript)
	if err != nil {
		return nil, classifyProviderError(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[sessionID]; ok {
		return e, nil
	}
	e := &entry{conv: conv, session: session}
	s.entries[sessionID] = e
	s.evictOverflowLocked(sessionID)

	if len(transcript) > 0 {
		log.Debug().Str("session_id", sessionID).Int("messages", len(transcript)).Msg("session restored from store")
	}
	return e, nil
}

// evictOverflowLocked drops the least recently active conversations beyond
// MaxSessions. Transcripts stay in the store. Sessions with a call in flight
// stay resident, so the cap may be exceeded briefly. s.mu must be held.
func (s *Service) evictOverflowLocked(keep string) {
	overflow := len(s.entries) - s.opts.MaxSessions
	if overflow <= 0 {
		return
	}

	type candidate struct {
		id         string
		lastActive time.Time
	}
	candidates := make([]candidate, 0, len(s.entries))
	for id, e := range s.entries {
		if id == keep {
			continue
		}
		candidates = append(candidates, candidate{id: id, lastActive: e.session.LastActiveAt})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastActive.Before(candidates[j].lastActive)
	})

	for _, c := range candidates {
		if overflow == 0 {
			break
		}
		e := s.entries[c.id]
		if !e.mu.TryLock() {
			continue
		}
		delete(s.entries, c.id)
		e.mu.Unlock()
		overflow--
		log.Debug().Str("session_id", c.id).Msg("session evicted from memory")
	}
}

func (s *Service) countRelayed(ctx context.Context) {
	if s.relayed == nil {
		return
	}
	s.relayed.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", s.provider.Name())))
}

func (s *Service) countFailure(ctx context.Context, code ErrorCode) {
	if s.failures == nil {
		return
	}
	s.failures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", s.provider.Name()),
		attribute.String("code", string(code)),
	))
}

func normalizeID(sessionID string) string {
	if sessionID == "" {
		return chat.DefaultSessionID
	}
	return sessionID
}

func storeError(err error, reason string) *Error {
	if errors.Is(err, ErrSessionNotFound) {
		return newError(ErrorSessionNotFound, reason, err)
	}
	return newError(ErrorInternal, reason, err)
}
