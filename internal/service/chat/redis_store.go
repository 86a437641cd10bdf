package chat

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/zhouzirui/chat-relay/internal/model/chat"
)

// RedisStore keeps each session in a hash and its transcript in a list.
// Both keys expire after ttl of inactivity, except for the default session.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(ctx context.Context, opts *redis.Options, prefix string, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis store: ping")
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}, nil
}

func (s *RedisStore) sessionKey(id string) string {
	return s.prefix + ":session:" + id
}

func (s *RedisStore) messagesKey(id string) string {
	return s.prefix + ":messages:" + id
}

func (s *RedisStore) SaveSession(ctx context.Context, session chat.Session) error {
	key := s.sessionKey(session.ID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, sessionFields(session))
		s.expire(ctx, pipe, session.ID)
		return nil
	})
	return errors.Wrap(err, "redis store: save session")
}

func (s *RedisStore) GetSession(ctx context.Context, sessionID string) (chat.Session, error) {
	fields, err := s.client.HGetAll(ctx, s.sessionKey(sessionID)).Result()
	if err != nil {
		return chat.Session{}, errors.Wrap(err, "redis store: get session")
	}
	if len(fields) == 0 {
		return chat.Session{}, ErrSessionNotFound
	}
	return parseSessionFields(sessionID, fields)
}

func (s *RedisStore) AppendMessages(ctx context.Context, sessionID string, messages ...chat.Message) error {
	if err := s.ensureSession(ctx, sessionID); err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}

	values := make([]any, 0, len(messages))
	for _, msg := range messages {
		raw, err := json.Marshal(msg)
		if err != nil {
			return errors.Wrap(err, "redis store: encode message")
		}
		values = append(values, raw)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, s.messagesKey(sessionID), values...)
		s.expire(ctx, pipe, sessionID)
		return nil
	})
	return errors.Wrap(err, "redis store: append messages")
}

func (s *RedisStore) LoadTranscript(ctx context.Context, sessionID string) ([]chat.Message, error) {
	if err := s.ensureSession(ctx, sessionID); err != nil {
		return nil, err
	}

	raw, err := s.client.LRange(ctx, s.messagesKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis store: load transcript")
	}
	return decodeMessages(raw)
}

func (s *RedisStore) ClearTranscript(ctx context.Context, sessionID string) error {
	if err := s.ensureSession(ctx, sessionID); err != nil {
		return err
	}
	return errors.Wrap(s.client.Del(ctx, s.messagesKey(sessionID)).Err(), "redis store: clear transcript")
}

func (s *RedisStore) DeleteSession(ctx context.Context, sessionID string) error {
	n, err := s.client.Del(ctx, s.sessionKey(sessionID), s.messagesKey(sessionID)).Result()
	if err != nil {
		return errors.Wrap(err, "redis store: delete session")
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) ensureSession(ctx context.Context, sessionID string) error {
	n, err := s.client.Exists(ctx, s.sessionKey(sessionID)).Result()
	if err != nil {
		return errors.Wrap(err, "redis store: lookup session")
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *RedisStore) expire(ctx context.Context, pipe redis.Pipeliner, sessionID string) {
	keys := []string{s.sessionKey(sessionID), s.messagesKey(sessionID)}
	for _, key := range keys {
		switch {
		case sessionID == chat.DefaultSessionID:
			pipe.Persist(ctx, key)
		case s.ttl > 0:
			pipe.Expire(ctx, key, s.ttl)
		}
	}
}

func sessionFields(session chat.Session) map[string]any {
	return map[string]any{
		"created_at_ms":     session.CreatedAt.UnixMilli(),
		"last_active_at_ms": session.LastActiveAt.UnixMilli(),
		"turns":             session.Turns,
	}
}

func parseSessionFields(id string, fields map[string]string) (chat.Session, error) {
	created, err := strconv.ParseInt(fields["created_at_ms"], 10, 64)
	if err != nil {
		return chat.Session{}, errors.Wrap(err, "redis store: parse created_at_ms")
	}
	active, err := strconv.ParseInt(fields["last_active_at_ms"], 10, 64)
	if err != nil {
		return chat.Session{}, errors.Wrap(err, "redis store: parse last_active_at_ms")
	}
	turns, err := strconv.Atoi(fields["turns"])
	if err != nil {
		return chat.Session{}, errors.Wrap(err, "redis store: parse turns")
	}
	return chat.Session{
		ID:           id,
		CreatedAt:    time.UnixMilli(created).UTC(),
		LastActiveAt: time.UnixMilli(active).UTC(),
		Turns:        turns,
	}, nil
}

func decodeMessages(raw []string) ([]chat.Message, error) {
	messages := make([]chat.Message, 0, len(raw))
	for _, item := range raw {
		var msg chat.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, errors.Wrap(err, "redis store: decode message")
		}
		messages = append(messages, msg)
	}
	return messages, nil
}
