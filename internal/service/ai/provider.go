package ai

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/api/googleapi"

	"github.com/zhouzirui/chat-relay/internal/config"
	"github.com/zhouzirui/chat-relay/internal/model/chat"
)

var (
	// ErrEmptyResponse marks a provider reply that carries no text.
	ErrEmptyResponse = errors.New("provider returned an empty response")
	// ErrBlocked marks a reply withheld by the provider's safety filters.
	ErrBlocked = errors.New("provider blocked the response")
)

// Provider starts conversations against a hosted model.
type Provider interface {
	Name() string
	// StartConversation opens a conversation whose history is seeded with
	// the supplied transcript.
	StartConversation(ctx context.Context, history []chat.Message) (Conversation, error)
	Close() error
}

// Conversation holds provider-side history. It is not safe for concurrent use.
type Conversation interface {
	Send(ctx context.Context, text string) (string, error)
	// Stream reports each text chunk to onDelta and returns the full reply.
	Stream(ctx context.Context, text string, onDelta func(string) error) (string, error)
}

// NewProvider builds the provider selected by the configuration.
func NewProvider(ctx context.Context, cfg config.AIConfig) (Provider, error) {
	switch cfg.Provider {
	case config.ProviderArk:
		return NewArkProvider(ctx, cfg)
	case config.ProviderGemini, "":
		return NewGeminiProvider(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

// blockedError tags a provider error as a safety block and keeps its message.
type blockedError struct {
	err error
}

func markBlocked(err error) error {
	return &blockedError{err: err}
}

func (e *blockedError) Error() string {
	return e.err.Error()
}

func (e *blockedError) Unwrap() []error {
	return []error{ErrBlocked, e.err}
}

type httpStatusCoder interface {
	HTTPCode() int
}

// StatusCode extracts the HTTP status carried by a provider error, if any.
func StatusCode(err error) (int, bool) {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code, true
	}
	var coder httpStatusCoder
	if errors.As(err, &coder) {
		if code := coder.HTTPCode(); code > 0 {
			return code, true
		}
	}
	return 0, false
}
