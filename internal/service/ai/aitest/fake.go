// Package aitest provides an in-memory ai.Provider for tests.
package aitest

import (
	"context"
	"strings"
	"sync"

	"github.com/zhouzirui/chat-relay/internal/model/chat"
	"github.com/zhouzirui/chat-relay/internal/service/ai"
)

// Provider answers every message with Reply (or echoes it when Reply is
// empty) and fails with Err when set. Block, when non-nil, is received from
// before each call returns.
type Provider struct {
	mu       sync.Mutex
	Reply    string
	Chunks   []string
	Err      error
	Block    chan struct{}
	calls    []Call
	started  int
	restored [][]chat.Message
}

// Call records one provider call.
type Call struct {
	Text    string
	History []string
}

var _ ai.Provider = (*Provider)(nil)

func (p *Provider) Name() string {
	return "fake"
}

func (p *Provider) StartConversation(_ context.Context, history []chat.Message) (ai.Conversation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.started++
	p.restored = append(p.restored, append([]chat.Message(nil), history...))

	conv := &conversation{provider: p}
	for _, msg := range history {
		conv.history = append(conv.history, msg.Content)
	}
	return conv, nil
}

func (p *Provider) Close() error {
	return nil
}

// Calls returns the provider calls made so far.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Call(nil), p.calls...)
}

// Started returns how many conversations were opened.
func (p *Provider) Started() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Restored returns the histories passed to StartConversation.
func (p *Provider) Restored() [][]chat.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]chat.Message(nil), p.restored...)
}

type conversation struct {
	provider *Provider
	history  []string
}

func (c *conversation) Send(ctx context.Context, text string) (string, error) {
	reply, err := c.provider.call(ctx, text, c.history)
	if err != nil {
		return "", err
	}
	c.history = append(c.history, text, reply)
	return reply, nil
}

func (c *conversation) Stream(ctx context.Context, text string, onDelta func(string) error) (string, error) {
	reply, err := c.provider.call(ctx, text, c.history)
	if err != nil {
		return "", err
	}

	c.provider.mu.Lock()
	chunks := append([]string(nil), c.provider.Chunks...)
	c.provider.mu.Unlock()
	if len(chunks) == 0 {
		chunks = []string{reply}
	}
	for _, chunk := range chunks {
		if err := onDelta(chunk); err != nil {
			return "", err
		}
	}

	full := strings.Join(chunks, "")
	c.history = append(c.history, text, full)
	return full, nil
}

func (p *Provider) call(ctx context.Context, text string, history []string) (string, error) {
	p.mu.Lock()
	p.calls = append(p.calls, Call{Text: text, History: append([]string(nil), history...)})
	block, reply, err := p.Block, p.Reply, p.Err
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	if reply == "" {
		reply = "echo: " + text
	}
	return reply, nil
}
