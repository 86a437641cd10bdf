package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/zhouzirui/chat-relay/internal/config"
	"github.com/zhouzirui/chat-relay/internal/model/chat"
)

// GeminiProvider talks to Google Gemini through one process-wide client.
type GeminiProvider struct {
	client *genai.Client
	cfg    config.AIConfig
}

// NewGeminiProvider creates the Gemini client.
func NewGeminiProvider(ctx context.Context, cfg config.AIConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: %w", config.ErrMissingAPIKey)
	}
	if cfg.Model == "" {
		cfg.Model = config.DefaultGeminiModel
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &GeminiProvider{client: client, cfg: cfg}, nil
}

func (p *GeminiProvider) Name() string {
	return config.ProviderGemini
}

// StartConversation opens a chat session on the configured model.
func (p *GeminiProvider) StartConversation(_ context.Context, history []chat.Message) (Conversation, error) {
	m := p.client.GenerativeModel(p.cfg.Model)
	applyGenerationConfig(m, p.cfg)

	cs := m.StartChat()
	cs.History = toGeminiHistory(history)
	return &geminiConversation{session: cs}, nil
}

func (p *GeminiProvider) Close() error {
	return p.client.Close()
}

func applyGenerationConfig(m *genai.GenerativeModel, cfg config.AIConfig) {
	if cfg.Temperature != nil {
		m.SetTemperature(float32(*cfg.Temperature))
	}
	if cfg.TopP != nil {
		m.SetTopP(float32(*cfg.TopP))
	}
	if cfg.MaxTokens != nil {
		m.SetMaxOutputTokens(int32(*cfg.MaxTokens))
	}
	if cfg.SystemInstruction != "" {
		m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(cfg.SystemInstruction)}}
	}
}

type geminiConversation struct {
	session *genai.ChatSession
}

// Send and Stream leave the session history as it was when the call fails.
// The chat session appends the user turn before contacting the model.
func (c *geminiConversation) Send(ctx context.Context, text string) (string, error) {
	n := len(c.session.History)
	resp, err := c.session.SendMessage(ctx, genai.Text(text))
	if err != nil {
		c.truncateHistory(n)
		return "", wrapGeminiError(err)
	}
	reply, err := responseText(resp)
	if err != nil {
		c.truncateHistory(n)
		return "", err
	}
	return reply, nil
}

func (c *geminiConversation) Stream(ctx context.Context, text string, onDelta func(string) error) (reply string, err error) {
	n := len(c.session.History)
	defer func() {
		if err != nil {
			c.truncateHistory(n)
		}
	}()

	iter := c.session.SendMessageStream(ctx, genai.Text(text))

	var b strings.Builder
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return "", wrapGeminiError(err)
		}

		delta := partsText(resp)
		if delta == "" {
			continue
		}
		b.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return "", err
			}
		}
	}

	if b.Len() == 0 {
		return "", ErrEmptyResponse
	}
	return b.String(), nil
}

func (c *geminiConversation) truncateHistory(n int) {
	if len(c.session.History) > n {
		c.session.History = c.session.History[:n]
	}
}

func wrapGeminiError(err error) error {
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return markBlocked(err)
	}
	return err
}

// responseText joins the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		if resp != nil && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
			return "", ErrBlocked
		}
		return "", ErrEmptyResponse
	}

	cand := resp.Candidates[0]
	if cand.Content == nil {
		if cand.FinishReason == genai.FinishReasonSafety {
			return "", ErrBlocked
		}
		return "", ErrEmptyResponse
	}

	text := partsText(resp)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func partsText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String()
}

// toGeminiHistory converts a stored transcript into chat session history.
func toGeminiHistory(messages []chat.Message) []*genai.Content {
	history := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		var role string
		switch msg.Sender {
		case chat.SenderUser:
			role = "user"
		case chat.SenderAssistant:
			role = "model"
		default:
			continue
		}
		history = append(history, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(msg.Content)},
		})
	}
	return history
}
