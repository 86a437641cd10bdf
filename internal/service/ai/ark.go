package ai

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/chat-relay/internal/config"
	"github.com/zhouzirui/chat-relay/internal/model/chat"
)

// ArkProvider runs conversations through an eino chain over an Ark chat model.
type ArkProvider struct {
	name   string
	system string
	chain  compose.Runnable[map[string]any, *schema.Message]
}

// NewArkProvider creates the Ark chat model and compiles the chain.
func NewArkProvider(ctx context.Context, cfg config.AIConfig) (*ArkProvider, error) {
	chatModel, err := cfg.NewArkChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return newChainProvider(ctx, config.ProviderArk, chatModel, cfg.SystemInstruction)
}

func newChainProvider(ctx context.Context, name string, chatModel model.ChatModel, system string) (*ArkProvider, error) {
	// The whole conversation goes through the placeholder so that user text
	// is never treated as a template.
	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.MessagesPlaceholder("history", false),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &ArkProvider{name: name, system: system, chain: runnable}, nil
}

func (p *ArkProvider) Name() string {
	return p.name
}

func (p *ArkProvider) StartConversation(_ context.Context, history []chat.Message) (Conversation, error) {
	return &chainConversation{
		chain:   p.chain,
		system:  p.system,
		history: toSchemaHistory(history),
	}, nil
}

func (p *ArkProvider) Close() error {
	return nil
}

type chainConversation struct {
	chain   compose.Runnable[map[string]any, *schema.Message]
	system  string
	history []*schema.Message
}

func (c *chainConversation) input(text string) map[string]any {
	messages := make([]*schema.Message, 0, len(c.history)+2)
	if c.system != "" {
		messages = append(messages, schema.SystemMessage(c.system))
	}
	messages = append(messages, c.history...)
	messages = append(messages, schema.UserMessage(text))
	return map[string]any{"history": messages}
}

func (c *chainConversation) Send(ctx context.Context, text string) (string, error) {
	response, err := c.chain.Invoke(ctx, c.input(text))
	if err != nil {
		return "", err
	}
	if response == nil || response.Content == "" {
		return "", ErrEmptyResponse
	}

	c.remember(text, response.Content)
	return response.Content, nil
}

func (c *chainConversation) Stream(ctx context.Context, text string, onDelta func(string) error) (string, error) {
	stream, err := c.chain.Stream(ctx, c.input(text))
	if err != nil {
		return "", err
	}
	defer stream.Close()

	chunks := make([]*schema.Message, 0, 8)
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return "", recvErr
		}
		if chunk == nil {
			continue
		}

		chunks = append(chunks, chunk)
		if chunk.Content != "" && onDelta != nil {
			if err := onDelta(chunk.Content); err != nil {
				return "", err
			}
		}
	}

	if len(chunks) == 0 {
		return "", ErrEmptyResponse
	}
	response, err := schema.ConcatMessages(chunks)
	if err != nil {
		return "", err
	}
	if response.Content == "" {
		return "", ErrEmptyResponse
	}

	c.remember(text, response.Content)
	return response.Content, nil
}

func (c *chainConversation) remember(userText, reply string) {
	c.history = append(c.history, schema.UserMessage(userText), schema.AssistantMessage(reply, nil))
}

func toSchemaHistory(messages []chat.Message) []*schema.Message {
	history := make([]*schema.Message, 0, len(messages))
	for _, msg := range messages {
		switch msg.Sender {
		case chat.SenderUser:
			history = append(history, schema.UserMessage(msg.Content))
		case chat.SenderAssistant:
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		}
	}
	return history
}
