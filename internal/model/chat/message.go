package chat

import "time"

const (
	SenderUser      = "user"
	SenderAssistant = "assistant"
)

// Message is one stored turn of a session transcript.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}
