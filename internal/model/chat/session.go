package chat

import "time"

// DefaultSessionID names the session shared by requests that do not pick one.
const DefaultSessionID = "default"

// Session is a conversation owned by the registry.
type Session struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	Turns        int       `json:"turns"`
}

// Reply is the outcome of one relayed message.
type Reply struct {
	SessionID string `json:"sessionId"`
	Content   string `json:"response"`
}
