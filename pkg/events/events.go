// Package events 定义了发送到 Kafka 的对话事件结构。
package events

import (
	"time"

	"github.com/google/uuid"
)

const (
	TypeTurn  = "turn"
	TypeReset = "reset"
)

// TurnEvent 表示一次成功的问答或一次历史清空。
type TurnEvent struct {
	EventID    string    `json:"event_id"`
	Type       string    `json:"type"`
	UserID     int64     `json:"user_id"`
	Username   string    `json:"username,omitempty"`
	FirstName  string    `json:"first_name,omitempty"`
	LastName   string    `json:"last_name,omitempty"`
	Question   string    `json:"question,omitempty"`
	Answer     string    `json:"answer,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewTurnEvent 创建一个带有新 EventID 的事件。
func NewTurnEvent(eventType string, userID int64) TurnEvent {
	return TurnEvent{
		EventID:    uuid.NewString(),
		Type:       eventType,
		UserID:     userID,
		OccurredAt: time.Now(),
	}
}
