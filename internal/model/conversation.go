package model

import "time"

// ConversationTurn 代表一次归档的问答交互。
// 归档只用于审计，不参与构建提示词。
type ConversationTurn struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	EventID   string    `gorm:"type:varchar(36);uniqueIndex;not null" json:"eventId"`
	UserID    int64     `gorm:"index;not null" json:"userId"`
	Username  string    `gorm:"type:varchar(64)" json:"username"`
	Question  string    `gorm:"type:text;not null" json:"question"`
	Answer    string    `gorm:"type:text;not null" json:"answer"`
	CreatedAt time.Time `gorm:"index" json:"createdAt"`
}

func (ConversationTurn) TableName() string {
	return "conversations"
}

// TurnSearchHit 是 Elasticsearch 中检索到的一条归档记录。
type TurnSearchHit struct {
	EventID   string  `json:"eventId"`
	UserID    int64   `json:"userId"`
	Username  string  `json:"username"`
	Question  string  `json:"question"`
	Answer    string  `json:"answer"`
	CreatedAt string  `json:"createdAt"`
	Score     float64 `json:"score"`
}
