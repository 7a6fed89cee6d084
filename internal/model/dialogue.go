// Package model 包含了应用的数据模型定义。
package model

import "time"

// DialogueRecord 是每个用户唯一的一条对话记录。
// Dialogue 字段保存的是 JSON 编码后的对话文本，而不是原文。
type DialogueRecord struct {
	UserID    int64     `gorm:"primaryKey;autoIncrement:false" bson:"user_id" json:"userId"`
	Dialogue  string    `gorm:"type:text;not null" bson:"dialogue" json:"dialogue"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" bson:"updated_at" json:"updatedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (DialogueRecord) TableName() string {
	return "dialogues"
}

// DialogueView 是解码后的对话记录，供管理接口和导出使用。
type DialogueView struct {
	UserID     int64     `json:"userId"`
	Transcript string    `json:"transcript"`
	UpdatedAt  LocalTime `json:"updatedAt"`
}
