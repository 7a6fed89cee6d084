package repository

import (
	"context"
	"fmt"
	"morpho-bot/internal/model"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConversationRepository 定义了问答归档的操作接口。
type ConversationRepository interface {
	// Save 写入一条归档，EventID 重复时忽略，以便 Kafka 重投递是幂等的。
	Save(ctx context.Context, turn *model.ConversationTurn) error
	// FindTurns 按用户和时间范围查询归档，参数为 nil 表示不过滤。
	FindTurns(ctx context.Context, userID *int64, startTime, endTime *time.Time, limit int) ([]model.ConversationTurn, error)
}

type conversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository 创建一个新的 ConversationRepository 实例，并迁移 conversations 表。
func NewConversationRepository(db *gorm.DB) (ConversationRepository, error) {
	if err := db.AutoMigrate(&model.ConversationTurn{}); err != nil {
		return nil, fmt.Errorf("failed to migrate conversations table: %w", err)
	}
	return &conversationRepository{db: db}, nil
}

func (r *conversationRepository) Save(ctx context.Context, turn *model.ConversationTurn) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoNothing: true,
	}).Create(turn).Error
	if err != nil {
		return fmt.Errorf("failed to save conversation turn: %w", err)
	}
	return nil
}

func (r *conversationRepository) FindTurns(ctx context.Context, userID *int64, startTime, endTime *time.Time, limit int) ([]model.ConversationTurn, error) {
	query := r.db.WithContext(ctx).Model(&model.ConversationTurn{})
	if userID != nil {
		query = query.Where("user_id = ?", *userID)
	}
	if startTime != nil {
		query = query.Where("created_at >= ?", *startTime)
	}
	if endTime != nil {
		query = query.Where("created_at <= ?", *endTime)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	turns := []model.ConversationTurn{}
	if err := query.Order("created_at, id").Find(&turns).Error; err != nil {
		return nil, fmt.Errorf("failed to query conversation turns: %w", err)
	}
	return turns, nil
}
