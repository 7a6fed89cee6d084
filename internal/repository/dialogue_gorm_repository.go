package repository

import (
	"context"
	"errors"
	"fmt"
	"morpho-bot/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// gormDialogueRepository 是 DialogueRepository 的 GORM 实现，适用于 MySQL 和 SQLite。
type gormDialogueRepository struct {
	db *gorm.DB
}

// NewGormDialogueRepository 创建一个新的 GORM DialogueRepository，并自动迁移 dialogues 表。
func NewGormDialogueRepository(db *gorm.DB) (DialogueRepository, error) {
	if err := db.AutoMigrate(&model.DialogueRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate dialogues table: %w", err)
	}
	return &gormDialogueRepository{db: db}, nil
}

func (r *gormDialogueRepository) Find(ctx context.Context, userID int64) (*model.DialogueRecord, error) {
	var record model.DialogueRecord
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDialogueNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find dialogue: %w", err)
	}
	return &record, nil
}

func (r *gormDialogueRepository) Upsert(ctx context.Context, record *model.DialogueRecord) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(record).Error
	if err != nil {
		return fmt.Errorf("failed to upsert dialogue: %w", err)
	}
	return nil
}

func (r *gormDialogueRepository) Delete(ctx context.Context, userID int64) error {
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&model.DialogueRecord{}).Error; err != nil {
		return fmt.Errorf("failed to delete dialogue: %w", err)
	}
	return nil
}

func (r *gormDialogueRepository) List(ctx context.Context) ([]model.DialogueRecord, error) {
	records := []model.DialogueRecord{}
	if err := r.db.WithContext(ctx).Order("user_id").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list dialogues: %w", err)
	}
	return records, nil
}
