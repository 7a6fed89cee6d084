// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"errors"
	"fmt"
	"morpho-bot/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ErrDialogueNotFound 表示该用户还没有对话记录。
var ErrDialogueNotFound = errors.New("dialogue not found")

// DialogueRepository 定义了对话记录的存取接口，每个用户最多一条记录。
type DialogueRepository interface {
	// Find 返回用户的对话记录，不存在时返回 ErrDialogueNotFound。
	Find(ctx context.Context, userID int64) (*model.DialogueRecord, error)
	// Upsert 按 user_id 整条替换记录，不存在时插入。
	Upsert(ctx context.Context, record *model.DialogueRecord) error
	// Delete 删除用户的对话记录，记录不存在时不报错。
	Delete(ctx context.Context, userID int64) error
	// List 返回所有对话记录，按 user_id 升序。
	List(ctx context.Context) ([]model.DialogueRecord, error)
}

type mongoDialogueRepository struct {
	collection *mongo.Collection
}

// NewMongoDialogueRepository 创建一个基于 MongoDB 集合的 DialogueRepository。
func NewMongoDialogueRepository(collection *mongo.Collection) DialogueRepository {
	return &mongoDialogueRepository{collection: collection}
}

// EnsureDialogueIndexes 在 user_id 上创建唯一索引，保证一人一条记录。
func EnsureDialogueIndexes(ctx context.Context, collection *mongo.Collection) error {
	_, err := collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("uniq_user_id"),
	})
	if err != nil {
		return fmt.Errorf("failed to create dialogue index: %w", err)
	}
	return nil
}

func (r *mongoDialogueRepository) Find(ctx context.Context, userID int64) (*model.DialogueRecord, error) {
	var record model.DialogueRecord
	err := r.collection.FindOne(ctx, bson.M{"user_id": userID}).Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrDialogueNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find dialogue: %w", err)
	}
	return &record, nil
}

func (r *mongoDialogueRepository) Upsert(ctx context.Context, record *model.DialogueRecord) error {
	_, err := r.collection.ReplaceOne(ctx,
		bson.M{"user_id": record.UserID},
		record,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert dialogue: %w", err)
	}
	return nil
}

func (r *mongoDialogueRepository) Delete(ctx context.Context, userID int64) error {
	if _, err := r.collection.DeleteOne(ctx, bson.M{"user_id": userID}); err != nil {
		return fmt.Errorf("failed to delete dialogue: %w", err)
	}
	return nil
}

func (r *mongoDialogueRepository) List(ctx context.Context) ([]model.DialogueRecord, error) {
	cursor, err := r.collection.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "user_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list dialogues: %w", err)
	}
	defer cursor.Close(ctx)

	records := []model.DialogueRecord{}
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode dialogues: %w", err)
	}
	return records, nil
}
