package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"morpho-bot/internal/model"
	"morpho-bot/pkg/log"
	"sort"

	"github.com/go-redis/redis/v8"
)

type redisDialogueRepository struct {
	redisClient *redis.Client
}

// NewRedisDialogueRepository 创建一个把对话记录保存为 Redis 字符串的 DialogueRepository。
// 记录没有过期时间。
func NewRedisDialogueRepository(redisClient *redis.Client) DialogueRepository {
	return &redisDialogueRepository{redisClient: redisClient}
}

func dialogueKey(userID int64) string {
	return fmt.Sprintf("dialogue:%d", userID)
}

func (r *redisDialogueRepository) Find(ctx context.Context, userID int64) (*model.DialogueRecord, error) {
	data, err := r.redisClient.Get(ctx, dialogueKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrDialogueNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dialogue: %w", err)
	}
	var record model.DialogueRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dialogue: %w", err)
	}
	return &record, nil
}

func (r *redisDialogueRepository) Upsert(ctx context.Context, record *model.DialogueRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal dialogue: %w", err)
	}
	// SET 本身就是整条替换
	if err := r.redisClient.Set(ctx, dialogueKey(record.UserID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set dialogue: %w", err)
	}
	return nil
}

func (r *redisDialogueRepository) Delete(ctx context.Context, userID int64) error {
	if err := r.redisClient.Del(ctx, dialogueKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete dialogue: %w", err)
	}
	return nil
}

// List 通过 SCAN 遍历 dialogue:* 键，避免 KEYS 阻塞 Redis。
func (r *redisDialogueRepository) List(ctx context.Context) ([]model.DialogueRecord, error) {
	records := []model.DialogueRecord{}
	iter := r.redisClient.Scan(ctx, 0, "dialogue:*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := r.redisClient.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get dialogue %s: %w", iter.Val(), err)
		}
		var record model.DialogueRecord
		if err := json.Unmarshal(data, &record); err != nil {
			log.Warnf("跳过无法解析的对话记录: key=%s, err=%v", iter.Val(), err)
			continue
		}
		records = append(records, record)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan dialogue keys: %w", err)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].UserID < records[j].UserID })
	return records, nil
}
