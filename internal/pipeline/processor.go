// Package pipeline 定义了对话事件的归档流程。
package pipeline

import (
	"context"
	"fmt"
	"morpho-bot/internal/model"
	"morpho-bot/internal/repository"
	"morpho-bot/pkg/events"
	"morpho-bot/pkg/log"
)

// TurnIndexer 把归档写入全文索引。
type TurnIndexer interface {
	IndexTurn(ctx context.Context, turn *model.ConversationTurn) error
}

// Processor 封装了归档的所有依赖和逻辑。
type Processor struct {
	conversationRepo repository.ConversationRepository
	indexer          TurnIndexer
}

// NewProcessor 创建一个新的 Processor 实例。indexer 可以为 nil。
func NewProcessor(conversationRepo repository.ConversationRepository, indexer TurnIndexer) *Processor {
	return &Processor{
		conversationRepo: conversationRepo,
		indexer:          indexer,
	}
}

// Process 是归档的主函数，返回错误时消费者会重试。
func (p *Processor) Process(ctx context.Context, event events.TurnEvent) error {
	switch event.Type {
	case events.TypeTurn:
	case events.TypeReset:
		// 清空历史只影响提示词，归档保留
		log.Infof("[Processor] 用户清空了对话历史, UserID: %d, EventID: %s", event.UserID, event.EventID)
		return nil
	default:
		log.Warnf("[Processor] 忽略未知类型的事件, Type: %s, EventID: %s", event.Type, event.EventID)
		return nil
	}

	turn := &model.ConversationTurn{
		EventID:   event.EventID,
		UserID:    event.UserID,
		Username:  displayName(event),
		Question:  event.Question,
		Answer:    event.Answer,
		CreatedAt: event.OccurredAt,
	}

	// 阶段一：写入数据库
	if p.conversationRepo != nil {
		if err := p.conversationRepo.Save(ctx, turn); err != nil {
			log.Errorf("[Processor] 写入归档失败, EventID: %s, Error: %v", event.EventID, err)
			return err
		}
	}

	// 阶段二：写入全文索引
	if p.indexer != nil {
		if err := p.indexer.IndexTurn(ctx, turn); err != nil {
			log.Errorf("[Processor] 写入索引失败, EventID: %s, Error: %v", event.EventID, err)
			return fmt.Errorf("index turn: %w", err)
		}
	}

	log.Infof("[Processor] 归档完成, UserID: %d, EventID: %s", event.UserID, event.EventID)
	return nil
}

// displayName 优先使用用户名，否则拼接姓名。
func displayName(e events.TurnEvent) string {
	if e.Username != "" {
		return e.Username
	}
	name := e.FirstName
	if e.LastName != "" {
		if name != "" {
			name += " "
		}
		name += e.LastName
	}
	return name
}
