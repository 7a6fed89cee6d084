// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"fmt"
	"morpho-bot/internal/model"
	"morpho-bot/internal/repository"
	"morpho-bot/pkg/events"
	"morpho-bot/pkg/llm"
	"morpho-bot/pkg/log"
	"morpho-bot/pkg/metrics"
	"strings"
	"time"
)

var (
	// ErrServiceUnavailable 是一轮对话失败时返回给调用方的统一错误，原因通过错误链保留。
	ErrServiceUnavailable = errors.New("service unavailable")
	// ErrEmptyQuestion 表示用户没有提供问题文本。
	ErrEmptyQuestion = errors.New("empty question")
)

const (
	eventQueueSize = 256
	publishTimeout = 10 * time.Second
)

// EventPublisher 用于发布对话事件，发布失败不影响对话本身。
type EventPublisher interface {
	Publish(ctx context.Context, event events.TurnEvent) error
}

// Inbound 是一条来自聊天平台的用户消息。
type Inbound struct {
	UserID    int64
	Username  string
	FirstName string
	LastName  string
	Text      string
}

// DialogueOptions 控制截断策略和生成参数。
type DialogueOptions struct {
	MaxChars    int
	MaxTokens   int
	Temperature float64
}

// DialogueService 负责把历史对话与新问题拼接、调用补全接口并保存结果。
type DialogueService interface {
	// LoadDialogue 返回解码后的对话文本；没有记录时 ok 为 false，不是错误。
	LoadDialogue(ctx context.Context, userID int64) (transcript string, ok bool, err error)
	// RecordTurn 把 prompt+completion 截断、编码后整条覆盖保存。
	RecordTurn(ctx context.Context, userID int64, prompt, completion string) error
	// ResetDialogue 删除用户的对话记录，没有记录时什么也不做。
	ResetDialogue(ctx context.Context, userID int64) error
	// Ask 执行完整的一轮对话并返回补全文本。
	Ask(ctx context.Context, msg Inbound) (string, error)
	// GetDialogue 返回单个用户解码后的对话，没有记录时返回 repository.ErrDialogueNotFound。
	GetDialogue(ctx context.Context, userID int64) (*model.DialogueView, error)
	// ListDialogues 返回所有用户解码后的对话。
	ListDialogues(ctx context.Context) ([]model.DialogueView, error)
}

type dialogueService struct {
	repo      repository.DialogueRepository
	llmClient llm.Client
	publisher EventPublisher
	metrics   *metrics.Metrics
	opts      DialogueOptions
	locks     *userLocks
	// outbox 由单个 dispatch 协程按入队顺序发布
	outbox chan events.TurnEvent
}

// NewDialogueService 创建一个新的 DialogueService 实例。publisher 和 m 可以为 nil。
func NewDialogueService(repo repository.DialogueRepository, llmClient llm.Client, publisher EventPublisher, m *metrics.Metrics, opts DialogueOptions) DialogueService {
	if opts.MaxChars <= 0 {
		opts.MaxChars = DefaultMaxTranscriptChars
	}
	if publisher == nil {
		publisher = noopPublisher{}
	}
	s := &dialogueService{
		repo:      repo,
		llmClient: llmClient,
		publisher: publisher,
		metrics:   m,
		opts:      opts,
		locks:     newUserLocks(),
		outbox:    make(chan events.TurnEvent, eventQueueSize),
	}
	go s.dispatch()
	return s
}

func (s *dialogueService) LoadDialogue(ctx context.Context, userID int64) (string, bool, error) {
	record, err := s.repo.Find(ctx, userID)
	if errors.Is(err, repository.ErrDialogueNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	transcript, err := DecodeTranscript(record.Dialogue)
	if err != nil {
		return "", false, fmt.Errorf("user %d: %w", userID, err)
	}
	return transcript, true, nil
}

func (s *dialogueService) RecordTurn(ctx context.Context, userID int64, prompt, completion string) error {
	transcript := TruncateTranscript(prompt+completion, s.opts.MaxChars)
	encoded, err := EncodeTranscript(transcript)
	if err != nil {
		return err
	}
	return s.repo.Upsert(ctx, &model.DialogueRecord{
		UserID:    userID,
		Dialogue:  encoded,
		UpdatedAt: time.Now(),
	})
}

func (s *dialogueService) ResetDialogue(ctx context.Context, userID int64) error {
	unlock := s.locks.Lock(userID)
	defer unlock()

	if err := s.repo.Delete(ctx, userID); err != nil {
		return err
	}
	s.publish(events.NewTurnEvent(events.TypeReset, userID))
	return nil
}

func (s *dialogueService) Ask(ctx context.Context, msg Inbound) (string, error) {
	if strings.TrimSpace(msg.Text) == "" {
		return "", ErrEmptyQuestion
	}

	// 同一用户的请求串行执行，避免两轮对话互相覆盖
	unlock := s.locks.Lock(msg.UserID)
	defer unlock()

	previous, _, err := s.LoadDialogue(ctx, msg.UserID)
	if err != nil {
		s.metrics.IncTurn("store_error")
		return "", fmt.Errorf("%w: load dialogue: %w", ErrServiceUnavailable, err)
	}
	prompt := BuildPrompt(previous, msg.Text)

	start := time.Now()
	resp, err := s.llmClient.Complete(ctx, llm.CompletionRequest{
		Prompt:      prompt,
		MaxTokens:   s.opts.MaxTokens,
		Temperature: s.opts.Temperature,
	})
	s.metrics.ObserveCompletion(time.Since(start))
	if err != nil {
		s.metrics.IncTurn("completion_error")
		return "", fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	}

	if err := s.RecordTurn(ctx, msg.UserID, prompt, resp.Text); err != nil {
		s.metrics.IncTurn("store_error")
		return "", fmt.Errorf("%w: save dialogue: %w", ErrServiceUnavailable, err)
	}
	s.metrics.IncTurn("ok")

	event := events.NewTurnEvent(events.TypeTurn, msg.UserID)
	event.Username = msg.Username
	event.FirstName = msg.FirstName
	event.LastName = msg.LastName
	event.Question = msg.Text
	event.Answer = resp.Text
	s.publish(event)

	return resp.Text, nil
}

func (s *dialogueService) GetDialogue(ctx context.Context, userID int64) (*model.DialogueView, error) {
	record, err := s.repo.Find(ctx, userID)
	if err != nil {
		return nil, err
	}
	return toView(record)
}

func (s *dialogueService) ListDialogues(ctx context.Context) ([]model.DialogueView, error) {
	records, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]model.DialogueView, 0, len(records))
	for i := range records {
		view, err := toView(&records[i])
		if err != nil {
			log.Warnf("跳过无法解码的对话记录: %v", err)
			continue
		}
		views = append(views, *view)
	}
	return views, nil
}

func toView(record *model.DialogueRecord) (*model.DialogueView, error) {
	transcript, err := DecodeTranscript(record.Dialogue)
	if err != nil {
		return nil, fmt.Errorf("user %d: %w", record.UserID, err)
	}
	return &model.DialogueView{
		UserID:     record.UserID,
		Transcript: transcript,
		UpdatedAt:  model.LocalTime(record.UpdatedAt),
	}, nil
}

// publish 只负责入队，不等待发布结果；队列满时丢弃事件。
func (s *dialogueService) publish(event events.TurnEvent) {
	select {
	case s.outbox <- event:
	default:
		log.Errorw("对话事件队列已满，丢弃事件", "eventId", event.EventID, "type", event.Type, "userId", event.UserID)
	}
}

func (s *dialogueService) dispatch() {
	for event := range s.outbox {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := s.publisher.Publish(ctx, event)
		cancel()
		if err != nil {
			log.Errorw("发布对话事件失败", "eventId", event.EventID, "type", event.Type, "userId", event.UserID, "error", err)
		}
	}
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, events.TurnEvent) error { return nil }
