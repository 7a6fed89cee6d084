// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"morpho-bot/internal/config"
	"morpho-bot/pkg/events"
	"morpho-bot/pkg/log"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// maxAttempts 是同一事件处理失败后放弃重试前的最大次数。
const maxAttempts = 3

// EventProcessor 处理一条对话事件，消费者与具体的归档实现解耦。
type EventProcessor interface {
	Process(ctx context.Context, event events.TurnEvent) error
}

// Producer 把对话事件写入 Kafka 主题。
type Producer struct {
	writer *kafka.Writer
}

// NewProducer 初始化 Kafka 生产者。
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(splitBrokers(cfg.Brokers)...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond, // 单条事件不等凑满批次
		WriteTimeout:           5 * time.Second,
	}
	log.Info("Kafka 生产者初始化成功")
	return &Producer{writer: w}
}

// Publish 发送一个对话事件，以 user_id 作为 key 保证同一用户的事件有序。
func (p *Producer) Publish(ctx context.Context, event events.TurnEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(event.UserID, 10)),
		Value: value,
	})
}

// Close 关闭生产者并刷新缓冲区。
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Consumer 从 Kafka 读取对话事件并交给 EventProcessor。
type Consumer struct {
	reader     *kafka.Reader
	processor  EventProcessor
	attempts   AttemptCounter
	retryDelay time.Duration
}

// NewConsumer 创建消费者。attempts 为 nil 时使用进程内计数。
func NewConsumer(cfg config.KafkaConfig, processor EventProcessor, attempts AttemptCounter) *Consumer {
	if attempts == nil {
		attempts = NewMemoryAttemptCounter()
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  splitBrokers(cfg.Brokers),
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
		MaxWait:  time.Second,
	})
	return &Consumer{reader: r, processor: processor, attempts: attempts, retryDelay: 2 * time.Second}
}

// Run 循环消费直到 ctx 被取消。
func (c *Consumer) Run(ctx context.Context) error {
	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", c.reader.Config().Topic)
	defer func() {
		if err := c.reader.Close(); err != nil {
			log.Errorf("关闭 Kafka 消费者失败: %v", err)
		}
	}()

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return fmt.Errorf("从 Kafka 读取消息失败: %w", err)
		}
		// 未提交的消息在原地重试，保证同一分区内的顺序
		for !c.handle(ctx, m.Value) {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.retryDelay):
			}
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil {
			log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
		}
	}
}

// handle 处理一条消息，返回是否应该提交 offset。
func (c *Consumer) handle(ctx context.Context, value []byte) bool {
	var event events.TurnEvent
	if err := json.Unmarshal(value, &event); err != nil {
		// 消息格式错误，直接提交，避免阻塞队列
		log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(value))
		return true
	}

	if err := c.processor.Process(ctx, event); err != nil {
		log.Errorf("处理对话事件失败: eventId=%s, Error: %v", event.EventID, err)
		attempts, incErr := c.attempts.Incr(ctx, event.EventID)
		if incErr != nil {
			// 计数异常时保守处理：不提交 offset，稍后重试
			log.Errorf("记录失败次数出错: %v", incErr)
			return false
		}
		if attempts >= maxAttempts {
			log.Errorf("对话事件多次失败(>=%d)，提交 offset 终止重试: eventId=%s", maxAttempts, event.EventID)
			c.attempts.Reset(ctx, event.EventID)
			return true
		}
		return false
	}

	c.attempts.Reset(ctx, event.EventID)
	return true
}

func splitBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
