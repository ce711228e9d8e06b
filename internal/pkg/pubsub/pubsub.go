package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
)

const (
	ChannelVideoJobProgress = "videojob_progress"
)

// ProgressMessage 进度消息
type ProgressMessage struct {
	Type              string `json:"type"`
	UserID            int64  `json:"user_id"`
	JobID             int64  `json:"job_id"`
	Status            string `json:"status"`
	Step              string `json:"step"`
	Progress          int    `json:"progress"`
	JobTime           int    `json:"job_time"`
	EstimatedTimeLeft int    `json:"estimated_time_left"`
	Revision          string `json:"revision,omitempty"`
	Message           string `json:"message,omitempty"`
	Error             string `json:"error,omitempty"`
}

// 进度阶段常量
const (
	StepQueued     = "queued"
	StepStarting   = "starting"
	StepRendering  = "rendering"
	StepFinalizing = "finalizing"
	StepDone       = "done"
	StepFailed     = "failed"
	StepCancelled  = "cancelled"
)

// 阶段对应的默认进度，渲染阶段使用实际进度
var StepProgress = map[string]int{
	StepStarting:   5,
	StepFinalizing: 99,
	StepDone:       100,
}

// 阶段对应的消息
var StepMessages = map[string]string{
	StepQueued:     "排队等待渲染",
	StepStarting:   "正在准备渲染",
	StepRendering:  "正在渲染",
	StepFinalizing: "正在保存结果",
	StepDone:       "渲染完成",
	StepFailed:     "渲染失败",
	StepCancelled:  "任务已取消",
}

// Publisher Redis 发布者
type Publisher struct {
	client  *redis.Client
	channel string
}

// NewPublisher 创建发布者
func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client, channel: ChannelVideoJobProgress}
}

// PublishProgress 发布进度消息，nil 发布者什么都不做
func (p *Publisher) PublishProgress(ctx context.Context, msg *ProgressMessage) error {
	if p == nil || p.client == nil {
		return nil
	}
	Fill(msg)

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal progress message: %w", err)
	}

	return p.client.Publish(ctx, p.channel, data).Err()
}

// Fill 自动填充类型、默认进度和消息
func Fill(msg *ProgressMessage) {
	msg.Type = "videojob_progress"
	if msg.Progress == 0 && msg.Step != "" {
		if progress, ok := StepProgress[msg.Step]; ok {
			msg.Progress = progress
		}
	}
	if msg.Message == "" && msg.Step != "" {
		if message, ok := StepMessages[msg.Step]; ok {
			msg.Message = message
		}
	}
}

// Subscriber Redis 订阅者
type Subscriber struct {
	client  *redis.Client
	channel string
}

// NewSubscriber 创建订阅者
func NewSubscriber(client *redis.Client) *Subscriber {
	return &Subscriber{client: client, channel: ChannelVideoJobProgress}
}

// Subscribe 订阅进度消息，阻塞直到 ctx 结束
func (s *Subscriber) Subscribe(ctx context.Context, handler func(*ProgressMessage)) error {
	pubsub := s.client.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	// 等待订阅确认，避免订阅前发布的消息丢失
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			var progressMsg ProgressMessage
			if err := json.Unmarshal([]byte(msg.Payload), &progressMsg); err != nil {
				continue // 忽略解析错误
			}

			handler(&progressMsg)
		}
	}
}
