package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const defaultPrefix = "vimage:queue:"

type Queue struct {
	client    *redis.Client
	prefix    string
	uniqueFor time.Duration
}

// JobMessage 队列中的一次渲染请求
type JobMessage struct {
	JobID           int64  `json:"job_id"`
	UserID          int64  `json:"user_id"`
	PreviewFrames   int    `json:"preview_frames"`
	ExtendFromJobID int64  `json:"extend_from_job_id,omitempty"`
	Lane            string `json:"lane"`
	Attempts        int    `json:"attempts"`
	EnqueuedAt      int64  `json:"enqueued_at"` // 首次入队的 unix 秒，用于投递截止时间
}

// IsPreview 只渲染若干帧预览
func (m *JobMessage) IsPreview() bool {
	return m.PreviewFrames > 0
}

// UniqueID 任务 id + 预览帧数 + 续作来源
func (m *JobMessage) UniqueID() string {
	return fmt.Sprintf("%d-%d-%d", m.JobID, m.PreviewFrames, m.ExtendFromJobID)
}

func NewQueue(client *redis.Client, prefix string, uniqueFor time.Duration) *Queue {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Queue{
		client:    client,
		prefix:    prefix,
		uniqueFor: uniqueFor,
	}
}

func (q *Queue) laneKey(lane string) string {
	return q.prefix + lane
}

func (q *Queue) delayedKey() string {
	return q.prefix + "delayed"
}

func (q *Queue) uniqueKey(msg *JobMessage) string {
	return q.prefix + "unique:" + msg.UniqueID()
}

// Push 将任务加入指定队列；同一 UniqueID 已在队列中时返回 false
func (q *Queue) Push(ctx context.Context, lane string, msg *JobMessage) (bool, error) {
	if q.uniqueFor > 0 {
		ok, err := q.client.SetNX(ctx, q.uniqueKey(msg), time.Now().Unix(), q.uniqueFor).Result()
		if err != nil {
			return false, fmt.Errorf("failed to set unique key: %w", err)
		}
		if !ok {
			return false, nil
		}
	}

	msg.Lane = lane
	if msg.EnqueuedAt == 0 {
		msg.EnqueuedAt = time.Now().Unix()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := q.client.LPush(ctx, q.laneKey(lane), data).Err(); err != nil {
		return false, err
	}
	return true, nil
}

// PushDelayed 延迟投递，用于退避重试和准入失败后的重新排队
func (q *Queue) PushDelayed(ctx context.Context, msg *JobMessage, delay time.Duration) error {
	if msg.EnqueuedAt == 0 {
		msg.EnqueuedAt = time.Now().Unix()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	score := float64(time.Now().Add(delay).UnixMilli())
	return q.client.ZAdd(ctx, q.delayedKey(), &redis.Z{Score: score, Member: data}).Err()
}

// PromoteDue 把到期的延迟任务移回各自队列
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read delayed set: %w", err)
	}

	moved := 0
	for _, member := range members {
		// 多个 worker 同时搬运时只有 ZRem 成功的一方入队
		removed, err := q.client.ZRem(ctx, q.delayedKey(), member).Result()
		if err != nil {
			return moved, err
		}
		if removed == 0 {
			continue
		}

		var msg JobMessage
		if err := json.Unmarshal([]byte(member), &msg); err != nil {
			continue
		}
		if err := q.client.LPush(ctx, q.laneKey(msg.Lane), member).Err(); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// Pop 按给定顺序从多个队列阻塞获取任务，靠前的队列优先
func (q *Queue) Pop(ctx context.Context, timeout time.Duration, lanes ...string) (*JobMessage, error) {
	keys := make([]string, 0, len(lanes))
	for _, lane := range lanes {
		keys = append(keys, q.laneKey(lane))
	}

	result, err := q.client.BRPop(ctx, timeout, keys...).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // 超时，无任务
		}
		return nil, fmt.Errorf("failed to pop from queue: %w", err)
	}

	if len(result) < 2 {
		return nil, nil
	}

	var msg JobMessage
	if err := json.Unmarshal([]byte(result[1]), &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}

	return &msg, nil
}

// Release 任务结束后释放唯一性占用
func (q *Queue) Release(ctx context.Context, msg *JobMessage) error {
	return q.client.Del(ctx, q.uniqueKey(msg)).Err()
}

// Length 获取队列长度
func (q *Queue) Length(ctx context.Context, lane string) (int64, error) {
	return q.client.LLen(ctx, q.laneKey(lane)).Result()
}

// DelayedLength 等待中的延迟任务数
func (q *Queue) DelayedLength(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.delayedKey()).Result()
}
