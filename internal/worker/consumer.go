package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/janiluuk/vimage-api/config"
	"github.com/janiluuk/vimage-api/internal/pkg/queue"
)

// JobProcessor 处理一次投递
type JobProcessor interface {
	Process(ctx context.Context, msg *queue.JobMessage) (Outcome, error)
}

// Consumer 从多个优先级队列取任务的 worker 循环
type Consumer struct {
	id        int
	queue     *queue.Queue
	processor JobProcessor
	lanes     []string
	cfg       config.QueueConfig
}

func NewConsumer(id int, q *queue.Queue, processor JobProcessor, lanes []string, cfg config.QueueConfig) *Consumer {
	return &Consumer{
		id:        id,
		queue:     q,
		processor: processor,
		lanes:     lanes,
		cfg:       cfg,
	}
}

// Run 循环取任务直到 ctx 结束
func (c *Consumer) Run(ctx context.Context) error {
	timeout := c.cfg.PopTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	logger := log.With().Int("worker_id", c.id).Strs("lanes", c.lanes).Logger()
	logger.Info().Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Worker shutting down")
			return nil
		default:
		}

		msg, err := c.queue.Pop(ctx, timeout, c.lanes...)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error().Err(err).Msg("Failed to pop job")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if msg == nil {
			continue // 超时，继续等待
		}

		c.Handle(ctx, msg)
	}
}

// Handle 处理一条消息，并按结果决定释放唯一性、退避重投或放弃
func (c *Consumer) Handle(ctx context.Context, msg *queue.JobMessage) {
	logger := log.With().Int("worker_id", c.id).Int64("job_id", msg.JobID).Str("lane", msg.Lane).Logger()
	logger.Info().Int("attempt", msg.Attempts+1).Msg("Processing job")

	outcome, err := c.processor.Process(ctx, msg)
	if err == nil {
		logger.Info().Str("outcome", outcome.String()).Msg("Job attempt finished")
		if outcome != OutcomeRequeued {
			c.release(msg)
		}
		return
	}

	// 关闭过程中被中断：原样放回，不计入尝试次数
	if ctx.Err() != nil {
		logger.Warn().Err(err).Msg("Job interrupted by shutdown, requeueing")
		c.requeue(msg, c.cfg.RequeueDelay)
		return
	}

	if !ShouldRetry(c.cfg, msg, err, time.Now()) {
		logger.Error().Err(err).Int("attempts", msg.Attempts+1).Msg("Job failed, giving up")
		c.release(msg)
		return
	}

	next := *msg
	next.Attempts++
	backoff := c.cfg.Backoff
	logger.Warn().Err(err).Int("attempts", next.Attempts).Dur("backoff", backoff).Msg("Job failed, will retry")
	c.requeue(&next, backoff)
}

func (c *Consumer) release(msg *queue.JobMessage) {
	if err := c.queue.Release(context.Background(), msg); err != nil {
		log.Warn().Err(err).Int64("job_id", msg.JobID).Msg("Failed to release unique key")
	}
}

func (c *Consumer) requeue(msg *queue.JobMessage, delay time.Duration) {
	if err := c.queue.PushDelayed(context.Background(), msg, delay); err != nil {
		log.Error().Err(err).Int64("job_id", msg.JobID).Msg("Failed to requeue job")
	}
}

// ShouldRetry 可重试错误在次数上限和投递截止时间内重投
func ShouldRetry(cfg config.QueueConfig, msg *queue.JobMessage, err error, now time.Time) bool {
	if !IsRetryable(err) {
		return false
	}
	if cfg.Tries > 0 && msg.Attempts+1 >= cfg.Tries {
		return false
	}
	if cfg.RetryUntil > 0 && msg.EnqueuedAt > 0 {
		deadline := time.Unix(msg.EnqueuedAt, 0).Add(cfg.RetryUntil)
		if !now.Before(deadline) {
			return false
		}
	}
	return true
}

// RunPromoter 定期把到期的延迟任务放回队列
func RunPromoter(ctx context.Context, q *queue.Queue, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := q.PromoteDue(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Warn().Err(err).Msg("Failed to promote delayed jobs")
				continue
			}
			if n > 0 {
				log.Debug().Int("count", n).Msg("Promoted delayed jobs")
			}
		}
	}
}
