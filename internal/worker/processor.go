package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/janiluuk/vimage-api/config"
	"github.com/janiluuk/vimage-api/internal/model"
	"github.com/janiluuk/vimage-api/internal/pkg/lock"
	"github.com/janiluuk/vimage-api/internal/pkg/pubsub"
	"github.com/janiluuk/vimage-api/internal/pkg/queue"
	"github.com/janiluuk/vimage-api/internal/render"
	"github.com/janiluuk/vimage-api/internal/repository"
)

// Outcome 一次投递的处理结果
type Outcome int

const (
	OutcomeDone     Outcome = iota // 渲染完成（成功或失败）
	OutcomeRequeued                // 超过并发上限，已延迟重新入队
	OutcomeSkipped                 // 任务已取消/不存在/被其他 worker 处理
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomeRequeued:
		return "requeued"
	case OutcomeSkipped:
		return "skipped"
	}
	return "unknown"
}

// MediaAttacher 把渲染产物登记为媒体附件，并回填 job 上的预览/成品地址
type MediaAttacher interface {
	AttachResults(ctx context.Context, job *model.VideoJob) ([]*model.MediaAttachment, error)
}

// MediaTool 渲染后处理使用的 ffmpeg 操作
type MediaTool interface {
	ExtractFirstFrame(ctx context.Context, videoPath, outPath string) error
	ExtractLastFrame(ctx context.Context, videoPath, outPath string) error
	MuxSoundtrack(ctx context.Context, videoPath, audioPath string) error
}

// Processor 任务处理器
type Processor struct {
	jobRepo     *repository.VideoJobRepository
	locker      *lock.Locker
	queue       *queue.Queue
	builder     *render.Builder
	paths       *render.Paths
	supervisors map[string]Supervisor
	media       MediaAttacher
	tool        MediaTool
	publisher   *pubsub.Publisher
	cfg         *config.Config
}

// NewProcessor 创建任务处理器
func NewProcessor(
	jobRepo *repository.VideoJobRepository,
	locker *lock.Locker,
	jobQueue *queue.Queue,
	builder *render.Builder,
	paths *render.Paths,
	supervisors map[string]Supervisor,
	media MediaAttacher,
	tool MediaTool,
	publisher *pubsub.Publisher,
	cfg *config.Config,
) *Processor {
	return &Processor{
		jobRepo:     jobRepo,
		locker:      locker,
		queue:       jobQueue,
		builder:     builder,
		paths:       paths,
		supervisors: supervisors,
		media:       media,
		tool:        tool,
		publisher:   publisher,
		cfg:         cfg,
	}
}

// LockKey 每个任务一把锁
func LockKey(jobID int64) string {
	return fmt.Sprintf("videojob:%d", jobID)
}

// ReapStale 把长时间没有更新的 processing 任务标记为 error
func (p *Processor) ReapStale() (int64, error) {
	staleAfter := p.cfg.Queue.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 15 * time.Minute
	}
	n, err := p.jobRepo.MarkStale(time.Now().Add(-staleAfter))
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale jobs: %w", err)
	}
	if n > 0 {
		log.Warn().Int64("count", n).Msg("Marked stale processing jobs as error")
	}
	return n, nil
}

// Process 处理一次渲染请求
func (p *Processor) Process(ctx context.Context, msg *queue.JobMessage) (Outcome, error) {
	logger := log.With().
		Int64("job_id", msg.JobID).
		Str("lane", msg.Lane).
		Int("preview_frames", msg.PreviewFrames).
		Int("attempt", msg.Attempts+1).
		Logger()

	if _, err := p.ReapStale(); err != nil {
		logger.Warn().Err(err).Msg("Stale job sweep failed")
	}

	job, err := p.jobRepo.GetByID(msg.JobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			logger.Warn().Msg("Job no longer exists, dropping message")
			return OutcomeSkipped, nil
		}
		return OutcomeDone, fmt.Errorf("failed to get job: %w", err)
	}
	if job.Status == model.StatusCancelled {
		logger.Info().Msg("Job was cancelled, skipping")
		return OutcomeSkipped, nil
	}
	if !model.CanTransition(job.Status, model.StatusProcessing) {
		logger.Warn().Str("status", job.Status).Msg("Job cannot start processing from current status, skipping")
		return OutcomeSkipped, nil
	}

	// 准入控制：完整渲染受并发上限约束，预览不受限
	if !msg.IsPreview() {
		running, err := p.jobRepo.CountProcessingExcept(job.ID)
		if err != nil {
			return OutcomeDone, fmt.Errorf("failed to count processing jobs: %w", err)
		}
		if limit := p.maxConcurrent(); running >= int64(limit) {
			if err := p.demote(job); err != nil {
				return OutcomeDone, err
			}
			delay := p.cfg.Queue.RequeueDelay
			if err := p.queue.PushDelayed(ctx, msg, delay); err != nil {
				return OutcomeDone, fmt.Errorf("failed to requeue job: %w", err)
			}
			logger.Info().Int64("running", running).Int("limit", limit).Dur("delay", delay).Msg("Concurrency limit reached, job requeued")
			p.publish(ctx, job, pubsub.StepQueued, "")
			return OutcomeRequeued, nil
		}
	}

	lk, err := p.locker.Acquire(ctx, LockKey(job.ID))
	switch {
	case errors.Is(err, lock.ErrLockHeld):
		if !msg.IsPreview() {
			if err := p.demote(job); err != nil {
				return OutcomeDone, err
			}
			logger.Info().Msg("Job is locked by another worker, aborting")
			return OutcomeSkipped, nil
		}
		logger.Info().Msg("Job is locked, running preview without lock")
	case err != nil:
		return OutcomeDone, err
	}
	defer func() {
		if err := lk.Release(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("Failed to release job lock")
		}
	}()

	return OutcomeDone, p.render(ctx, job, msg, logger)
}

func (p *Processor) render(ctx context.Context, job *model.VideoJob, msg *queue.JobMessage, logger zerolog.Logger) error {
	start := time.Now()
	preview := msg.IsPreview()

	job.ResetProgress(model.StatusProcessing)
	job.EstimatedTimeLeft = job.InitialEstimate()
	if err := p.jobRepo.UpdateFields(job.ID, map[string]interface{}{
		"status":              job.Status,
		"queued_at":           nil,
		"progress":            0,
		"job_time":            0,
		"estimated_time_left": job.EstimatedTimeLeft,
	}); err != nil {
		return fmt.Errorf("failed to start job: %w", err)
	}
	p.publish(ctx, job, pubsub.StepStarting, "")

	// 失败处理：状态置为 error，记录耗时和重试次数
	handleError := func(step string, err error) error {
		elapsed := int(time.Since(start).Seconds())
		job.ResetProgress(model.StatusError)
		job.JobTime = elapsed
		job.Retries++
		if uerr := p.jobRepo.UpdateFields(job.ID, map[string]interface{}{
			"status":              model.StatusError,
			"queued_at":           nil,
			"progress":            0,
			"job_time":            elapsed,
			"estimated_time_left": 0,
			"retries":             gorm.Expr("retries + 1"),
		}); uerr != nil {
			logger.Error().Err(uerr).Msg("Failed to record job failure")
		}

		userMsg := err.Error()
		var pe *ProcessError
		if errors.As(err, &pe) {
			logger.Error().Err(pe.RawError).Int("exit_code", pe.ExitCode).Str("step", step).Msg("Render process failed")
			userMsg = pe.UserMessage
		} else {
			logger.Error().Err(err).Str("step", step).Msg("Render failed")
		}
		p.publish(ctx, job, pubsub.StepFailed, userMsg)
		return err
	}

	var source *model.VideoJob
	if sourceID := extendSource(job, msg); sourceID > 0 {
		s, err := p.jobRepo.GetByID(sourceID)
		if err != nil {
			return handleError(pubsub.StepStarting, fmt.Errorf("failed to load base job %d: %w", sourceID, err))
		}
		source = s
	}

	inv, err := p.builder.Build(ctx, job, source, msg.PreviewFrames)
	if err != nil {
		return handleError(pubsub.StepStarting, fmt.Errorf("failed to build command: %w", err))
	}
	if err := p.jobRepo.UpdateFields(job.ID, map[string]interface{}{
		"generation_parameters": job.GenerationParameters,
		"revision":              job.Revision,
	}); err != nil {
		return handleError(pubsub.StepStarting, fmt.Errorf("failed to save generation parameters: %w", err))
	}

	sup, ok := p.supervisors[job.Generator]
	if !ok {
		return handleError(pubsub.StepStarting, fmt.Errorf("%w: %s", render.ErrUnknownGenerator, job.Generator))
	}

	reporter := func(rctx context.Context, r Report) {
		pct := int(r.Percent)
		elapsed := int(r.Elapsed.Seconds())
		eta := int(r.ETA.Seconds())
		if err := p.jobRepo.UpdateProgress(job.ID, pct, elapsed, eta); err != nil {
			logger.Warn().Err(err).Msg("Failed to update progress")
			return
		}
		job.Progress, job.JobTime, job.EstimatedTimeLeft = pct, elapsed, eta
		p.publish(rctx, job, pubsub.StepRendering, "")
	}

	result, err := sup.Run(ctx, job, inv, reporter)
	if err != nil {
		if errors.Is(err, ErrSuperseded) {
			// 新的渲染已接管任务状态，这里不再写库
			logger.Info().Msg("Render superseded, leaving job state to the newer run")
			return nil
		}
		if errors.Is(err, ErrCancelled) {
			job.ResetProgress(model.StatusCancelled)
			p.publish(ctx, job, pubsub.StepCancelled, "")
			return nil
		}
		return handleError(pubsub.StepRendering, err)
	}

	elapsed := int(time.Since(start).Seconds())
	if err := p.jobRepo.UpdateFields(job.ID, map[string]interface{}{
		"progress":            99,
		"job_time":            elapsed,
		"estimated_time_left": 7,
	}); err != nil {
		logger.Warn().Err(err).Msg("Failed to update progress")
	}
	job.Progress, job.JobTime, job.EstimatedTimeLeft = 99, elapsed, 7
	p.publish(ctx, job, pubsub.StepFinalizing, "")

	if !preview && !inv.Remote && job.SoundtrackPath != "" && p.tool != nil {
		if err := p.tool.MuxSoundtrack(ctx, result.OutputPath, job.SoundtrackPath); err != nil {
			return handleError(pubsub.StepFinalizing, fmt.Errorf("failed to merge soundtrack: %w", err))
		}
	}

	if p.media != nil {
		if _, err := p.media.AttachResults(ctx, job); err != nil {
			return handleError(pubsub.StepFinalizing, fmt.Errorf("failed to attach results: %w", err))
		}
	}

	if !preview {
		p.extractFrames(ctx, job, result.OutputPath, logger)
	}

	status := model.StatusFinished
	if preview {
		status = model.StatusPreview
	}
	job.SetStatus(status)
	job.Progress = 100
	job.EstimatedTimeLeft = 0
	job.JobTime = int(time.Since(start).Seconds())

	if err := p.jobRepo.UpdateFields(job.ID, map[string]interface{}{
		"status":              job.Status,
		"queued_at":           nil,
		"progress":            100,
		"job_time":            job.JobTime,
		"estimated_time_left": 0,
		"preview_img":         job.PreviewImg,
		"preview_animation":   job.PreviewAnimation,
		"url":                 job.URL,
		"first_frame_path":    job.FirstFramePath,
		"last_frame_path":     job.LastFramePath,
	}); err != nil {
		return handleError(pubsub.StepDone, fmt.Errorf("failed to finish job: %w", err))
	}

	p.publish(ctx, job, pubsub.StepDone, "")
	logger.Info().
		Str("status", job.Status).
		Str("revision", job.Revision).
		Int("job_time", job.JobTime).
		Int("frames", job.FrameCount).
		Msg("Render completed")
	return nil
}

// extractFrames 成品视频的首帧/尾帧，续接任务用尾帧作为初始图
func (p *Processor) extractFrames(ctx context.Context, job *model.VideoJob, video string, logger zerolog.Logger) {
	if p.tool == nil {
		return
	}
	first := p.paths.FramePath(job, "first")
	if err := p.tool.ExtractFirstFrame(ctx, video, first); err != nil {
		logger.Warn().Err(err).Msg("Failed to extract first frame")
	} else {
		job.FirstFramePath = first
	}
	last := p.paths.FramePath(job, "last")
	if err := p.tool.ExtractLastFrame(ctx, video, last); err != nil {
		logger.Warn().Err(err).Msg("Failed to extract last frame")
	} else {
		job.LastFramePath = last
	}
}

// demote 退回 approved 等待下一次调度
func (p *Processor) demote(job *model.VideoJob) error {
	if job.Status == model.StatusApproved {
		return nil
	}
	job.SetStatus(model.StatusApproved)
	if err := p.jobRepo.UpdateFields(job.ID, map[string]interface{}{
		"status":    job.Status,
		"queued_at": job.QueuedAt,
	}); err != nil {
		return fmt.Errorf("failed to demote job: %w", err)
	}
	return nil
}

func (p *Processor) maxConcurrent() int {
	if p.cfg.Queue.MaxConcurrentJobs <= 0 {
		return 1
	}
	return p.cfg.Queue.MaxConcurrentJobs
}

func (p *Processor) publish(ctx context.Context, job *model.VideoJob, step, errMsg string) {
	err := p.publisher.PublishProgress(ctx, &pubsub.ProgressMessage{
		UserID:            job.UserID,
		JobID:             job.ID,
		Status:            job.Status,
		Step:              step,
		Progress:          job.Progress,
		JobTime:           job.JobTime,
		EstimatedTimeLeft: job.EstimatedTimeLeft,
		Revision:          job.Revision,
		Error:             errMsg,
	})
	if err != nil {
		log.Debug().Err(err).Int64("job_id", job.ID).Msg("Failed to publish progress")
	}
}

func extendSource(job *model.VideoJob, msg *queue.JobMessage) int64 {
	if msg.ExtendFromJobID > 0 {
		return msg.ExtendFromJobID
	}
	if job.IsExtension() {
		return *job.ExtendFromJobID
	}
	return 0
}
