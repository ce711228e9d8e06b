package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/janiluuk/vimage-api/internal/model"
	"github.com/janiluuk/vimage-api/internal/pkg/pubsub"
	"github.com/janiluuk/vimage-api/internal/render"
	"github.com/janiluuk/vimage-api/internal/repository"
)

// OutputFinalizer 输出目录出现渲染结果时把对应的 processing 任务标记为 finished
type OutputFinalizer struct {
	jobRepo   *repository.VideoJobRepository
	paths     *render.Paths
	publisher *pubsub.Publisher
}

func NewOutputFinalizer(jobRepo *repository.VideoJobRepository, paths *render.Paths, publisher *pubsub.Publisher) *OutputFinalizer {
	return &OutputFinalizer{
		jobRepo:   jobRepo,
		paths:     paths,
		publisher: publisher,
	}
}

// HandleOutput 返回是否有任务被更新；找不到任务或任务不在 processing 时忽略
func (f *OutputFinalizer) HandleOutput(ctx context.Context, path string) (bool, error) {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))

	job, err := f.jobRepo.FindByOutfile(base, stem)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Debug().Str("path", path).Msg("No video job for output file")
			return false, nil
		}
		return false, fmt.Errorf("failed to look up job for %s: %w", base, err)
	}
	if job.Status != model.StatusProcessing {
		return false, nil
	}

	job.Status = model.StatusFinished
	job.Progress = 100
	job.EstimatedTimeLeft = 0
	job.URL = f.paths.PublicURL(path)
	err = f.jobRepo.UpdateFields(job.ID, map[string]interface{}{
		"status":              job.Status,
		"progress":            job.Progress,
		"estimated_time_left": 0,
		"url":                 job.URL,
	})
	if err != nil {
		return false, fmt.Errorf("failed to finalize job %d: %w", job.ID, err)
	}

	log.Info().Int64("job_id", job.ID).Str("path", path).Msg("Output detected, job finished")

	err = f.publisher.PublishProgress(ctx, &pubsub.ProgressMessage{
		UserID:   job.UserID,
		JobID:    job.ID,
		Status:   job.Status,
		Step:     pubsub.StepDone,
		Progress: job.Progress,
		JobTime:  job.JobTime,
		Revision: job.Revision,
	})
	if err != nil {
		log.Debug().Err(err).Int64("job_id", job.ID).Msg("Failed to publish progress")
	}
	return true, nil
}
