package worker

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/janiluuk/vimage-api/internal/model"
	"github.com/janiluuk/vimage-api/internal/pkg/oss"
	"github.com/janiluuk/vimage-api/internal/repository"
)

const (
	reuploadInterval = 5 * time.Minute
	reuploadBatch    = 50
)

// ObjectStore 对象存储上传
type ObjectStore interface {
	UploadWithRetry(objectKey, localPath, contentType string, maxRetries int) (string, error)
}

// Reuploader 后台把仍在本地磁盘上的媒体附件上传到 OSS
type Reuploader struct {
	mediaRepo *repository.MediaRepository
	store     ObjectStore
	interval  time.Duration
	keepLocal bool
}

// NewReuploader 创建重传器
func NewReuploader(mediaRepo *repository.MediaRepository, store ObjectStore, keepLocal bool) *Reuploader {
	return &Reuploader{
		mediaRepo: mediaRepo,
		store:     store,
		interval:  reuploadInterval,
		keepLocal: keepLocal,
	}
}

// Start 启动后台重传循环
func (r *Reuploader) Start(ctx context.Context) {
	// 启动后先执行一次
	r.RunOnce()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Reuploader stopped")
			return
		case <-ticker.C:
			r.RunOnce()
		}
	}
}

// RunOnce 上传一批本地附件，返回成功数
func (r *Reuploader) RunOnce() int {
	items, err := r.mediaRepo.ListLocal(reuploadBatch)
	if err != nil {
		log.Error().Err(err).Msg("Reuploader: failed to query local media")
		return 0
	}
	if len(items) == 0 {
		return 0
	}

	log.Info().Int("count", len(items)).Msg("Reuploader: found local media to upload")

	uploaded := 0
	for _, m := range items {
		if r.upload(m) {
			uploaded++
		}
	}
	return uploaded
}

func (r *Reuploader) upload(m *model.MediaAttachment) bool {
	logger := log.With().Int64("media_id", m.ID).Int64("job_id", m.VideoJobID).Logger()

	if _, err := os.Stat(m.Path); err != nil {
		logger.Warn().Err(err).Str("path", m.Path).Msg("Reuploader: local file missing")
		return false
	}

	key := oss.MediaObjectKey(m.VideoJobID, m.Collection, m.Revision, m.Path)
	url, err := r.store.UploadWithRetry(key, m.Path, m.MimeType, 2)
	if err != nil {
		logger.Error().Err(err).Msg("Reuploader: failed to upload")
		return false
	}

	if err := r.mediaRepo.MarkUploaded(m.ID, url); err != nil {
		logger.Error().Err(err).Msg("Reuploader: failed to update DB")
		return false
	}

	// 只删除成品的本地副本，原始素材和预览仍需在本地读取
	if !r.keepLocal && m.Collection == model.CollectionFinished {
		os.Remove(m.Path)
	}
	logger.Info().Str("url", url).Msg("Reuploader: uploaded media to OSS")
	return true
}
