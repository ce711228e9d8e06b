package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/janiluuk/vimage-api/config"
	"github.com/janiluuk/vimage-api/internal/model"
	"github.com/janiluuk/vimage-api/internal/pkg/oss"
	"github.com/janiluuk/vimage-api/internal/render"
	"github.com/janiluuk/vimage-api/internal/repository"
)

const mediaDirName = "media"

// ObjectStore 对象存储，未配置时产物只保存在本地
type ObjectStore interface {
	UploadWithRetry(objectKey, localPath, contentType string, maxRetries int) (string, error)
	Delete(objectKey string) error
	ExtractObjectKey(url string) string
}

// MediaService 渲染产物的附件登记、按 revision 查询和保留策略
type MediaService struct {
	mediaRepo *repository.MediaRepository
	paths     *render.Paths
	store     ObjectStore
	cfg       config.MediaConfig
}

func NewMediaService(mediaRepo *repository.MediaRepository, paths *render.Paths, store ObjectStore, cfg config.MediaConfig) *MediaService {
	return &MediaService{
		mediaRepo: mediaRepo,
		paths:     paths,
		store:     store,
		cfg:       cfg,
	}
}

// AttachResults 登记本次渲染留在磁盘上的预览动画、预览图和成品视频，并回填 job 上的地址
func (s *MediaService) AttachResults(ctx context.Context, job *model.VideoJob) ([]*model.MediaAttachment, error) {
	candidates := []struct {
		path       string
		mediaType  string
		collection string
	}{
		{s.paths.PreviewAnimation(job), model.MediaTypeAnimation, model.CollectionPreview},
		{s.paths.PreviewImage(job), model.MediaTypeImage, model.CollectionPreview},
		{s.paths.Finished(job), model.MediaTypeVideo, model.CollectionFinished},
	}

	var attached []*model.MediaAttachment
	for _, c := range candidates {
		if !fileExists(c.path) {
			continue
		}
		m, err := s.attach(job, c.path, c.mediaType, c.collection)
		if err != nil {
			return attached, err
		}
		attached = append(attached, m)

		switch c.mediaType {
		case model.MediaTypeAnimation:
			job.PreviewAnimation = m.URL
		case model.MediaTypeImage:
			job.PreviewImg = m.URL
		case model.MediaTypeVideo:
			job.URL = m.URL
		}
	}

	log.Info().
		Int64("job_id", job.ID).
		Str("revision", job.Revision).
		Int("attached", len(attached)).
		Msg("Attached render results")
	return attached, nil
}

// AttachOriginal 上传的原始素材
func (s *MediaService) AttachOriginal(job *model.VideoJob) (*model.MediaAttachment, error) {
	path := s.paths.Original(job)
	if !fileExists(path) {
		return nil, fmt.Errorf("%w: %s", ErrMediaNotFound, path)
	}
	return s.attach(job, path, originalType(job.Mimetype), model.CollectionOriginal)
}

func (s *MediaService) attach(job *model.VideoJob, src, mediaType, collection string) (*model.MediaAttachment, error) {
	now := time.Now()
	revision := job.Revision
	if collection == model.CollectionOriginal {
		revision = ""
	}

	local := src
	if collection != model.CollectionOriginal {
		// 工作文件会被下一次渲染覆盖，附件需要独立的副本
		local = s.mediaPath(job.ID, collection, revision, now, src)
		if err := render.CopyFile(src, local); err != nil {
			return nil, fmt.Errorf("failed to copy %s: %w", src, err)
		}
	}

	m := &model.MediaAttachment{
		VideoJobID:           job.ID,
		Type:                 mediaType,
		Collection:           collection,
		Revision:             revision,
		GeneratedAt:          now,
		GenerationParameters: job.GenerationParameters,
		Generator:            job.Generator,
		Disk:                 model.DiskLocal,
		Path:                 local,
		MimeType:             oss.ContentType(filepath.Ext(local)),
	}
	if info, err := os.Stat(local); err == nil {
		m.Size = info.Size()
	}

	if s.store != nil {
		key := oss.MediaObjectKey(job.ID, collection, revision, local)
		url, err := s.store.UploadWithRetry(key, local, m.MimeType, 2)
		if err != nil {
			// 留在本地，由后台重传
			log.Warn().Err(err).Int64("job_id", job.ID).Str("collection", collection).Msg("Upload failed, keeping media on local disk")
		} else {
			m.Disk = model.DiskOSS
			m.URL = url
		}
	}
	if m.URL == "" {
		m.URL = s.paths.PublicURL(local)
	}

	if err := s.mediaRepo.Create(m); err != nil {
		return nil, fmt.Errorf("failed to save media attachment: %w", err)
	}
	s.evict(job.ID, collection)
	return m, nil
}

// mediaPath <collection 根目录>/media/<job id>/<revision>/<纳秒>_<文件名>
func (s *MediaService) mediaPath(jobID int64, collection, revision string, at time.Time, src string) string {
	root := s.paths.PreviewDir()
	if collection == model.CollectionFinished {
		root = s.paths.ProcessedDir()
	}
	if revision == "" {
		revision = "base"
	}
	name := fmt.Sprintf("%d_%s", at.UnixNano(), filepath.Base(src))
	return filepath.Join(root, mediaDirName, fmt.Sprint(jobID), revision, name)
}

// evict 按 collection 的保留数量删除最旧的附件和它们的文件
func (s *MediaService) evict(jobID int64, collection string) {
	stale, err := s.mediaRepo.EvictOldest(jobID, collection, s.keep(collection))
	if err != nil {
		log.Warn().Err(err).Int64("job_id", jobID).Str("collection", collection).Msg("Failed to evict old media")
		return
	}
	for _, m := range stale {
		if m.IsLocal() {
			if s.ownsFile(m.Path) {
				os.Remove(m.Path)
			}
			continue
		}
		if s.store != nil {
			if key := s.store.ExtractObjectKey(m.URL); key != "" {
				if err := s.store.Delete(key); err != nil {
					log.Warn().Err(err).Int64("media_id", m.ID).Msg("Failed to delete evicted object")
				}
			}
		}
	}
	if len(stale) > 0 {
		log.Debug().Int64("job_id", jobID).Str("collection", collection).Int("evicted", len(stale)).Msg("Evicted old media")
	}
}

// ownsFile 只删除 media 目录下的副本，原始上传和工作文件不动
func (s *MediaService) ownsFile(path string) bool {
	for _, root := range []string{s.paths.PreviewDir(), s.paths.ProcessedDir()} {
		dir := filepath.Join(root, mediaDirName) + string(os.PathSeparator)
		if root != "" && strings.HasPrefix(filepath.Clean(path), dir) {
			return true
		}
	}
	return false
}

func (s *MediaService) keep(collection string) int {
	switch collection {
	case model.CollectionPreview:
		return s.cfg.PreviewKeep
	case model.CollectionOriginal:
		return s.cfg.OriginalKeep
	case model.CollectionFinished:
		return s.cfg.FinishedKeep
	}
	return 0
}

// Current 当前 revision 下最新的附件；原始素材或 job 还没有 revision 时不区分 revision
func (s *MediaService) Current(job *model.VideoJob, mediaType, collection string) (*model.MediaAttachment, error) {
	revision := job.Revision
	if collection == model.CollectionOriginal {
		revision = ""
	}
	m, err := s.mediaRepo.Latest(job.ID, collection, mediaType, revision)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMediaNotFound
		}
		return nil, err
	}
	return m, nil
}

// RevisionMedia 某个 revision 下一种类型的最新附件
type RevisionMedia struct {
	Type                 string    `json:"type"`
	Collection           string    `json:"collection"`
	URL                  string    `json:"url"`
	GeneratedAt          time.Time `json:"generated_at"`
	GenerationParameters string    `json:"generation_parameters,omitempty"`
}

// Revision 共享同一参数快照的一组产物
type Revision struct {
	Revision    string                    `json:"revision"`
	GeneratedAt time.Time                 `json:"generated_at"`
	Media       map[string]*RevisionMedia `json:"media"`
}

// Revisions 预览和成品按 revision 分组，每种类型取最新一条，按生成时间正序
func (s *MediaService) Revisions(job *model.VideoJob) ([]*Revision, error) {
	items, err := s.mediaRepo.ListByJob(job.ID, "")
	if err != nil {
		return nil, err
	}

	byRevision := make(map[string]*Revision)
	for _, m := range items {
		if m.Collection == model.CollectionOriginal {
			continue
		}
		key := m.Revision
		if key == "" {
			key = render.Revision(m.GenerationParameters)
		}
		rev, ok := byRevision[key]
		if !ok {
			rev = &Revision{Revision: key, Media: make(map[string]*RevisionMedia)}
			byRevision[key] = rev
		}
		if m.GeneratedAt.After(rev.GeneratedAt) {
			rev.GeneratedAt = m.GeneratedAt
		}
		if cur, ok := rev.Media[m.Type]; ok && !m.GeneratedAt.After(cur.GeneratedAt) {
			continue
		}
		rev.Media[m.Type] = &RevisionMedia{
			Type:                 m.Type,
			Collection:           m.Collection,
			URL:                  m.URL,
			GeneratedAt:          m.GeneratedAt,
			GenerationParameters: m.GenerationParameters,
		}
	}

	out := make([]*Revision, 0, len(byRevision))
	for _, rev := range byRevision {
		out = append(out, rev)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].GeneratedAt.Before(out[j].GeneratedAt)
	})
	return out, nil
}

func originalType(mimetype string) string {
	switch {
	case mimetype == "image/gif":
		return model.MediaTypeAnimation
	case strings.HasPrefix(mimetype, "image/"):
		return model.MediaTypeImage
	}
	return model.MediaTypeVideo
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Size() > 0
}
