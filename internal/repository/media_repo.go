package repository

import (
	"gorm.io/gorm"

	"github.com/janiluuk/vimage-api/internal/model"
)

type MediaRepository struct {
	db *gorm.DB
}

func NewMediaRepository(db *gorm.DB) *MediaRepository {
	return &MediaRepository{db: db}
}

func (r *MediaRepository) Create(m *model.MediaAttachment) error {
	return r.db.Create(m).Error
}

// ListByJob 按 generated_at 倒序；collection 为空表示全部
func (r *MediaRepository) ListByJob(jobID int64, collection string) ([]*model.MediaAttachment, error) {
	var items []*model.MediaAttachment
	query := r.db.Where("video_job_id = ?", jobID)
	if collection != "" {
		query = query.Where("collection = ?", collection)
	}
	err := query.Order("generated_at DESC").Order("id DESC").Find(&items).Error
	return items, err
}

// Latest 指定 revision 下最新的一条；revision 为空时不过滤
func (r *MediaRepository) Latest(jobID int64, collection, mediaType, revision string) (*model.MediaAttachment, error) {
	var item model.MediaAttachment
	query := r.db.Where("video_job_id = ? AND collection = ? AND type = ?", jobID, collection, mediaType)
	if revision != "" {
		query = query.Where("revision = ?", revision)
	}
	err := query.Order("generated_at DESC").Order("id DESC").First(&item).Error
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// EvictOldest 每个 collection 只保留最新 keep 条，返回被删除的记录
func (r *MediaRepository) EvictOldest(jobID int64, collection string, keep int) ([]*model.MediaAttachment, error) {
	if keep <= 0 {
		return nil, nil
	}

	var stale []*model.MediaAttachment
	err := r.db.Where("video_job_id = ? AND collection = ?", jobID, collection).
		Order("generated_at DESC").Order("id DESC").
		Offset(keep).Limit(1000).
		Find(&stale).Error
	if err != nil || len(stale) == 0 {
		return nil, err
	}

	ids := make([]int64, 0, len(stale))
	for _, m := range stale {
		ids = append(ids, m.ID)
	}
	if err := r.db.Where("id IN ?", ids).Delete(&model.MediaAttachment{}).Error; err != nil {
		return nil, err
	}
	return stale, nil
}

// ListLocal 尚未上传到对象存储的附件
func (r *MediaRepository) ListLocal(limit int) ([]*model.MediaAttachment, error) {
	var items []*model.MediaAttachment
	err := r.db.Where("disk = ?", model.DiskLocal).Order("id ASC").Limit(limit).Find(&items).Error
	return items, err
}

func (r *MediaRepository) MarkUploaded(id int64, url string) error {
	return r.db.Model(&model.MediaAttachment{}).Where("id = ?", id).
		Updates(map[string]interface{}{"url": url, "disk": model.DiskOSS}).Error
}
