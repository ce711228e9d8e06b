package repository

import (
	"time"

	"gorm.io/gorm"

	"github.com/janiluuk/vimage-api/internal/model"
)

type VideoJobRepository struct {
	db *gorm.DB
}

func NewVideoJobRepository(db *gorm.DB) *VideoJobRepository {
	return &VideoJobRepository{db: db}
}

func (r *VideoJobRepository) Create(job *model.VideoJob) error {
	return r.db.Create(job).Error
}

func (r *VideoJobRepository) GetByID(id int64) (*model.VideoJob, error) {
	var job model.VideoJob
	err := r.db.Where("id = ?", id).First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *VideoJobRepository) Update(job *model.VideoJob) error {
	return r.db.Save(job).Error
}

// UpdateFields 部分更新，updated_at 由 gorm 自动刷新
func (r *VideoJobRepository) UpdateFields(id int64, fields map[string]interface{}) error {
	return r.db.Model(&model.VideoJob{}).Where("id = ?", id).Updates(fields).Error
}

// GetStatus 只读取状态，供 supervisor 轮询取消
func (r *VideoJobRepository) GetStatus(id int64) (string, error) {
	var status string
	err := r.db.Model(&model.VideoJob{}).Where("id = ?", id).Select("status").Scan(&status).Error
	return status, err
}

// UpdateProgress 写入进度；进度只增不减，job_time 和 ETA 总是覆盖
func (r *VideoJobRepository) UpdateProgress(id int64, progress, jobTime, eta int) error {
	return r.db.Model(&model.VideoJob{}).
		Where("id = ? AND status IN ?", id, []string{model.StatusProcessing, model.StatusPreprocessing}).
		Updates(map[string]interface{}{
			"progress":            gorm.Expr("CASE WHEN progress < ? THEN ? ELSE progress END", progress, progress),
			"job_time":            jobTime,
			"estimated_time_left": eta,
		}).Error
}

// MarkStale 将 cutoff 之前就没有更新过的 processing 任务置为 error
func (r *VideoJobRepository) MarkStale(cutoff time.Time) (int64, error) {
	result := r.db.Model(&model.VideoJob{}).
		Where("status = ? AND updated_at < ?", model.StatusProcessing, cutoff).
		Updates(map[string]interface{}{
			"status":    model.StatusError,
			"queued_at": nil,
		})
	return result.RowsAffected, result.Error
}

func (r *VideoJobRepository) CountByStatus(status string) (int64, error) {
	var count int64
	err := r.db.Model(&model.VideoJob{}).Where("status = ?", status).Count(&count).Error
	return count, err
}

// CountProcessingExcept 统计正在渲染的任务，排除自身
func (r *VideoJobRepository) CountProcessingExcept(id int64) (int64, error) {
	var count int64
	err := r.db.Model(&model.VideoJob{}).
		Where("status = ? AND id <> ?", model.StatusProcessing, id).
		Count(&count).Error
	return count, err
}

// QueuePosition 在 approved 任务中的位置（从 1 开始），按 queued_at、id 排序
func (r *VideoJobRepository) QueuePosition(job *model.VideoJob) (int64, error) {
	queuedAt := time.Now()
	if job.QueuedAt != nil {
		queuedAt = *job.QueuedAt
	}

	var count int64
	err := r.db.Model(&model.VideoJob{}).
		Where("status = ?", model.StatusApproved).
		Where(r.db.Where("queued_at < ?", queuedAt).
			Or("queued_at = ? AND id <= ?", queuedAt, job.ID)).
		Count(&count).Error
	return count, err
}

// AverageTimePerFrame 同模型已完成任务的平均每帧耗时，ok=false 表示没有历史
func (r *VideoJobRepository) AverageTimePerFrame(modelID int64) (float64, bool, error) {
	var row struct {
		TotalTime   int64
		TotalFrames int64
	}
	err := r.db.Model(&model.VideoJob{}).
		Select("COALESCE(SUM(job_time), 0) AS total_time, COALESCE(SUM(frame_count), 0) AS total_frames").
		Where("model_id = ? AND status = ? AND job_time > 0 AND frame_count > 0", modelID, model.StatusFinished).
		Scan(&row).Error
	if err != nil {
		return 0, false, err
	}
	if row.TotalTime == 0 || row.TotalFrames == 0 {
		return 0, false, nil
	}
	return float64(row.TotalTime) / float64(row.TotalFrames), true, nil
}

// SumFrameCount 某模型某状态下的总帧数
func (r *VideoJobRepository) SumFrameCount(modelID int64, status string) (int64, error) {
	var total int64
	err := r.db.Model(&model.VideoJob{}).
		Select("COALESCE(SUM(frame_count), 0)").
		Where("model_id = ? AND status = ?", modelID, status).
		Scan(&total).Error
	return total, err
}

func (r *VideoJobRepository) SumEstimatedTimeLeft(status string) (int64, error) {
	var total int64
	err := r.db.Model(&model.VideoJob{}).
		Select("COALESCE(SUM(estimated_time_left), 0)").
		Where("status = ?", status).
		Scan(&total).Error
	return total, err
}

// ListByUserAndStatus processing 按 updated_at 倒序，approved 按 queued_at、id 正序
func (r *VideoJobRepository) ListByUserAndStatus(userID int64, status string) ([]*model.VideoJob, error) {
	var jobs []*model.VideoJob
	query := r.db.Where("user_id = ? AND status = ?", userID, status)
	if status == model.StatusApproved {
		query = query.Order("queued_at ASC").Order("id ASC")
	} else {
		query = query.Order("updated_at DESC")
	}
	err := query.Find(&jobs).Error
	return jobs, err
}

func (r *VideoJobRepository) ListByUser(userID int64, page, pageSize int) ([]*model.VideoJob, int64, error) {
	var jobs []*model.VideoJob
	var total int64

	query := r.db.Model(&model.VideoJob{}).Where("user_id = ?", userID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	err := query.Order("created_at DESC").Order("id DESC").Offset(offset).Limit(pageSize).Find(&jobs).Error
	return jobs, total, err
}

// FindByOutfile 按输出文件名查找，找不到时按文件名前缀（同 stem）匹配
func (r *VideoJobRepository) FindByOutfile(basename, stem string) (*model.VideoJob, error) {
	var job model.VideoJob
	err := r.db.Where("outfile = ?", basename).Order("id DESC").First(&job).Error
	if err == nil {
		return &job, nil
	}
	if err != gorm.ErrRecordNotFound || stem == "" {
		return nil, err
	}
	err = r.db.Where("outfile LIKE ?", stem+"%").Order("id DESC").First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}
