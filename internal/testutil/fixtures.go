package testutil

import (
	"fmt"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/janiluuk/vimage-api/internal/model"
)

// TestModelFile 创建测试模型
func TestModelFile(t *testing.T, db *gorm.DB, opts ...func(*model.ModelFile)) *model.ModelFile {
	t.Helper()

	m := &model.ModelFile{
		Name:     "Realistic Vision",
		Filename: "realisticVision_v51.safetensors",
		Hash:     "15012c538f",
		Enabled:  true,
	}
	for _, opt := range opts {
		opt(m)
	}

	// Create 会把 default:true 回写到结构体，禁用需要在之后单独写
	disabled := !m.Enabled
	if err := db.Create(m).Error; err != nil {
		t.Fatalf("Failed to create test model file: %v", err)
	}
	if disabled {
		if err := db.Model(m).Update("enabled", false).Error; err != nil {
			t.Fatalf("Failed to disable test model file: %v", err)
		}
	}
	return m
}

// TestVideoJob 创建测试任务
func TestVideoJob(t *testing.T, db *gorm.DB, userID int64, opts ...func(*model.VideoJob)) *model.VideoJob {
	t.Helper()

	stem := fmt.Sprintf("clip_%d", time.Now().UnixNano())
	job := &model.VideoJob{
		UserID:           userID,
		Filename:         stem + ".mp4",
		OriginalFilename: "holiday.mp4",
		Mimetype:         "video/mp4",
		Generator:        model.GeneratorVid2Vid,
		Outfile:          stem + ".mp4",
		ModelID:          1,
		CfgScale:         7,
		Seed:             1234,
		Steps:            20,
		Width:            640,
		Height:           360,
		Fps:              24,
		FrameCount:       48,
		Status:           model.StatusPending,
	}
	for _, opt := range opts {
		opt(job)
	}

	if err := db.Create(job).Error; err != nil {
		t.Fatalf("Failed to create test video job: %v", err)
	}
	return job
}

// WithStatus 设置状态，approved 时同时写 queued_at
func WithStatus(status string) func(*model.VideoJob) {
	return func(j *model.VideoJob) {
		j.SetStatus(status)
	}
}

// WithQueuedAt approved 状态并指定排队时间
func WithQueuedAt(at time.Time) func(*model.VideoJob) {
	return func(j *model.VideoJob) {
		j.Status = model.StatusApproved
		j.QueuedAt = &at
	}
}

// WithGenerator 设置渲染器
func WithGenerator(generator string) func(*model.VideoJob) {
	return func(j *model.VideoJob) {
		j.Generator = generator
	}
}

// WithModel 设置模型
func WithModel(modelID int64) func(*model.VideoJob) {
	return func(j *model.VideoJob) {
		j.ModelID = modelID
	}
}

// WithFrames 设置帧数和耗时
func WithFrames(frameCount, jobTime int) func(*model.VideoJob) {
	return func(j *model.VideoJob) {
		j.FrameCount = frameCount
		j.JobTime = jobTime
	}
}

// WithSize 设置宽高
func WithSize(width, height int) func(*model.VideoJob) {
	return func(j *model.VideoJob) {
		j.Width = width
		j.Height = height
	}
}

// SetUpdatedAt 绕过 gorm 自动时间戳直接改 updated_at
func SetUpdatedAt(t *testing.T, db *gorm.DB, jobID int64, at time.Time) {
	t.Helper()

	err := db.Model(&model.VideoJob{}).Where("id = ?", jobID).UpdateColumn("updated_at", at).Error
	if err != nil {
		t.Fatalf("Failed to set updated_at: %v", err)
	}
}

// TestMedia 创建测试附件
func TestMedia(t *testing.T, db *gorm.DB, jobID int64, collection, mediaType, revision string, generatedAt time.Time) *model.MediaAttachment {
	t.Helper()

	m := &model.MediaAttachment{
		VideoJobID:  jobID,
		Type:        mediaType,
		Collection:  collection,
		Revision:    revision,
		GeneratedAt: generatedAt,
		Generator:   model.GeneratorVid2Vid,
		Disk:        model.DiskLocal,
		URL:         fmt.Sprintf("http://localhost/storage/%d_%d.png", jobID, generatedAt.UnixNano()),
		MimeType:    "image/png",
	}
	if err := db.Create(m).Error; err != nil {
		t.Fatalf("Failed to create test media: %v", err)
	}
	return m
}
