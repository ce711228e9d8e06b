package model

import "time"

const (
	MediaTypeImage     = "image"
	MediaTypeAnimation = "animation"
	MediaTypeVideo     = "video"
)

const (
	DiskLocal = "local"
	DiskOSS   = "oss"
)

const (
	CollectionPreview  = "preview"
	CollectionFinished = "finished"
	CollectionOriginal = "original"
)

// MediaAttachment 与某次渲染 revision 关联的产物
type MediaAttachment struct {
	ID                   int64     `gorm:"primaryKey" json:"id"`
	VideoJobID           int64     `gorm:"not null;index:idx_media_job_collection_revision,priority:1" json:"video_job_id"`
	Type                 string    `gorm:"size:20;not null" json:"type"`
	Collection           string    `gorm:"size:20;not null;index:idx_media_job_collection_revision,priority:2" json:"collection"`
	Revision             string    `gorm:"size:32;index:idx_media_job_collection_revision,priority:3" json:"revision"`
	GeneratedAt          time.Time `json:"generated_at"`
	GenerationParameters string    `gorm:"type:text" json:"generation_parameters,omitempty"`
	Generator            string    `gorm:"size:20" json:"generator"`
	Disk                 string    `gorm:"size:20;not null;default:local;index" json:"disk"`
	Path                 string    `gorm:"size:500" json:"-"`
	URL                  string    `gorm:"size:500" json:"url"`
	Size                 int64     `json:"size"`
	MimeType             string    `gorm:"size:100" json:"mime_type"`
	CreatedAt            time.Time `json:"created_at"`
}

func (MediaAttachment) TableName() string {
	return "media_attachments"
}

// IsLocal 仍在本地磁盘，尚未上传到对象存储
func (m *MediaAttachment) IsLocal() bool {
	return m.Disk == "" || m.Disk == DiskLocal
}
