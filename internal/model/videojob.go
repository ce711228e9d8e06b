package model

import (
	"path/filepath"
	"strings"
	"time"
)

const (
	StatusPending        = "pending"
	StatusPreprocessing  = "preprocessing"
	StatusProcessing     = "processing"
	StatusPostprocessing = "postprocessing"
	StatusApproved       = "approved"
	StatusPreview        = "preview"
	StatusFinished       = "finished"
	StatusError          = "error"
	StatusCancelled      = "cancelled"
)

const (
	GeneratorVid2Vid = "vid2vid"
	GeneratorDeforum = "deforum"
)

// transitions 合法的状态迁移，同状态迁移总是允许
var transitions = map[string][]string{
	StatusPending:        {StatusPreprocessing, StatusProcessing, StatusError},
	StatusPreprocessing:  {StatusProcessing, StatusPending, StatusError},
	StatusProcessing:     {StatusFinished, StatusPreview, StatusError, StatusCancelled, StatusApproved, StatusPostprocessing},
	StatusPostprocessing: {StatusFinished, StatusPreview, StatusError},
	StatusApproved:       {StatusProcessing, StatusCancelled, StatusError},
	StatusPreview:        {StatusApproved, StatusProcessing},
	StatusFinished:       {StatusApproved, StatusProcessing},
	StatusError:          {StatusProcessing, StatusApproved},
	StatusCancelled:      {StatusProcessing},
}

// CanTransition 判断 from -> to 是否合法
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanSubmit 用户提交参数：只允许从未开始或已结束的状态重新渲染
func CanSubmit(status string) bool {
	switch status {
	case StatusPending, StatusPreview, StatusFinished, StatusError, StatusCancelled:
		return true
	}
	return false
}

// CanApprove 用户确认完整渲染：只允许在预览或成品之后
func CanApprove(status string) bool {
	return status == StatusPreview || status == StatusFinished
}

// CanCancel 用户取消：只有排队中或渲染中的任务
func CanCancel(status string) bool {
	return status == StatusProcessing || status == StatusApproved
}

// IsTerminal 终态：不会再被 worker 自动推进
func IsTerminal(status string) bool {
	switch status {
	case StatusPreview, StatusFinished, StatusError, StatusCancelled:
		return true
	}
	return false
}

type VideoJob struct {
	ID               int64  `gorm:"primaryKey" json:"id"`
	UserID           int64  `gorm:"not null;index" json:"user_id"`
	Filename         string `gorm:"size:255;not null" json:"filename"`
	OriginalFilename string `gorm:"size:255" json:"original_filename"`
	Mimetype         string `gorm:"size:100" json:"mimetype"`
	Generator        string `gorm:"size:20;not null;default:vid2vid" json:"generator"`

	Prompt             string  `gorm:"type:text" json:"prompt"`
	NegativePrompt     string  `gorm:"type:text" json:"negative_prompt"`
	ModelID            int64   `json:"model_id"`
	Seed               int64   `json:"seed"`
	DenoisingStrength  float64 `json:"denoising"`
	CfgScale           float64 `json:"cfg_scale"`
	Steps              int     `gorm:"default:20" json:"steps"`
	Width              int     `json:"width"`
	Height             int     `json:"height"`
	FrameCount         int     `json:"frame_count"`
	Fps                float64 `json:"fps"`
	Length             float64 `json:"length"`
	Controlnet         string  `gorm:"type:text" json:"controlnet,omitempty"`
	SoundtrackPath     string  `gorm:"size:500" json:"-"`
	SoundtrackURL      string  `gorm:"size:500" json:"soundtrack_url,omitempty"`
	SoundtrackMimetype string  `gorm:"size:100" json:"soundtrack_mimetype,omitempty"`
	ExtendFromJobID    *int64  `gorm:"index" json:"extend_from_job_id,omitempty"`

	Status               string     `gorm:"size:20;not null;default:pending;index" json:"status"`
	Progress             int        `gorm:"not null;default:0" json:"progress"`
	JobTime              int        `json:"job_time"`
	EstimatedTimeLeft    int        `json:"estimated_time_left"`
	QueuedAt             *time.Time `gorm:"index" json:"queued_at,omitempty"`
	Retries              int        `gorm:"not null;default:0" json:"retries"`
	Outfile              string     `gorm:"size:255;index" json:"outfile"`
	GenerationParameters string     `gorm:"type:text" json:"generation_parameters,omitempty"`
	Revision             string     `gorm:"size:32" json:"revision,omitempty"`

	Codec            string `gorm:"size:50" json:"codec,omitempty"`
	Bitrate          int64  `json:"bitrate,omitempty"`
	AudioCodec       string `gorm:"size:50" json:"audio_codec,omitempty"`
	Size             int64  `json:"size,omitempty"`
	PreviewImg       string `gorm:"size:500" json:"preview_img,omitempty"`
	PreviewAnimation string `gorm:"size:500" json:"preview_animation,omitempty"`
	URL              string `gorm:"size:500" json:"url,omitempty"`
	OriginalURL      string `gorm:"size:500" json:"original_url,omitempty"`
	FirstFramePath   string `gorm:"size:500" json:"-"`
	LastFramePath    string `gorm:"size:500" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `gorm:"index" json:"updated_at"`
}

func (VideoJob) TableName() string {
	return "video_jobs"
}

// SetStatus 修改状态并维护 queued_at：只有 approved 状态带排队时间
func (j *VideoJob) SetStatus(status string) {
	j.Status = status
	if status == StatusApproved {
		if j.QueuedAt == nil {
			now := time.Now()
			j.QueuedAt = &now
		}
		return
	}
	j.QueuedAt = nil
}

// ResetProgress 进入新一轮处理前清零进度
func (j *VideoJob) ResetProgress(status string) {
	j.SetStatus(status)
	j.Progress = 0
	j.JobTime = 0
	j.EstimatedTimeLeft = 0
}

func (j *VideoJob) IsExtension() bool {
	return j.ExtendFromJobID != nil && *j.ExtendFromJobID > 0
}

// InitialEstimate 开始渲染时的初始 ETA（秒）
func (j *VideoJob) InitialEstimate() int {
	if j.Generator == GeneratorDeforum {
		return j.FrameCount * 6
	}
	return j.FrameCount*10 + 5
}

// OutfileStem outfile 去掉扩展名
func (j *VideoJob) OutfileStem() string {
	return strings.TrimSuffix(j.Outfile, filepath.Ext(j.Outfile))
}
