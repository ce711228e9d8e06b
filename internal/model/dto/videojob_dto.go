package dto

import "encoding/json"

// CreateVideoJobRequest 上传素材时的表单字段，文件本身走 multipart
type CreateVideoJobRequest struct {
	Type string `form:"type" binding:"omitempty,oneof=vid2vid deforum"`
}

// CreateVideoJobResponse 上传响应
type CreateVideoJobResponse struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
	URL    string `json:"url"`
}

// SubmitVideoJobRequest 提交预览渲染；指针字段为空表示沿用任务或基础任务上的值
type SubmitVideoJobRequest struct {
	Type            string          `json:"type" binding:"required,oneof=vid2vid deforum"`
	ModelID         *int64          `json:"modelId,omitempty"`
	Prompt          *string         `json:"prompt,omitempty" binding:"omitempty,max=2000"`
	NegativePrompt  *string         `json:"negative_prompt,omitempty" binding:"omitempty,max=2000"`
	CfgScale        *int            `json:"cfgScale,omitempty" binding:"omitempty,min=2,max=10"`
	Seed            *int64          `json:"seed,omitempty"`
	Denoising       *float64        `json:"denoising,omitempty" binding:"omitempty,min=0.1,max=1"`
	FrameCount      int             `json:"frameCount,omitempty" binding:"omitempty,min=1,max=20"`
	Length          *float64        `json:"length,omitempty" binding:"omitempty,min=1,max=20"`
	Controlnet      json.RawMessage `json:"controlnet,omitempty"`
	ExtendFromJobID *int64          `json:"extendFromJobId,omitempty"`
}

// ApproveVideoJobRequest 确认预览后的完整渲染；deforum 可以在确认时覆盖部分参数
type ApproveVideoJobRequest struct {
	ModelID        *int64   `json:"modelId,omitempty"`
	Prompt         *string  `json:"prompt,omitempty" binding:"omitempty,max=2000"`
	NegativePrompt *string  `json:"negative_prompt,omitempty" binding:"omitempty,max=2000"`
	Seed           *int64   `json:"seed,omitempty"`
	Length         *float64 `json:"length,omitempty" binding:"omitempty,min=1,max=20"`
}

// SubmitVideoJobResponse 提交响应
type SubmitVideoJobResponse struct {
	ID                int64   `json:"id"`
	Status            string  `json:"status"`
	Seed              int64   `json:"seed"`
	JobTime           int     `json:"job_time"`
	Progress          int     `json:"progress"`
	EstimatedTimeLeft int     `json:"estimated_time_left"`
	Width             int     `json:"width"`
	Height            int     `json:"height"`
	Length            float64 `json:"length"`
	Fps               float64 `json:"fps"`
}

// ApproveVideoJobResponse 确认响应，queued_at 为 unix 秒
type ApproveVideoJobResponse struct {
	ID                int64  `json:"id"`
	Status            string `json:"status"`
	Progress          int    `json:"progress"`
	JobTime           int    `json:"job_time"`
	Retries           int    `json:"retries"`
	QueuedAt          int64  `json:"queued_at"`
	EstimatedTimeLeft int    `json:"estimated_time_left"`
}

// CancelVideoJobResponse 取消响应
type CancelVideoJobResponse struct {
	ID                int64  `json:"id"`
	Status            string `json:"status"`
	Progress          int    `json:"progress"`
	JobTime           int    `json:"job_time"`
	EstimatedTimeLeft int    `json:"estimated_time_left"`
}

// QueueInfo 排队信息，只有 approved 任务带
type QueueInfo struct {
	TotalJobsProcessing         int64 `json:"total_jobs_processing"`
	TotalJobsInQueue            int64 `json:"total_jobs_in_queue"`
	YourPosition                int64 `json:"your_position"`
	YourEstimatedTime           int64 `json:"your_estimated_time"`
	EstimatedTimeForAllJobs     int64 `json:"estimated_time_for_all_jobs"`
	EstimatedTimeProcessingJobs int64 `json:"estimated_time_processing_jobs"`
}

// VideoJobStatus 单个任务的状态
type VideoJobStatus struct {
	ID                   int64           `json:"id"`
	Status               string          `json:"status"`
	Progress             int             `json:"progress"`
	EstimatedTimeLeft    int             `json:"estimated_time_left"`
	JobTime              int             `json:"job_time"`
	QueuedAt             *int64          `json:"queued_at,omitempty"`
	Queue                *QueueInfo      `json:"queue,omitempty"`
	Generator            string          `json:"generator"`
	ModelID              int64           `json:"model_id"`
	Prompt               string          `json:"prompt"`
	NegativePrompt       string          `json:"negative_prompt"`
	CfgScale             float64         `json:"cfg_scale"`
	Seed                 int64           `json:"seed"`
	Denoising            float64         `json:"denoising"`
	Fps                  float64         `json:"fps"`
	FrameCount           int             `json:"frame_count"`
	Length               float64         `json:"length"`
	Width                int             `json:"width"`
	Height               int             `json:"height"`
	Revision             string          `json:"revision,omitempty"`
	URL                  string          `json:"url,omitempty"`
	PreviewImg           string          `json:"preview_img,omitempty"`
	PreviewAnimation     string          `json:"preview_animation,omitempty"`
	OriginalURL          string          `json:"original_url,omitempty"`
	GenerationParameters json.RawMessage `json:"generation_parameters,omitempty"`
}

// QueueSnapshot 用户正在渲染和排队中的任务，以及全局计数
type QueueSnapshot struct {
	Processing      []*VideoJobStatus `json:"processing"`
	Queued          []*VideoJobStatus `json:"queued"`
	TotalProcessing int64             `json:"total_processing"`
	TotalQueued     int64             `json:"total_queued"`
}

// VideoJobListItem 列表项
type VideoJobListItem struct {
	ID               int64   `json:"id"`
	Generator        string  `json:"generator"`
	Status           string  `json:"status"`
	Progress         int     `json:"progress"`
	OriginalFilename string  `json:"original_filename"`
	Prompt           string  `json:"prompt"`
	Width            int     `json:"width"`
	Height           int     `json:"height"`
	FrameCount       int     `json:"frame_count"`
	Length           float64 `json:"length"`
	URL              string  `json:"url,omitempty"`
	PreviewImg       string  `json:"preview_img,omitempty"`
	OriginalURL      string  `json:"original_url,omitempty"`
	CreatedAt        string  `json:"created_at"`
	UpdatedAt        string  `json:"updated_at"`
}

// ModelFileItem 可选模型
type ModelFileItem struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
