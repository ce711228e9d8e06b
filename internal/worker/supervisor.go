package worker

import (
	"context"
	"time"

	"github.com/janiluuk/vimage-api/internal/model"
	"github.com/janiluuk/vimage-api/internal/render"
)

// Report 渲染过程中的一次进度
type Report struct {
	Percent float64
	Elapsed time.Duration
	ETA     time.Duration
}

// Reporter 进度回调
type Reporter func(ctx context.Context, r Report)

// RunResult 渲染成功后的结果
type RunResult struct {
	OutputPath  string
	Elapsed     time.Duration
	Output      string
	RemoteJobID string
}

// Supervisor 执行一次渲染并监控到结束
type Supervisor interface {
	Run(ctx context.Context, job *model.VideoJob, inv *render.Invocation, report Reporter) (*RunResult, error)
}

// StatusReader 读取任务当前状态，用于发现用户取消
type StatusReader interface {
	GetStatus(id int64) (string, error)
}

// OutputWaiter 等待输出文件写完
type OutputWaiter interface {
	WaitForJobCompletion(ctx context.Context, expected string, timeout time.Duration) (string, error)
}

// stopRequested 任务被取消或被标记为错误时应停止渲染
func stopRequested(status string) bool {
	return status == model.StatusCancelled || status == model.StatusError
}
