package worker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/janiluuk/vimage-api/internal/render"
)

var (
	ErrCancelled          = errors.New("render cancelled")
	ErrSuperseded         = errors.New("render superseded by a newer run")
	ErrMissingRemoteJobID = errors.New("renderer did not return a job id")
	ErrRemoteJobFailed    = errors.New("remote render job failed")
	ErrOutputMissing      = errors.New("render output not found")
)

// ProcessError 渲染进程错误，包含用户友好消息和原始错误
type ProcessError struct {
	UserMessage string // 给用户看
	ExitCode    int
	Output      string // 输出末尾，写日志
	RawError    error
	Permanent   bool // 重试也不会成功
}

func (e *ProcessError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("%s (exit code %d)", e.UserMessage, e.ExitCode)
	}
	return e.UserMessage
}

func (e *ProcessError) Unwrap() error {
	return e.RawError
}

// classifyProcessError 根据渲染进程输出分类错误
func classifyProcessError(output string, exitCode int, err error) *ProcessError {
	lower := strings.ToLower(output)
	if err != nil {
		lower += " " + strings.ToLower(err.Error())
	}
	raw := fmt.Errorf("%w, output: %s", err, output)

	pe := &ProcessError{ExitCode: exitCode, Output: output, RawError: raw}
	switch {
	case strings.Contains(lower, "out of memory"):
		pe.UserMessage = "显存不足，请降低分辨率或帧数后重试"
	case strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "max retries exceeded") ||
		strings.Contains(lower, "could not connect"):
		pe.UserMessage = "渲染服务暂时不可用，稍后自动重试"
	case strings.Contains(lower, "deadline exceeded") ||
		strings.Contains(lower, "timed out") ||
		strings.Contains(lower, "timeout"):
		pe.UserMessage = "渲染超时"
	case strings.Contains(lower, "executable file not found") ||
		strings.Contains(lower, "permission denied"):
		pe.UserMessage = "渲染程序不可用，请联系管理员"
		pe.Permanent = true
	case strings.Contains(lower, "no such file or directory"):
		pe.UserMessage = "输入文件不存在"
		pe.Permanent = true
	case strings.Contains(lower, "signal: killed"):
		pe.UserMessage = "渲染进程被终止"
	default:
		pe.UserMessage = "渲染失败"
	}
	return pe
}

// IsRetryable 判断错误是否值得重新投递
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrCancelled) || errors.Is(err, ErrSuperseded) {
		return false
	}
	if errors.Is(err, render.ErrModelNotFound) ||
		errors.Is(err, render.ErrModelDisabled) ||
		errors.Is(err, render.ErrUnknownGenerator) {
		return false
	}
	var pe *ProcessError
	if errors.As(err, &pe) {
		return !pe.Permanent
	}
	return true
}

// tailBuffer 保留最后 n 行输出
type tailBuffer struct {
	lines []string
	n     int
}

func newTailBuffer(n int) *tailBuffer {
	return &tailBuffer{n: n}
}

func (t *tailBuffer) Add(line string) {
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *tailBuffer) String() string {
	return strings.Join(t.lines, "\n")
}
