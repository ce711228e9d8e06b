package queue

import "github.com/janiluuk/vimage-api/config"

// Phase 任务所处的阶段
type Phase int

const (
	PhaseSubmission Phase = iota // 首次提交，通常是预览
	PhaseApproval                // 用户确认预览后的完整渲染
)

// Router 根据帧数和阶段选择队列
type Router struct {
	high   string
	medium string
	low    string
}

func NewRouter(cfg config.QueueConfig) *Router {
	high, medium, low := cfg.LaneNames()
	return &Router{high: high, medium: medium, low: low}
}

func (r *Router) Route(frameCount int, phase Phase) string {
	if phase == PhaseApproval {
		return r.low
	}
	if frameCount > 1 {
		return r.medium
	}
	return r.high
}

// Lanes 按优先级从高到低
func (r *Router) Lanes() []string {
	return []string{r.high, r.medium, r.low}
}
