package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const terminateWait = 10 * time.Second

// Registration 一次登记的渲染
type Registration struct {
	registry   *Registry
	jobID      int64
	cancel     context.CancelFunc
	done       chan struct{}
	once       sync.Once
	superseded atomic.Bool
}

// Release 渲染结束时调用，可重复调用
func (g *Registration) Release() {
	g.once.Do(func() {
		r := g.registry
		r.mu.Lock()
		if r.runs[g.jobID] == g {
			delete(r.runs, g.jobID)
		}
		r.mu.Unlock()
		close(g.done)
	})
}

// Superseded 是否被同一任务的新渲染或 Terminate 终止
func (g *Registration) Superseded() bool {
	return g.superseded.Load()
}

// Registry 本进程内正在运行的渲染，按任务 id 登记
type Registry struct {
	mu   sync.Mutex
	runs map[int64]*Registration
}

func NewRegistry() *Registry {
	return &Registry{runs: make(map[int64]*Registration)}
}

// Register 先终止同一任务的旧渲染再登记
func (r *Registry) Register(jobID int64, cancel context.CancelFunc) *Registration {
	r.Terminate(jobID)

	g := &Registration{registry: r, jobID: jobID, cancel: cancel, done: make(chan struct{})}
	r.mu.Lock()
	r.runs[jobID] = g
	r.mu.Unlock()
	return g
}

// Terminate 取消正在运行的渲染并等待其退出，没有时返回 false
func (r *Registry) Terminate(jobID int64) bool {
	r.mu.Lock()
	g, ok := r.runs[jobID]
	if ok {
		delete(r.runs, jobID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	log.Info().Int64("job_id", jobID).Msg("Terminating previous render for job")
	g.superseded.Store(true)
	g.cancel()
	select {
	case <-g.done:
	case <-time.After(terminateWait):
		log.Warn().Int64("job_id", jobID).Msg("Previous render did not exit in time")
	}
	return true
}

func (r *Registry) Running(jobID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.runs[jobID]
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}
