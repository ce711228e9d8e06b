package progress

import (
	"sync"
	"time"
)

const DefaultWindow = 5

type sample struct {
	elapsed  float64 // 秒
	progress float64 // 0..1
}

// MovingAverage 轮询远端任务时用最近 N 个样本平滑 ETA
type MovingAverage struct {
	mu      sync.Mutex
	size    int
	samples []sample
}

func NewMovingAverage(size int) *MovingAverage {
	if size <= 0 {
		size = DefaultWindow
	}
	return &MovingAverage{size: size}
}

// Add 记录一次 (execution_time, phase_progress)
func (m *MovingAverage) Add(executionTime time.Duration, phaseProgress float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples = append(m.samples, sample{elapsed: executionTime.Seconds(), progress: phaseProgress})
	if len(m.samples) > m.size {
		m.samples = m.samples[len(m.samples)-m.size:]
	}
}

// Rate 窗口内平均速度（进度/秒），没有有效样本时为 0
func (m *MovingAverage) Rate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sum float64
	n := 0
	for _, s := range m.samples {
		if s.elapsed <= 0 || s.progress <= 0 {
			continue
		}
		sum += s.progress / s.elapsed
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// ETA 按平均速度估算剩余时间
func (m *MovingAverage) ETA() time.Duration {
	rate := m.Rate()
	if rate <= 0 {
		return 0
	}

	m.mu.Lock()
	current := m.samples[len(m.samples)-1].progress
	m.mu.Unlock()

	remaining := 1 - current
	if remaining <= 0 {
		return 0
	}
	return time.Duration(remaining / rate * float64(time.Second))
}

func (m *MovingAverage) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.samples)
}

func (m *MovingAverage) Reset() {
	m.mu.Lock()
	m.samples = m.samples[:0]
	m.mu.Unlock()
}
