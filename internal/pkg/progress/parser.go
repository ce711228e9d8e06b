package progress

import (
	"math"
	"regexp"
	"strconv"
	"time"
)

// MaxRunning 终止信号之前进度的上限
const MaxRunning = 99.9

var (
	ffmpegFrameRe     = regexp.MustCompile(`frame=\s*(\d+)`)
	ffmpegFpsRe       = regexp.MustCompile(`fps=\s*([\d.]+)`)
	processingFrameRe = regexp.MustCompile(`Processing frame (\d+)/(\d+)\s*\(?([\d.]+)?%?\)?`)
	percentRe         = regexp.MustCompile(`Progress:\s*([\d.]+)%`)
	stepRe            = regexp.MustCompile(`Step\s+(\d+)/(\d+)`)
)

// Update 一行输出解析出的进度
type Update struct {
	Percent      float64
	CurrentFrame int
	TotalFrames  int
	Fps          float64
}

// OutputParser 解析渲染进程 stdout/stderr 中的进度行
type OutputParser struct {
	totalFrames int
	last        *Update
}

func NewOutputParser(totalFrames int) *OutputParser {
	return &OutputParser{totalFrames: totalFrames}
}

// Parse 无法识别的行返回 false
func (p *OutputParser) Parse(line string) (Update, bool) {
	var u Update
	matched := false

	if m := ffmpegFrameRe.FindStringSubmatch(line); m != nil {
		u.CurrentFrame, _ = strconv.Atoi(m[1])
		if fm := ffmpegFpsRe.FindStringSubmatch(line); fm != nil {
			u.Fps, _ = strconv.ParseFloat(fm[1], 64)
		}
		if p.totalFrames > 0 {
			u.TotalFrames = p.totalFrames
			u.Percent = float64(u.CurrentFrame) / float64(p.totalFrames) * 100
		}
		matched = true
	} else if m := processingFrameRe.FindStringSubmatch(line); m != nil {
		u.CurrentFrame, _ = strconv.Atoi(m[1])
		u.TotalFrames, _ = strconv.Atoi(m[2])
		if m[3] != "" {
			u.Percent, _ = strconv.ParseFloat(m[3], 64)
		} else if u.TotalFrames > 0 {
			u.Percent = float64(u.CurrentFrame) / float64(u.TotalFrames) * 100
		}
		matched = true
	} else if m := percentRe.FindStringSubmatch(line); m != nil {
		u.Percent, _ = strconv.ParseFloat(m[1], 64)
		matched = true
	} else if m := stepRe.FindStringSubmatch(line); m != nil {
		step, _ := strconv.Atoi(m[1])
		total, _ := strconv.Atoi(m[2])
		if total > 0 {
			u.Percent = float64(step) / float64(total) * 100
		}
		matched = true
	}

	if !matched {
		return Update{}, false
	}

	u.Percent = Clamp(u.Percent)
	p.last = &u
	return u, true
}

// Last 最近一次解析结果
func (p *OutputParser) Last() (Update, bool) {
	if p.last == nil {
		return Update{}, false
	}
	return *p.last, true
}

// Clamp 限制在 [0, 99.9]
func Clamp(percent float64) float64 {
	if percent < 0 || math.IsNaN(percent) {
		return 0
	}
	return math.Min(percent, MaxRunning)
}

// ETA (elapsed / progress) * 100 - elapsed
func ETA(percent float64, elapsed time.Duration) time.Duration {
	if percent <= 0 {
		return 0
	}
	secs := elapsed.Seconds()
	eta := secs/percent*100 - secs
	if eta < 0 {
		return 0
	}
	return time.Duration(eta * float64(time.Second))
}

// SignificantChange 变化超过阈值才写库
func SignificantChange(previous, current, threshold float64) bool {
	return math.Abs(current-previous) >= threshold
}
