package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOutputParser_Parse(t *testing.T) {
	tests := []struct {
		name        string
		totalFrames int
		line        string
		wantOK      bool
		wantPercent float64
		wantFrame   int
		wantTotal   int
	}{
		{"ffmpeg half way", 1000, "frame= 500 fps= 25 q=28.0 size=1024kB", true, 50.0, 500, 1000},
		{"ffmpeg clamps past total", 100, "frame= 500 fps= 25 q=28.0", true, 99.9, 500, 100},
		{"ffmpeg without total", 0, "frame=12 fps=3.5", true, 0, 12, 0},
		{"processing frame with percent", 0, "Processing frame 30/120 (25.0%)", true, 25.0, 30, 120},
		{"processing frame without percent", 0, "Processing frame 30/60", true, 50.0, 30, 60},
		{"progress percent", 0, "Progress: 42.5%", true, 42.5, 0, 0},
		{"progress at hundred is clamped", 0, "Progress: 100%", true, 99.9, 0, 0},
		{"step", 0, "Step 3/4", true, 75.0, 0, 0},
		{"unrelated line", 100, "Loading model weights...", false, 0, 0, 0},
		{"empty", 100, "", false, 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewOutputParser(tt.totalFrames)
			u, ok := p.Parse(tt.line)
			assert.Equal(t, tt.wantOK, ok)
			assert.InDelta(t, tt.wantPercent, u.Percent, 0.001)
			assert.Equal(t, tt.wantFrame, u.CurrentFrame)
			assert.Equal(t, tt.wantTotal, u.TotalFrames)
		})
	}
}

func TestOutputParser_FpsAndLast(t *testing.T) {
	p := NewOutputParser(200)

	_, ok := p.Last()
	assert.False(t, ok)

	u, ok := p.Parse("frame=  50 fps= 12.5 q=-1.0")
	assert.True(t, ok)
	assert.InDelta(t, 12.5, u.Fps, 0.001)

	p.Parse("noise")
	last, ok := p.Last()
	assert.True(t, ok)
	assert.Equal(t, 50, last.CurrentFrame)
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0.0, Clamp(-5))
	assert.Equal(t, 10.0, Clamp(10))
	assert.Equal(t, 99.9, Clamp(99.95))
	assert.Equal(t, 99.9, Clamp(250))
}

func TestETA(t *testing.T) {
	tests := []struct {
		name    string
		percent float64
		elapsed time.Duration
		want    time.Duration
	}{
		{"quarter done", 25, 10 * time.Second, 30 * time.Second},
		{"half done", 50, time.Minute, time.Minute},
		{"no progress", 0, time.Minute, 0},
		{"nearly done", 99.9, 999 * time.Second, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ETA(tt.percent, tt.elapsed)
			assert.InDelta(t, tt.want.Seconds(), got.Seconds(), 0.01)
		})
	}
}

func TestSignificantChange(t *testing.T) {
	assert.False(t, SignificantChange(10, 10.5, 1.0))
	assert.True(t, SignificantChange(10, 11, 1.0))
	assert.True(t, SignificantChange(10, 30, 1.0))
	assert.True(t, SignificantChange(0, 0.2, 0.1))
}
