package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMovingAverage_Window(t *testing.T) {
	m := NewMovingAverage(0)
	for i := 1; i <= 8; i++ {
		m.Add(time.Duration(i)*time.Second, float64(i)/100)
	}
	assert.Equal(t, DefaultWindow, m.Len())

	m.Reset()
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, time.Duration(0), m.ETA())
}

func TestMovingAverage_ETA(t *testing.T) {
	m := NewMovingAverage(5)

	// 每秒 1%
	m.Add(10*time.Second, 0.10)
	m.Add(20*time.Second, 0.20)
	m.Add(50*time.Second, 0.50)

	assert.InDelta(t, 0.01, m.Rate(), 1e-9)
	assert.InDelta(t, 50.0, m.ETA().Seconds(), 0.001)
}

func TestMovingAverage_SmoothsJitter(t *testing.T) {
	m := NewMovingAverage(5)

	m.Add(10*time.Second, 0.10)
	m.Add(20*time.Second, 0.20)
	m.Add(30*time.Second, 0.30)
	m.Add(40*time.Second, 0.40)
	// 最后一个样本突然变快
	m.Add(50*time.Second, 0.90)

	latestOnly := (1 - 0.90) / (0.90 / 50)
	assert.Greater(t, m.ETA().Seconds(), 0.0)
	assert.NotEqual(t, latestOnly, m.ETA().Seconds())
	assert.InDelta(t, 0.0116, m.Rate(), 0.0001)
}

func TestMovingAverage_IgnoresEmptySamples(t *testing.T) {
	m := NewMovingAverage(5)
	m.Add(0, 0)
	m.Add(5*time.Second, 0)
	assert.Equal(t, 0.0, m.Rate())
	assert.Equal(t, time.Duration(0), m.ETA())

	m.Add(10*time.Second, 1.0)
	assert.Equal(t, time.Duration(0), m.ETA())
}
