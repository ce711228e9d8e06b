package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 200, cfg.Queue.Tries)
	assert.Equal(t, 30*time.Second, cfg.Queue.Backoff)
	assert.Equal(t, 24*time.Hour, cfg.Queue.RetryUntil)
	assert.Equal(t, 15*time.Minute, cfg.Queue.StaleAfter)
	assert.Equal(t, 30*time.Minute, cfg.Queue.LockTTL)
	assert.Equal(t, 960, cfg.Render.MaxDimension)
	assert.Equal(t, 500, cfg.Render.SquareSize)
	assert.Equal(t, 20, cfg.Media.PreviewKeep)
	assert.Equal(t, 3, cfg.Media.OriginalKeep)
	assert.Equal(t, 6379, cfg.Redis.Port)
	assert.Contains(t, cfg.CORS.AllowedHeaders, "Authorization")
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
queue:
  lanes:
    high: render-high
  max_concurrent_jobs: 3
  backoff: 45s
render:
  prompt_suffix: "masterpiece"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "render-high", cfg.Queue.Lanes.High)
	assert.Equal(t, 3, cfg.Queue.MaxConcurrentJobs)
	assert.Equal(t, 45*time.Second, cfg.Queue.Backoff)
	assert.Equal(t, "masterpiece", cfg.Render.PromptSuffix)
	// 未覆盖的值保持默认
	assert.Equal(t, 200, cfg.Queue.Tries)
}

func TestLoad_PrefersLocalConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("server:\n  port: 1000\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.local.yaml"), []byte("server:\n  port: 2000\n"), 0644))

	cfg, err := Load(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 2000, cfg.Server.Port)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestQueueConfig_LaneNames(t *testing.T) {
	high, medium, low := QueueConfig{}.LaneNames()
	assert.Equal(t, "high", high)
	assert.Equal(t, "medium", medium)
	assert.Equal(t, "low", low)

	high, _, _ = QueueConfig{Lanes: LanesConfig{High: "gpu-fast"}}.LaneNames()
	assert.Equal(t, "gpu-fast", high)
}
