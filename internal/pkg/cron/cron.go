package cron

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const initFrameSuffix = "_extend_init.png"

// Reaper 把长时间没有进度的 processing 任务标记为 error
type Reaper interface {
	ReapStale() (int64, error)
}

type Service struct {
	reaper       Reaper
	videosDir    string
	initFrameTTL time.Duration
	reapEvery    time.Duration
	cleanEvery   time.Duration
	stopChan     chan struct{}
	stopOnce     sync.Once
}

func NewService(reaper Reaper, videosDir string, initFrameTTL time.Duration) *Service {
	return &Service{
		reaper:       reaper,
		videosDir:    videosDir,
		initFrameTTL: initFrameTTL,
		reapEvery:    time.Minute,
		cleanEvery:   time.Hour,
		stopChan:     make(chan struct{}),
	}
}

// Start 启动定时任务
func (s *Service) Start() {
	go s.every(s.reapEvery, s.reapStale)
	go s.every(s.cleanEvery, func() { s.CleanupInitFrames(time.Now()) })
	log.Info().
		Dur("reap_every", s.reapEvery).
		Dur("clean_every", s.cleanEvery).
		Msg("Cron service started (stale reaper + init frame cleanup)")
}

// Stop 停止定时任务，可以重复调用
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		log.Info().Msg("Cron service stopped")
	})
}

func (s *Service) every(interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (s *Service) reapStale() {
	if s.reaper == nil {
		return
	}
	if _, err := s.reaper.ReapStale(); err != nil {
		log.Warn().Err(err).Msg("Stale job sweep failed")
	}
}

// CleanupInitFrames 删除超过保留时间的续接初始帧，返回删除数量
func (s *Service) CleanupInitFrames(now time.Time) int {
	if s.videosDir == "" || s.initFrameTTL <= 0 {
		return 0
	}

	entries, err := os.ReadDir(s.videosDir)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("dir", s.videosDir).Msg("Cleanup init frames: failed to read dir")
		}
		return 0
	}

	cleaned := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), initFrameSuffix) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		if now.Sub(info.ModTime()) > s.initFrameTTL {
			path := filepath.Join(s.videosDir, entry.Name())
			if err := os.Remove(path); err != nil {
				log.Warn().Err(err).Str("path", path).Msg("Cleanup init frames: failed to remove")
			} else {
				cleaned++
			}
		}
	}

	if cleaned > 0 {
		log.Info().Int("removed", cleaned).Msg("Expired extension init frames removed")
	}
	return cleaned
}
