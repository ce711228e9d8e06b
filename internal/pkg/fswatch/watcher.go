package fswatch

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const DefaultSettle = 100 * time.Millisecond

var DefaultExtensions = []string{".mp4", ".webm", ".mov", ".avi"}

type fileState struct {
	size    int64
	modTime time.Time
}

// Watcher 轮询目录发现新写完的文件；fsnotify 事件只用来提前触发一次扫描
type Watcher struct {
	paths      []string
	interval   time.Duration
	settle     time.Duration
	extensions map[string]bool

	mu    sync.Mutex
	known map[string]fileState
}

func New(paths []string, interval time.Duration, extensions []string) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}
	exts := make(map[string]bool, len(extensions))
	for _, e := range extensions {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		exts[e] = true
	}
	return &Watcher{
		paths:      paths,
		interval:   interval,
		settle:     DefaultSettle,
		extensions: exts,
		known:      make(map[string]fileState),
	}
}

// SetSettle 两次检查大小之间的间隔
func (w *Watcher) SetSettle(d time.Duration) {
	w.settle = d
}

func (w *Watcher) matches(path string) bool {
	return w.extensions[strings.ToLower(filepath.Ext(path))]
}

// IsComplete 文件非空且在 settle 前后大小一致
func IsComplete(path string, settle time.Duration) bool {
	first, err := os.Stat(path)
	if err != nil || first.IsDir() || first.Size() == 0 {
		return false
	}
	time.Sleep(settle)
	second, err := os.Stat(path)
	if err != nil {
		return false
	}
	return first.Size() == second.Size()
}

// Prime 记录当前已存在的文件，Run 开始后只报告之后出现的变化
func (w *Watcher) Prime() {
	for _, dir := range w.paths {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			path := filepath.Join(dir, e.Name())
			if e.IsDir() || !w.matches(path) {
				continue
			}
			if info, err := e.Info(); err == nil {
				w.mu.Lock()
				w.known[path] = fileState{size: info.Size(), modTime: info.ModTime()}
				w.mu.Unlock()
			}
		}
	}
}

// Scan 扫描一遍，回调新出现或被修改且已写完的文件
func (w *Watcher) Scan(onNew, onModified func(path string)) {
	for _, dir := range w.paths {
		entries, err := os.ReadDir(dir)
		if err != nil {
			log.Debug().Err(err).Str("dir", dir).Msg("watch dir unreadable")
			continue
		}
		for _, e := range entries {
			path := filepath.Join(dir, e.Name())
			if e.IsDir() || !w.matches(path) {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}

			w.mu.Lock()
			prev, seen := w.known[path]
			w.mu.Unlock()
			if seen && prev.size == info.Size() && prev.modTime.Equal(info.ModTime()) {
				continue
			}
			if !IsComplete(path, w.settle) {
				continue
			}

			latest, err := os.Stat(path)
			if err != nil {
				continue
			}
			w.mu.Lock()
			w.known[path] = fileState{size: latest.Size(), modTime: latest.ModTime()}
			w.mu.Unlock()

			if !seen {
				if onNew != nil {
					onNew(path)
				}
			} else if onModified != nil {
				onModified(path)
			}
		}
	}
}

// Run 阻塞直到 ctx 取消
func (w *Watcher) Run(ctx context.Context, onNew, onModified func(path string)) error {
	var events <-chan fsnotify.Event
	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("fsnotify unavailable, polling only")
	} else {
		defer notifier.Close()
		for _, dir := range w.paths {
			if err := notifier.Add(dir); err != nil {
				log.Warn().Err(err).Str("dir", dir).Msg("failed to watch dir, polling only")
			}
		}
		events = notifier.Events
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	log.Info().Strs("paths", w.paths).Dur("interval", w.interval).Msg("File watcher started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.Scan(onNew, onModified)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 && w.matches(ev.Name) {
				w.Scan(onNew, onModified)
			}
		}
	}
}

// Candidates 预期路径本身，以及同目录下同 stem 的其他文件
func (w *Watcher) Candidates(expected string) []string {
	dir := filepath.Dir(expected)
	base := filepath.Base(expected)
	stem := strings.TrimSuffix(base, filepath.Ext(base))

	out := []string{expected}
	seen := map[string]bool{expected: true}

	exts := make([]string, 0, len(w.extensions))
	for e := range w.extensions {
		exts = append(exts, e)
	}
	sort.Strings(exts)

	for _, ext := range exts {
		matches, _ := filepath.Glob(filepath.Join(dir, globEscape(stem)+"*"+ext))
		sort.Strings(matches)
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	return out
}

// WaitForJobCompletion 等待任务输出写完；超时返回空字符串
func (w *Watcher) WaitForJobCompletion(ctx context.Context, expected string, timeout time.Duration) (string, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		for _, candidate := range w.Candidates(expected) {
			if IsComplete(candidate, w.settle) {
				return candidate, nil
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", nil
		case <-ticker.C:
		}
	}
}

func globEscape(s string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`, `\`, `\\`)
	return r.Replace(s)
}
