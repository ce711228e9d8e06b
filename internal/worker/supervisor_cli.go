package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/janiluuk/vimage-api/config"
	"github.com/janiluuk/vimage-api/internal/model"
	"github.com/janiluuk/vimage-api/internal/pkg/progress"
	"github.com/janiluuk/vimage-api/internal/render"
)

const (
	defaultRenderTimeout = 2 * time.Hour
	defaultCancelCheck   = 5 * time.Second
	defaultOutputWait    = 5 * time.Minute
	outputTailLines      = 40
)

// CLISupervisor 同步运行渲染命令，从 stdout/stderr 解析进度
type CLISupervisor struct {
	cfg      config.RenderConfig
	jobs     StatusReader
	registry *Registry
	waiter   OutputWaiter
}

func NewCLISupervisor(cfg config.RenderConfig, jobs StatusReader, registry *Registry, waiter OutputWaiter) *CLISupervisor {
	return &CLISupervisor{
		cfg:      cfg,
		jobs:     jobs,
		registry: registry,
		waiter:   waiter,
	}
}

func (s *CLISupervisor) Run(ctx context.Context, job *model.VideoJob, inv *render.Invocation, report Reporter) (*RunResult, error) {
	timeout := s.cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRenderTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reg := s.registry.Register(job.ID, cancel)
	defer reg.Release()

	cmd := exec.CommandContext(runCtx, inv.Path, inv.Args...)
	cmd.WaitDelay = 5 * time.Second
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	logger := log.With().Int64("job_id", job.ID).Logger()
	logger.Info().Str("cmd", inv.CommandLine()).Bool("preview", inv.IsPreview()).Msg("Starting render process")

	start := time.Now()
	if err := cmd.Start(); err != nil {
		pw.Close()
		return nil, classifyProcessError("", -1, err)
	}

	tail := newTailBuffer(outputTailLines)
	parsed := make(chan struct{})
	go func() {
		defer close(parsed)
		s.consume(runCtx, pr, job, start, tail, report)
	}()

	var stopped atomic.Bool
	watchCtx, stopWatch := context.WithCancel(runCtx)
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		s.watchStatus(watchCtx, job.ID, &stopped, cancel)
	}()

	waitErr := cmd.Wait()
	pw.Close()
	<-parsed
	stopWatch()
	<-watched

	elapsed := time.Since(start)
	output := tail.String()

	if reg.Superseded() {
		logger.Info().Msg("Render replaced by a newer run")
		return nil, ErrSuperseded
	}
	if stopped.Load() {
		logger.Info().Msg("Render stopped after job was cancelled")
		return nil, ErrCancelled
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return nil, &ProcessError{
			UserMessage: "渲染超时",
			ExitCode:    -1,
			Output:      output,
			RawError:    fmt.Errorf("render exceeded %s: %w", timeout, runCtx.Err()),
		}
	}
	if waitErr != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return nil, classifyProcessError(output, exitCode, waitErr)
	}

	outPath, err := s.resolveOutput(ctx, inv)
	if err != nil {
		return nil, err
	}

	logger.Info().Dur("elapsed", elapsed).Str("output", outPath).Msg("Render process finished")
	return &RunResult{OutputPath: outPath, Elapsed: elapsed, Output: output}, nil
}

func (s *CLISupervisor) consume(ctx context.Context, r io.Reader, job *model.VideoJob, start time.Time, tail *tailBuffer, report Reporter) {
	threshold := s.cfg.ProgressThreshold
	if threshold <= 0 {
		threshold = 1.0
	}
	parser := progress.NewOutputParser(job.FrameCount)
	last := 0.0

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	scanner.Split(scanLinesOrCR)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		tail.Add(line)

		u, ok := parser.Parse(line)
		if !ok || !progress.SignificantChange(last, u.Percent, threshold) {
			continue
		}
		last = u.Percent
		if report != nil {
			elapsed := time.Since(start)
			report(ctx, Report{
				Percent: u.Percent,
				Elapsed: elapsed,
				ETA:     progress.ETA(u.Percent, elapsed),
			})
		}
	}
	// 读端出错时继续排空，避免进程阻塞在写管道上
	io.Copy(io.Discard, r)
}

func (s *CLISupervisor) watchStatus(ctx context.Context, jobID int64, stopped *atomic.Bool, kill context.CancelFunc) {
	if s.jobs == nil {
		return
	}
	interval := s.cfg.CancelCheckInterval
	if interval <= 0 {
		interval = defaultCancelCheck
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status, err := s.jobs.GetStatus(jobID)
			if err != nil {
				log.Warn().Err(err).Int64("job_id", jobID).Msg("Failed to check job status")
				continue
			}
			if stopRequested(status) {
				log.Info().Int64("job_id", jobID).Str("status", status).Msg("Job no longer processing, killing render")
				stopped.Store(true)
				kill()
				return
			}
		}
	}
}

// resolveOutput 进程结束后输出可能还没落盘，等待同名或同 stem 的文件
func (s *CLISupervisor) resolveOutput(ctx context.Context, inv *render.Invocation) (string, error) {
	expected := inv.OutputPath
	if inv.IsPreview() {
		expected = inv.PreviewImg
	}
	if fileReady(expected) {
		return expected, nil
	}
	if s.waiter == nil {
		return "", fmt.Errorf("%w: %s", ErrOutputMissing, expected)
	}

	wait := s.cfg.OutputWait
	if wait <= 0 {
		wait = defaultOutputWait
	}
	log.Info().Str("expected", expected).Dur("timeout", wait).Msg("Waiting for render output")
	found, err := s.waiter.WaitForJobCompletion(ctx, expected, wait)
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("%w: %s", ErrOutputMissing, expected)
	}
	if found != expected {
		if err := os.Rename(found, expected); err != nil {
			return "", fmt.Errorf("failed to move %s to %s: %w", found, expected, err)
		}
	}
	return expected, nil
}

func fileReady(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Size() > 0
}

// scanLinesOrCR 按 \n 或 \r 分行，进度条常用 \r 刷新同一行
func scanLinesOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, bytes.TrimRight(data[:i], "\r\n"), nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
