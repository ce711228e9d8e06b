package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/janiluuk/vimage-api/config"
	"github.com/janiluuk/vimage-api/internal/model"
	"github.com/janiluuk/vimage-api/internal/pkg/progress"
	"github.com/janiluuk/vimage-api/internal/render"
)

const (
	defaultPollInterval = 5 * time.Second
	maxPollFailures     = 3
)

// RemoteJobStatus deforum API 返回的任务状态
type RemoteJobStatus struct {
	ID            string  `json:"id"`
	Status        string  `json:"status"`
	Phase         string  `json:"phase"`
	PhaseProgress float64 `json:"phase_progress"`
	ExecutionTime float64 `json:"execution_time"`
	Outdir        string  `json:"outdir"`
	Timestring    string  `json:"timestring"`
	Message       string  `json:"message"`
}

// OutputFile 远端写出的视频路径
func (s *RemoteJobStatus) OutputFile() string {
	if s.Outdir == "" || s.Timestring == "" {
		return ""
	}
	return filepath.Join(s.Outdir, s.Timestring+".mp4")
}

// PollingSupervisor 命令只负责提交，之后轮询渲染服务的任务状态
type PollingSupervisor struct {
	cfg      config.RenderConfig
	client   *http.Client
	jobs     StatusReader
	registry *Registry
}

func NewPollingSupervisor(cfg config.RenderConfig, client *http.Client, jobs StatusReader, registry *Registry) *PollingSupervisor {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &PollingSupervisor{
		cfg:      cfg,
		client:   client,
		jobs:     jobs,
		registry: registry,
	}
}

func (s *PollingSupervisor) Run(ctx context.Context, job *model.VideoJob, inv *render.Invocation, report Reporter) (*RunResult, error) {
	timeout := s.cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRenderTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reg := s.registry.Register(job.ID, cancel)
	defer reg.Release()

	logger := log.With().Int64("job_id", job.ID).Logger()
	start := time.Now()

	remoteID, err := s.submit(runCtx, inv)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("remote_job_id", remoteID).Msg("Render submitted to remote API")

	interval := s.cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	avg := progress.NewMovingAverage(progress.DefaultWindow)
	failures := 0

	for {
		if s.jobs != nil {
			if status, err := s.jobs.GetStatus(job.ID); err == nil && stopRequested(status) {
				logger.Info().Str("status", status).Msg("Job no longer processing, cancelling remote render")
				s.cancelRemote(remoteID)
				return nil, ErrCancelled
			}
		}

		st, err := s.fetch(runCtx, remoteID)
		if err != nil {
			if runCtx.Err() != nil {
				break
			}
			failures++
			logger.Warn().Err(err).Int("failures", failures).Msg("Failed to poll remote render")
			if failures >= maxPollFailures {
				return nil, classifyProcessError("", 0, err)
			}
		} else {
			failures = 0
			switch strings.ToUpper(st.Status) {
			case "DONE", "SUCCEEDED":
				if err := s.collect(st, inv.OutputPath); err != nil {
					return nil, err
				}
				elapsed := time.Since(start)
				logger.Info().Dur("elapsed", elapsed).Str("output", inv.OutputPath).Msg("Remote render finished")
				return &RunResult{OutputPath: inv.OutputPath, Elapsed: elapsed, RemoteJobID: remoteID}, nil
			case "ACCEPTED", "QUEUED", "RUNNING":
				execTime := time.Duration(st.ExecutionTime * float64(time.Second))
				avg.Add(execTime, st.PhaseProgress)
				if report != nil {
					report(runCtx, Report{
						Percent: progress.Clamp(st.PhaseProgress * 100),
						Elapsed: time.Since(start),
						ETA:     avg.ETA(),
					})
				}
			default:
				data, _ := json.Marshal(st)
				return nil, fmt.Errorf("%w: status %s: %s", ErrRemoteJobFailed, st.Status, data)
			}
		}

		select {
		case <-runCtx.Done():
		case <-ticker.C:
			continue
		}
		break
	}

	s.cancelRemote(remoteID)
	if reg.Superseded() {
		logger.Info().Str("remote_job_id", remoteID).Msg("Remote render replaced by a newer run")
		return nil, ErrSuperseded
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, &ProcessError{
		UserMessage: "渲染超时",
		ExitCode:    -1,
		RawError:    fmt.Errorf("remote render %s exceeded %s: %w", remoteID, timeout, runCtx.Err()),
	}
}

// submit 运行提交命令，stdout 为 {"job_ids": [...]}
func (s *PollingSupervisor) submit(ctx context.Context, inv *render.Invocation) (string, error) {
	cmd := exec.CommandContext(ctx, inv.Path, inv.Args...)
	out, err := cmd.Output()
	if err != nil {
		exitCode := -1
		stderr := ""
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
			stderr = string(exitErr.Stderr)
		}
		return "", classifyProcessError(strings.TrimSpace(string(out)+"\n"+stderr), exitCode, err)
	}
	return ParseSubmitOutput(out)
}

// ParseSubmitOutput 取第一个 job id；输出前可能有日志行，只解析最后一个 JSON 对象
func ParseSubmitOutput(out []byte) (string, error) {
	text := strings.TrimSpace(string(out))
	if i := strings.LastIndex(text, "{\"job_ids\""); i > 0 {
		text = text[i:]
	}

	var decoded struct {
		JobIDs []json.RawMessage `json:"job_ids"`
	}
	if err := json.Unmarshal([]byte(text), &decoded); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMissingRemoteJobID, err)
	}
	if len(decoded.JobIDs) == 0 {
		return "", ErrMissingRemoteJobID
	}

	var id string
	if err := json.Unmarshal(decoded.JobIDs[0], &id); err != nil {
		id = strings.TrimSpace(string(decoded.JobIDs[0]))
	}
	if id == "" || id == "null" {
		return "", ErrMissingRemoteJobID
	}
	return id, nil
}

func (s *PollingSupervisor) jobURL(remoteID string) string {
	return strings.TrimRight(s.cfg.DeforumAPIURL, "/") + "/deforum_api/jobs/" + remoteID
}

func (s *PollingSupervisor) fetch(ctx context.Context, remoteID string) (*RemoteJobStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.jobURL(remoteID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remote API returned %d", resp.StatusCode)
	}

	var st RemoteJobStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("failed to decode remote status: %w", err)
	}
	return &st, nil
}

// cancelRemote 尽力通知远端删除任务
func (s *PollingSupervisor) cancelRemote(remoteID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.jobURL(remoteID), nil)
	if err != nil {
		return
	}
	resp, err := s.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("remote_job_id", remoteID).Msg("Failed to cancel remote render")
		return
	}
	resp.Body.Close()
}

// collect 把远端输出移动到标准位置
func (s *PollingSupervisor) collect(st *RemoteJobStatus, target string) error {
	src := st.OutputFile()
	if fileReady(src) && src != target {
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		if err := os.Rename(src, target); err != nil {
			return fmt.Errorf("failed to move remote output: %w", err)
		}
	}
	if !fileReady(target) {
		return fmt.Errorf("%w: %s", ErrOutputMissing, target)
	}
	return nil
}
