package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/janiluuk/vimage-api/config"
	"github.com/janiluuk/vimage-api/internal/model"
	"github.com/janiluuk/vimage-api/internal/pkg/lock"
	"github.com/janiluuk/vimage-api/internal/pkg/pubsub"
	"github.com/janiluuk/vimage-api/internal/pkg/queue"
	"github.com/janiluuk/vimage-api/internal/render"
	"github.com/janiluuk/vimage-api/internal/repository"
	"github.com/janiluuk/vimage-api/internal/testutil"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, mr, func() {
		client.Close()
		mr.Close()
	}
}

type fakeSupervisor struct {
	mu    sync.Mutex
	calls []*render.Invocation
	err   error
	// onRun 在上报进度之后、返回之前调用
	onRun func(job *model.VideoJob, inv *render.Invocation)
}

func (f *fakeSupervisor) Run(ctx context.Context, job *model.VideoJob, inv *render.Invocation, report Reporter) (*RunResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, inv)
	f.mu.Unlock()

	if report != nil {
		report(ctx, Report{Percent: 50, Elapsed: 2 * time.Second, ETA: 2 * time.Second})
	}
	if f.onRun != nil {
		f.onRun(job, inv)
	}
	if f.err != nil {
		return nil, f.err
	}
	out := inv.OutputPath
	if inv.IsPreview() {
		out = inv.PreviewImg
	}
	return &RunResult{OutputPath: out, Elapsed: time.Second}, nil
}

func (f *fakeSupervisor) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeMedia struct {
	calls int
	err   error
}

func (f *fakeMedia) AttachResults(ctx context.Context, job *model.VideoJob) ([]*model.MediaAttachment, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	job.PreviewImg = "http://cdn.test/preview/" + job.OutfileStem() + "_preview.png"
	job.URL = "http://cdn.test/storage/processed/" + job.Outfile
	return nil, nil
}

type fakeTool struct {
	first, last, mux int
	muxErr           error
	frameErr         error
}

func (f *fakeTool) ExtractFirstFrame(ctx context.Context, videoPath, outPath string) error {
	f.first++
	return f.frameErr
}

func (f *fakeTool) ExtractLastFrame(ctx context.Context, videoPath, outPath string) error {
	f.last++
	return f.frameErr
}

func (f *fakeTool) MuxSoundtrack(ctx context.Context, videoPath, audioPath string) error {
	f.mux++
	return f.muxErr
}

type processorEnv struct {
	db      *gorm.DB
	jobRepo *repository.VideoJobRepository
	queue   *queue.Queue
	locker  *lock.Locker
	paths   *render.Paths
	model   *model.ModelFile
	sup     *fakeSupervisor
	media   *fakeMedia
	tool    *fakeTool
	proc    *Processor
}

func setupProcessor(t *testing.T) (*processorEnv, func()) {
	t.Helper()

	db := testutil.SetupTestDB(t)
	rdb, _, cleanupRedis := setupTestRedis(t)

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Paths = config.PathsConfig{
		Videos:    filepath.Join(dir, "videos"),
		Processed: filepath.Join(dir, "processed"),
		Preview:   filepath.Join(dir, "preview"),
		PublicURL: "http://cdn.test/storage",
	}
	cfg.Render.ProcessorPath = "/opt/bin/video2video"
	cfg.Render.DeforumProcessorPath = "/opt/bin/deforum"
	cfg.Queue.MaxConcurrentJobs = 1
	cfg.Queue.RequeueDelay = 10 * time.Second

	env := &processorEnv{
		db:      db,
		jobRepo: repository.NewVideoJobRepository(db),
		queue:   queue.NewQueue(rdb, "", time.Hour),
		locker:  lock.NewLocker(rdb, "lock:", 30*time.Minute),
		paths:   render.NewPaths(cfg.Paths),
		model:   testutil.TestModelFile(t, db),
		sup:     &fakeSupervisor{},
		media:   &fakeMedia{},
		tool:    &fakeTool{},
	}
	builder := render.NewBuilder(cfg.Render, env.paths, repository.NewModelFileRepository(db), nil)
	supervisors := map[string]Supervisor{
		model.GeneratorVid2Vid: env.sup,
		model.GeneratorDeforum: env.sup,
	}
	env.proc = NewProcessor(env.jobRepo, env.locker, env.queue, builder, env.paths, supervisors,
		env.media, env.tool, pubsub.NewPublisher(rdb), cfg)

	return env, func() {
		cleanupRedis()
		testutil.CleanupTestDB(t, db)
	}
}

func (e *processorEnv) newJob(t *testing.T, opts ...func(*model.VideoJob)) *model.VideoJob {
	t.Helper()
	opts = append([]func(*model.VideoJob){testutil.WithModel(e.model.ID)}, opts...)
	return testutil.TestVideoJob(t, e.db, 1, opts...)
}

func (e *processorEnv) reload(t *testing.T, id int64) *model.VideoJob {
	t.Helper()
	job, err := e.jobRepo.GetByID(id)
	require.NoError(t, err)
	return job
}

func TestProcessor_Process_FullRender(t *testing.T) {
	env, cleanup := setupProcessor(t)
	defer cleanup()

	job := env.newJob(t, testutil.WithStatus(model.StatusApproved))

	outcome, err := env.proc.Process(context.Background(), &queue.JobMessage{JobID: job.ID, Lane: "low"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)
	require.Equal(t, 1, env.sup.Calls())

	got := env.reload(t, job.ID)
	assert.Equal(t, model.StatusFinished, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, 0, got.EstimatedTimeLeft)
	assert.Nil(t, got.QueuedAt)
	assert.NotEmpty(t, got.GenerationParameters)
	assert.Len(t, got.Revision, 32)
	assert.Equal(t, "http://cdn.test/storage/processed/"+job.Outfile, got.URL)
	assert.Equal(t, env.paths.FramePath(job, "first"), got.FirstFramePath)
	assert.Equal(t, env.paths.FramePath(job, "last"), got.LastFramePath)

	assert.Equal(t, 1, env.media.calls)
	assert.Equal(t, 1, env.tool.first)
	assert.Equal(t, 1, env.tool.last)
	assert.Equal(t, 0, env.tool.mux, "no soundtrack to merge")

	inv := env.sup.calls[0]
	assert.Equal(t, env.paths.Original(job), inv.InitPath)
	assert.False(t, inv.IsPreview())

	// 锁已释放
	lk, err := env.locker.Acquire(context.Background(), LockKey(job.ID))
	require.NoError(t, err)
	lk.Release(context.Background())
}

func TestProcessor_Process_ReportsProgress(t *testing.T) {
	env, cleanup := setupProcessor(t)
	defer cleanup()

	job := env.newJob(t, testutil.WithStatus(model.StatusApproved))

	var during *model.VideoJob
	env.sup.onRun = func(j *model.VideoJob, inv *render.Invocation) {
		during = env.reload(t, j.ID)
	}

	_, err := env.proc.Process(context.Background(), &queue.JobMessage{JobID: job.ID})
	require.NoError(t, err)

	require.NotNil(t, during)
	assert.Equal(t, model.StatusProcessing, during.Status)
	assert.Equal(t, 50, during.Progress)
	assert.Equal(t, 2, during.JobTime)
	assert.Equal(t, 2, during.EstimatedTimeLeft)
}

func TestProcessor_Process_Soundtrack(t *testing.T) {
	env, cleanup := setupProcessor(t)
	defer cleanup()

	job := env.newJob(t, testutil.WithStatus(model.StatusApproved), func(j *model.VideoJob) {
		j.SoundtrackPath = "/tmp/track.mp3"
	})

	_, err := env.proc.Process(context.Background(), &queue.JobMessage{JobID: job.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, env.tool.mux)
	assert.Equal(t, model.StatusFinished, env.reload(t, job.ID).Status)
}

func TestProcessor_Process_SoundtrackFailure(t *testing.T) {
	env, cleanup := setupProcessor(t)
	defer cleanup()

	env.tool.muxErr = errors.New("ffmpeg exploded")
	job := env.newJob(t, testutil.WithStatus(model.StatusApproved), func(j *model.VideoJob) {
		j.SoundtrackPath = "/tmp/track.mp3"
	})

	_, err := env.proc.Process(context.Background(), &queue.JobMessage{JobID: job.ID})
	require.Error(t, err)

	got := env.reload(t, job.ID)
	assert.Equal(t, model.StatusError, got.Status)
	assert.Equal(t, 1, got.Retries)
}

func TestProcessor_Process_FrameExtractionFailureIsNotFatal(t *testing.T) {
	env, cleanup := setupProcessor(t)
	defer cleanup()

	env.tool.frameErr = errors.New("no frames")
	job := env.newJob(t, testutil.WithStatus(model.StatusApproved))

	_, err := env.proc.Process(context.Background(), &queue.JobMessage{JobID: job.ID})
	require.NoError(t, err)

	got := env.reload(t, job.ID)
	assert.Equal(t, model.StatusFinished, got.Status)
	assert.Empty(t, got.FirstFramePath)
	assert.Empty(t, got.LastFramePath)
}

func TestProcessor_Process_Preview(t *testing.T) {
	env, cleanup := setupProcessor(t)
	defer cleanup()

	job := env.newJob(t)

	outcome, err := env.proc.Process(context.Background(), &queue.JobMessage{JobID: job.ID, PreviewFrames: 5, Lane: "medium"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)

	got := env.reload(t, job.ID)
	assert.Equal(t, model.StatusPreview, got.Status)
	assert.Equal(t, 100, got.Progress)

	require.Equal(t, 1, env.sup.Calls())
	assert.Equal(t, 5, env.sup.calls[0].PreviewFrames)
	assert.Equal(t, 0, env.tool.first, "previews do not extract frames")
	assert.Equal(t, 0, env.tool.mux)
}

func TestProcessor_Process_Failure(t *testing.T) {
	env, cleanup := setupProcessor(t)
	defer cleanup()

	env.sup.err = &ProcessError{UserMessage: "渲染失败", ExitCode: 1, RawError: errors.New("exit status 1")}
	job := env.newJob(t, testutil.WithStatus(model.StatusApproved))

	outcome, err := env.proc.Process(context.Background(), &queue.JobMessage{JobID: job.ID})
	require.Error(t, err)
	assert.Equal(t, OutcomeDone, outcome)

	var pe *ProcessError
	assert.True(t, errors.As(err, &pe))

	got := env.reload(t, job.ID)
	assert.Equal(t, model.StatusError, got.Status)
	assert.Equal(t, 1, got.Retries)
	assert.Equal(t, 0, got.Progress)
	assert.Nil(t, got.QueuedAt)
}

func TestProcessor_Process_DisabledModel(t *testing.T) {
	env, cleanup := setupProcessor(t)
	defer cleanup()

	disabled := testutil.TestModelFile(t, env.db, func(m *model.ModelFile) { m.Enabled = false })
	job := env.newJob(t, testutil.WithStatus(model.StatusApproved), testutil.WithModel(disabled.ID))

	_, err := env.proc.Process(context.Background(), &queue.JobMessage{JobID: job.ID})
	require.Error(t, err)
	assert.ErrorIs(t, err, render.ErrModelDisabled)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, 0, env.sup.Calls())
	assert.Equal(t, model.StatusError, env.reload(t, job.ID).Status)
}

func TestProcessor_Process_CancelledDuringRender(t *testing.T) {
	env, cleanup := setupProcessor(t)
	defer cleanup()

	job := env.newJob(t, testutil.WithStatus(model.StatusApproved))
	env.sup.onRun = func(j *model.VideoJob, inv *render.Invocation) {
		require.NoError(t, env.jobRepo.UpdateFields(j.ID, map[string]interface{}{"status": model.StatusCancelled}))
	}
	env.sup.err = ErrCancelled

	outcome, err := env.proc.Process(context.Background(), &queue.JobMessage{JobID: job.ID})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)

	got := env.reload(t, job.ID)
	assert.Equal(t, model.StatusCancelled, got.Status)
	assert.Equal(t, 0, got.Retries)
	assert.Equal(t, 0, env.media.calls)
}

func TestProcessor_Process_SupersededLeavesNewerRunState(t *testing.T) {
	env, cleanup := setupProcessor(t)
	defer cleanup()

	job := env.newJob(t, testutil.WithStatus(model.StatusApproved))
	// 旧渲染被同一任务的新渲染顶替，新渲染此时已把任务写成 processing
	env.sup.onRun = func(j *model.VideoJob, inv *render.Invocation) {
		require.NoError(t, env.jobRepo.UpdateFields(j.ID, map[string]interface{}{
			"status":   model.StatusProcessing,
			"progress": 12,
		}))
	}
	env.sup.err = ErrSuperseded

	outcome, err := env.proc.Process(context.Background(), &queue.JobMessage{JobID: job.ID})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)

	got := env.reload(t, job.ID)
	assert.Equal(t, model.StatusProcessing, got.Status)
	assert.Equal(t, 12, got.Progress)
	assert.Equal(t, 0, got.Retries)
	assert.Equal(t, 0, env.media.calls)
}

func TestProcessor_Process_Skips(t *testing.T) {
	env, cleanup := setupProcessor(t)
	defer cleanup()

	cancelled := env.newJob(t, testutil.WithStatus(model.StatusCancelled))
	postprocessing := env.newJob(t, testutil.WithStatus(model.StatusPostprocessing))

	tests := []struct {
		name  string
		jobID int64
	}{
		{"cancelled", cancelled.ID},
		{"missing", 9999},
		{"invalid transition", postprocessing.ID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outcome, err := env.proc.Process(context.Background(), &queue.JobMessage{JobID: tt.jobID})
			require.NoError(t, err)
			assert.Equal(t, OutcomeSkipped, outcome)
		})
	}
	assert.Equal(t, 0, env.sup.Calls())
	assert.Equal(t, model.StatusCancelled, env.reload(t, cancelled.ID).Status)
}

func TestProcessor_Process_ConcurrencyLimit(t *testing.T) {
	env, cleanup := setupProcessor(t)
	defer cleanup()

	env.newJob(t, testutil.WithStatus(model.StatusProcessing))
	job := env.newJob(t, testutil.WithStatus(model.StatusApproved))

	outcome, err := env.proc.Process(context.Background(), &queue.JobMessage{JobID: job.ID, Lane: "low"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRequeued, outcome)
	assert.Equal(t, 0, env.sup.Calls())

	got := env.reload(t, job.ID)
	assert.Equal(t, model.StatusApproved, got.Status)
	assert.NotNil(t, got.QueuedAt)

	n, err := env.queue.DelayedLength(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestProcessor_Process_PreviewBypassesConcurrencyLimit(t *testing.T) {
	env, cleanup := setupProcessor(t)
	defer cleanup()

	env.newJob(t, testutil.WithStatus(model.StatusProcessing))
	job := env.newJob(t)

	outcome, err := env.proc.Process(context.Background(), &queue.JobMessage{JobID: job.ID, PreviewFrames: 3})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)
	assert.Equal(t, 1, env.sup.Calls())
	assert.Equal(t, model.StatusPreview, env.reload(t, job.ID).Status)
}

func TestProcessor_Process_LockHeld(t *testing.T) {
	env, cleanup := setupProcessor(t)
	defer cleanup()
	ctx := context.Background()

	job := env.newJob(t, testutil.WithStatus(model.StatusError))
	held, err := env.locker.Acquire(ctx, LockKey(job.ID))
	require.NoError(t, err)
	defer held.Release(ctx)

	outcome, err := env.proc.Process(ctx, &queue.JobMessage{JobID: job.ID})
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Equal(t, 0, env.sup.Calls())

	got := env.reload(t, job.ID)
	assert.Equal(t, model.StatusApproved, got.Status)
	assert.NotNil(t, got.QueuedAt)

	// 预览不等锁
	outcome, err = env.proc.Process(ctx, &queue.JobMessage{JobID: job.ID, PreviewFrames: 2})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, outcome)
	assert.Equal(t, 1, env.sup.Calls())
}

func TestProcessor_Process_Extension(t *testing.T) {
	env, cleanup := setupProcessor(t)
	defer cleanup()

	base := env.newJob(t, testutil.WithStatus(model.StatusFinished))
	lastFrame := filepath.Join(t.TempDir(), "base_last.png")
	require.NoError(t, os.WriteFile(lastFrame, []byte("png"), 0644))
	require.NoError(t, env.jobRepo.UpdateFields(base.ID, map[string]interface{}{"last_frame_path": lastFrame}))

	job := env.newJob(t, testutil.WithStatus(model.StatusApproved), func(j *model.VideoJob) {
		j.ExtendFromJobID = &base.ID
	})

	_, err := env.proc.Process(context.Background(), &queue.JobMessage{JobID: job.ID, ExtendFromJobID: base.ID})
	require.NoError(t, err)

	require.Equal(t, 1, env.sup.Calls())
	init := env.sup.calls[0].InitPath
	assert.Equal(t, env.paths.ExtendInit(job.ID), init)
	data, err := os.ReadFile(init)
	require.NoError(t, err)
	assert.Equal(t, "png", string(data))
}

func TestProcessor_Process_SameParametersKeepRevision(t *testing.T) {
	env, cleanup := setupProcessor(t)
	defer cleanup()
	ctx := context.Background()

	job := env.newJob(t, testutil.WithStatus(model.StatusApproved))
	_, err := env.proc.Process(ctx, &queue.JobMessage{JobID: job.ID})
	require.NoError(t, err)
	first := env.reload(t, job.ID).Revision

	require.NoError(t, env.jobRepo.UpdateFields(job.ID, map[string]interface{}{"status": model.StatusApproved}))
	_, err = env.proc.Process(ctx, &queue.JobMessage{JobID: job.ID})
	require.NoError(t, err)

	require.Equal(t, 2, env.sup.Calls())
	assert.True(t, env.sup.calls[0].Overwrite)
	assert.False(t, env.sup.calls[1].Overwrite)
	assert.Equal(t, first, env.reload(t, job.ID).Revision)
}

func TestProcessor_ReapStale(t *testing.T) {
	env, cleanup := setupProcessor(t)
	defer cleanup()

	stale := env.newJob(t, testutil.WithStatus(model.StatusProcessing))
	testutil.SetUpdatedAt(t, env.db, stale.ID, time.Now().Add(-20*time.Minute))
	fresh := env.newJob(t, testutil.WithStatus(model.StatusProcessing))

	n, err := env.proc.ReapStale()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	assert.Equal(t, model.StatusError, env.reload(t, stale.ID).Status)
	assert.Equal(t, model.StatusProcessing, env.reload(t, fresh.ID).Status)
}

func TestLockKey(t *testing.T) {
	assert.Equal(t, "videojob:42", LockKey(42))
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "done", OutcomeDone.String())
	assert.Equal(t, "requeued", OutcomeRequeued.String())
	assert.Equal(t, "skipped", OutcomeSkipped.String())
	assert.Equal(t, "unknown", Outcome(9).String())
}
