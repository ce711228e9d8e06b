package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/janiluuk/vimage-api/config"
	"github.com/janiluuk/vimage-api/internal/model"
	"github.com/janiluuk/vimage-api/internal/pkg/oss"
	"github.com/janiluuk/vimage-api/internal/render"
	"github.com/janiluuk/vimage-api/internal/repository"
	"github.com/janiluuk/vimage-api/internal/testutil"
)

const cdnBase = "https://cdn.test/"

type fakeStore struct {
	mu       sync.Mutex
	uploaded map[string]string
	deleted  []string
	err      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{uploaded: make(map[string]string)}
}

func (f *fakeStore) UploadWithRetry(objectKey, localPath, contentType string, maxRetries int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.uploaded[objectKey] = localPath
	return cdnBase + objectKey, nil
}

func (f *fakeStore) Delete(objectKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, objectKey)
	return nil
}

func (f *fakeStore) ExtractObjectKey(url string) string {
	if !strings.HasPrefix(url, cdnBase) {
		return ""
	}
	return strings.TrimPrefix(url, cdnBase)
}

type mediaEnv struct {
	db    *gorm.DB
	repo  *repository.MediaRepository
	paths *render.Paths
	svc   *MediaService
}

func testPathsConfig(t *testing.T) config.PathsConfig {
	t.Helper()
	root := t.TempDir()
	return config.PathsConfig{
		Videos:    filepath.Join(root, "videos"),
		Processed: filepath.Join(root, "processed"),
		Preview:   filepath.Join(root, "preview"),
		PublicURL: "http://localhost/storage",
	}
}

func setupMediaService(t *testing.T, store ObjectStore, mediaCfg config.MediaConfig) (*mediaEnv, func()) {
	t.Helper()

	db := testutil.SetupTestDB(t)
	repo := repository.NewMediaRepository(db)
	paths := render.NewPaths(testPathsConfig(t))

	env := &mediaEnv{
		db:    db,
		repo:  repo,
		paths: paths,
		svc:   NewMediaService(repo, paths, store, mediaCfg),
	}
	return env, func() {
		testutil.CleanupTestDB(t, db)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func withRevision(rev string) func(*model.VideoJob) {
	return func(j *model.VideoJob) {
		j.Revision = rev
		j.GenerationParameters = `{"seed":1,"rev":"` + rev + `"}`
	}
}

func TestMediaService_AttachResults(t *testing.T) {
	env, cleanup := setupMediaService(t, nil, config.Default().Media)
	defer cleanup()

	job := testutil.TestVideoJob(t, env.db, 1, withRevision("rev1"))
	writeFile(t, env.paths.PreviewAnimation(job), "gif")
	writeFile(t, env.paths.PreviewImage(job), "png")
	writeFile(t, env.paths.Finished(job), "mp4")

	attached, err := env.svc.AttachResults(context.Background(), job)
	require.NoError(t, err)
	require.Len(t, attached, 3)

	for _, m := range attached {
		assert.Equal(t, "rev1", m.Revision)
		assert.Equal(t, model.DiskLocal, m.Disk)
		assert.FileExists(t, m.Path)
		assert.Contains(t, m.Path, filepath.Join("media", fmt.Sprint(job.ID), "rev1"))
		assert.NotZero(t, m.Size)
	}

	assert.Equal(t, model.MediaTypeAnimation, attached[0].Type)
	assert.Equal(t, model.CollectionPreview, attached[1].Collection)
	assert.Equal(t, model.CollectionFinished, attached[2].Collection)

	assert.True(t, strings.HasPrefix(job.PreviewImg, "http://localhost/storage/preview/media/"))
	assert.True(t, strings.HasPrefix(job.URL, "http://localhost/storage/processed/media/"))
	assert.Equal(t, attached[0].URL, job.PreviewAnimation)

	current, err := env.svc.Current(job, model.MediaTypeVideo, model.CollectionFinished)
	require.NoError(t, err)
	assert.Equal(t, attached[2].ID, current.ID)
}

func TestMediaService_AttachResults_SkipsMissingFiles(t *testing.T) {
	env, cleanup := setupMediaService(t, nil, config.Default().Media)
	defer cleanup()

	job := testutil.TestVideoJob(t, env.db, 1, withRevision("rev1"))
	writeFile(t, env.paths.PreviewImage(job), "png")
	// 空文件视为不存在
	writeFile(t, env.paths.Finished(job), "")

	attached, err := env.svc.AttachResults(context.Background(), job)
	require.NoError(t, err)
	require.Len(t, attached, 1)
	assert.Equal(t, model.MediaTypeImage, attached[0].Type)
	assert.Empty(t, job.URL)
	assert.Empty(t, job.PreviewAnimation)
}

func TestMediaService_AttachResults_UploadsToStore(t *testing.T) {
	store := newFakeStore()
	env, cleanup := setupMediaService(t, store, config.Default().Media)
	defer cleanup()

	job := testutil.TestVideoJob(t, env.db, 1, withRevision("rev2"))
	writeFile(t, env.paths.Finished(job), "mp4")

	attached, err := env.svc.AttachResults(context.Background(), job)
	require.NoError(t, err)
	require.Len(t, attached, 1)

	m := attached[0]
	key := oss.MediaObjectKey(job.ID, model.CollectionFinished, "rev2", m.Path)
	assert.Equal(t, model.DiskOSS, m.Disk)
	assert.Equal(t, cdnBase+key, m.URL)
	assert.Equal(t, m.URL, job.URL)
	assert.Equal(t, m.Path, store.uploaded[key])
	assert.Equal(t, "video/mp4", m.MimeType)
}

func TestMediaService_AttachResults_UploadFailureStaysLocal(t *testing.T) {
	store := newFakeStore()
	store.err = errors.New("bucket unavailable")
	env, cleanup := setupMediaService(t, store, config.Default().Media)
	defer cleanup()

	job := testutil.TestVideoJob(t, env.db, 1, withRevision("rev3"))
	writeFile(t, env.paths.Finished(job), "mp4")

	attached, err := env.svc.AttachResults(context.Background(), job)
	require.NoError(t, err)
	require.Len(t, attached, 1)
	assert.Equal(t, model.DiskLocal, attached[0].Disk)
	assert.Equal(t, env.paths.PublicURL(attached[0].Path), attached[0].URL)

	local, err := env.repo.ListLocal(10)
	require.NoError(t, err)
	assert.Len(t, local, 1)
}

func TestMediaService_Retention(t *testing.T) {
	env, cleanup := setupMediaService(t, nil, config.MediaConfig{PreviewKeep: 2, OriginalKeep: 1})
	defer cleanup()

	job := testutil.TestVideoJob(t, env.db, 1)

	var paths []string
	for _, rev := range []string{"a", "b", "c"} {
		withRevision(rev)(job)
		writeFile(t, env.paths.PreviewImage(job), "png-"+rev)
		attached, err := env.svc.AttachResults(context.Background(), job)
		require.NoError(t, err)
		require.Len(t, attached, 1)
		paths = append(paths, attached[0].Path)
	}

	items, err := env.repo.ListByJob(job.ID, model.CollectionPreview)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "c", items[0].Revision)
	assert.Equal(t, "b", items[1].Revision)

	assert.NoFileExists(t, paths[0])
	assert.FileExists(t, paths[1])
	// 工作文件不受淘汰影响
	assert.FileExists(t, env.paths.PreviewImage(job))
}

func TestMediaService_Retention_DeletesEvictedObjects(t *testing.T) {
	store := newFakeStore()
	env, cleanup := setupMediaService(t, store, config.MediaConfig{FinishedKeep: 1})
	defer cleanup()

	job := testutil.TestVideoJob(t, env.db, 1)

	var urls []string
	for _, rev := range []string{"a", "b"} {
		withRevision(rev)(job)
		writeFile(t, env.paths.Finished(job), "mp4-"+rev)
		attached, err := env.svc.AttachResults(context.Background(), job)
		require.NoError(t, err)
		urls = append(urls, attached[0].URL)
	}

	require.Len(t, store.deleted, 1)
	assert.Equal(t, strings.TrimPrefix(urls[0], cdnBase), store.deleted[0])
}

func TestMediaService_AttachOriginal(t *testing.T) {
	env, cleanup := setupMediaService(t, nil, config.MediaConfig{OriginalKeep: 1})
	defer cleanup()

	job := testutil.TestVideoJob(t, env.db, 1, withRevision("rev1"))

	_, err := env.svc.AttachOriginal(job)
	assert.ErrorIs(t, err, ErrMediaNotFound)

	writeFile(t, env.paths.Original(job), "mp4")
	first, err := env.svc.AttachOriginal(job)
	require.NoError(t, err)
	assert.Equal(t, model.CollectionOriginal, first.Collection)
	assert.Equal(t, model.MediaTypeVideo, first.Type)
	assert.Empty(t, first.Revision)
	assert.Equal(t, env.paths.Original(job), first.Path)
	assert.Equal(t, "http://localhost/storage/videos/"+job.Filename, first.URL)

	second, err := env.svc.AttachOriginal(job)
	require.NoError(t, err)

	items, err := env.repo.ListByJob(job.ID, model.CollectionOriginal)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, second.ID, items[0].ID)
	// 原始上传不会因为淘汰被删除
	assert.FileExists(t, env.paths.Original(job))

	current, err := env.svc.Current(job, model.MediaTypeVideo, model.CollectionOriginal)
	require.NoError(t, err)
	assert.Equal(t, second.ID, current.ID)
}

func TestOriginalType(t *testing.T) {
	tests := []struct {
		mimetype string
		expected string
	}{
		{"video/mp4", model.MediaTypeVideo},
		{"image/png", model.MediaTypeImage},
		{"image/gif", model.MediaTypeAnimation},
		{"", model.MediaTypeVideo},
	}

	for _, tt := range tests {
		t.Run(tt.mimetype, func(t *testing.T) {
			assert.Equal(t, tt.expected, originalType(tt.mimetype))
		})
	}
}

func TestMediaService_Current(t *testing.T) {
	env, cleanup := setupMediaService(t, nil, config.Default().Media)
	defer cleanup()

	job := testutil.TestVideoJob(t, env.db, 1)
	base := time.Now().Truncate(time.Second)
	older := testutil.TestMedia(t, env.db, job.ID, model.CollectionPreview, model.MediaTypeImage, "a", base)
	newer := testutil.TestMedia(t, env.db, job.ID, model.CollectionPreview, model.MediaTypeImage, "b", base.Add(time.Minute))

	tests := []struct {
		name     string
		revision string
		expected int64
	}{
		{"matching revision", "a", older.ID},
		{"other revision", "b", newer.ID},
		{"no revision means any", "", newer.ID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job.Revision = tt.revision
			m, err := env.svc.Current(job, model.MediaTypeImage, model.CollectionPreview)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, m.ID)
		})
	}

	job.Revision = "missing"
	_, err := env.svc.Current(job, model.MediaTypeImage, model.CollectionPreview)
	assert.ErrorIs(t, err, ErrMediaNotFound)
}

func TestMediaService_Revisions(t *testing.T) {
	env, cleanup := setupMediaService(t, nil, config.Default().Media)
	defer cleanup()

	job := testutil.TestVideoJob(t, env.db, 1)
	base := time.Now().Truncate(time.Second)

	testutil.TestMedia(t, env.db, job.ID, model.CollectionPreview, model.MediaTypeImage, "b", base)
	testutil.TestMedia(t, env.db, job.ID, model.CollectionPreview, model.MediaTypeImage, "a", base.Add(1*time.Minute))
	newestImage := testutil.TestMedia(t, env.db, job.ID, model.CollectionPreview, model.MediaTypeImage, "a", base.Add(2*time.Minute))
	video := testutil.TestMedia(t, env.db, job.ID, model.CollectionFinished, model.MediaTypeVideo, "a", base.Add(3*time.Minute))
	testutil.TestMedia(t, env.db, job.ID, model.CollectionOriginal, model.MediaTypeVideo, "", base.Add(4*time.Minute))

	revisions, err := env.svc.Revisions(job)
	require.NoError(t, err)
	require.Len(t, revisions, 2)

	assert.Equal(t, "b", revisions[0].Revision)
	assert.Len(t, revisions[0].Media, 1)

	a := revisions[1]
	assert.Equal(t, "a", a.Revision)
	require.Len(t, a.Media, 2)
	assert.Equal(t, newestImage.URL, a.Media[model.MediaTypeImage].URL)
	assert.Equal(t, video.URL, a.Media[model.MediaTypeVideo].URL)
	assert.True(t, a.GeneratedAt.Equal(video.GeneratedAt))
}
