package worker

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/janiluuk/vimage-api/internal/model"
	"github.com/janiluuk/vimage-api/internal/repository"
	"github.com/janiluuk/vimage-api/internal/testutil"
)

type fakeStore struct {
	keys []string
	err  error
}

func (f *fakeStore) UploadWithRetry(objectKey, localPath, contentType string, maxRetries int) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.keys = append(f.keys, objectKey)
	return "https://bucket.oss.test/" + objectKey, nil
}

func TestReuploader_RunOnce(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)
	repo := repository.NewMediaRepository(db)
	dir := t.TempDir()

	finishedPath := filepath.Join(dir, "clip.mp4")
	previewPath := filepath.Join(dir, "clip_preview.png")
	require.NoError(t, os.WriteFile(finishedPath, []byte("video"), 0644))
	require.NoError(t, os.WriteFile(previewPath, []byte("png"), 0644))

	finished := testutil.TestMedia(t, db, 1, model.CollectionFinished, model.MediaTypeVideo, "rev1", time.Now())
	preview := testutil.TestMedia(t, db, 1, model.CollectionPreview, model.MediaTypeImage, "rev1", time.Now())
	missing := testutil.TestMedia(t, db, 2, model.CollectionPreview, model.MediaTypeImage, "", time.Now())
	db.Model(finished).Update("path", finishedPath)
	db.Model(preview).Update("path", previewPath)
	db.Model(missing).Update("path", filepath.Join(dir, "gone.png"))

	store := &fakeStore{}
	r := NewReuploader(repo, store, false)

	assert.Equal(t, 2, r.RunOnce())
	assert.ElementsMatch(t, []string{
		"videojobs/1/finished/rev1/clip.mp4",
		"videojobs/1/preview/rev1/clip_preview.png",
	}, store.keys)

	got, err := repo.ListByJob(1, "")
	require.NoError(t, err)
	for _, m := range got {
		assert.Equal(t, model.DiskOSS, m.Disk)
		assert.Contains(t, m.URL, "https://bucket.oss.test/videojobs/1/")
	}

	// 只删除成品的本地副本
	assert.NoFileExists(t, finishedPath)
	assert.FileExists(t, previewPath)

	// 文件丢失的记录保持 local，下次继续尝试
	local, err := repo.ListLocal(10)
	require.NoError(t, err)
	require.Len(t, local, 1)
	assert.Equal(t, missing.ID, local[0].ID)
}

func TestReuploader_KeepLocalAndUploadFailure(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)
	repo := repository.NewMediaRepository(db)

	path := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("video"), 0644))
	m := testutil.TestMedia(t, db, 1, model.CollectionFinished, model.MediaTypeVideo, "rev1", time.Now())
	db.Model(m).Update("path", path)

	assert.Equal(t, 0, NewReuploader(repo, &fakeStore{err: errors.New("oss down")}, false).RunOnce())
	assert.FileExists(t, path)

	assert.Equal(t, 1, NewReuploader(repo, &fakeStore{}, true).RunOnce())
	assert.FileExists(t, path)
}
