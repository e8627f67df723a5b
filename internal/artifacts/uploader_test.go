package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"repair-bench/internal/accounting"
	"repair-bench/internal/container"
	"repair-bench/internal/task"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	buckets map[string]bool
	objects map[string]string
}

func (f *fakeStore) BucketExists(_ context.Context, bucket string) (bool, error) {
	return f.buckets[bucket], nil
}

func (f *fakeStore) MakeBucket(_ context.Context, bucket string, _ minio.MakeBucketOptions) error {
	f.buckets[bucket] = true
	return nil
}

func (f *fakeStore) FPutObject(_ context.Context, bucket, object, file string, _ minio.PutObjectOptions) (minio.UploadInfo, error) {
	f.objects[bucket+"/"+object] = file
	return minio.UploadInfo{Bucket: bucket, Key: object}, nil
}

func newFakeStore() *fakeStore {
	return &fakeStore{buckets: map[string]bool{}, objects: map[string]string{}}
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, Config{}.Validate())
	assert.Error(t, Config{Endpoint: "localhost:9000", Bucket: "b"}.Validate())
	assert.NoError(t, Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "s", Bucket: "b"}.Validate())
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("MINIO_ENDPOINT", "localhost:9000")
	t.Setenv("MINIO_ACCESS_KEY", "a")
	t.Setenv("MINIO_SECRET_KEY", "s")
	t.Setenv("MINIO_USE_SSL", "true")
	cfg := ConfigFromEnv("runs")
	assert.True(t, cfg.UseSSL)
	assert.Equal(t, "runs", cfg.Bucket)
	assert.NoError(t, cfg.Validate())
}

func TestNewUploaderCreatesBucket(t *testing.T) {
	store := newFakeStore()
	_, err := newUploader(context.Background(), store, Config{Bucket: "runs"}, t.TempDir(), "s1")
	require.NoError(t, err)
	assert.True(t, store.buckets["runs"])
}

func TestRecordRunUploadsOutputs(t *testing.T) {
	out := t.TempDir()
	id := "Bench-T1-s-1-P-C-0"
	require.NoError(t, os.MkdirAll(filepath.Join(container.ArtifactDir(out, id), "patches"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Dir(container.LogPath(out, id)), 0o755))
	require.NoError(t, os.WriteFile(container.LogPath(out, id), []byte("log"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(container.ArtifactDir(out, id), "patches", "p1.diff"), []byte("diff"), 0o644))

	store := newFakeStore()
	u, err := newUploader(context.Background(), store, Config{Bucket: "runs"}, out, "s1")
	require.NoError(t, err)

	require.NoError(t, u.RecordRun(context.Background(), accounting.RunRecord{Identifier: id, State: task.StateCompleted}))
	assert.Equal(t, []string{
		"runs/s1/" + id + "/artifacts/patches/p1.diff",
		"runs/s1/" + id + "/run.log",
	}, keys(store.objects))
}

func TestRecordRunSkipsRunsWithoutOutput(t *testing.T) {
	store := newFakeStore()
	u, err := newUploader(context.Background(), store, Config{Bucket: "runs"}, t.TempDir(), "s1")
	require.NoError(t, err)

	require.NoError(t, u.RecordRun(context.Background(), accounting.RunRecord{Identifier: "x", State: task.StateSkipped}))
	require.NoError(t, u.RecordRun(context.Background(), accounting.RunRecord{Identifier: "x", State: task.StateFailed}))
	assert.Empty(t, store.objects)
}
