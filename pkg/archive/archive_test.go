package archive

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/expvisor/pkg/experiment"
)

func sampleResults(t *testing.T) (*experiment.Record, string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte(`{"ok":true}`), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.csv"), []byte("x,y\n"), 0644))
	return &experiment.Record{ID: "e1", Owner: "alice", Status: experiment.StatusCompleted, ResultDir: dir}, dir
}

func TestDirArchiver(t *testing.T) {
	rec, dir := sampleResults(t)
	root := t.TempDir()

	a := &DirArchiver{Root: root}
	require.NoError(t, a.Archive(context.Background(), rec, dir))

	base := filepath.Join(root, "alice", "e1")
	b, err := os.ReadFile(filepath.Join(base, "record.json"))
	require.NoError(t, err)
	assert.Contains(t, string(b), `"id": "e1"`)

	got, err := os.ReadFile(filepath.Join(base, "results", "sub", "b.csv"))
	require.NoError(t, err)
	assert.Equal(t, "x,y\n", string(got))
	assert.FileExists(t, filepath.Join(base, "results", "a.json"))
}

func TestDirArchiver_MissingResultDir(t *testing.T) {
	rec := &experiment.Record{ID: "e2", Owner: "bob", Status: experiment.StatusFailed}
	a := &DirArchiver{Root: t.TempDir()}
	require.NoError(t, a.Archive(context.Background(), rec, filepath.Join(t.TempDir(), "gone")))
	assert.FileExists(t, filepath.Join(a.Root, "bob", "e2", "record.json"))
}

type fakeS3 struct {
	mu   sync.Mutex
	objs map[string]string
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objs[*in.Bucket+"/"+*in.Key] = string(b)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Archiver(t *testing.T) {
	rec, dir := sampleResults(t)
	fake := &fakeS3{objs: map[string]string{}}

	a := NewS3ArchiverWithClient(fake, "bucket", "/archive/")
	require.NoError(t, a.Archive(context.Background(), rec, dir))

	assert.Contains(t, fake.objs, "bucket/archive/alice/e1/record.json")
	assert.Equal(t, `{"ok":true}`, fake.objs["bucket/archive/alice/e1/results/a.json"])
	assert.Equal(t, "x,y\n", fake.objs["bucket/archive/alice/e1/results/sub/b.csv"])
}
