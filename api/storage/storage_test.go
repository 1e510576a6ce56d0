package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRef(t *testing.T) {
	tests := []struct {
		ref         string
		bucket, key string
		ok          bool
	}{
		{"s3://artifacts/app/abc.tar.gz", "artifacts", "app/abc.tar.gz", true},
		{"s3://artifacts", "", "", false},
		{"s3:///key", "", "", false},
		{"registry.example.com/app:abc", "", "", false},
	}
	for _, tt := range tests {
		bucket, key, ok := ParseRef(tt.ref)
		assert.Equal(t, tt.ok, ok, tt.ref)
		assert.Equal(t, tt.bucket, bucket, tt.ref)
		assert.Equal(t, tt.key, key, tt.ref)
	}
}

func TestParseManifest(t *testing.T) {
	a, err := ParseManifest([]byte("artifact: s3://artifacts/app-1.tar.gz\nschemaVersion: 12\n"))
	require.NoError(t, err)
	assert.Equal(t, "s3://artifacts/app-1.tar.gz", a.Ref)
	assert.Equal(t, int64(12), a.SchemaVersion)

	_, err = ParseManifest([]byte("schemaVersion: 3\n"))
	assert.Error(t, err)

	_, err = ParseManifest([]byte("artifact: x\nschemaVersion: -1\n"))
	assert.Error(t, err)
}

func TestCommandBuilder(t *testing.T) {
	b := &CommandBuilder{Command: `printf 'artifact: app:%s\nschemaVersion: 4\n' "$FERRY_COMMIT"`}
	a, err := b.Build(context.Background(), "feature/x", "abc123")
	require.NoError(t, err)
	assert.Equal(t, "app:abc123", a.Ref)
	assert.Equal(t, int64(4), a.SchemaVersion)
}

func TestCommandBuilderFailure(t *testing.T) {
	b := &CommandBuilder{Command: "echo compile error >&2; exit 2"}
	_, err := b.Build(context.Background(), "feature/x", "abc123")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compile error")
}

func TestCommandBuilderTimeout(t *testing.T) {
	b := &CommandBuilder{Command: "sleep 5", Timeout: 50 * time.Millisecond}
	_, err := b.Build(context.Background(), "b", "c")
	assert.Error(t, err)
}

type fakeObjects struct {
	mu        sync.Mutex
	downloads int
	missing   bool
	release   chan struct{}
}

func (f *fakeObjects) Exists(ctx context.Context, bucket, key string) (bool, error) {
	return !f.missing, nil
}

func (f *fakeObjects) Download(ctx context.Context, bucket, key, path string) error {
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	f.downloads++
	f.mu.Unlock()
	return os.WriteFile(path, []byte(bucket+"/"+key), 0o644)
}

func TestCachePrefetch(t *testing.T) {
	objs := &fakeObjects{}
	c := newCache(objs, t.TempDir())
	ctx := context.Background()
	ref := "s3://artifacts/app/v1.tar.gz"

	require.NoError(t, c.Prefetch(ctx, ref))
	require.NoError(t, c.Prefetch(ctx, ref))
	assert.Equal(t, 1, objs.downloads, "second prefetch is served from the cache")

	data, err := os.ReadFile(c.Path(ref))
	require.NoError(t, err)
	assert.Equal(t, "artifacts/app/v1.tar.gz", string(data))
	assert.Equal(t, filepath.Join("artifacts", "app", "v1.tar.gz"), c.Path(ref)[len(c.dir)+1:])
}

func TestCachePrefetchSharesDownload(t *testing.T) {
	objs := &fakeObjects{release: make(chan struct{})}
	c := newCache(objs, t.TempDir())
	ref := "s3://artifacts/app/v2.tar.gz"

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Prefetch(context.Background(), ref))
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(objs.release)
	wg.Wait()

	assert.Equal(t, 1, objs.downloads)
}

func TestCachePassThroughAndMissing(t *testing.T) {
	objs := &fakeObjects{missing: true}
	c := newCache(objs, t.TempDir())

	assert.NoError(t, c.Prefetch(context.Background(), "registry/app:abc"))
	assert.Error(t, c.Prefetch(context.Background(), "s3://artifacts/gone.tar.gz"))
	assert.Equal(t, 0, objs.downloads)
}
