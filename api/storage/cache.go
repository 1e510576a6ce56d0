package storage

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type objectStore interface {
	Download(ctx context.Context, bucket, key, path string) error
	Exists(ctx context.Context, bucket, key string) (bool, error)
}

// Cache keeps local copies of s3:// artifacts so a swap or rollback does not
// wait on the object store. Refs of any other form (container images) are
// fetched by the compute driver and pass through untouched.
type Cache struct {
	store objectStore
	dir   string

	mu       sync.Mutex
	inflight map[string]chan struct{}
}

func NewCache(store *Client, dir string) *Cache {
	return newCache(store, dir)
}

func newCache(store objectStore, dir string) *Cache {
	return &Cache{store: store, dir: dir, inflight: make(map[string]chan struct{})}
}

// ParseRef splits "s3://bucket/key" into its parts.
func ParseRef(ref string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(ref, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, found = strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}

// Path returns where ref is cached locally.
func (c *Cache) Path(ref string) string {
	bucket, key, ok := ParseRef(ref)
	if !ok {
		return ""
	}
	return filepath.Join(c.dir, bucket, filepath.FromSlash(key))
}

// Prefetch downloads ref into the cache unless it is already there.
// Concurrent prefetches of the same ref share one download.
func (c *Cache) Prefetch(ctx context.Context, ref string) error {
	bucket, key, ok := ParseRef(ref)
	if !ok {
		return nil
	}
	path := c.Path(ref)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	c.mu.Lock()
	if wait, busy := c.inflight[ref]; busy {
		c.mu.Unlock()
		select {
		case <-wait:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	c.inflight[ref] = done
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inflight, ref)
		c.mu.Unlock()
		close(done)
	}()

	exists, err := c.store.Exists(ctx, bucket, key)
	if err != nil {
		return fmt.Errorf("prefetch %s: %w", ref, err)
	}
	if !exists {
		return fmt.Errorf("prefetch %s: artifact not found", ref)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("prefetch %s: %w", ref, err)
	}
	tmp := path + ".part"
	if err := c.store.Download(ctx, bucket, key, tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("prefetch %s: %w", ref, err)
	}
	log.Printf("storage: cached %s", ref)
	return nil
}
