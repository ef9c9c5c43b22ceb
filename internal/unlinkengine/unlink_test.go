package unlinkengine

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/javi11/tiervfs/internal/digest"
	"github.com/javi11/tiervfs/internal/layout"
	"github.com/javi11/tiervfs/internal/metarecord"
	"github.com/javi11/tiervfs/internal/objectstore"
	"github.com/javi11/tiervfs/internal/segcache"
	"github.com/javi11/tiervfs/internal/segindex"
)

func newTestEngine(t *testing.T) (*Engine, *layout.Mapper, *segindex.Index, *segcache.Cache, *objectstore.MemStore) {
	t.Helper()
	root := t.TempDir()
	mapper := layout.New(root)
	index := segindex.New(mapper.HashTablePath(), slog.Default())
	cache, err := segcache.New(mapper, 1<<20, 1<<16, slog.Default())
	if err != nil {
		t.Fatalf("segcache.New: %v", err)
	}
	store := objectstore.NewMemStore()

	return New(mapper, index, cache, store, slog.Default()), mapper, index, cache, store
}

func seedTieredFile(t *testing.T, mapper *layout.Mapper, index *segindex.Index, store *objectstore.MemStore, logicalPath string, segData []byte, extraRefcount bool) string {
	t.Helper()
	if err := os.WriteFile(mapper.ProxyPath(logicalPath), nil, 0o644); err != nil {
		t.Fatalf("write proxy: %v", err)
	}
	metaPath, err := mapper.MetadataPath(logicalPath)
	if err != nil {
		t.Fatalf("MetadataPath: %v", err)
	}
	now := time.Now().Unix()
	if err := metarecord.Create(metaPath, metarecord.Header{TotalSize: int64(len(segData)), Atime: now, Mtime: now, Ctime: now}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	dig := digest.Sum(segData)
	if err := index.Insert(dig, int64(len(segData))); err != nil {
		t.Fatalf("index.Insert: %v", err)
	}
	if extraRefcount {
		if err := index.Acquire(dig); err != nil {
			t.Fatalf("index.Acquire: %v", err)
		}
	}
	bucket, key := objectstore.BucketKey(dig)
	if err := store.EnsureBucket(context.Background(), bucket); err != nil {
		t.Fatalf("EnsureBucket: %v", err)
	}
	if err := store.Put(context.Background(), bucket, key, int64(len(segData)), bytes.NewReader(segData)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := metarecord.Open(metaPath).AppendDigest(dig); err != nil {
		t.Fatalf("AppendDigest: %v", err)
	}
	return dig
}

func TestUnlinkResidentOnlyRemovesProxy(t *testing.T) {
	e, mapper, _, _, _ := newTestEngine(t)
	proxyPath := mapper.ProxyPath("file.bin")
	if err := os.WriteFile(proxyPath, []byte("resident"), 0o644); err != nil {
		t.Fatalf("write proxy: %v", err)
	}

	if err := e.Unlink(context.Background(), "file.bin"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if _, err := os.Stat(proxyPath); !os.IsNotExist(err) {
		t.Fatalf("expected proxy removed, stat err = %v", err)
	}
}

func TestUnlinkTieredPurgesBlobAtZeroRefcount(t *testing.T) {
	e, mapper, index, _, store := newTestEngine(t)
	segData := bytes.Repeat([]byte("z"), 16)
	dig := seedTieredFile(t, mapper, index, store, "file.bin", segData, false)

	if err := e.Unlink(context.Background(), "file.bin"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}

	if _, ok := index.Lookup(dig); ok {
		t.Fatal("expected digest released from index at zero refcount")
	}
	bucket, key := objectstore.BucketKey(dig)
	if store.Has(bucket, key) {
		t.Fatal("expected blob purged from object store at zero refcount")
	}

	metaPath, err := mapper.MetadataPath("file.bin")
	if err == nil {
		if _, statErr := os.Stat(metaPath); !os.IsNotExist(statErr) {
			t.Fatal("expected metadata record removed")
		}
	}
	if _, err := os.Stat(mapper.ProxyPath("file.bin")); !os.IsNotExist(err) {
		t.Fatal("expected proxy removed")
	}
}

func TestUnlinkTieredSharedSegmentSurvivesOneUnlink(t *testing.T) {
	e, mapper, index, _, store := newTestEngine(t)
	segData := bytes.Repeat([]byte("w"), 16)
	dig := seedTieredFile(t, mapper, index, store, "file.bin", segData, true)

	if err := e.Unlink(context.Background(), "file.bin"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}

	entry, ok := index.Lookup(dig)
	if !ok {
		t.Fatal("expected digest to remain indexed while another reference holds it")
	}
	if entry.Refcount != 1 {
		t.Fatalf("Refcount = %d, want 1", entry.Refcount)
	}
	bucket, key := objectstore.BucketKey(dig)
	if !store.Has(bucket, key) {
		t.Fatal("expected blob to remain while refcount is still positive")
	}
}
