package tailwrite

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
	"github.com/javi11/tiervfs/internal/streamcodec"
)

func newTestEngine(t *testing.T) (*Engine, *layout.Mapper, *segindex.Index, *objectstore.MemStore) {
	t.Helper()
	root := t.TempDir()
	mapper := layout.New(root)
	index := segindex.New(mapper.HashTablePath(), slog.Default())
	cache, err := segcache.New(mapper, 1<<20, 1<<16, slog.Default())
	if err != nil {
		t.Fatalf("segcache.New: %v", err)
	}
	store := objectstore.NewMemStore()
	codec := streamcodec.New(true)

	return New(mapper, index, cache, store, codec, slog.Default()), mapper, index, store
}

func seedTieredFile(t *testing.T, mapper *layout.Mapper, index *segindex.Index, store *objectstore.MemStore, logicalPath string, segData []byte) string {
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

func TestWriteDetachesLastSegmentOnFirstWrite(t *testing.T) {
	e, mapper, index, store := newTestEngine(t)
	segData := bytes.Repeat([]byte("x"), 20)
	dig := seedTieredFile(t, mapper, index, store, "file.bin", segData)

	if err := e.Write(context.Background(), "file.bin", []byte("more"), 4); err != nil {
		t.Fatalf("Write: %v", err)
	}

	tailPath, err := mapper.TailPath("file.bin")
	if err != nil {
		t.Fatalf("TailPath: %v", err)
	}
	got, err := os.ReadFile(tailPath)
	if err != nil {
		t.Fatalf("read tail: %v", err)
	}
	want := append(append([]byte{}, segData...), []byte("more")...)
	if !bytes.Equal(got, want) {
		t.Fatalf("tail = %q, want %q", got, want)
	}

	metaPath, err := mapper.MetadataPath("file.bin")
	if err != nil {
		t.Fatalf("MetadataPath: %v", err)
	}
	digests, err := metarecord.Open(metaPath).AllDigests()
	if err != nil {
		t.Fatalf("AllDigests: %v", err)
	}
	if len(digests) != 0 {
		t.Fatalf("expected the detached segment's digest removed from the record, got %d digests", len(digests))
	}

	if _, ok := index.Lookup(dig); ok {
		t.Fatal("expected detached segment released from the index once refcount hit zero")
	}
}

func TestWriteAppendsToExistingTailWithoutRedetaching(t *testing.T) {
	e, mapper, index, store := newTestEngine(t)
	segData := bytes.Repeat([]byte("y"), 20)
	seedTieredFile(t, mapper, index, store, "file.bin", segData)

	if err := e.Write(context.Background(), "file.bin", []byte("aaaa"), 4); err != nil {
		t.Fatalf("Write 1: %v", err)
	}
	if err := e.Write(context.Background(), "file.bin", []byte("bbbb"), 4); err != nil {
		t.Fatalf("Write 2: %v", err)
	}

	tailPath, err := mapper.TailPath("file.bin")
	if err != nil {
		t.Fatalf("TailPath: %v", err)
	}
	got, err := os.ReadFile(tailPath)
	if err != nil {
		t.Fatalf("read tail: %v", err)
	}
	want := append(append(append([]byte{}, segData...), []byte("aaaa")...), []byte("bbbb")...)
	if !bytes.Equal(got, want) {
		t.Fatalf("tail = %q, want %q", got, want)
	}

	metaPath, err := mapper.MetadataPath("file.bin")
	if err != nil {
		t.Fatalf("MetadataPath: %v", err)
	}
	header, err := metarecord.Open(metaPath).ReadHeader()
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	wantSize := int64(len(segData) + 4 + 4)
	if header.TotalSize != wantSize {
		t.Fatalf("TotalSize = %d, want %d", header.TotalSize, wantSize)
	}
}
