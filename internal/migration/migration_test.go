package migration

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/javi11/tiervfs/internal/chunker"
	"github.com/javi11/tiervfs/internal/layout"
	"github.com/javi11/tiervfs/internal/metarecord"
	"github.com/javi11/tiervfs/internal/objectstore"
	"github.com/javi11/tiervfs/internal/segindex"
	"github.com/javi11/tiervfs/internal/streamcodec"
)

func newTestEngine(t *testing.T, noDedup bool) (*Engine, *layout.Mapper, *objectstore.MemStore) {
	t.Helper()
	root := t.TempDir()
	mapper := layout.New(root)
	index := segindex.New(mapper.HashTablePath(), slog.Default())
	store := objectstore.NewMemStore()
	codec := streamcodec.New(false)
	chunks := chunker.New(chunker.Config{Window: 64, Avg: 256})

	e := New(mapper, index, store, codec, chunks, slog.Default())
	e.NoDedup = noDedup
	return e, mapper, store
}

func writeProxy(t *testing.T, mapper *layout.Mapper, logicalPath string, data []byte) {
	t.Helper()
	if err := os.WriteFile(mapper.ProxyPath(logicalPath), data, 0o644); err != nil {
		t.Fatalf("write proxy: %v", err)
	}
}

func openProxy(t *testing.T, mapper *layout.Mapper, logicalPath string) *os.File {
	t.Helper()
	f, err := os.Open(mapper.ProxyPath(logicalPath))
	if err != nil {
		t.Fatalf("open proxy: %v", err)
	}
	return f
}

func TestMigrateSmallFileSingleSegment(t *testing.T) {
	e, mapper, store := newTestEngine(t, false)
	data := bytes.Repeat([]byte("a"), 100)
	writeProxy(t, mapper, "file.bin", data)

	f := openProxy(t, mapper, "file.bin")
	defer f.Close()

	migrated, deduped, err := e.Migrate(context.Background(), "file.bin", f, f, true, true)
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if migrated != int64(len(data)) {
		t.Fatalf("migrated = %d, want %d", migrated, len(data))
	}
	if deduped != 0 {
		t.Fatalf("deduped = %d, want 0 on first migration", deduped)
	}

	metaPath, err := mapper.MetadataPath("file.bin")
	if err != nil {
		t.Fatalf("MetadataPath: %v", err)
	}
	record := metarecord.Open(metaPath)
	header, err := record.ReadHeader()
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if header.TotalSize != int64(len(data)) {
		t.Fatalf("TotalSize = %d, want %d", header.TotalSize, len(data))
	}

	digests, err := record.AllDigests()
	if err != nil {
		t.Fatalf("AllDigests: %v", err)
	}
	if len(digests) != 1 {
		t.Fatalf("len(digests) = %d, want 1", len(digests))
	}
	bucket, key := objectstore.BucketKey(digests[0])
	if !store.Has(bucket, key) {
		t.Fatal("expected segment uploaded to object store")
	}
}

func TestMigrateDedupsAcrossFiles(t *testing.T) {
	e, mapper, _ := newTestEngine(t, false)
	data := bytes.Repeat([]byte("b"), 100)
	writeProxy(t, mapper, "one.bin", data)
	writeProxy(t, mapper, "two.bin", data)

	f1 := openProxy(t, mapper, "one.bin")
	defer f1.Close()
	if _, _, err := e.Migrate(context.Background(), "one.bin", f1, f1, true, true); err != nil {
		t.Fatalf("Migrate one: %v", err)
	}

	f2 := openProxy(t, mapper, "two.bin")
	defer f2.Close()
	migrated, deduped, err := e.Migrate(context.Background(), "two.bin", f2, f2, true, true)
	if err != nil {
		t.Fatalf("Migrate two: %v", err)
	}
	if deduped != migrated {
		t.Fatalf("expected fully deduped second migration, migrated=%d deduped=%d", migrated, deduped)
	}

	metaPath, err := mapper.MetadataPath("one.bin")
	if err != nil {
		t.Fatal(err)
	}
	digests, err := metarecord.Open(metaPath).AllDigests()
	if err != nil {
		t.Fatal(err)
	}
	entry, ok := e.index.Lookup(digests[0])
	if !ok {
		t.Fatal("expected digest in index")
	}
	if entry.Refcount != 2 {
		t.Fatalf("refcount = %d, want 2 after two migrations of identical content", entry.Refcount)
	}
}

func TestMigrateNoDedupStillSucceedsOnRepeatedContent(t *testing.T) {
	e, mapper, _ := newTestEngine(t, true)
	data := bytes.Repeat([]byte("c"), 100)
	writeProxy(t, mapper, "one.bin", data)
	writeProxy(t, mapper, "two.bin", data)

	f1 := openProxy(t, mapper, "one.bin")
	defer f1.Close()
	if _, _, err := e.Migrate(context.Background(), "one.bin", f1, f1, true, true); err != nil {
		t.Fatalf("Migrate one: %v", err)
	}

	f2 := openProxy(t, mapper, "two.bin")
	defer f2.Close()
	if _, _, err := e.Migrate(context.Background(), "two.bin", f2, f2, true, true); err != nil {
		t.Fatalf("Migrate two with NoDedup: %v", err)
	}

	metaPath, err := mapper.MetadataPath("two.bin")
	if err != nil {
		t.Fatal(err)
	}
	digests, err := metarecord.Open(metaPath).AllDigests()
	if err != nil {
		t.Fatal(err)
	}
	entry, ok := e.index.Lookup(digests[0])
	if !ok {
		t.Fatal("expected digest in index")
	}
	if entry.Refcount != 2 {
		t.Fatalf("refcount = %d, want 2 even with NoDedup forcing a redundant upload", entry.Refcount)
	}
}

func TestMigrateAppendPathLeavesResidualAsTail(t *testing.T) {
	e, mapper, _ := newTestEngine(t, false)
	data := bytes.Repeat([]byte("d"), 50)
	writeProxy(t, mapper, "file.bin", data)

	f := openProxy(t, mapper, "file.bin")
	defer f.Close()

	if _, _, err := e.Migrate(context.Background(), "file.bin", f, f, true, false); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	tailPath, err := mapper.TailPath("file.bin")
	if err != nil {
		t.Fatalf("TailPath: %v", err)
	}
	if _, err := os.Stat(tailPath); err != nil {
		t.Fatalf("expected tail file to exist: %v", err)
	}

	metaPath, err := mapper.MetadataPath("file.bin")
	if err != nil {
		t.Fatal(err)
	}
	digests, err := metarecord.Open(metaPath).AllDigests()
	if err != nil {
		t.Fatal(err)
	}
	if len(digests) != 0 {
		t.Fatalf("expected no committed segments when the whole file is left as tail residual, got %d", len(digests))
	}
}

func TestMigrateEmptyFileProducesNoSegments(t *testing.T) {
	e, mapper, _ := newTestEngine(t, false)
	writeProxy(t, mapper, "empty.bin", nil)

	f := openProxy(t, mapper, "empty.bin")
	defer f.Close()

	migrated, deduped, err := e.Migrate(context.Background(), "empty.bin", f, f, true, true)
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if migrated != 0 || deduped != 0 {
		t.Fatalf("migrated=%d deduped=%d, want 0, 0", migrated, deduped)
	}
}
