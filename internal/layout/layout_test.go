package layout

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/javi11/tiervfs/internal/tiererrors"
)

func TestProxyPath(t *testing.T) {
	m := New("/ssd")
	if got, want := m.ProxyPath("a/b.txt"), filepath.Join("/ssd", "a/b.txt"); got != want {
		t.Fatalf("ProxyPath = %q, want %q", got, want)
	}
}

func TestMetadataPathRequiresProxy(t *testing.T) {
	root := t.TempDir()
	m := New(root)

	_, err := m.MetadataPath("missing.txt")
	if err == nil {
		t.Fatal("expected error for missing proxy")
	}
	if _, ok := err.(*tiererrors.NotFoundError); !ok {
		t.Fatalf("expected NotFoundError, got %T", err)
	}
}

func TestMetadataAndTailPathDeriveFromInode(t *testing.T) {
	root := t.TempDir()
	m := New(root)

	proxyPath := m.ProxyPath("file.bin")
	if err := os.WriteFile(proxyPath, []byte("data"), 0o644); err != nil {
		t.Fatalf("write proxy: %v", err)
	}

	metaPath, err := m.MetadataPath("file.bin")
	if err != nil {
		t.Fatalf("MetadataPath: %v", err)
	}
	if filepath.Dir(metaPath) != root {
		t.Fatalf("metadata path %q not rooted at %q", metaPath, root)
	}

	tailPath, err := m.TailPath("file.bin")
	if err != nil {
		t.Fatalf("TailPath: %v", err)
	}
	if tailPath != metaPath+"_data" {
		t.Fatalf("TailPath = %q, want %q", tailPath, metaPath+"_data")
	}
}

func TestCachePath(t *testing.T) {
	m := New("/ssd")
	got := m.CachePath("abc123")
	want := filepath.Join("/ssd", ".cache", "abc123")
	if got != want {
		t.Fatalf("CachePath = %q, want %q", got, want)
	}
}
