// Package layout maps logical paths onto the three on-SSD files a tiered
// path can have: the proxy file, the metadata record, and the tail file.
// Metadata and tail paths are derived from the proxy file's inode number, so
// they require the proxy to already exist.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/javi11/tiervfs/internal/tiererrors"
)

// Mapper derives on-SSD paths from a logical path.
type Mapper struct {
	Root string
}

// New returns a path mapper rooted at root.
func New(root string) *Mapper {
	return &Mapper{Root: root}
}

// ProxyPath returns the on-SSD path of the proxy inode for a logical path.
func (m *Mapper) ProxyPath(logicalPath string) string {
	return filepath.Join(m.Root, logicalPath)
}

// MetadataPath returns the on-SSD path of the metadata record for a logical
// path. Fails with NotFoundError if the proxy inode does not exist.
func (m *Mapper) MetadataPath(logicalPath string) (string, error) {
	ino, err := m.proxyInode(logicalPath)
	if err != nil {
		return "", err
	}
	return filepath.Join(m.Root, fmt.Sprintf(".%x", ino)), nil
}

// TailPath returns the on-SSD path of the tail file for a logical path.
// Fails with NotFoundError if the proxy inode does not exist.
func (m *Mapper) TailPath(logicalPath string) (string, error) {
	metaPath, err := m.MetadataPath(logicalPath)
	if err != nil {
		return "", err
	}
	return metaPath + "_data", nil
}

// HashTablePath returns the path of the durable segment-index mirror.
func (m *Mapper) HashTablePath() string {
	return filepath.Join(m.Root, ".hash_table")
}

// CacheDir returns the directory holding cached segment files.
func (m *Mapper) CacheDir() string {
	return filepath.Join(m.Root, ".cache")
}

// CachePath returns the path of the cached segment file for digest.
func (m *Mapper) CachePath(digest string) string {
	return filepath.Join(m.CacheDir(), digest)
}

// ScratchCompressPath is the single-live-at-a-time compression staging file.
func (m *Mapper) ScratchCompressPath() string {
	return filepath.Join(m.Root, ".temp_compress")
}

// ScratchSegmentPath is the single-live-at-a-time segment download scratch file.
func (m *Mapper) ScratchSegmentPath() string {
	return filepath.Join(m.Root, ".segment_temp")
}

func (m *Mapper) proxyInode(logicalPath string) (uint64, error) {
	proxyPath := m.ProxyPath(logicalPath)

	info, err := os.Stat(proxyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, &tiererrors.NotFoundError{Kind: "proxy", Key: logicalPath}
		}
		return 0, &tiererrors.IoError{Op: "stat", Path: proxyPath, Err: err}
	}

	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, &tiererrors.IoError{Op: "stat", Path: proxyPath, Err: fmt.Errorf("unsupported platform: no inode in FileInfo.Sys()")}
	}

	return stat.Ino, nil
}
