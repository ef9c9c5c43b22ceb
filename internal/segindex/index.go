// Package segindex is the in-memory segment index: a map from digest to
// (length, refcount), mirrored in full to a flat binary file on every
// mutation. Index entries gate deduplication — acquire/release are how the
// migration and unlink engines share and reclaim segments.
package segindex

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/javi11/tiervfs/internal/digest"
	"github.com/javi11/tiervfs/internal/tiererrors"
)

// recordSize is the packed on-disk size of one mirror record:
// digest (digest.Len bytes of ascii hex) + length (int32) + refcount (int32).
const recordSize = digest.Len + 4 + 4

// Entry is the in-memory value the index tracks per digest.
type Entry struct {
	Length   int64
	Refcount int64
}

// Index is the process-wide segment index. All methods are safe for
// concurrent use; callers that need read-then-mutate atomicity across
// several calls should still honor the index->cache->file lock ordering
// used throughout the tiering subsystem.
type Index struct {
	mu        sync.Mutex
	entries   map[string]*Entry
	mirrorPath string
	logger    *slog.Logger
}

// New returns an empty index mirrored at mirrorPath. Call Rebuild to load any
// existing mirror from disk.
func New(mirrorPath string, logger *slog.Logger) *Index {
	return &Index{
		entries:    make(map[string]*Entry),
		mirrorPath: mirrorPath,
		logger:     logger,
	}
}

// Lookup returns the entry for digest and whether it was present.
func (idx *Index) Lookup(dig string) (Entry, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e, ok := idx.entries[dig]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Insert adds a brand-new digest with refcount 1. Fails with DuplicateError
// if the digest is already indexed.
func (idx *Index) Insert(dig string, length int64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, ok := idx.entries[dig]; ok {
		return &tiererrors.DuplicateError{Digest: dig}
	}

	idx.entries[dig] = &Entry{Length: length, Refcount: 1}
	return nil
}

// Acquire increments the refcount of an already-indexed digest. Fails with
// MissingError if the digest is absent.
func (idx *Index) Acquire(dig string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e, ok := idx.entries[dig]
	if !ok {
		return &tiererrors.MissingError{Digest: dig}
	}
	e.Refcount++
	return nil
}

// Release decrements the refcount of dig. It returns (true, nil) if the
// refcount reached zero as a result (the entry is removed from the index,
// and the caller owns deleting the blob and cache entry), and fails with
// MissingError if the digest is absent.
func (idx *Index) Release(dig string) (zeroNow bool, err error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e, ok := idx.entries[dig]
	if !ok {
		return false, &tiererrors.MissingError{Digest: dig}
	}

	e.Refcount--
	if e.Refcount <= 0 {
		delete(idx.entries, dig)
		return true, nil
	}
	return false, nil
}

// Len returns the number of indexed digests.
func (idx *Index) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.entries)
}

// Entries returns a point-in-time copy of the index, for cold-start cache
// resurrection and fsck-style reporting.
func (idx *Index) Entries() map[string]Entry {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	out := make(map[string]Entry, len(idx.entries))
	for d, e := range idx.entries {
		out[d] = *e
	}
	return out
}

// Flush rewrites the durable mirror in full from the in-memory index: the
// records are written sequentially to a ".tmp" sibling which is then renamed
// over the mirror, so a successful call leaves a consistent file even though
// no journal protects a crash mid-write. Partial writes from a crash are
// tolerated by Rebuild.
func (idx *Index) Flush() error {
	idx.mu.Lock()
	snapshot := make(map[string]*Entry, len(idx.entries))
	for d, e := range idx.entries {
		cp := *e
		snapshot[d] = &cp
	}
	idx.mu.Unlock()

	tmpPath := idx.mirrorPath + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return &tiererrors.IoError{Op: "flush-create", Path: tmpPath, Err: err}
	}

	w := bufio.NewWriter(f)
	buf := make([]byte, recordSize)
	for d, e := range snapshot {
		if err := encodeRecord(buf, d, e); err != nil {
			f.Close()
			os.Remove(tmpPath)
			return err
		}
		if _, err := w.Write(buf); err != nil {
			f.Close()
			os.Remove(tmpPath)
			return &tiererrors.IoError{Op: "flush-write", Path: tmpPath, Err: err}
		}
	}

	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return &tiererrors.IoError{Op: "flush-sync", Path: tmpPath, Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return &tiererrors.IoError{Op: "flush-close", Path: tmpPath, Err: err}
	}

	if err := os.Rename(tmpPath, idx.mirrorPath); err != nil {
		return &tiererrors.IoError{Op: "flush-rename", Path: idx.mirrorPath, Err: err}
	}

	return nil
}

// Rebuild reads the durable mirror, replacing the in-memory index. A partial
// trailing record (a short read) is dropped and reading stops; a record that
// doesn't parse is skipped and reading continues. Both are logged at Warn.
// Entries whose blobs are absent on the object store
// are still loaded — I2 is enforced only by the happy path, not by Rebuild.
func (idx *Index) Rebuild() error {
	f, err := os.Open(idx.mirrorPath)
	if err != nil {
		if os.IsNotExist(err) {
			idx.mu.Lock()
			idx.entries = make(map[string]*Entry)
			idx.mu.Unlock()
			return nil
		}
		return &tiererrors.IoError{Op: "rebuild-open", Path: idx.mirrorPath, Err: err}
	}
	defer f.Close()

	entries := make(map[string]*Entry)
	buf := make([]byte, recordSize)
	r := bufio.NewReader(f)

	for {
		n, err := io.ReadFull(r, buf)
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF || n < recordSize {
			idx.logger.Warn("segindex: dropping partial trailing mirror record", "bytes", n)
			break
		}
		if err != nil {
			return &tiererrors.IoError{Op: "rebuild-read", Path: idx.mirrorPath, Err: err}
		}

		dig, e, err := decodeRecord(buf)
		if err != nil {
			idx.logger.Warn("segindex: dropping unparseable mirror record", "error", err)
			continue
		}
		entries[dig] = e
	}

	idx.mu.Lock()
	idx.entries = entries
	idx.mu.Unlock()

	idx.logger.Info("segindex: rebuilt from mirror", "entries", len(entries))
	return nil
}

func encodeRecord(buf []byte, dig string, e *Entry) error {
	if len(dig) != digest.Len {
		return fmt.Errorf("segindex: digest %q has length %d, want %d", dig, len(dig), digest.Len)
	}
	copy(buf[:digest.Len], dig)
	binary.LittleEndian.PutUint32(buf[digest.Len:digest.Len+4], uint32(e.Length))
	binary.LittleEndian.PutUint32(buf[digest.Len+4:], uint32(e.Refcount))
	return nil
}

func decodeRecord(buf []byte) (string, *Entry, error) {
	dig := string(buf[:digest.Len])
	for _, c := range dig {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return "", nil, fmt.Errorf("segindex: non-hex digest byte in record")
		}
	}
	length := binary.LittleEndian.Uint32(buf[digest.Len : digest.Len+4])
	refcount := binary.LittleEndian.Uint32(buf[digest.Len+4:])
	return dig, &Entry{Length: int64(length), Refcount: int64(refcount)}, nil
}
