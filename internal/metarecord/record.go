// Package metarecord implements the on-SSD metadata record binary format:
// a fixed 32-byte header (total size plus three wall-clock timestamps)
// followed by a sequence of fixed-length hex-digest segment references, in
// the order they are read to reconstruct the file's body.
package metarecord

import (
	"encoding/binary"
	"io"
	"os"
	"time"

	"github.com/javi11/tiervfs/internal/digest"
	"github.com/javi11/tiervfs/internal/tiererrors"
)

// HeaderSize is the packed size of the four header fields.
const HeaderSize = 8 * 4

// Header is the fixed-size prefix of a metadata record.
type Header struct {
	TotalSize int64
	Atime     int64
	Mtime     int64
	Ctime     int64
}

// Record wraps the on-SSD file holding one tiered file's metadata.
type Record struct {
	Path string
}

// Open wraps an existing metadata record at path. It does not verify the
// file exists; callers that need that guarantee should stat first.
func Open(path string) *Record {
	return &Record{Path: path}
}

// Create writes a brand-new metadata record with the given header and no
// segment references, truncating any existing file at path.
func Create(path string, h Header) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return &tiererrors.IoError{Op: "create", Path: path, Err: err}
	}
	defer f.Close()

	buf := make([]byte, HeaderSize)
	encodeHeader(buf, h)
	if _, err := f.Write(buf); err != nil {
		return &tiererrors.IoError{Op: "create-write-header", Path: path, Err: err}
	}
	return nil
}

// ReadHeader reads just the fixed header.
func (r *Record) ReadHeader() (Header, error) {
	f, err := os.Open(r.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return Header{}, &tiererrors.NotFoundError{Kind: "metadata", Key: r.Path}
		}
		return Header{}, &tiererrors.IoError{Op: "open", Path: r.Path, Err: err}
	}
	defer f.Close()

	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(f, buf); err != nil {
		return Header{}, &tiererrors.IoError{Op: "read-header", Path: r.Path, Err: err}
	}
	return decodeHeader(buf), nil
}

// WriteHeader rewrites just the fixed header in place, leaving the segment
// reference stream untouched.
func (r *Record) WriteHeader(h Header) error {
	f, err := os.OpenFile(r.Path, os.O_RDWR, 0o644)
	if err != nil {
		return &tiererrors.IoError{Op: "open-for-header", Path: r.Path, Err: err}
	}
	defer f.Close()

	buf := make([]byte, HeaderSize)
	encodeHeader(buf, h)
	if _, err := f.WriteAt(buf, 0); err != nil {
		return &tiererrors.IoError{Op: "write-header", Path: r.Path, Err: err}
	}
	return nil
}

// TouchTimestamps refreshes atime/mtime/ctime to now and persists them.
func (r *Record) TouchTimestamps(sizeDelta int64) error {
	h, err := r.ReadHeader()
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	h.TotalSize += sizeDelta
	h.Atime = now
	h.Mtime = now
	h.Ctime = now
	return r.WriteHeader(h)
}

// SegmentCount returns the number of segment references currently stored.
func (r *Record) SegmentCount() (int, error) {
	info, err := os.Stat(r.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, &tiererrors.NotFoundError{Kind: "metadata", Key: r.Path}
		}
		return 0, &tiererrors.IoError{Op: "stat", Path: r.Path, Err: err}
	}
	body := info.Size() - HeaderSize
	if body <= 0 {
		return 0, nil
	}
	return int(body / int64(digest.Len)), nil
}

// AppendDigest appends one segment reference to the end of the record.
func (r *Record) AppendDigest(dig string) error {
	f, err := os.OpenFile(r.Path, os.O_RDWR, 0o644)
	if err != nil {
		return &tiererrors.IoError{Op: "open-for-append", Path: r.Path, Err: err}
	}
	defer f.Close()

	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return &tiererrors.IoError{Op: "seek-append", Path: r.Path, Err: err}
	}
	if _, err := f.WriteString(dig); err != nil {
		return &tiererrors.IoError{Op: "append", Path: r.Path, Err: err}
	}
	return nil
}

// DigestAt returns the index-th segment reference (0-based, read order).
func (r *Record) DigestAt(index int) (string, error) {
	f, err := os.Open(r.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", &tiererrors.NotFoundError{Kind: "metadata", Key: r.Path}
		}
		return "", &tiererrors.IoError{Op: "open", Path: r.Path, Err: err}
	}
	defer f.Close()

	off := int64(HeaderSize + index*digest.Len)
	buf := make([]byte, digest.Len)
	if _, err := f.ReadAt(buf, off); err != nil {
		return "", &tiererrors.IoError{Op: "read-digest", Path: r.Path, Err: err}
	}
	return string(buf), nil
}

// AllDigests reads every segment reference in read order.
func (r *Record) AllDigests() ([]string, error) {
	count, err := r.SegmentCount()
	if err != nil {
		return nil, err
	}

	f, err := os.Open(r.Path)
	if err != nil {
		return nil, &tiererrors.IoError{Op: "open", Path: r.Path, Err: err}
	}
	defer f.Close()

	if _, err := f.Seek(HeaderSize, io.SeekStart); err != nil {
		return nil, &tiererrors.IoError{Op: "seek", Path: r.Path, Err: err}
	}

	out := make([]string, 0, count)
	buf := make([]byte, digest.Len)
	for i := 0; i < count; i++ {
		if _, err := io.ReadFull(f, buf); err != nil {
			return nil, &tiererrors.IoError{Op: "read-digest", Path: r.Path, Err: err}
		}
		out = append(out, string(buf))
	}
	return out, nil
}

// TruncateLastDigest removes the final segment reference and returns it,
// shortening the record by exactly one digest's width.
func (r *Record) TruncateLastDigest() (string, error) {
	count, err := r.SegmentCount()
	if err != nil {
		return "", err
	}
	if count == 0 {
		return "", &tiererrors.NotFoundError{Kind: "segment-ref", Key: r.Path}
	}

	last, err := r.DigestAt(count - 1)
	if err != nil {
		return "", err
	}

	newSize := int64(HeaderSize + (count-1)*digest.Len)
	if err := os.Truncate(r.Path, newSize); err != nil {
		return "", &tiererrors.IoError{Op: "truncate", Path: r.Path, Err: err}
	}
	return last, nil
}

func encodeHeader(buf []byte, h Header) {
	binary.LittleEndian.PutUint64(buf[0:8], uint64(h.TotalSize))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.Atime))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.Mtime))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(h.Ctime))
}

func decodeHeader(buf []byte) Header {
	return Header{
		TotalSize: int64(binary.LittleEndian.Uint64(buf[0:8])),
		Atime:     int64(binary.LittleEndian.Uint64(buf[8:16])),
		Mtime:     int64(binary.LittleEndian.Uint64(buf[16:24])),
		Ctime:     int64(binary.LittleEndian.Uint64(buf[24:32])),
	}
}
