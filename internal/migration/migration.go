// Package migration implements the state machine that turns a readable
// byte stream into a metadata record, segmenting, deduplicating, and
// uploading as it goes.
package migration

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/javi11/tiervfs/internal/chunker"
	"github.com/javi11/tiervfs/internal/digest"
	"github.com/javi11/tiervfs/internal/layout"
	"github.com/javi11/tiervfs/internal/metarecord"
	"github.com/javi11/tiervfs/internal/objectstore"
	"github.com/javi11/tiervfs/internal/segindex"
	"github.com/javi11/tiervfs/internal/streamcodec"
	"github.com/javi11/tiervfs/internal/tiererrors"
)

// Engine drives the migrate(path, handle, from_ssd, emit_tail) protocol.
type Engine struct {
	mapper  *layout.Mapper
	index   *segindex.Index
	store   objectstore.BlobStore
	codec   *streamcodec.Bridge
	chunks  *chunker.Wrapper
	logger  *slog.Logger

	// NoDedup disables the dedup lookup's short-circuit: every segment takes
	// the upload branch, falling back to an index Acquire only if the digest
	// turned out to already be indexed.
	NoDedup bool
}

// New returns a migration engine over the given collaborators.
func New(mapper *layout.Mapper, index *segindex.Index, store objectstore.BlobStore, codec *streamcodec.Bridge, chunks *chunker.Wrapper, logger *slog.Logger) *Engine {
	return &Engine{mapper: mapper, index: index, store: store, codec: codec, chunks: chunks, logger: logger}
}

// Migrate drives a file through migration. source is read sequentially by the
// segmenter; secondary gives the engine random access to the same bytes for
// compression staging, and must view an identical byte range as source.
// fromSSD selects whether a brand-new metadata record is created; emitTail
// selects whether the trailing residual is appended as one final segment
// (release-time flush) or left for the tail-write engine (append path).
func (e *Engine) Migrate(ctx context.Context, logicalPath string, source io.Reader, secondary io.ReaderAt, fromSSD, emitTail bool) (migratedBytes, dedupedBytes int64, err error) {
	metaPath, err := e.mapper.MetadataPath(logicalPath)
	if err != nil {
		return 0, 0, err
	}

	if fromSSD {
		now := time.Now().Unix()
		if err := metarecord.Create(metaPath, metarecord.Header{Atime: now, Mtime: now, Ctime: now}); err != nil {
			return 0, 0, err
		}
	}
	record := metarecord.Open(metaPath)

	segments, residual, err := e.chunks.Segment(source)
	if err != nil {
		return 0, 0, err
	}

	var migrated, deduped int64
	for _, seg := range segments {
		wasDup, err := e.commitSegment(ctx, secondary, seg.Offset, seg.Length, seg.Digest, record)
		if err != nil {
			return 0, 0, err
		}
		migrated += int64(seg.Length)
		if wasDup {
			deduped += int64(seg.Length)
		}
	}

	residualLen := int64(len(residual))
	switch {
	case !emitTail && residualLen > 0:
		tailPath, err := e.mapper.TailPath(logicalPath)
		if err != nil {
			return 0, 0, err
		}
		if err := appendTail(tailPath, residual); err != nil {
			return 0, 0, err
		}
	case emitTail && residualLen > 0:
		lastOffset := int64(0)
		if len(segments) > 0 {
			last := segments[len(segments)-1]
			lastOffset = last.Offset + int64(last.Length)
		}
		dig := digest.Sum(residual)
		wasDup, err := e.commitSegment(ctx, secondary, lastOffset, int(residualLen), dig, record)
		if err != nil {
			return 0, 0, err
		}
		migrated += residualLen
		if wasDup {
			deduped += residualLen
		}
	}

	// fromSSD=false re-segments a tail file whose bytes tailwrite.Write
	// already folded into total_size as they were appended; touch
	// timestamps without adding them again, or they'd be counted twice.
	sizeDelta := int64(0)
	if fromSSD {
		sizeDelta = migrated + residualLenIfAppend(emitTail, residualLen)
	}
	if err := record.TouchTimestamps(sizeDelta); err != nil {
		return 0, 0, err
	}

	return migrated, deduped, nil
}

// residualLenIfAppend avoids double counting bytes already added to
// migrated when emitTail consumed the residual as a segment.
func residualLenIfAppend(emitTail bool, residualLen int64) int64 {
	if emitTail {
		return 0
	}
	return residualLen
}

// commitSegment implements protocol step 4: dedup lookup, upload-if-new, and
// metadata append, in that order, for one closed segment. The returned bool
// reports whether the segment's bytes were saved by dedup rather than
// uploaded.
func (e *Engine) commitSegment(ctx context.Context, secondary io.ReaderAt, offset int64, length int, dig string, record *metarecord.Record) (bool, error) {
	if !e.NoDedup {
		if _, ok := e.index.Lookup(dig); ok {
			if err := e.index.Acquire(dig); err != nil {
				return false, err
			}
			if err := e.index.Flush(); err != nil {
				return false, err
			}
			return true, record.AppendDigest(dig)
		}
	}

	bucket, key := objectstore.BucketKey(dig)
	if err := e.store.EnsureBucket(ctx, bucket); err != nil {
		return false, err
	}

	section := io.NewSectionReader(secondary, offset, int64(length))

	var uploadLen int64
	var closeScratch func()

	if e.codec.NoCompress {
		uploadLen = int64(length)
		if err := e.store.Put(ctx, bucket, key, uploadLen, section); err != nil {
			return false, err
		}
	} else {
		scratchPath := e.mapper.ScratchCompressPath()
		scratch, err := os.OpenFile(scratchPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
		if err != nil {
			return false, &tiererrors.IoError{Op: "create-scratch", Path: scratchPath, Err: err}
		}
		closeScratch = func() { scratch.Close(); os.Remove(scratchPath) }

		n, err := e.codec.Deflate(section, scratch, int64(length))
		if err != nil {
			closeScratch()
			return false, err
		}
		uploadLen = n

		if _, err := scratch.Seek(0, io.SeekStart); err != nil {
			closeScratch()
			return false, &tiererrors.IoError{Op: "seek-scratch", Path: scratchPath, Err: err}
		}
		if err := e.store.Put(ctx, bucket, key, uploadLen, scratch); err != nil {
			closeScratch()
			return false, err
		}
		closeScratch()
	}

	wasDup := false
	if err := e.index.Insert(dig, int64(length)); err != nil {
		if _, dup := err.(*tiererrors.DuplicateError); !dup {
			return false, err
		}
		// NoDedup forced the upload even though the digest was already
		// indexed; the upload was redundant but harmless, so just acquire
		// the existing entry instead of failing the migration.
		if err := e.index.Acquire(dig); err != nil {
			return false, err
		}
		wasDup = true
	}
	if err := e.index.Flush(); err != nil {
		return false, err
	}

	return wasDup, record.AppendDigest(dig)
}

func appendTail(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return &tiererrors.IoError{Op: "create-tail", Path: path, Err: err}
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return &tiererrors.IoError{Op: "append-tail", Path: path, Err: err}
	}
	return nil
}
