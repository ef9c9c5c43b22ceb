// Package tailwrite implements the append-only write path for tiered
// files. Writes to a tiered file never
// touch already-migrated segments; the first write after migration detaches
// the file's last segment back onto SSD as a tail file, and subsequent
// writes simply append to it.
package tailwrite

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/javi11/tiervfs/internal/layout"
	"github.com/javi11/tiervfs/internal/metarecord"
	"github.com/javi11/tiervfs/internal/objectstore"
	"github.com/javi11/tiervfs/internal/segcache"
	"github.com/javi11/tiervfs/internal/segindex"
	"github.com/javi11/tiervfs/internal/streamcodec"
	"github.com/javi11/tiervfs/internal/tiererrors"
)

// Engine drives write(path, buffer, size, offset) for tiered files.
type Engine struct {
	mapper *layout.Mapper
	index  *segindex.Index
	cache  *segcache.Cache
	store  objectstore.BlobStore
	codec  *streamcodec.Bridge
	logger *slog.Logger
}

// New returns a tail-write engine over the given collaborators.
func New(mapper *layout.Mapper, index *segindex.Index, cache *segcache.Cache, store objectstore.BlobStore, codec *streamcodec.Bridge, logger *slog.Logger) *Engine {
	return &Engine{mapper: mapper, index: index, cache: cache, store: store, codec: codec, logger: logger}
}

// Write appends size bytes from buf to the tiered file at logicalPath.
// Random-offset writes into tiered files are not supported: Write takes no
// offset, and every write appends to the tail file.
func (e *Engine) Write(ctx context.Context, logicalPath string, buf []byte, size int) error {
	metaPath, err := e.mapper.MetadataPath(logicalPath)
	if err != nil {
		return err
	}
	record := metarecord.Open(metaPath)

	tailPath, err := e.mapper.TailPath(logicalPath)
	if err != nil {
		return err
	}

	if _, err := os.Stat(tailPath); os.IsNotExist(err) {
		if err := e.detachLastSegment(ctx, record, tailPath); err != nil {
			return err
		}
	} else if err != nil {
		return &tiererrors.IoError{Op: "stat-tail", Path: tailPath, Err: err}
	}

	f, err := os.OpenFile(tailPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return &tiererrors.IoError{Op: "open-tail", Path: tailPath, Err: err}
	}
	defer f.Close()

	if _, err := f.Write(buf[:size]); err != nil {
		return &tiererrors.IoError{Op: "append-tail", Path: tailPath, Err: err}
	}

	return record.TouchTimestamps(int64(size))
}

// detachLastSegment fetches the metadata record's last segment onto SSD as
// the seed of a new tail file, truncates its digest off the record, and
// releases the segment index's hold on it.
func (e *Engine) detachLastSegment(ctx context.Context, record *metarecord.Record, tailPath string) error {
	dig, err := record.TruncateLastDigest()
	if err != nil {
		return err
	}

	entry, ok := e.index.Lookup(dig)
	if !ok {
		return &tiererrors.MissingError{Digest: dig}
	}

	f, err := os.OpenFile(tailPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return &tiererrors.IoError{Op: "create-tail", Path: tailPath, Err: err}
	}

	bucket, key := objectstore.BucketKey(dig)
	pr, pw := io.Pipe()
	downloadErr := make(chan error, 1)
	go func() {
		downloadErr <- e.store.Get(ctx, bucket, key, pw)
		pw.Close()
	}()

	_, inflateErr := e.codec.Inflate(pr, f)
	closeErr := f.Close()

	if err := <-downloadErr; err != nil {
		return err
	}
	if inflateErr != nil {
		return inflateErr
	}
	if closeErr != nil {
		return &tiererrors.IoError{Op: "close-tail", Path: tailPath, Err: closeErr}
	}

	zeroNow, err := e.index.Release(dig)
	if err != nil {
		return err
	}
	if zeroNow {
		if err := e.cache.Evict(dig); err != nil {
			return err
		}
		if err := e.store.Delete(ctx, bucket, key); err != nil {
			return err
		}
	}
	if err := e.index.Flush(); err != nil {
		return err
	}

	_ = entry.Length
	return nil
}
