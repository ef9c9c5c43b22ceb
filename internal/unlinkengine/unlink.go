// Package unlinkengine releases every segment reference a tiered file
// holds, purges blobs whose refcount reaches zero, and removes the file's
// on-SSD footprint.
package unlinkengine

import (
	"context"
	"log/slog"
	"os"

	"github.com/javi11/tiervfs/internal/layout"
	"github.com/javi11/tiervfs/internal/metarecord"
	"github.com/javi11/tiervfs/internal/objectstore"
	"github.com/javi11/tiervfs/internal/segcache"
	"github.com/javi11/tiervfs/internal/segindex"
	"github.com/javi11/tiervfs/internal/tiererrors"
)

// Engine drives unlink(path).
type Engine struct {
	mapper *layout.Mapper
	index  *segindex.Index
	cache  *segcache.Cache
	store  objectstore.BlobStore
	logger *slog.Logger
}

// New returns an unlink engine over the given collaborators.
func New(mapper *layout.Mapper, index *segindex.Index, cache *segcache.Cache, store objectstore.BlobStore, logger *slog.Logger) *Engine {
	return &Engine{mapper: mapper, index: index, cache: cache, store: store, logger: logger}
}

// Unlink releases every segment logicalPath's metadata record references,
// purges blobs that drop to zero refcount, then removes the metadata
// record, tail file, and proxy file. A resident file (no metadata record)
// only has its proxy removed.
func (e *Engine) Unlink(ctx context.Context, logicalPath string) error {
	proxyPath := e.mapper.ProxyPath(logicalPath)

	metaPath, err := e.mapper.MetadataPath(logicalPath)
	if err != nil {
		if isNotFound(err) {
			return removeIfExists(proxyPath)
		}
		return err
	}

	record := metarecord.Open(metaPath)
	digests, err := record.AllDigests()
	if err != nil {
		return err
	}

	for _, dig := range digests {
		zeroNow, err := e.index.Release(dig)
		if err != nil {
			return err
		}
		if !zeroNow {
			continue
		}

		if err := e.cache.Evict(dig); err != nil {
			return err
		}
		bucket, key := objectstore.BucketKey(dig)
		if err := e.store.Delete(ctx, bucket, key); err != nil {
			return err
		}
	}

	if err := e.index.Flush(); err != nil {
		return err
	}

	if err := removeIfExists(metaPath); err != nil {
		return err
	}

	tailPath, err := e.mapper.TailPath(logicalPath)
	if err == nil {
		if err := removeIfExists(tailPath); err != nil {
			return err
		}
	}

	return removeIfExists(proxyPath)
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &tiererrors.IoError{Op: "unlink", Path: path, Err: err}
	}
	return nil
}

func isNotFound(err error) bool {
	_, ok := err.(*tiererrors.NotFoundError)
	return ok
}
