// Package tiervfs is the bridge-facing facade of the tiering subsystem: it
// owns the segment index, segment cache, and open-handle table, and
// dispatches open/read/write/release/unlink to the engines beneath it.
package tiervfs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/javi11/tiervfs/internal/cachestats"
	"github.com/javi11/tiervfs/internal/chunker"
	"github.com/javi11/tiervfs/internal/config"
	"github.com/javi11/tiervfs/internal/layout"
	"github.com/javi11/tiervfs/internal/metarecord"
	"github.com/javi11/tiervfs/internal/migration"
	"github.com/javi11/tiervfs/internal/objectstore"
	"github.com/javi11/tiervfs/internal/readengine"
	"github.com/javi11/tiervfs/internal/segcache"
	"github.com/javi11/tiervfs/internal/segindex"
	"github.com/javi11/tiervfs/internal/streamcodec"
	"github.com/javi11/tiervfs/internal/tailwrite"
	"github.com/javi11/tiervfs/internal/tiererrors"
	"github.com/javi11/tiervfs/internal/unlinkengine"
)

// Handle identifies one open file handle.
type Handle uint64

// Attrs reports the logical size and POSIX-style timestamps of a file,
// read either from its metadata record (tiered) or its proxy (resident).
type Attrs struct {
	TotalSize int64
	Atime     int64
	Mtime     int64
	Ctime     int64
}

type openHandle struct {
	path     string
	writable bool
}

// Core is the tiering subsystem's single entry point. All methods are safe
// for concurrent use; callers beyond the bridge's own single-threaded
// request loop still benefit from Core's internal mutex.
type Core struct {
	cfg    *config.Config
	mapper *layout.Mapper
	index  *segindex.Index
	cache  *segcache.Cache
	store  objectstore.BlobStore
	codec  *streamcodec.Bridge
	chunks *chunker.Wrapper

	migrator *migration.Engine
	fetcher  *readengine.Fetcher
	reader   *readengine.Engine
	tailer   *tailwrite.Engine
	unlinker *unlinkengine.Engine

	logger *slog.Logger
	stats  cachestats.Recorder

	// mu guards the handle table and per-path writer counts only. The
	// index and cache guard themselves with their own mutexes, and engine
	// calls run outside mu.
	mu          sync.Mutex
	handles     map[Handle]*openHandle
	nextHandle  uint64
	writerCount map[string]int64
}

// New wires up every engine over the configured SSD root and object store,
// rebuilding the segment index and resurrecting the segment cache from
// whatever state survived a previous run. stats may be nil, in which case
// activity counters are simply discarded.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, stats cachestats.Recorder) (*Core, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "tiervfs")
	if stats == nil {
		stats = cachestats.NoopRecorder{}
	}

	mapper := layout.New(cfg.SSDPath)

	index := segindex.New(mapper.HashTablePath(), logger.With("component", "segindex"))
	if err := index.Rebuild(); err != nil {
		return nil, err
	}

	store, err := objectstore.New(ctx, objectstore.Config{
		Hostname:     cfg.ObjectStore.Hostname,
		Region:       cfg.ObjectStore.Region,
		AccessKey:    cfg.ObjectStore.AccessKey,
		SecretKey:    cfg.ObjectStore.SecretKey,
		UsePathStyle: cfg.ObjectStore.UsePathStyle,
	}, logger.With("component", "objectstore"))
	if err != nil {
		return nil, err
	}

	effectiveCacheSize := cfg.CacheSize
	if cfg.NoCache {
		effectiveCacheSize = 0
	}
	cache, err := segcache.New(mapper, effectiveCacheSize, int64(cfg.MaxSegSize()), logger.With("component", "segcache"))
	if err != nil {
		return nil, err
	}
	if err := resurrectCache(cache, index); err != nil {
		return nil, err
	}

	codec := streamcodec.New(cfg.NoCompress)
	chunks := chunker.New(chunker.Config{Window: cfg.RabinWindowSize, Avg: cfg.AvgSegSize})

	migrator := migration.New(mapper, index, store, codec, chunks, logger.With("component", "migration"))
	migrator.NoDedup = cfg.NoDedup

	fetcher := readengine.NewFetcher(mapper, index, cache, store, codec, stats)
	reader := readengine.NewEngine(mapper, fetcher)
	tailer := tailwrite.New(mapper, index, cache, store, codec, logger.With("component", "tailwrite"))
	unlinker := unlinkengine.New(mapper, index, cache, store, logger.With("component", "unlinkengine"))

	return &Core{
		cfg:         cfg,
		mapper:      mapper,
		index:       index,
		cache:       cache,
		store:       store,
		codec:       codec,
		chunks:      chunks,
		migrator:    migrator,
		fetcher:     fetcher,
		reader:      reader,
		tailer:      tailer,
		unlinker:    unlinker,
		logger:      logger,
		stats:       stats,
		handles:     make(map[Handle]*openHandle),
		writerCount: make(map[string]int64),
	}, nil
}

func resurrectCache(cache *segcache.Cache, index *segindex.Index) error {
	digests, err := cache.ScanExisting()
	if err != nil {
		return err
	}
	for _, dig := range digests {
		if entry, ok := index.Lookup(dig); ok {
			cache.Resurrect(dig, entry.Length)
		}
	}
	return nil
}

// Shutdown flushes the segment index's durable mirror one last time.
func (c *Core) Shutdown() error {
	return c.index.Flush()
}

// Open registers a new handle for logicalPath. writable marks the handle as
// a writer for the purposes of the release-time last-writer decision.
func (c *Core) Open(logicalPath string, writable bool) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := Handle(atomic.AddUint64(&c.nextHandle, 1))
	c.handles[id] = &openHandle{path: logicalPath, writable: writable}
	if writable {
		c.writerCount[logicalPath]++
	}
	return id, nil
}

// Read serves size bytes at offset for an already-open handle.
func (c *Core) Read(ctx context.Context, h Handle, buf []byte, size int, offset int64) (int, error) {
	c.mu.Lock()
	oh, ok := c.handles[h]
	c.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("tiervfs: unknown handle %d", h)
	}

	c.stats.Read()
	return c.reader.Read(ctx, oh.path, buf[:size], offset)
}

// Write appends or writes size bytes at offset for an already-open handle.
// Tiered files only support append (offset is ignored in that case);
// resident files honor offset directly.
func (c *Core) Write(ctx context.Context, h Handle, buf []byte, size int, offset int64) (int, error) {
	c.mu.Lock()
	oh, ok := c.handles[h]
	c.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("tiervfs: unknown handle %d", h)
	}

	metaPath, err := c.mapper.MetadataPath(oh.path)
	if err != nil {
		return 0, err
	}

	if _, statErr := os.Stat(metaPath); os.IsNotExist(statErr) {
		return c.writeResident(oh.path, buf, size, offset)
	}

	if err := c.tailer.Write(ctx, oh.path, buf, size); err != nil {
		return 0, err
	}
	return size, nil
}

func (c *Core) writeResident(logicalPath string, buf []byte, size int, offset int64) (int, error) {
	proxyPath := c.mapper.ProxyPath(logicalPath)
	f, err := os.OpenFile(proxyPath, os.O_WRONLY, 0o644)
	if err != nil {
		return 0, &tiererrors.IoError{Op: "open-proxy", Path: proxyPath, Err: err}
	}
	defer f.Close()

	n, err := f.WriteAt(buf[:size], offset)
	if err != nil {
		return n, &tiererrors.IoError{Op: "write-proxy", Path: proxyPath, Err: err}
	}
	return n, nil
}

// Release closes h. When h was the last outstanding writable handle for its
// path, the release-time migration decision runs: resident files over
// threshold migrate wholesale; tiered files with a pending tail file get
// that tail re-segmented and appended.
func (c *Core) Release(ctx context.Context, h Handle) error {
	c.mu.Lock()
	oh, ok := c.handles[h]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("tiervfs: unknown handle %d", h)
	}
	delete(c.handles, h)

	lastWriter := false
	if oh.writable {
		c.writerCount[oh.path]--
		if c.writerCount[oh.path] <= 0 {
			delete(c.writerCount, oh.path)
			lastWriter = true
		}
	}
	c.mu.Unlock()

	if !lastWriter {
		return nil
	}

	return c.runReleaseDecision(ctx, oh.path)
}

func (c *Core) runReleaseDecision(ctx context.Context, logicalPath string) error {
	metaPath, err := c.mapper.MetadataPath(logicalPath)
	if err != nil {
		return err
	}

	if _, statErr := os.Stat(metaPath); os.IsNotExist(statErr) {
		return c.releaseResident(ctx, logicalPath)
	}

	tailPath, err := c.mapper.TailPath(logicalPath)
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(tailPath); os.IsNotExist(statErr) {
		return nil
	}

	return c.releaseTail(ctx, logicalPath, tailPath)
}

func (c *Core) releaseResident(ctx context.Context, logicalPath string) error {
	proxyPath := c.mapper.ProxyPath(logicalPath)
	info, err := os.Stat(proxyPath)
	if err != nil {
		return &tiererrors.IoError{Op: "stat-proxy", Path: proxyPath, Err: err}
	}
	if info.Size() <= c.cfg.Threshold {
		return nil
	}

	f, err := os.Open(proxyPath)
	if err != nil {
		return &tiererrors.IoError{Op: "open-proxy", Path: proxyPath, Err: err}
	}
	defer f.Close()

	migrated, deduped, err := c.migrator.Migrate(ctx, logicalPath, f, f, true, true)
	if err != nil {
		return err
	}
	c.stats.Migration(migrated, deduped)

	return os.Truncate(proxyPath, 0)
}

func (c *Core) releaseTail(ctx context.Context, logicalPath, tailPath string) error {
	f, err := os.Open(tailPath)
	if err != nil {
		return &tiererrors.IoError{Op: "open-tail", Path: tailPath, Err: err}
	}

	migrated, deduped, err := c.migrator.Migrate(ctx, logicalPath, f, f, false, true)
	if err != nil {
		f.Close()
		return err
	}
	c.stats.Migration(migrated, deduped)

	if err := f.Close(); err != nil {
		return &tiererrors.IoError{Op: "close-tail", Path: tailPath, Err: err}
	}
	return os.Remove(tailPath)
}

// Unlink releases every segment reference logicalPath holds and removes its
// on-SSD footprint.
func (c *Core) Unlink(ctx context.Context, logicalPath string) error {
	if err := c.unlinker.Unlink(ctx, logicalPath); err != nil {
		return err
	}
	c.stats.Unlink()
	return nil
}

// Stat returns the logical size and timestamps for logicalPath, reading
// from the metadata record for tiered files or the proxy for resident
// ones.
func (c *Core) Stat(logicalPath string) (Attrs, error) {
	metaPath, err := c.mapper.MetadataPath(logicalPath)
	if err != nil {
		return Attrs{}, err
	}

	if _, statErr := os.Stat(metaPath); os.IsNotExist(statErr) {
		proxyPath := c.mapper.ProxyPath(logicalPath)
		info, err := os.Stat(proxyPath)
		if err != nil {
			return Attrs{}, &tiererrors.IoError{Op: "stat-proxy", Path: proxyPath, Err: err}
		}
		mtime := info.ModTime().Unix()
		return Attrs{TotalSize: info.Size(), Atime: mtime, Mtime: mtime, Ctime: mtime}, nil
	}

	header, err := metarecord.Open(metaPath).ReadHeader()
	if err != nil {
		return Attrs{}, err
	}
	return Attrs{TotalSize: header.TotalSize, Atime: header.Atime, Mtime: header.Mtime, Ctime: header.Ctime}, nil
}
