package cachestats

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder is the narrow interface Core depends on, so callers that don't
// care about persistence (tests, fsck) can pass a no-op implementation.
type Recorder interface {
	Read()
	CacheHit()
	CacheMiss()
	Migration(bytesMigrated, bytesDeduped int64)
	Unlink()
}

// NoopRecorder discards every event.
type NoopRecorder struct{}

func (NoopRecorder) Read()                                 {}
func (NoopRecorder) CacheHit()                              {}
func (NoopRecorder) CacheMiss()                             {}
func (NoopRecorder) Migration(migrated, deduped int64)       {}
func (NoopRecorder) Unlink()                                {}

// PromRecorder records events into both the durable Store and a set of
// Prometheus collectors, registered under the "tiervfs" namespace.
type PromRecorder struct {
	store  *Store
	logger *slog.Logger

	reads       prometheus.Counter
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
	migrations  prometheus.Counter
	unlinks     prometheus.Counter
	bytesMigrated prometheus.Counter
	bytesDeduped  prometheus.Counter
}

// NewPromRecorder registers tiervfs_* counters with reg and persists the
// same events into store.
func NewPromRecorder(reg prometheus.Registerer, store *Store, logger *slog.Logger) *PromRecorder {
	r := &PromRecorder{
		store:  store,
		logger: logger,
		reads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tiervfs", Name: "reads_total", Help: "Total read() calls served.",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tiervfs", Name: "cache_hits_total", Help: "Segment fetches served from the local cache.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tiervfs", Name: "cache_misses_total", Help: "Segment fetches that required a cloud download.",
		}),
		migrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tiervfs", Name: "migrations_total", Help: "Migration engine runs.",
		}),
		unlinks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tiervfs", Name: "unlinks_total", Help: "Files unlinked.",
		}),
		bytesMigrated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tiervfs", Name: "bytes_migrated_total", Help: "Bytes migrated to the object store.",
		}),
		bytesDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tiervfs", Name: "bytes_deduped_total", Help: "Bytes not re-uploaded due to dedup.",
		}),
	}

	reg.MustRegister(r.reads, r.cacheHits, r.cacheMisses, r.migrations, r.unlinks, r.bytesMigrated, r.bytesDeduped)
	return r
}

func (r *PromRecorder) Read() {
	r.reads.Inc()
	r.persist(CounterReads, 1)
}

func (r *PromRecorder) CacheHit() {
	r.cacheHits.Inc()
	r.persist(CounterCacheHits, 1)
}

func (r *PromRecorder) CacheMiss() {
	r.cacheMisses.Inc()
	r.persist(CounterCacheMisses, 1)
}

func (r *PromRecorder) Migration(bytesMigrated, bytesDeduped int64) {
	r.migrations.Inc()
	r.bytesMigrated.Add(float64(bytesMigrated))
	r.bytesDeduped.Add(float64(bytesDeduped))
	r.persist(CounterMigrations, 1)
	r.persist(CounterBytesMigrated, bytesMigrated)
	r.persist(CounterBytesDeduped, bytesDeduped)
}

func (r *PromRecorder) Unlink() {
	r.unlinks.Inc()
	r.persist(CounterUnlinks, 1)
}

func (r *PromRecorder) persist(name string, delta int64) {
	if r.store == nil {
		return
	}
	if err := r.store.Incr(context.Background(), name, delta); err != nil {
		r.logger.Warn("cachestats: failed to persist counter", "counter", name, "error", err)
	}
}

var _ Recorder = (*PromRecorder)(nil)
var _ Recorder = NoopRecorder{}
