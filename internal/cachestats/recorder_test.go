package cachestats

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestPromRecorderUpdatesCountersAndPersistsToStore(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "stats.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	r := NewPromRecorder(reg, store, slog.Default())

	r.Read()
	r.CacheHit()
	r.CacheMiss()
	r.Unlink()
	r.Migration(100, 40)

	if got := counterValue(t, r.reads); got != 1 {
		t.Fatalf("reads = %v, want 1", got)
	}
	if got := counterValue(t, r.cacheHits); got != 1 {
		t.Fatalf("cacheHits = %v, want 1", got)
	}
	if got := counterValue(t, r.bytesMigrated); got != 100 {
		t.Fatalf("bytesMigrated = %v, want 100", got)
	}
	if got := counterValue(t, r.bytesDeduped); got != 40 {
		t.Fatalf("bytesDeduped = %v, want 40", got)
	}

	snap, err := store.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap[CounterReads] != 1 {
		t.Fatalf("persisted reads = %d, want 1", snap[CounterReads])
	}
	if snap[CounterBytesMigrated] != 100 {
		t.Fatalf("persisted bytes_migrated = %d, want 100", snap[CounterBytesMigrated])
	}
}
