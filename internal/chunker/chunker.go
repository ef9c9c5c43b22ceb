// Package chunker drives the content-defined chunking primitive
// (github.com/kalbasit/fastcdc) across a file body and yields the
// (offset, length, digest) tuples the migration engine needs.
// The rolling-hash chunker itself is an assumed external collaborator; this
// package only adapts its cut points to the tiering subsystem's digest and
// residual-handling conventions.
package chunker

import (
	"fmt"
	"io"

	"github.com/kalbasit/fastcdc"

	"github.com/javi11/tiervfs/internal/digest"
	"github.com/javi11/tiervfs/internal/tiererrors"
)

// Config mirrors fastcdc's (window, avg, min, max) parameters. min and max
// are derived from avg when zero.
type Config struct {
	Window int
	Avg    int
	Min    int
	Max    int
}

// WithDefaults fills in Min/Max from Avg: min = avg - avg/16, max =
// avg + avg/16.
func (c Config) WithDefaults() Config {
	if c.Min == 0 {
		c.Min = c.Avg - c.Avg/16
	}
	if c.Max == 0 {
		c.Max = c.Avg + c.Avg/16
	}
	return c
}

// Segment is one closed, content-defined cut of a byte stream.
type Segment struct {
	Offset int64
	Length int
	Digest string
}

// Wrapper drives fastcdc across a stream. A Wrapper is reset between files by
// calling Segment again; it carries no state across calls.
type Wrapper struct {
	cfg Config
}

// New returns a chunker wrapper with the given rolling-hash parameters.
func New(cfg Config) *Wrapper {
	return &Wrapper{cfg: cfg.WithDefaults()}
}

// Segment drives the chunker over r from its current position, returning
// every chunk but the last as a closed segment, in stream order, plus the
// last chunk's bytes as a trailing residual.
//
// The chunker is not asked to distinguish a natural cut point from a
// forced flush at EOF; that signal isn't assumed here, so the final chunk
// is always held back as residual. Callers that want every byte accounted
// for as a segment (the release-time "emit_tail=true" path in the
// migration engine) treat a non-empty residual as one final segment of
// their own, digesting it themselves; callers implementing the append
// path keep the residual for later.
func (w *Wrapper) Segment(r io.Reader) ([]Segment, []byte, error) {
	c, err := fastcdc.NewChunker(r, fastcdc.Options{
		WindowSize: w.cfg.Window,
		MinSize:    w.cfg.Min,
		AverageSize: w.cfg.Avg,
		MaxSize:    w.cfg.Max,
	})
	if err != nil {
		return nil, nil, &tiererrors.SegmenterError{Err: fmt.Errorf("create chunker: %w", err)}
	}

	var (
		segments []Segment
		offset   int64
		pending  *fastcdc.Chunk
	)

	for {
		chunk, err := c.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, &tiererrors.SegmenterError{Err: err}
		}

		// Hold the most recently read chunk back by one step so that, once
		// the loop observes EOF, the truly final chunk can be reported as
		// residual rather than a closed segment.
		if pending != nil {
			segments = append(segments, Segment{
				Offset: offset,
				Length: len(pending.Data),
				Digest: digest.Sum(pending.Data),
			})
			offset += int64(len(pending.Data))
		}
		c := chunk
		pending = &c
	}

	if pending == nil {
		return segments, nil, nil
	}

	return segments, pending.Data, nil
}
