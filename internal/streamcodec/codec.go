// Package streamcodec implements the compression bridge between file
// handles and their on-object-store bytes, built on
// github.com/klauspost/compress/zstd and adapted to the fixed-length
// byte-count contract the migration and read engines rely on.
package streamcodec

import (
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/javi11/tiervfs/internal/tiererrors"
)

// Bridge streams bytes through the compressor. NoCompress is a per-instance
// flag, not process-wide state, so callers can run multiple bridges with
// different settings concurrently without a shared mutable kill-switch.
type Bridge struct {
	NoCompress bool
}

// New returns a compression bridge honoring the no_compress kill-switch.
func New(noCompress bool) *Bridge {
	return &Bridge{NoCompress: noCompress}
}

// Deflate streams exactly n uncompressed bytes from src and writes the
// (possibly passthrough, if NoCompress) deflated output to dst. It returns
// the number of bytes written to dst.
func (b *Bridge) Deflate(src io.Reader, dst io.Writer, n int64) (int64, error) {
	limited := io.LimitReader(src, n)

	if b.NoCompress {
		written, err := io.Copy(dst, limited)
		if err != nil {
			return written, &tiererrors.CompressError{Op: "deflate-passthrough", Err: err}
		}
		return written, nil
	}

	cw := &countingWriter{w: dst}
	enc, err := zstd.NewWriter(cw)
	if err != nil {
		return 0, &tiererrors.CompressError{Op: "deflate-init", Err: err}
	}

	if _, err := io.Copy(enc, limited); err != nil {
		enc.Close()
		return cw.n, &tiererrors.CompressError{Op: "deflate", Err: err}
	}
	if err := enc.Close(); err != nil {
		return cw.n, &tiererrors.CompressError{Op: "deflate-close", Err: err}
	}

	return cw.n, nil
}

// countingWriter tracks bytes actually written to the underlying writer, so
// Deflate can report the compressed size rather than the uncompressed input
// size it copied in.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Inflate streams the full inflated output of src into dst. When NoCompress
// is set the bytes are assumed to already be uncompressed and are copied
// through unchanged.
func (b *Bridge) Inflate(src io.Reader, dst io.Writer) (int64, error) {
	if b.NoCompress {
		n, err := io.Copy(dst, src)
		if err != nil {
			return n, &tiererrors.CompressError{Op: "inflate-passthrough", Err: err}
		}
		return n, nil
	}

	dec, err := zstd.NewReader(src)
	if err != nil {
		return 0, &tiererrors.CompressError{Op: "inflate-init", Err: err}
	}
	defer dec.Close()

	n, err := io.Copy(dst, dec)
	if err != nil {
		return n, &tiererrors.CompressError{Op: "inflate", Err: err}
	}

	return n, nil
}
