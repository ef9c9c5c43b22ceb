// Package tiererrors defines the error taxonomy shared by every component of
// the tiering subsystem. Each kind is a distinct type so callers can use
// errors.As/errors.Is instead of matching on strings.
package tiererrors

import "fmt"

// NotFoundError is returned for a missing proxy, metadata record, or digest.
type NotFoundError struct {
	Kind string // "proxy", "metadata", "segment-ref"
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Key)
}

// CloudError wraps any non-success response from the object-store façade.
type CloudError struct {
	Op     string
	Status int
	Err    error
}

func (e *CloudError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cloud %s failed (status %d): %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("cloud %s failed (status %d)", e.Op, e.Status)
}

func (e *CloudError) Unwrap() error { return e.Err }

// CompressError indicates a malformed compressed stream.
type CompressError struct {
	Op  string
	Err error
}

func (e *CompressError) Error() string {
	return fmt.Sprintf("compress %s: %v", e.Op, e.Err)
}

func (e *CompressError) Unwrap() error { return e.Err }

// SegmenterError indicates the content-defined chunker failed mid-stream.
type SegmenterError struct {
	Err error
}

func (e *SegmenterError) Error() string {
	return fmt.Sprintf("segmenter: %v", e.Err)
}

func (e *SegmenterError) Unwrap() error { return e.Err }

// IoError wraps a local disk I/O failure with the path that triggered it.
type IoError struct {
	Op   string
	Path string
	Err  error
}

func (e *IoError) Error() string {
	return fmt.Sprintf("io %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IoError) Unwrap() error { return e.Err }

// InvariantError is surfaced by the read engine when it detects a digest
// referenced by a metadata record that the segment index has no entry for.
// The read engine must not fabricate data when this happens.
type InvariantError struct {
	Path   string
	Digest string
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violated for %s (digest %s): %s", e.Path, e.Digest, e.Detail)
}

// ConfigError indicates an invalid configuration value.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// DuplicateError is returned by the segment index when inserting a digest
// that is already present.
type DuplicateError struct {
	Digest string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("digest already indexed: %s", e.Digest)
}

// MissingError is returned by the segment index when acquiring or releasing
// a digest that has no entry.
type MissingError struct {
	Digest string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("digest not indexed: %s", e.Digest)
}
