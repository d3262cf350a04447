package fetch

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
)

// BodyLimits bound how a response body is read.
type BodyLimits struct {
	// MaxBytes rejects larger bodies. Zero means unlimited.
	MaxBytes int64
	// SpoolThreshold moves bodies larger than this to a temp file. Zero keeps everything in memory.
	SpoolThreshold int64
	// SpoolDir is passed to os.CreateTemp; empty uses the system default.
	SpoolDir string
}

// Body holds a response payload either in memory or spooled to disk.
type Body struct {
	data   []byte
	path   string
	size   int64
	closed atomic.Bool
}

// NewBody wraps an in-memory payload.
func NewBody(data []byte) *Body {
	return &Body{data: data, size: int64(len(data))}
}

// ReadBody drains r into a Body, spooling to disk past limits.SpoolThreshold.
func ReadBody(r io.Reader, limits BodyLimits) (*Body, error) {
	if limits.MaxBytes > 0 {
		r = io.LimitReader(r, limits.MaxBytes+1)
	}
	var buf bytes.Buffer
	if limits.SpoolThreshold <= 0 {
		n, err := buf.ReadFrom(r)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		if limits.MaxBytes > 0 && n > limits.MaxBytes {
			return nil, tooLarge(limits.MaxBytes)
		}
		return NewBody(buf.Bytes()), nil
	}

	n, err := io.CopyN(&buf, r, limits.SpoolThreshold+1)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if n <= limits.SpoolThreshold {
		if limits.MaxBytes > 0 && n > limits.MaxBytes {
			return nil, tooLarge(limits.MaxBytes)
		}
		return NewBody(buf.Bytes()), nil
	}

	f, err := os.CreateTemp(limits.SpoolDir, "fetchkit-body-*")
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	written, copyErr := io.Copy(f, io.MultiReader(&buf, r))
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(f.Name())
		return nil, fmt.Errorf("spool body: %w", errors.Join(copyErr, closeErr))
	}
	if limits.MaxBytes > 0 && written > limits.MaxBytes {
		_ = os.Remove(f.Name())
		return nil, tooLarge(limits.MaxBytes)
	}
	return &Body{path: f.Name(), size: written}, nil
}

func tooLarge(limit int64) error {
	return NewError(KindBodyTooLarge, "", fmt.Errorf("body exceeds %d bytes", limit))
}

// Len returns the payload size in bytes.
func (b *Body) Len() int64 {
	if b == nil {
		return 0
	}
	return b.size
}

// Spooled reports whether the payload lives in a temp file.
func (b *Body) Spooled() bool {
	return b != nil && b.path != ""
}

// Open returns a reader over the payload. Each call starts from the beginning.
func (b *Body) Open() (io.ReadCloser, error) {
	if b == nil {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	if b.closed.Load() {
		return nil, fmt.Errorf("body already closed")
	}
	if b.path == "" {
		return io.NopCloser(bytes.NewReader(b.data)), nil
	}
	f, err := os.Open(b.path)
	if err != nil {
		return nil, fmt.Errorf("open spooled body: %w", err)
	}
	return f, nil
}

// Bytes materializes the payload.
func (b *Body) Bytes() ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	if b.path == "" {
		return b.data, nil
	}
	rc, err := b.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close() //nolint:errcheck // read-only file
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read spooled body: %w", err)
	}
	return data, nil
}

// Close releases the spool file, if any. It is safe to call more than once.
func (b *Body) Close() error {
	if b == nil || !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	if b.path == "" {
		return nil
	}
	if err := os.Remove(b.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove spooled body: %w", err)
	}
	return nil
}
