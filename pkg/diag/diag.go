// Package diag provides the SDK's internal diagnostic log: a size-rotated
// JSON Lines file fed through slog. It captures the pipeline's own behavior
// (export cycles, store errors) for debugging field issues without touching
// the telemetry the SDK collects.
package diag

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

const (
	defaultMaxSizeBytes    = 5 * 1024 * 1024
	defaultMaxRotatedFiles = 3
)

// RotatingFile is an io.Writer that appends to a file and rotates it when it
// exceeds a size threshold. Rotated files are suffixed .1 (newest) through
// .N (oldest). Safe for concurrent use.
type RotatingFile struct {
	path            string
	maxSizeBytes    int64
	maxRotatedFiles int

	mu     sync.Mutex
	file   *os.File
	closed bool
}

// RotatingFileOption configures a RotatingFile.
type RotatingFileOption func(*RotatingFile)

// WithMaxSize sets the size threshold that triggers rotation (default: 5MB).
func WithMaxSize(bytes int64) RotatingFileOption {
	return func(rf *RotatingFile) {
		rf.maxSizeBytes = bytes
	}
}

// WithMaxRotatedFiles sets how many rotated files to keep (default: 3).
func WithMaxRotatedFiles(count int) RotatingFileOption {
	return func(rf *RotatingFile) {
		rf.maxRotatedFiles = count
	}
}

// NewRotatingFile opens path for append, creating parent directories as
// needed. Rotation is checked after every write.
func NewRotatingFile(path string, opts ...RotatingFileOption) (*RotatingFile, error) {
	rf := &RotatingFile{
		path:            path,
		maxSizeBytes:    defaultMaxSizeBytes,
		maxRotatedFiles: defaultMaxRotatedFiles,
	}
	for _, opt := range opts {
		opt(rf)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create diagnostic log directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open diagnostic log: %w", err)
	}
	rf.file = file
	return rf, nil
}

// Write appends p to the current file and rotates afterwards if the
// threshold is exceeded, so a single oversized record still lands intact.
func (rf *RotatingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.closed {
		return 0, fmt.Errorf("diagnostic log closed")
	}

	n, err := rf.file.Write(p)
	if err != nil {
		return n, fmt.Errorf("failed to write diagnostic log: %w", err)
	}

	if err := rf.rotateIfNeeded(); err != nil {
		return n, fmt.Errorf("failed to rotate diagnostic log: %w", err)
	}
	return n, nil
}

// Close flushes and closes the current file. Further writes fail.
func (rf *RotatingFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.closed {
		return nil
	}
	rf.closed = true

	if err := rf.file.Sync(); err != nil {
		rf.file.Close()
		return fmt.Errorf("failed to sync diagnostic log: %w", err)
	}
	return rf.file.Close()
}

// rotateIfNeeded checks file size and rotates past the threshold.
// Must be called with lock held.
func (rf *RotatingFile) rotateIfNeeded() error {
	info, err := rf.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat diagnostic log: %w", err)
	}
	if info.Size() < rf.maxSizeBytes {
		return nil
	}

	if err := rf.file.Close(); err != nil {
		return fmt.Errorf("failed to close diagnostic log for rotation: %w", err)
	}
	if err := rf.shiftRotated(); err != nil {
		return err
	}

	file, err := os.OpenFile(rf.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to reopen diagnostic log after rotation: %w", err)
	}
	rf.file = file
	return nil
}

// shiftRotated ages the rotated files: .N is dropped, .i becomes .i+1, the
// live file becomes .1. Must be called with lock held.
func (rf *RotatingFile) shiftRotated() error {
	oldest := fmt.Sprintf("%s.%d", rf.path, rf.maxRotatedFiles)
	if _, err := os.Stat(oldest); err == nil {
		if err := os.Remove(oldest); err != nil {
			return fmt.Errorf("failed to remove oldest rotated log: %w", err)
		}
	}

	for i := rf.maxRotatedFiles - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", rf.path, i)
		to := fmt.Sprintf("%s.%d", rf.path, i+1)
		if _, err := os.Stat(from); err == nil {
			if err := os.Rename(from, to); err != nil {
				return fmt.Errorf("failed to shift rotated log %s: %w", from, err)
			}
		}
	}

	if err := os.Rename(rf.path, rf.path+".1"); err != nil {
		return fmt.Errorf("failed to rotate current log: %w", err)
	}
	return nil
}

// NewLogger builds a slog.Logger writing JSON Lines to a rotated file at
// path. The returned closer must be called on shutdown to flush the file.
func NewLogger(path string, level slog.Level, opts ...RotatingFileOption) (*slog.Logger, io.Closer, error) {
	rf, err := NewRotatingFile(path, opts...)
	if err != nil {
		return nil, nil, err
	}
	handler := slog.NewJSONHandler(rf, &slog.HandlerOptions{Level: level})
	return slog.New(handler), rf, nil
}
