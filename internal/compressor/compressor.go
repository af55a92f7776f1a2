package compressor

import (
	"context"
	"fmt"
	"time"
)

// DefaultMarker is appended to every file this tool writes. A file ending in
// it is treated as already compressed.
const DefaultMarker = "tiny"

// Status is the lifecycle state of a compression unit.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Unit is one file submitted for compression.
type Unit struct {
	Index      int
	InputPath  string
	OutputPath string
}

// CompressionResult describes the result of compressing a single file.
type CompressionResult struct {
	InputPath      string
	OutputPath     string
	OriginalSize   int64
	CompressedSize int64
	// Ratio is the new size as a percentage of the original, two decimals.
	Ratio      float64
	Status     Status
	Skipped    bool
	Attempts   int
	StartedAt  time.Time
	FinishedAt time.Time
	Error      error
}

// Compressor compresses one file to outputPath. outputPath may equal
// inputPath, in which case the original is replaced atomically.
type Compressor interface {
	Compress(ctx context.Context, inputPath, outputPath string) (CompressionResult, error)
}

// Phase identifies what a progress Event reports.
type Phase string

const (
	PhaseUpload   Phase = "upload"
	PhaseDownload Phase = "download"
	PhaseDone     Phase = "done"
	PhaseFailed   Phase = "failed"
	PhaseSkipped  Phase = "skipped"
)

// Event is a progress notification for a single file.
type Event struct {
	Path  string `json:"path"`
	Phase Phase  `json:"phase"`
	Done  int64  `json:"done"`
	Total int64  `json:"total"`
	Ratio string `json:"ratio,omitempty"`
	Error string `json:"error,omitempty"`
}

// ProgressFunc receives progress events. It may be called from many
// goroutines at once.
type ProgressFunc func(Event)

// CompressionFailure is returned when a file could not be compressed after
// all attempts.
type CompressionFailure struct {
	Path     string
	Attempts int
	Err      error
}

func (e *CompressionFailure) Error() string {
	return fmt.Sprintf("compress %s failed after %d attempt(s): %v", e.Path, e.Attempts, e.Err)
}

func (e *CompressionFailure) Unwrap() error { return e.Err }

// DirectoryNotFoundError is returned for a batch directory that does not exist.
type DirectoryNotFoundError struct {
	Dir string
}

func (e *DirectoryNotFoundError) Error() string {
	return fmt.Sprintf("directory not found: %s", e.Dir)
}

// EmptyDirectoryError is returned when a batch directory has no eligible images.
type EmptyDirectoryError struct {
	Dir string
}

func (e *EmptyDirectoryError) Error() string {
	return fmt.Sprintf("no images found in %s", e.Dir)
}
