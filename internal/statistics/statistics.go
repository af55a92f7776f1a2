package statistics

import (
	"fmt"
	"math"
	"math/big"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileSummary describes one successfully compressed file.
type FileSummary struct {
	Name       string `json:"name"`
	InputSize  string `json:"input_size"`
	OutputSize string `json:"output_size"`
	Ratio      string `json:"ratio"`
	Skipped    bool   `json:"skipped,omitempty"`
}

// Report is the immutable summary of one batch.
type Report struct {
	BatchID        string        `json:"batch_id"`
	InputDir       string        `json:"input_dir,omitempty"`
	OutputDir      string        `json:"output_dir,omitempty"`
	FileCount      int           `json:"file_num"`
	SuccessCount   int           `json:"success_count"`
	ErrorCount     int           `json:"error_count"`
	SkippedCount   int           `json:"skipped_count"`
	InputBytes     *big.Int      `json:"input_bytes"`
	OutputBytes    *big.Int      `json:"output_bytes"`
	InputSize      string        `json:"input_size"`
	OutputSize     string        `json:"output_size"`
	Compression    string        `json:"compression"`
	Time           string        `json:"time"`
	Speed          string        `json:"speed"`
	Elapsed        time.Duration `json:"-"`
	FilesPerSecond float64       `json:"-"`
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     time.Time     `json:"finished_at"`
	ErrorFiles     []string      `json:"error_files"`
	SuccessFiles   []FileSummary `json:"success_files"`
}

// Builder accumulates per-file outcomes into a Report. It is safe for
// concurrent use.
type Builder struct {
	mutex sync.Mutex

	batchID   string
	startTime time.Time
	success   int
	skipped   int
	in        *big.Int
	out       *big.Int
	errors    []string
	files     []FileSummary
}

// NewBuilder starts the clock for a new batch.
func NewBuilder() *Builder {
	return &Builder{
		batchID:   uuid.NewString(),
		startTime: time.Now(),
		in:        new(big.Int),
		out:       new(big.Int),
		errors:    make([]string, 0),
		files:     make([]FileSummary, 0),
	}
}

// AddSuccess records a compressed (or skipped) file and its sizes.
func (b *Builder) AddSuccess(path string, oldSize, newSize int64, skipped bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.success++
	if skipped {
		b.skipped++
	}
	b.in.Add(b.in, big.NewInt(oldSize))
	b.out.Add(b.out, big.NewInt(newSize))
	b.files = append(b.files, FileSummary{
		Name:       filepath.Base(path),
		InputSize:  FormatBytes(oldSize),
		OutputSize: FormatBytes(newSize),
		Ratio:      FormatRatio(CompressionRatio(oldSize, newSize)),
		Skipped:    skipped,
	})
}

// AddFailure records a file that failed after its retries.
func (b *Builder) AddFailure(path string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.errors = append(b.errors, path)
}

// Finalize stops the clock and returns the report for total submitted files.
func (b *Builder) Finalize(total int) Report {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	end := time.Now()
	elapsed := end.Sub(b.startTime)

	var fps float64
	if elapsed.Seconds() > 0 {
		fps = float64(total) / elapsed.Seconds()
	}

	return Report{
		BatchID:        b.batchID,
		FileCount:      total,
		SuccessCount:   b.success,
		ErrorCount:     len(b.errors),
		SkippedCount:   b.skipped,
		InputBytes:     new(big.Int).Set(b.in),
		OutputBytes:    new(big.Int).Set(b.out),
		InputSize:      FormatBigBytes(b.in),
		OutputSize:     FormatBigBytes(b.out),
		Compression:    FormatRatio(BigCompressionRatio(b.in, b.out)),
		Time:           fmt.Sprintf("%.2f s", elapsed.Seconds()),
		Speed:          fmt.Sprintf("%.2f files/s", fps),
		Elapsed:        elapsed,
		FilesPerSecond: fps,
		StartedAt:      b.startTime,
		FinishedAt:     end,
		ErrorFiles:     append([]string{}, b.errors...),
		SuccessFiles:   append([]FileSummary{}, b.files...),
	}
}

// CompressionRatio returns new size as a percentage of old size, rounded to
// two decimals. An empty input counts as 100%.
func CompressionRatio(oldSize, newSize int64) float64 {
	if oldSize <= 0 {
		return 100
	}
	return math.Round(100*float64(newSize)/float64(oldSize)*100) / 100
}

// BigCompressionRatio is CompressionRatio over arbitrary-precision totals.
func BigCompressionRatio(oldSize, newSize *big.Int) float64 {
	if oldSize.Sign() <= 0 {
		return 100
	}
	r := new(big.Rat).SetFrac(new(big.Int).Mul(newSize, big.NewInt(100)), oldSize)
	f, _ := r.Float64()
	return math.Round(f*100) / 100
}

// FormatRatio renders a percentage the way reports show it, e.g. "45.12%".
func FormatRatio(ratio float64) string {
	s := fmt.Sprintf("%.2f", ratio)
	s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	return s + "%"
}

// FormatBytes returns a human-readable size: B below 1 KiB, KB below 1 MiB,
// MB above, always with two decimals.
func FormatBytes(bytes int64) string {
	return FormatBigBytes(big.NewInt(bytes))
}

// FormatBigBytes is FormatBytes for arbitrary-precision byte counts.
func FormatBigBytes(bytes *big.Int) string {
	const unit = 1024
	f, _ := new(big.Float).SetInt(bytes).Float64()
	switch {
	case f < unit:
		return fmt.Sprintf("%.2f B", f)
	case f < unit*unit:
		return fmt.Sprintf("%.2f KB", f/unit)
	default:
		return fmt.Sprintf("%.2f MB", f/unit/unit)
	}
}

// Summary returns a formatted multi-line summary of the report.
func (r Report) Summary() string {
	output := "overwrite originals"
	if r.OutputDir != "" {
		output = r.OutputDir
	}
	s := fmt.Sprintf(`Compression Summary:

Files:
		Total: %d
		Succeeded: %d
		Already Compressed: %d
		Failed: %d

Size:
		Input: %s
		Output: %s
		Compression: %s

Performance:
		Time: %s
		Speed: %s

Output: %s`,
		r.FileCount,
		r.SuccessCount,
		r.SkippedCount,
		r.ErrorCount,
		r.InputSize,
		r.OutputSize,
		r.Compression,
		r.Time,
		r.Speed,
		output)

	if r.InputDir != "" {
		s += "\nInput: " + r.InputDir
	}
	return s
}

// ErrorSummary lists the failed files, at most ten of them.
func (r Report) ErrorSummary() string {
	if len(r.ErrorFiles) == 0 {
		return "No errors occurred during compression"
	}

	result := fmt.Sprintf("Failed files (%d total):\n", len(r.ErrorFiles))
	for i, path := range r.ErrorFiles {
		if i >= 10 {
			result += fmt.Sprintf("  ... and %d more\n", len(r.ErrorFiles)-10)
			break
		}
		result += fmt.Sprintf("  %s\n", path)
	}
	return result
}

// Combine folds a retry report into the report of the first pass: files that
// succeeded on retry move from the error list to the success list.
func Combine(first, retry Report) Report {
	out := first
	out.SuccessCount += retry.SuccessCount
	out.SkippedCount += retry.SkippedCount
	out.InputBytes = new(big.Int).Add(orZero(first.InputBytes), orZero(retry.InputBytes))
	out.OutputBytes = new(big.Int).Add(orZero(first.OutputBytes), orZero(retry.OutputBytes))
	out.InputSize = FormatBigBytes(out.InputBytes)
	out.OutputSize = FormatBigBytes(out.OutputBytes)
	out.Compression = FormatRatio(BigCompressionRatio(out.InputBytes, out.OutputBytes))
	out.SuccessFiles = append(append([]FileSummary{}, first.SuccessFiles...), retry.SuccessFiles...)
	out.ErrorFiles = append([]string{}, retry.ErrorFiles...)
	out.ErrorCount = len(out.ErrorFiles)
	if retry.FinishedAt.After(out.FinishedAt) {
		out.FinishedAt = retry.FinishedAt
	}
	out.Elapsed = out.FinishedAt.Sub(out.StartedAt)
	out.Time = fmt.Sprintf("%.2f s", out.Elapsed.Seconds())
	if out.Elapsed.Seconds() > 0 {
		out.FilesPerSecond = float64(out.FileCount) / out.Elapsed.Seconds()
	}
	out.Speed = fmt.Sprintf("%.2f files/s", out.FilesPerSecond)
	return out
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
