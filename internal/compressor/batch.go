package compressor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"tinify-unlimited/internal/logger"
	"tinify-unlimited/internal/statistics"

	"github.com/sirupsen/logrus"
)

// DefaultPattern matches the file names a batch directory scan picks up.
var DefaultPattern = regexp.MustCompile(`(?i)^.*\.(jpe?g|png|svga)$`)

// BatchOptions tunes a Batch.
type BatchOptions struct {
	Workers int
	// OutputDir, when set, receives the compressed files under their base
	// names; otherwise originals are replaced.
	OutputDir string
	Pattern   *regexp.Regexp
}

// Batch fans a list of files out to a fixed set of workers.
type Batch struct {
	compressor Compressor
	logger     *logrus.Logger
	opts       BatchOptions
}

// NewBatch creates a Batch around c.
func NewBatch(c Compressor, log *logrus.Logger, opts BatchOptions) *Batch {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Pattern == nil {
		opts.Pattern = DefaultPattern
	}
	return &Batch{compressor: c, logger: log, opts: opts}
}

// CompressBatch compresses paths concurrently and returns the aggregated
// report. Per-file failures are collected in the report's error list.
func (b *Batch) CompressBatch(ctx context.Context, paths []string) statistics.Report {
	builder := statistics.NewBuilder()
	log := logger.WithOperation(b.logger, "batch")
	log.WithField("workers", b.opts.Workers).Infof("Compressing %d file(s)", len(paths))

	type result struct {
		unit Unit
		res  CompressionResult
		err  error
	}

	jobs := make(chan Unit, len(paths))
	results := make(chan result, len(paths))

	var wg sync.WaitGroup
	wg.Add(b.opts.Workers)
	for w := 0; w < b.opts.Workers; w++ {
		go func() {
			defer wg.Done()
			for u := range jobs {
				if err := ctx.Err(); err != nil {
					results <- result{unit: u, err: &CompressionFailure{Path: u.InputPath, Err: err}}
					continue
				}
				res, err := b.compressor.Compress(ctx, u.InputPath, u.OutputPath)
				results <- result{unit: u, res: res, err: err}
			}
		}()
	}

	for i, path := range paths {
		jobs <- Unit{Index: i, InputPath: path, OutputPath: b.outputPath(path)}
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	done := 0
	for r := range results {
		done++
		if r.err != nil {
			builder.AddFailure(r.unit.InputPath)
			log.Warnf("[%d/%d] %s failed", done, len(paths), filepath.Base(r.unit.InputPath))
			continue
		}
		builder.AddSuccess(r.unit.InputPath, r.res.OriginalSize, r.res.CompressedSize, r.res.Skipped)
		log.Debugf("[%d/%d] %s done", done, len(paths), filepath.Base(r.unit.InputPath))
	}

	report := builder.Finalize(len(paths))
	report.OutputDir = b.opts.OutputDir
	log.WithFields(logrus.Fields{
		"success": report.SuccessCount,
		"failed":  report.ErrorCount,
		"skipped": report.SkippedCount,
	}).Infof("Batch finished in %s", report.Time)
	return report
}

// CompressFromDir compresses every file in dir whose name matches the
// batch pattern. Subdirectories are not descended into.
func (b *Batch) CompressFromDir(ctx context.Context, dir string) (statistics.Report, error) {
	paths, err := ListImages(dir, b.opts.Pattern)
	if err != nil {
		return statistics.Report{}, err
	}
	if len(paths) == 0 {
		return statistics.Report{}, &EmptyDirectoryError{Dir: dir}
	}
	report := b.CompressBatch(ctx, paths)
	report.InputDir = dir
	return report, nil
}

func (b *Batch) outputPath(input string) string {
	if b.opts.OutputDir == "" {
		return input
	}
	return filepath.Join(b.opts.OutputDir, filepath.Base(input))
}

// ListImages returns the regular files directly under dir whose names match
// pattern, sorted by name.
func ListImages(dir string, pattern *regexp.Regexp) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, &DirectoryNotFoundError{Dir: dir}
	}
	if pattern == nil {
		pattern = DefaultPattern
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	var paths []string
	for _, e := range entries {
		if !e.Type().IsRegular() || !pattern.MatchString(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}
