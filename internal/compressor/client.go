package compressor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"tinify-unlimited/internal/logger"
	"tinify-unlimited/internal/retry"
	"tinify-unlimited/internal/rotator"
	"tinify-unlimited/internal/statistics"
	"tinify-unlimited/internal/tinify"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// API is the part of tinify.Client used for compression.
type API interface {
	Shrink(ctx context.Context, key string, body io.Reader, size int64) (tinify.ShrinkResult, error)
	Download(ctx context.Context, location string, w io.Writer) (int64, error)
}

// KeySource hands out key leases and takes usage feedback. *rotator.Rotator
// implements it.
type KeySource interface {
	EnsureCapacity(ctx context.Context) (rotator.Lease, error)
	Observe(ctx context.Context, lease rotator.Lease, count int)
	Invalidate(lease rotator.Lease)
	MarkExhausted(lease rotator.Lease)
}

// ClientOptions tunes a Client.
type ClientOptions struct {
	Marker   []byte
	Attempts int
	Backoff  time.Duration
	Progress ProgressFunc
}

// DefaultClientOptions returns four attempts with no pause and the stock marker.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{Marker: []byte(DefaultMarker), Attempts: 4}
}

// Client compresses single files through the Tinify API.
type Client struct {
	api    API
	keys   KeySource
	logger *logrus.Logger
	opts   ClientOptions
}

// NewClient creates a Client.
func NewClient(api API, keys KeySource, log *logrus.Logger, opts ClientOptions) *Client {
	if opts.Attempts <= 0 {
		opts.Attempts = 4
	}
	if opts.Marker == nil {
		opts.Marker = []byte(DefaultMarker)
	}
	return &Client{api: api, keys: keys, logger: log, opts: opts}
}

// Compress uploads inputPath, downloads the result and writes it to
// outputPath followed by the marker. Files that already carry the marker are
// reported as skipped without any network call.
func (c *Client) Compress(ctx context.Context, inputPath, outputPath string) (CompressionResult, error) {
	res := CompressionResult{
		InputPath:  inputPath,
		OutputPath: outputPath,
		Status:     StatusPending,
		StartedAt:  time.Now(),
	}
	log := logger.WithFile(c.logger, inputPath)

	info, err := os.Stat(inputPath)
	if err != nil {
		return c.fail(res, 0, err)
	}
	res.OriginalSize = info.Size()

	marked, err := HasMarker(inputPath, c.opts.Marker)
	if err != nil {
		return c.fail(res, 0, err)
	}
	if marked {
		log.Info("Already compressed, skipping")
		res.CompressedSize = res.OriginalSize
		res.Ratio = 100
		res.Skipped = true
		res.Status = StatusSuccess
		res.FinishedAt = time.Now()
		c.emit(Event{Path: inputPath, Phase: PhaseSkipped, Done: res.OriginalSize, Total: res.OriginalSize, Ratio: "100%"})
		return res, nil
	}

	policy := retry.Policy{Attempts: c.opts.Attempts, Backoff: c.opts.Backoff}
	onRetry := func(attempt int, err error) {
		log.WithField("attempt", attempt).Warnf("Compression failed, retrying: %v", err)
	}

	var newSize int64
	attempts, err := retry.Do(ctx, policy, onRetry, func(int) error {
		n, err := c.attempt(ctx, log, inputPath, outputPath, info)
		newSize = n
		return err
	})
	res.Attempts = attempts
	if err != nil {
		return c.fail(res, attempts, err)
	}

	res.CompressedSize = newSize
	res.Ratio = statistics.CompressionRatio(res.OriginalSize, newSize)
	res.Status = StatusSuccess
	res.FinishedAt = time.Now()

	ratio := statistics.FormatRatio(res.Ratio)
	log.Infof("Compressed [%s -> %s] %s", statistics.FormatBytes(res.OriginalSize), statistics.FormatBytes(newSize), ratio)
	c.emit(Event{Path: inputPath, Phase: PhaseDone, Done: newSize, Total: res.OriginalSize, Ratio: ratio})
	return res, nil
}

func (c *Client) fail(res CompressionResult, attempts int, err error) (CompressionResult, error) {
	failure := &CompressionFailure{Path: res.InputPath, Attempts: attempts, Err: err}
	res.Status = StatusFailed
	res.Attempts = attempts
	res.Error = failure
	res.FinishedAt = time.Now()
	logger.WithFile(c.logger, res.InputPath).Errorf("Compression failed: %v", err)
	c.emit(Event{Path: res.InputPath, Phase: PhaseFailed, Total: res.OriginalSize, Error: err.Error()})
	return res, failure
}

// attempt runs one upload/download cycle and returns the size of the written
// file.
func (c *Client) attempt(ctx context.Context, log *logrus.Entry, inputPath, outputPath string, info os.FileInfo) (int64, error) {
	lease, err := c.keys.EnsureCapacity(ctx)
	if err != nil {
		var pf *rotator.ProvisioningFailure
		if errors.As(err, &pf) || ctx.Err() != nil {
			return 0, retry.Permanent(err)
		}
		return 0, err
	}

	f, err := os.Open(inputPath)
	if err != nil {
		return 0, retry.Permanent(err)
	}
	defer f.Close()

	log.Infof("Uploading [%s]", statistics.FormatBytes(info.Size()))
	body := &progressReader{r: f, total: info.Size(), fn: func(done, total int64) {
		c.emit(Event{Path: inputPath, Phase: PhaseUpload, Done: done, Total: total})
	}}

	shrunk, err := c.api.Shrink(ctx, lease.Key, body, info.Size())
	switch {
	case errors.Is(err, tinify.ErrUnauthorized):
		c.keys.Invalidate(lease)
		return 0, &rotator.InvalidCredentialError{Key: lease.Key, Err: err}
	case errors.Is(err, tinify.ErrTooManyRequests):
		c.keys.MarkExhausted(lease)
		return 0, err
	case err != nil:
		return 0, err
	}
	c.keys.Observe(ctx, lease, shrunk.CompressionCount)
	log.WithField("count", shrunk.CompressionCount).Debug("Uploaded, downloading result")

	return c.save(ctx, inputPath, shrunk.Location, outputPath, info.Mode().Perm())
}

// save downloads location into a temporary file next to outputPath, appends
// the marker and renames it into place.
func (c *Client) save(ctx context.Context, inputPath, location, outputPath string, perm os.FileMode) (int64, error) {
	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, retry.Permanent(fmt.Errorf("create output dir: %w", err))
	}

	tmpPath := filepath.Join(dir, "."+filepath.Base(outputPath)+"."+uuid.NewString()+".tmp")
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	w := &progressWriter{w: tmp, fn: func(done, _ int64) {
		c.emit(Event{Path: inputPath, Phase: PhaseDownload, Done: done, Total: -1})
	}}
	n, err := c.api.Download(ctx, location, w)
	if err != nil {
		return 0, err
	}
	if _, err := tmp.Write(c.opts.Marker); err != nil {
		return 0, fmt.Errorf("write marker: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return 0, fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return 0, fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, outputPath); err != nil {
		return 0, fmt.Errorf("replace %s: %w", outputPath, err)
	}
	success = true
	return n + int64(len(c.opts.Marker)), nil
}

func (c *Client) emit(e Event) {
	if c.opts.Progress != nil {
		c.opts.Progress(e)
	}
}
