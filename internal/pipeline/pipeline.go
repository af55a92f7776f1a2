// Package pipeline wires the key pool, rotator, compressor and retry rounds
// together for the command-line and HTTP front ends.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"tinify-unlimited/internal/compressor"
	"tinify-unlimited/internal/config"
	"tinify-unlimited/internal/coordinator"
	"tinify-unlimited/internal/fileutil"
	"tinify-unlimited/internal/keystore"
	"tinify-unlimited/internal/ledger"
	"tinify-unlimited/internal/logger"
	"tinify-unlimited/internal/provision"
	"tinify-unlimited/internal/retry"
	"tinify-unlimited/internal/rotator"
	"tinify-unlimited/internal/statistics"
	"tinify-unlimited/internal/tasks"
	"tinify-unlimited/internal/tinify"

	"github.com/sirupsen/logrus"
)

// LogFileName is written into a compressed directory when logging is asked for.
const LogFileName = "log.json"

// ErrNoKeys is returned by Init when no usable key could be activated.
var ErrNoKeys = errors.New("no usable API key available, try again later")

// LogHookFunc receives high-level messages, e.g. for a WebSocket feed.
type LogHookFunc func(level, message string)

// Options carries the optional collaborators of a Pipeline.
type Options struct {
	// Provisioner overrides the one built from the configuration.
	Provisioner provision.Provisioner
	Progress    compressor.ProgressFunc
	LogHook     LogHookFunc
}

// Status is a snapshot of the pipeline for display.
type Status struct {
	Rotator     rotator.Status `json:"rotator"`
	Available   int            `json:"available_keys"`
	Unavailable int            `json:"unavailable_keys"`
	Ledger      int            `json:"ledger_files"`
	Running     bool           `json:"running"`
}

// Pipeline owns every long-lived component of one run.
type Pipeline struct {
	config      *config.Config
	logger      *logrus.Logger
	store       *keystore.Store
	provisioner provision.Provisioner
	rotator     *rotator.Rotator
	client      *compressor.Client
	ledger      *ledger.Ledger
	logHook     LogHookFunc

	mu      sync.Mutex
	running int
	last    *statistics.Report
}

// New builds a Pipeline from cfg. cfg must have been validated.
func New(cfg *config.Config, log *logrus.Logger, opts Options) (*Pipeline, error) {
	api, err := tinify.NewClient(tinify.Options{
		BaseURL:         cfg.API.BaseURL,
		Proxy:           cfg.API.Proxy,
		UploadTimeout:   cfg.API.UploadTimeout,
		DownloadTimeout: cfg.API.DownloadTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create API client: %w", err)
	}

	store := keystore.New(keystore.Options{
		Path:      cfg.KeysPath(),
		Threshold: cfg.Keys.SafetyThreshold,
		Refresh:   retry.Policy{Attempts: cfg.Keys.RefreshAttempts, Backoff: cfg.Keys.RefreshBackoff},
	}, api, log)

	p := opts.Provisioner
	if p == nil {
		if cmd := provision.NewCommand(cfg.Provisioning.Command, cfg.Provisioning.Timeout); cmd != nil {
			p = cmd
		} else {
			p = provision.None{}
		}
	}
	p = provision.NewLimited(p, cfg.Provisioning.MinInterval, cfg.Provisioning.Burst)

	rot := rotator.New(api, store, p, log, rotator.Options{
		Threshold: cfg.Keys.SafetyThreshold,
		Limit:     cfg.Keys.UsageLimit,
	})

	client := compressor.NewClient(api, rot, log, compressor.ClientOptions{
		Marker:   []byte(cfg.Compression.Marker),
		Attempts: cfg.Compression.UnitAttempts,
		Backoff:  cfg.Compression.UnitBackoff,
		Progress: opts.Progress,
	})

	return &Pipeline{
		config:      cfg,
		logger:      log,
		store:       store,
		provisioner: p,
		rotator:     rot,
		client:      client,
		ledger:      ledger.New(cfg.LedgerPath(), log),
		logHook:     opts.LogHook,
	}, nil
}

// Rotator returns the key rotator.
func (p *Pipeline) Rotator() *rotator.Rotator { return p.rotator }

// Store returns the key store.
func (p *Pipeline) Store() *keystore.Store { return p.store }

// Keys returns a copy of the current key pool.
func (p *Pipeline) Keys() keystore.Pool { return p.store.Snapshot() }

// Init loads the key pool, tops it up and activates the head key.
func (p *Pipeline) Init(ctx context.Context) error {
	p.notify("info", "Initializing")
	p.store.Load()

	if _, err := provision.Replenish(ctx, p.provisioner, p.store, p.config.Keys.MinAvailable, p.logger); err != nil {
		return err
	}
	if _, ok := p.store.Head(); !ok {
		return ErrNoKeys
	}
	if err := p.rotator.Start(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNoKeys, err)
	}
	p.notify("info", "Initialized")
	return nil
}

// Requeue drains the failure ledger and compresses its files. It reports
// false when the ledger was empty.
func (p *Pipeline) Requeue(ctx context.Context) (statistics.Report, bool, error) {
	paths := p.ledger.Drain()
	if len(paths) == 0 {
		return statistics.Report{}, false, nil
	}
	p.notify("info", fmt.Sprintf("Re-compressing %d file(s) from the failure ledger", len(paths)))
	report, err := p.CompressFiles(ctx, paths)
	return report, true, err
}

// CompressFiles compresses an explicit list of files in place (or into the
// configured output directory).
func (p *Pipeline) CompressFiles(ctx context.Context, paths []string) (statistics.Report, error) {
	if len(paths) == 0 {
		return statistics.Report{}, nil
	}
	defer p.begin()()

	report, _, err := p.coordinator(p.batch(p.config.Compression.OutputDirectory)).Run(ctx, paths)
	p.remember(report)
	return report, err
}

// CompressDir compresses the images directly in dir and, when recursive is
// set, in every directory below it. One report is returned per directory
// that had images.
func (p *Pipeline) CompressDir(ctx context.Context, dir string, recursive, writeLog bool) ([]statistics.Report, error) {
	if !fileutil.DirExists(dir) {
		return nil, &compressor.DirectoryNotFoundError{Dir: dir}
	}
	defer p.begin()()

	dirs := []string{dir}
	if recursive {
		sub, err := subdirectories(dir)
		if err != nil {
			return nil, err
		}
		dirs = append(dirs, sub...)
	}

	var reports []statistics.Report
	for _, d := range dirs {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		report, err := p.compressOneDir(ctx, dir, d, writeLog)
		var empty *compressor.EmptyDirectoryError
		if errors.As(err, &empty) {
			logger.WithOperation(p.logger, "dir").Infof("No images in %s", d)
			continue
		}
		if err != nil {
			return reports, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}

func (p *Pipeline) compressOneDir(ctx context.Context, root, dir string, writeLog bool) (statistics.Report, error) {
	outDir := p.config.Compression.OutputDirectory
	if outDir != "" {
		rel, err := filepath.Rel(root, dir)
		if err != nil {
			return statistics.Report{}, err
		}
		outDir = filepath.Join(outDir, rel)
	}

	batch := p.batch(outDir)
	first, err := batch.CompressFromDir(ctx, dir)
	if err != nil {
		return statistics.Report{}, err
	}
	p.notify("info", fmt.Sprintf("Compressed %d image(s) in %s, %d failed", first.FileCount, dir, first.ErrorCount))

	report, _, err := p.coordinator(batch).Settle(ctx, first)
	report.InputDir = dir
	p.remember(report)
	if err != nil {
		return report, err
	}

	if writeLog {
		target := dir
		if outDir != "" {
			target = outDir
		}
		if err := os.MkdirAll(target, 0755); err != nil {
			return report, fmt.Errorf("create log directory: %w", err)
		}
		logPath := filepath.Join(target, LogFileName)
		if err := fileutil.WriteJSONAtomic(logPath, report); err != nil {
			return report, fmt.Errorf("write compression log: %w", err)
		}
		logger.WithFile(p.logger, logPath).Info("Compression log written")
	}
	p.notify("info", fmt.Sprintf("Finished %s: %d succeeded, %d failed", dir, report.SuccessCount, report.ErrorCount))
	return report, nil
}

// RunTasks compresses the file list of t, then each of its directories.
func (p *Pipeline) RunTasks(ctx context.Context, t tasks.Tasks, recursive, writeLog bool) ([]statistics.Report, error) {
	var reports []statistics.Report
	if len(t.FileTasks) > 0 {
		report, err := p.CompressFiles(ctx, t.FileTasks)
		if err != nil {
			return reports, err
		}
		reports = append(reports, report)
	}

	for i, dir := range t.DirTasks {
		p.logger.WithField("task", fmt.Sprintf("%d/%d", i+1, len(t.DirTasks))).Infof("Directory task %s", dir)
		rs, err := p.CompressDir(ctx, dir, recursive, writeLog)
		var notFound *compressor.DirectoryNotFoundError
		if errors.As(err, &notFound) {
			p.logger.Errorf("Skipping task: %v", err)
			continue
		}
		reports = append(reports, rs...)
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}

// Apply requests n new keys from the provisioner.
func (p *Pipeline) Apply(ctx context.Context, n int) (int, error) {
	p.store.Load()
	return provision.Apply(ctx, p.provisioner, p.store, n, p.logger)
}

// Rearrange re-reads every key's usage and re-sorts the key file.
func (p *Pipeline) Rearrange(ctx context.Context) (keystore.Pool, []keystore.Usage, error) {
	p.store.Load()
	return p.store.Rearrange(ctx)
}

// Status returns a snapshot for display.
func (p *Pipeline) Status() Status {
	pool := p.store.Snapshot()
	p.mu.Lock()
	running := p.running > 0
	p.mu.Unlock()
	return Status{
		Rotator:     p.rotator.Status(),
		Available:   len(pool.Available),
		Unavailable: len(pool.Unavailable),
		Ledger:      len(p.ledger.Load()),
		Running:     running,
	}
}

// LastReport returns the most recent batch report.
func (p *Pipeline) LastReport() (statistics.Report, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return statistics.Report{}, false
	}
	return *p.last, true
}

func (p *Pipeline) batch(outputDir string) *compressor.Batch {
	return compressor.NewBatch(p.client, p.logger, compressor.BatchOptions{
		Workers:   p.config.Compression.Workers,
		OutputDir: outputDir,
		Pattern:   p.config.Pattern(),
	})
}

func (p *Pipeline) coordinator(batch *compressor.Batch) *coordinator.Coordinator {
	return coordinator.New(batch, p.ledger, p.logger, coordinator.Options{
		Rounds: p.config.Retry.Rounds,
		Delay:  p.config.Retry.Delay,
	})
}

func (p *Pipeline) begin() func() {
	p.mu.Lock()
	p.running++
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		p.running--
		p.mu.Unlock()
	}
}

func (p *Pipeline) remember(r statistics.Report) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = &r
}

func (p *Pipeline) notify(level, message string) {
	if p.logHook != nil {
		p.logHook(level, message)
	}
}

// subdirectories returns every directory below root, in walk order.
func subdirectories(root string) ([]string, error) {
	var dirs []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrPermission) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() && path != root {
			dirs = append(dirs, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return dirs, nil
}
