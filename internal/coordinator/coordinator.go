// Package coordinator re-drives failed files through further batches and
// records what still fails in the failure ledger.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"tinify-unlimited/internal/logger"
	"tinify-unlimited/internal/statistics"

	"github.com/sirupsen/logrus"
)

// BatchRunner compresses a list of files. *compressor.Batch implements it.
type BatchRunner interface {
	CompressBatch(ctx context.Context, paths []string) statistics.Report
}

// Recorder persists paths that are given up on. *ledger.Ledger implements it.
type Recorder interface {
	Append(paths []string) error
}

// Options tunes the retry rounds.
type Options struct {
	Rounds int
	Delay  time.Duration
}

// DefaultOptions returns 5 rounds, 1s apart.
func DefaultOptions() Options {
	return Options{Rounds: 5, Delay: time.Second}
}

// Outcome summarizes a Redrive.
type Outcome struct {
	// Report is the report of the last round run.
	Report statistics.Report
	// Total folds every round into one report.
	Total     statistics.Report
	Rounds    int
	Remaining []string
	// Abandoned is set when files still failed after the last round and were
	// written to the ledger.
	Abandoned bool
}

// Coordinator runs retry rounds over a BatchRunner.
type Coordinator struct {
	batch  BatchRunner
	ledger Recorder
	logger *logrus.Logger
	opts   Options
}

// New creates a Coordinator.
func New(batch BatchRunner, ledger Recorder, log *logrus.Logger, opts Options) *Coordinator {
	if opts.Rounds <= 0 {
		opts.Rounds = DefaultOptions().Rounds
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	return &Coordinator{batch: batch, ledger: ledger, logger: log, opts: opts}
}

// Redrive re-runs the failed files until none remain or the rounds run out.
// Leftovers are merged into the ledger. An error is returned only when the
// context ends or the ledger cannot be written.
func (c *Coordinator) Redrive(ctx context.Context, failed []string) (Outcome, error) {
	log := logger.WithOperation(c.logger, "redrive")
	out := Outcome{Remaining: failed}

	for round := 1; round <= c.opts.Rounds && len(out.Remaining) > 0; round++ {
		if err := wait(ctx, c.opts.Delay); err != nil {
			return out, c.abandon(out, err)
		}

		log.WithField("round", round).Infof("Retrying %d failed file(s)", len(out.Remaining))
		out.Report = c.batch.CompressBatch(ctx, out.Remaining)
		if round == 1 {
			out.Total = out.Report
		} else {
			out.Total = statistics.Combine(out.Total, out.Report)
		}
		out.Rounds = round
		out.Remaining = out.Report.ErrorFiles
	}

	if len(out.Remaining) == 0 {
		if out.Rounds > 0 {
			log.Infof("All failed files recovered after %d round(s)", out.Rounds)
		}
		return out, nil
	}

	log.Errorf("%d file(s) still failing after %d round(s)", len(out.Remaining), out.Rounds)
	out.Abandoned = true
	return out, c.abandon(out, nil)
}

// Run compresses paths, re-drives the failures and returns the combined
// report.
func (c *Coordinator) Run(ctx context.Context, paths []string) (statistics.Report, Outcome, error) {
	return c.Settle(ctx, c.batch.CompressBatch(ctx, paths))
}

// Settle re-drives the failures of a first batch report that was produced
// elsewhere and folds the retry rounds into it.
func (c *Coordinator) Settle(ctx context.Context, report statistics.Report) (statistics.Report, Outcome, error) {
	if len(report.ErrorFiles) == 0 {
		return report, Outcome{Report: report}, nil
	}

	outcome, err := c.Redrive(ctx, report.ErrorFiles)
	if outcome.Rounds > 0 {
		report = statistics.Combine(report, outcome.Total)
	}
	return report, outcome, err
}

func (c *Coordinator) abandon(out Outcome, cause error) error {
	if err := c.ledger.Append(out.Remaining); err != nil {
		if cause != nil {
			return fmt.Errorf("%w (ledger: %v)", cause, err)
		}
		return err
	}
	return cause
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
