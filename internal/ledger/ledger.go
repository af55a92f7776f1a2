// Package ledger persists the paths of files that could not be compressed so
// the next run can pick them up again.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"tinify-unlimited/internal/fileutil"

	"github.com/sirupsen/logrus"
)

// Ledger is a JSON array of file paths on disk.
type Ledger struct {
	path   string
	logger *logrus.Logger
	mu     sync.Mutex
}

// New returns a Ledger backed by the file at path.
func New(path string, log *logrus.Logger) *Ledger {
	return &Ledger{path: path, logger: log}
}

// Path returns the backing file path.
func (l *Ledger) Path() string { return l.path }

// Load returns the recorded paths. A missing or malformed file reads as empty.
func (l *Ledger) Load() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadLocked()
}

func (l *Ledger) loadLocked() []string {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			l.logger.Warnf("Could not read failure ledger %s: %v", l.path, err)
		}
		return nil
	}

	var paths []string
	if err := json.Unmarshal(data, &paths); err != nil {
		l.logger.Warnf("Failure ledger %s is malformed, ignoring it: %v", l.path, err)
		return nil
	}
	return dedupe(nil, paths)
}

// Drain returns the recorded paths and deletes the ledger file.
func (l *Ledger) Drain() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	paths := l.loadLocked()
	if err := os.Remove(l.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		l.logger.Warnf("Could not remove failure ledger %s: %v", l.path, err)
	}
	if len(paths) > 0 {
		l.logger.Infof("Re-queued %d file(s) from the failure ledger", len(paths))
	}
	return paths
}

// Append merges paths into the ledger, keeping the existing order and
// dropping duplicates.
func (l *Ledger) Append(paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	merged := dedupe(l.loadLocked(), paths)
	if err := fileutil.WriteJSONAtomic(l.path, merged); err != nil {
		return fmt.Errorf("write failure ledger: %w", err)
	}
	l.logger.Warnf("%d file(s) recorded in the failure ledger %s", len(merged), l.path)
	return nil
}

func dedupe(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, p := range list {
			if p == "" {
				continue
			}
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}
