// Package keystore keeps the durable pool of Tinify API keys.
//
// The pool is a JSON file of the form
//
//	{"available": ["..."], "unavailable": ["..."]}
//
// The head of Available is the key in use. Every mutation is written through
// to disk with an atomic replace before the call returns.
package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"tinify-unlimited/internal/fileutil"
	"tinify-unlimited/internal/logger"
	"tinify-unlimited/internal/retry"
	"tinify-unlimited/internal/tinify"

	"github.com/sirupsen/logrus"
)

// ErrPoolExhausted is returned when no available key is left.
var ErrPoolExhausted = errors.New("no available keys left in the pool")

// Pool is the persisted key pool.
type Pool struct {
	Available   []string `json:"available"`
	Unavailable []string `json:"unavailable"`
}

// Clone returns a deep copy of the pool.
func (p Pool) Clone() Pool {
	return Pool{
		Available:   append([]string{}, p.Available...),
		Unavailable: append([]string{}, p.Unavailable...),
	}
}

// Contains reports whether key is in either list.
func (p Pool) Contains(key string) bool {
	return indexOf(p.Available, key) >= 0 || indexOf(p.Unavailable, key) >= 0
}

// normalize drops empty and duplicate entries. A key listed in both lists is
// kept only as unavailable, since exhausted keys never come back on their own.
func (p Pool) normalize() Pool {
	out := Pool{Available: []string{}, Unavailable: []string{}}
	seen := make(map[string]bool)
	for _, k := range p.Unavailable {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out.Unavailable = append(out.Unavailable, k)
	}
	for _, k := range p.Available {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out.Available = append(out.Available, k)
	}
	return out
}

// UsageChecker returns the remote compression count for a key.
type UsageChecker interface {
	Validate(ctx context.Context, key string) (int, error)
}

// Usage is the result of querying one key during Rearrange.
type Usage struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
	Error string `json:"error,omitempty"`
}

// Options configures a Store.
type Options struct {
	Path      string
	Threshold int          // usage at which a key counts as exhausted
	Refresh   retry.Policy // policy for RefreshUsage
}

// DefaultOptions returns the stock refresh policy: 4 attempts, 1s apart.
func DefaultOptions(path string) Options {
	return Options{
		Path:      path,
		Threshold: 490,
		Refresh:   retry.Policy{Attempts: 4, Backoff: time.Second},
	}
}

// Store guards the in-memory pool and its file.
type Store struct {
	opts   Options
	api    UsageChecker
	logger *logrus.Logger

	mu   sync.Mutex
	pool Pool
}

// New returns a Store for the file at opts.Path. Call Load to read it.
func New(opts Options, api UsageChecker, log *logrus.Logger) *Store {
	if opts.Threshold <= 0 {
		opts.Threshold = 490
	}
	return &Store{
		opts:   opts,
		api:    api,
		logger: log,
		pool:   Pool{Available: []string{}, Unavailable: []string{}},
	}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.opts.Path }

// Threshold returns the usage count at which a key is considered exhausted.
func (s *Store) Threshold() int { return s.opts.Threshold }

// Load reads the pool from disk. A missing or malformed file yields an empty
// pool; Load never fails.
func (s *Store) Load() Pool {
	pool := Pool{}
	data, err := os.ReadFile(s.opts.Path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.logger.Debugf("Key file %s not found, starting with an empty pool", s.opts.Path)
	case err != nil:
		s.logger.Warnf("Could not read key file %s: %v", s.opts.Path, err)
	default:
		if err := json.Unmarshal(data, &pool); err != nil {
			s.logger.Warnf("Key file %s is malformed, starting with an empty pool: %v", s.opts.Path, err)
			pool = Pool{}
		}
	}

	pool = pool.normalize()
	s.mu.Lock()
	s.pool = pool
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"available":   len(pool.Available),
		"unavailable": len(pool.Unavailable),
	}).Info("Key pool loaded")
	return pool.Clone()
}

// Persist replaces the in-memory pool and atomically rewrites the file.
func (s *Store) Persist(pool Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persistLocked(pool.normalize())
}

func (s *Store) persistLocked(pool Pool) error {
	if err := fileutil.WriteJSONAtomic(s.opts.Path, pool); err != nil {
		return fmt.Errorf("persist key pool: %w", err)
	}
	s.pool = pool
	return nil
}

// Snapshot returns a copy of the current pool.
func (s *Store) Snapshot() Pool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool.Clone()
}

// Head returns the first available key.
func (s *Store) Head() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pool.Available) == 0 {
		return "", false
	}
	return s.pool.Available[0], true
}

// Add appends a fresh key to the available list. Keys already known in
// either list are ignored.
func (s *Store) Add(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key == "" || s.pool.Contains(key) {
		return nil
	}
	next := s.pool.Clone()
	next.Available = append(next.Available, key)
	if err := s.persistLocked(next); err != nil {
		return err
	}
	s.logger.WithField("key", logger.MaskKey(key)).Info("New key stored")
	return nil
}

// retireLocked moves key from the available list to the unavailable list.
func (s *Store) retireLocked(key string) error {
	i := indexOf(s.pool.Available, key)
	if i < 0 {
		return nil
	}
	next := s.pool.Clone()
	next.Available = append(next.Available[:i], next.Available[i+1:]...)
	if indexOf(next.Unavailable, key) < 0 {
		next.Unavailable = append(next.Unavailable, key)
	}
	if err := s.persistLocked(next); err != nil {
		return err
	}
	s.logger.WithField("key", logger.MaskKey(key)).Info("Key retired")
	return nil
}

// NextKey retires the given key (if it is still available) and returns the
// new head of the available list, or ErrPoolExhausted.
func (s *Store) NextKey(retiring string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if retiring != "" {
		if err := s.retireLocked(retiring); err != nil {
			return "", err
		}
	}
	if len(s.pool.Available) == 0 {
		return "", ErrPoolExhausted
	}
	return s.pool.Available[0], nil
}

// RefreshUsage queries the remote compression count for key, retrying
// transient failures. Any other failure, such as an invalid key, is reported
// immediately.
func (s *Store) RefreshUsage(ctx context.Context, key string) (int, error) {
	log := s.logger.WithField("key", logger.MaskKey(key))

	var count int
	_, err := retry.Do(ctx, s.opts.Refresh, func(attempt int, err error) {
		log.Warnf("Usage query failed (attempt %d), retrying: %v", attempt, err)
	}, func(int) error {
		n, err := s.api.Validate(ctx, key)
		if err != nil && !tinify.IsTransient(err) {
			return retry.Permanent(err)
		}
		if err != nil {
			return err
		}
		count = n
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("refresh usage: %w", err)
	}
	log.Debugf("Key usage: %d", count)
	return count, nil
}

// Rearrange re-queries every key, reclassifies it against the threshold and
// sorts both lists by usage, highest first, so near-quota keys are consumed
// before fresh ones. Keys whose usage cannot be fetched stay in their current
// list and sort last.
func (s *Store) Rearrange(ctx context.Context) (Pool, []Usage, error) {
	before := s.Snapshot()

	type entry struct {
		usage     Usage
		available bool
	}
	var entries []entry

	query := func(keys []string, wasAvailable bool) error {
		for _, key := range keys {
			if err := ctx.Err(); err != nil {
				return err
			}
			count, err := s.RefreshUsage(ctx, key)
			e := entry{usage: Usage{Key: key, Count: count}}
			switch {
			case errors.Is(err, tinify.ErrUnauthorized):
				e.usage.Count = -1
				e.usage.Error = err.Error()
				e.available = false
			case err != nil:
				e.usage.Count = -1
				e.usage.Error = err.Error()
				e.available = wasAvailable
			default:
				e.available = count < s.opts.Threshold
			}
			entries = append(entries, e)
		}
		return nil
	}
	if err := query(before.Available, true); err != nil {
		return Pool{}, nil, err
	}
	if err := query(before.Unavailable, false); err != nil {
		return Pool{}, nil, err
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].usage.Count > entries[j].usage.Count
	})

	next := Pool{Available: []string{}, Unavailable: []string{}}
	usages := make([]Usage, 0, len(entries))
	for _, e := range entries {
		usages = append(usages, e.usage)
		if e.available {
			next.Available = append(next.Available, e.usage.Key)
		} else {
			next.Unavailable = append(next.Unavailable, e.usage.Key)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Keys added while the queries were running keep their place at the end.
	for _, k := range s.pool.Available {
		if !before.Contains(k) {
			next.Available = append(next.Available, k)
		}
	}
	next = next.normalize()
	if err := s.persistLocked(next); err != nil {
		return Pool{}, nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"available":   len(next.Available),
		"unavailable": len(next.Unavailable),
	}).Info("Key pool rearranged by usage")
	return next.Clone(), usages, nil
}

func indexOf(list []string, key string) int {
	for i, k := range list {
		if k == key {
			return i
		}
	}
	return -1
}
