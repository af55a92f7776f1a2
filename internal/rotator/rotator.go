// Package rotator owns the active Tinify key and swaps it for a fresh one
// when it nears its quota, while compression workers keep running.
package rotator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"tinify-unlimited/internal/keystore"
	"tinify-unlimited/internal/logger"
	"tinify-unlimited/internal/provision"
	"tinify-unlimited/internal/tinify"

	"github.com/sirupsen/logrus"
)

// State is the lifecycle state of a Rotator.
type State int32

const (
	Idle State = iota
	Active
	Rotating
)

// String returns a human-readable name of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Rotating:
		return "rotating"
	default:
		return "unknown"
	}
}

// InvalidCredentialError is returned when the service rejects a key. The key
// must not be retried as-is.
type InvalidCredentialError struct {
	Key string
	Err error
}

func (e *InvalidCredentialError) Error() string {
	return fmt.Sprintf("key %s is invalid: %v", logger.MaskKey(e.Key), e.Err)
}

func (e *InvalidCredentialError) Unwrap() error { return e.Err }

// ProvisioningFailure is returned when the pool is empty and no new key
// could be obtained. Once it happens the rotator stops trying to rotate.
type ProvisioningFailure struct {
	Err error
}

func (e *ProvisioningFailure) Error() string {
	return fmt.Sprintf("key pool exhausted and provisioning failed: %v", e.Err)
}

func (e *ProvisioningFailure) Unwrap() error { return e.Err }

// Validator checks a key against the remote service and returns its usage.
type Validator interface {
	Validate(ctx context.Context, key string) (int, error)
}

// KeyPool is the part of keystore.Store the rotator drives.
type KeyPool interface {
	NextKey(retiring string) (string, error)
	Add(key string) error
}

// Options tunes the rotation policy.
type Options struct {
	Threshold int // usage at which the active key is rotated out
	Limit     int // hard quota reported by the service
	// MaxProvisionAttempts bounds how many new keys one rotation may request
	// when provisioned keys turn out to be unusable.
	MaxProvisionAttempts int
}

// DefaultOptions returns the stock 490/500 policy.
func DefaultOptions() Options {
	return Options{Threshold: 490, Limit: 500, MaxProvisionAttempts: 3}
}

// Lease identifies the key a worker may use for one unit of work.
type Lease struct {
	Key        string
	Generation uint64
}

// Status is a point-in-time view of the rotator.
type Status struct {
	State      string `json:"state"`
	Key        string `json:"key,omitempty"`
	Count      int64  `json:"count"`
	Limit      int    `json:"limit"`
	Generation uint64 `json:"generation"`
	Rotations  int64  `json:"rotations"`
	Halted     string `json:"halted,omitempty"`
}

type activeKey struct {
	key         string
	generation  uint64
	count       atomic.Int64
	retired     atomic.Bool
	revalidated atomic.Bool
}

// Rotator hands out leases on the active key. Readers never lock; rotation
// is serialized by mu and double-checked.
type Rotator struct {
	api         Validator
	pool        KeyPool
	provisioner provision.Provisioner
	logger      *logrus.Logger
	opts        Options

	current   atomic.Pointer[activeKey]
	state     atomic.Int32
	epoch     atomic.Uint64
	rotations atomic.Int64

	mu         sync.Mutex
	generation uint64
	lastErr    error
	halted     error
}

// New returns an idle Rotator.
func New(api Validator, pool KeyPool, p provision.Provisioner, log *logrus.Logger, opts Options) *Rotator {
	def := DefaultOptions()
	if opts.Threshold <= 0 {
		opts.Threshold = def.Threshold
	}
	if opts.Limit <= 0 {
		opts.Limit = def.Limit
	}
	if opts.MaxProvisionAttempts <= 0 {
		opts.MaxProvisionAttempts = def.MaxProvisionAttempts
	}
	if p == nil {
		p = provision.None{}
	}
	return &Rotator{api: api, pool: pool, provisioner: p, logger: log, opts: opts}
}

// State returns the current lifecycle state.
func (r *Rotator) State() State { return State(r.state.Load()) }

// Rotations returns the number of completed rotations.
func (r *Rotator) Rotations() int64 { return r.rotations.Load() }

// Current returns a lease on the active key without checking capacity.
func (r *Rotator) Current() (Lease, bool) {
	a := r.current.Load()
	if a == nil {
		return Lease{}, false
	}
	return Lease{Key: a.key, Generation: a.generation}, true
}

// Count returns the cached usage of the active key, or -1 when idle.
func (r *Rotator) Count() int64 {
	a := r.current.Load()
	if a == nil {
		return -1
	}
	return a.count.Load()
}

// Status reports the rotator state for display.
func (r *Rotator) Status() Status {
	st := Status{
		State:     r.State().String(),
		Count:     -1,
		Limit:     r.opts.Limit,
		Rotations: r.rotations.Load(),
	}
	if a := r.current.Load(); a != nil {
		st.Key = logger.MaskKey(a.key)
		st.Count = a.count.Load()
		st.Generation = a.generation
	}
	r.mu.Lock()
	if r.halted != nil {
		st.Halted = r.halted.Error()
	}
	r.mu.Unlock()
	return st
}

// Activate validates key and makes it the active key.
func (r *Rotator) Activate(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activateLocked(ctx, key)
}

func (r *Rotator) activateLocked(ctx context.Context, key string) error {
	log := logger.WithKey(r.logger, key)
	log.Debug("Loading key")

	count, err := r.api.Validate(ctx, key)
	if errors.Is(err, tinify.ErrUnauthorized) {
		return &InvalidCredentialError{Key: key, Err: err}
	}
	if errors.Is(err, tinify.ErrTooManyRequests) {
		count = r.opts.Limit
	} else if err != nil {
		return fmt.Errorf("validate key: %w", err)
	}

	r.generation++
	a := &activeKey{key: key, generation: r.generation}
	a.count.Store(int64(count))
	r.current.Store(a)
	r.state.Store(int32(Active))
	r.halted = nil

	log.WithField("generation", a.generation).Infof("Key loaded, usage [%d/%d]", count, r.opts.Limit)
	return nil
}

// Start activates the first usable key from the pool.
func (r *Rotator) Start(ctx context.Context) error {
	_, err := r.EnsureCapacity(ctx)
	return err
}

// EnsureCapacity returns a lease on a key with remaining quota, rotating if
// the active key has reached the threshold. Concurrent callers that wait on
// a rotation observe its result: the new key, or the error it failed with.
func (r *Rotator) EnsureCapacity(ctx context.Context) (Lease, error) {
	if lease, ok := r.usableLease(); ok {
		return lease, nil
	}

	epoch := r.epoch.Load()
	r.mu.Lock()
	defer r.mu.Unlock()

	if lease, ok := r.usableLease(); ok {
		return lease, nil
	}
	if r.epoch.Load() != epoch && r.lastErr != nil {
		return Lease{}, r.lastErr
	}
	if r.halted != nil {
		// Keys added to the pool since the halt lift it.
		if _, err := r.pool.NextKey(""); err != nil {
			return Lease{}, r.halted
		}
		r.logger.Info("Keys available again, resuming rotation")
		r.halted = nil
	}

	err := r.rotateLocked(ctx)
	if err != nil && ctx.Err() != nil {
		// A cancelled caller's error is not shared with waiters; they rotate
		// on their own context instead.
		return Lease{}, err
	}
	r.lastErr = err
	r.epoch.Add(1)
	if err != nil {
		return Lease{}, err
	}

	lease, _ := r.usableLease()
	return lease, nil
}

func (r *Rotator) usableLease() (Lease, bool) {
	a := r.current.Load()
	if a == nil || a.retired.Load() || a.count.Load() >= int64(r.opts.Threshold) {
		return Lease{}, false
	}
	return Lease{Key: a.key, Generation: a.generation}, true
}

// rotateLocked retires the active key (if any) and activates the next usable
// one, provisioning new keys when the pool runs dry. Callers hold r.mu.
func (r *Rotator) rotateLocked(ctx context.Context) error {
	r.state.Store(int32(Rotating))
	defer func() {
		if r.current.Load() != nil {
			r.state.Store(int32(Active))
		} else {
			r.state.Store(int32(Idle))
		}
	}()

	retiring := ""
	if a := r.current.Load(); a != nil {
		retiring = a.key
		logger.WithKey(r.logger, a.key).Warnf("Key near quota [%d/%d], switching to the next key",
			a.count.Load(), r.opts.Limit)
	}

	provisioned := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		key, err := r.pool.NextKey(retiring)
		if retiring != "" {
			r.current.Store(nil)
			retiring = ""
		}

		if errors.Is(err, keystore.ErrPoolExhausted) {
			if provisioned >= r.opts.MaxProvisionAttempts {
				r.halted = &ProvisioningFailure{Err: errors.New("every provisioned key was unusable")}
				return r.halted
			}
			provisioned++
			r.logger.Warn("No available keys left, requesting a new one")

			key, err = r.provisioner.RequestNewCredential(ctx)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				r.halted = &ProvisioningFailure{Err: err}
				r.logger.Errorf("Key provisioning failed, rotation halted: %v", err)
				return r.halted
			}
			if err := r.pool.Add(key); err != nil {
				return fmt.Errorf("store provisioned key: %w", err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("next key: %w", err)
		}

		err = r.activateLocked(ctx, key)
		var invalid *InvalidCredentialError
		if errors.As(err, &invalid) {
			logger.WithKey(r.logger, key).Warn("Key rejected by the service, retiring it")
			retiring = key
			continue
		}
		if err != nil {
			return err
		}

		a := r.current.Load()
		if a.count.Load() >= int64(r.opts.Threshold) {
			logger.WithKey(r.logger, key).Warnf("Key already near quota [%d/%d], skipping it",
				a.count.Load(), r.opts.Limit)
			retiring = key
			continue
		}

		r.rotations.Add(1)
		return nil
	}
}

// Observe records the usage reported by a successful upload made under
// lease. A report for a key that has since been rotated out is discarded and
// the new key's usage is re-read from the service once.
func (r *Rotator) Observe(ctx context.Context, lease Lease, count int) {
	a := r.current.Load()
	if a == nil {
		return
	}
	if a.generation != lease.Generation {
		r.logger.WithFields(logrus.Fields{
			"lease_generation":  lease.Generation,
			"active_generation": a.generation,
		}).Debug("Discarding usage reported for a rotated key")
		r.revalidate(ctx, a)
		return
	}
	raise(&a.count, int64(count))
}

// revalidate refreshes the usage of a once per generation.
func (r *Rotator) revalidate(ctx context.Context, a *activeKey) {
	if !a.revalidated.CompareAndSwap(false, true) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current.Load() != a {
		return
	}
	count, err := r.api.Validate(ctx, a.key)
	if err != nil {
		logger.WithKey(r.logger, a.key).Warnf("Could not re-read key usage: %v", err)
		return
	}
	raise(&a.count, int64(count))
	logger.WithKey(r.logger, a.key).Infof("Key usage re-read after rotation [%d/%d]", count, r.opts.Limit)
}

// Invalidate reports that the service rejected the key behind lease. The key
// is rotated out on the next EnsureCapacity call.
func (r *Rotator) Invalidate(lease Lease) {
	if a := r.current.Load(); a != nil && a.generation == lease.Generation {
		a.retired.Store(true)
	}
}

// MarkExhausted reports that the key behind lease hit its quota.
func (r *Rotator) MarkExhausted(lease Lease) {
	if a := r.current.Load(); a != nil && a.generation == lease.Generation {
		raise(&a.count, int64(r.opts.Limit))
	}
}

func raise(v *atomic.Int64, n int64) {
	for {
		old := v.Load()
		if n <= old || v.CompareAndSwap(old, n) {
			return
		}
	}
}
