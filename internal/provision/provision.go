// Package provision obtains new Tinify API keys when the pool runs low.
//
// The registration flow itself (throwaway mailbox, sign-up, confirmation
// link) is an external collaborator; this package only defines the contract
// and ways to plug such a flow in.
package provision

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrUnavailable is returned when no provisioning path is configured.
var ErrUnavailable = errors.New("no key provisioner configured")

// Provisioner requests a brand new API key. Implementations may be slow
// (seconds) and may fail outright.
type Provisioner interface {
	RequestNewCredential(ctx context.Context) (string, error)
}

// Func adapts a plain function to the Provisioner interface.
type Func func(ctx context.Context) (string, error)

// RequestNewCredential calls f(ctx).
func (f Func) RequestNewCredential(ctx context.Context) (string, error) {
	return f(ctx)
}

// None is a Provisioner that never produces a key.
type None struct{}

// RequestNewCredential always fails with ErrUnavailable.
func (None) RequestNewCredential(context.Context) (string, error) {
	return "", ErrUnavailable
}

// Command runs an external program that performs the registration flow and
// prints the new key on stdout.
type Command struct {
	Name    string
	Args    []string
	Timeout time.Duration
}

// NewCommand splits a command line on whitespace. An empty line yields nil.
func NewCommand(commandLine string, timeout time.Duration) *Command {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil
	}
	return &Command{Name: fields[0], Args: fields[1:], Timeout: timeout}
}

// RequestNewCredential runs the command and returns the first non-empty line
// it prints.
func (c *Command) RequestNewCredential(ctx context.Context) (string, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", fmt.Errorf("provisioning command %s failed: %w: %s", c.Name, err, msg)
		}
		return "", fmt.Errorf("provisioning command %s failed: %w", c.Name, err)
	}

	sc := bufio.NewScanner(&stdout)
	for sc.Scan() {
		if key := strings.TrimSpace(sc.Text()); key != "" {
			return key, nil
		}
	}
	return "", fmt.Errorf("provisioning command %s printed no key", c.Name)
}

// Limited serializes calls to an inner Provisioner and spaces them out with
// a token bucket, since the sign-up endpoint rejects bursts.
type Limited struct {
	inner   Provisioner
	limiter *rate.Limiter
	mu      sync.Mutex
}

// NewLimited allows one request per interval with the given burst.
func NewLimited(inner Provisioner, interval time.Duration, burst int) *Limited {
	if burst <= 0 {
		burst = 1
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Limited{inner: inner, limiter: rate.NewLimiter(limit, burst)}
}

// RequestNewCredential waits for its turn and a token, then calls the inner
// Provisioner.
func (l *Limited) RequestNewCredential(ctx context.Context) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("wait for provisioning slot: %w", err)
	}
	return l.inner.RequestNewCredential(ctx)
}
