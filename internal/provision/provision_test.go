package provision

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tinify-unlimited/internal/keystore"

	"github.com/sirupsen/logrus/hooks/test"
)

// memSink implements KeySink for testing.
type memSink struct {
	mu   sync.Mutex
	pool keystore.Pool
}

func (m *memSink) Add(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pool.Available = append(m.pool.Available, key)
	return nil
}

func (m *memSink) Snapshot() keystore.Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pool.Clone()
}

func TestNone(t *testing.T) {
	if _, err := (None{}).RequestNewCredential(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v, want ErrUnavailable", err)
	}
}

func TestApplyCountsSuccesses(t *testing.T) {
	log, hook := test.NewNullLogger()
	calls := 0
	p := Func(func(context.Context) (string, error) {
		calls++
		if calls%2 == 0 {
			return "", errors.New("sign-up rejected")
		}
		return fmt.Sprintf("key-%d", calls), nil
	})

	sink := &memSink{}
	added, err := Apply(context.Background(), p, sink, 4, log)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if added != 2 || calls != 4 {
		t.Errorf("added = %d calls = %d, want 2 and 4", added, calls)
	}
	if got := sink.Snapshot().Available; len(got) != 2 || got[0] != "key-1" || got[1] != "key-3" {
		t.Errorf("stored keys = %v", got)
	}
	if len(hook.AllEntries()) == 0 {
		t.Error("expected log entries for the run")
	}
}

func TestReplenish(t *testing.T) {
	tests := []struct {
		name      string
		available []string
		min       int
		wantCalls int
	}{
		{name: "enough_keys", available: []string{"a", "b", "c"}, min: 3, wantCalls: 0},
		{name: "one_short", available: []string{"a", "b"}, min: 3, wantCalls: 2},
		{name: "empty", available: nil, min: 3, wantCalls: 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, _ := test.NewNullLogger()
			calls := 0
			p := Func(func(context.Context) (string, error) {
				calls++
				return fmt.Sprintf("new-%d", calls), nil
			})
			sink := &memSink{pool: keystore.Pool{Available: tt.available}}

			added, err := Replenish(context.Background(), p, sink, tt.min, log)
			if err != nil {
				t.Fatalf("Replenish failed: %v", err)
			}
			if calls != tt.wantCalls || added != tt.wantCalls {
				t.Errorf("calls = %d added = %d, want %d", calls, added, tt.wantCalls)
			}
		})
	}
}

func TestLimitedSerializesCalls(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	inner := Func(func(context.Context) (string, error) {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return "k", nil
	})
	l := NewLimited(inner, 0, 1)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.RequestNewCredential(context.Background()); err != nil {
				t.Errorf("RequestNewCredential failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if maxInFlight.Load() != 1 {
		t.Errorf("max concurrent calls = %d, want 1", maxInFlight.Load())
	}
}

func TestLimitedHonoursContext(t *testing.T) {
	l := NewLimited(Func(func(context.Context) (string, error) { return "k", nil }), time.Hour, 1)
	if _, err := l.RequestNewCredential(context.Background()); err != nil {
		t.Fatalf("first request should use the burst token: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := l.RequestNewCredential(ctx); err == nil {
		t.Error("expected error waiting for a token past the deadline")
	}
}

func TestCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}

	c := &Command{Name: "sh", Args: []string{"-c", "echo; echo '  fresh-key  '"}, Timeout: 5 * time.Second}
	key, err := c.RequestNewCredential(context.Background())
	if err != nil {
		t.Fatalf("RequestNewCredential failed: %v", err)
	}
	if key != "fresh-key" {
		t.Errorf("key = %q, want fresh-key", key)
	}

	failing := &Command{Name: "sh", Args: []string{"-c", "echo oops >&2; exit 3"}}
	if _, err := failing.RequestNewCredential(context.Background()); err == nil {
		t.Error("expected error from failing command")
	}

	silent := &Command{Name: "sh", Args: []string{"-c", "true"}}
	if _, err := silent.RequestNewCredential(context.Background()); err == nil {
		t.Error("expected error when no key is printed")
	}
}

func TestNewCommand(t *testing.T) {
	if NewCommand("   ", time.Second) != nil {
		t.Error("blank command line should yield nil")
	}
	c := NewCommand("register-key --mail snapmail", time.Minute)
	if c.Name != "register-key" || len(c.Args) != 2 || c.Timeout != time.Minute {
		t.Errorf("NewCommand = %+v", c)
	}
}
