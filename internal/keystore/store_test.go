package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"tinify-unlimited/internal/retry"
	"tinify-unlimited/internal/tinify"

	"github.com/sirupsen/logrus/hooks/test"
)

// fakeUsage implements UsageChecker for testing.
type fakeUsage struct {
	mu       sync.Mutex
	counts   map[string]int
	failures map[string]int // transient failures before success
	broken   map[string]error
	calls    map[string]int
}

func newFakeUsage(counts map[string]int) *fakeUsage {
	return &fakeUsage{counts: counts, failures: map[string]int{}, broken: map[string]error{}, calls: map[string]int{}}
}

func (f *fakeUsage) Validate(_ context.Context, key string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[key]++
	if f.failures[key] > 0 {
		f.failures[key]--
		return 0, &tinify.TransientError{Op: "validate", Err: errors.New("connection reset")}
	}
	if err := f.broken[key]; err != nil {
		return 0, err
	}
	n, ok := f.counts[key]
	if !ok {
		return 0, tinify.ErrUnauthorized
	}
	return n, nil
}

func newTestStore(t *testing.T, api UsageChecker) *Store {
	t.Helper()
	log, _ := test.NewNullLogger()
	opts := DefaultOptions(filepath.Join(t.TempDir(), "keys.json"))
	opts.Refresh = retry.Policy{Attempts: 4}
	return New(opts, api, log)
}

func writePool(t *testing.T, path string, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write key file: %v", err)
	}
}

func readPool(t *testing.T, path string) Pool {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	var p Pool
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("key file is not valid JSON: %v", err)
	}
	return p
}

func assertDisjoint(t *testing.T, p Pool) {
	t.Helper()
	for _, k := range p.Available {
		if indexOf(p.Unavailable, k) >= 0 {
			t.Errorf("key %q appears in both lists: %+v", k, p)
		}
	}
}

func TestLoadFailsSoft(t *testing.T) {
	tests := []struct {
		name    string
		content *string
	}{
		{name: "missing", content: nil},
		{name: "malformed", content: strPtr("{not json")},
		{name: "wrong_shape", content: strPtr(`["a","b"]`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t, newFakeUsage(nil))
			if tt.content != nil {
				writePool(t, s.Path(), *tt.content)
			}
			p := s.Load()
			if len(p.Available) != 0 || len(p.Unavailable) != 0 {
				t.Errorf("Load() = %+v, want empty pool", p)
			}
		})
	}
}

func TestLoadNormalizes(t *testing.T) {
	s := newTestStore(t, newFakeUsage(nil))
	writePool(t, s.Path(), `{"available":["A","B","A","","C"],"unavailable":["C"]}`)

	p := s.Load()
	want := Pool{Available: []string{"A", "B"}, Unavailable: []string{"C"}}
	if !reflect.DeepEqual(p, want) {
		t.Errorf("Load() = %+v, want %+v", p, want)
	}
}

func TestPersistLoadRoundTrip(t *testing.T) {
	s := newTestStore(t, newFakeUsage(nil))
	writePool(t, s.Path(), `{"available":["A","B"],"unavailable":["X"]}`)

	first := s.Load()
	if err := s.Persist(first); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}
	second := s.Load()

	if !reflect.DeepEqual(first, second) {
		t.Errorf("persist(load()) changed content: %+v -> %+v", first, second)
	}
	if got := readPool(t, s.Path()); !reflect.DeepEqual(got, first) {
		t.Errorf("file content = %+v, want %+v", got, first)
	}
}

func TestNextKey(t *testing.T) {
	s := newTestStore(t, newFakeUsage(nil))
	writePool(t, s.Path(), `{"available":["A","B"],"unavailable":[]}`)
	s.Load()

	next, err := s.NextKey("A")
	if err != nil {
		t.Fatalf("NextKey failed: %v", err)
	}
	if next != "B" {
		t.Errorf("NextKey = %q, want B", next)
	}

	onDisk := readPool(t, s.Path())
	want := Pool{Available: []string{"B"}, Unavailable: []string{"A"}}
	if !reflect.DeepEqual(onDisk, want) {
		t.Errorf("persisted pool = %+v, want %+v", onDisk, want)
	}
	assertDisjoint(t, onDisk)

	// Retiring a key that is no longer available is a no-op.
	if next, err := s.NextKey("A"); err != nil || next != "B" {
		t.Errorf("NextKey(A) again = %q, %v; want B, nil", next, err)
	}

	if _, err := s.NextKey("B"); !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("NextKey(B) err = %v, want ErrPoolExhausted", err)
	}
	assertDisjoint(t, s.Snapshot())
}

func TestAddIgnoresKnownKeys(t *testing.T) {
	s := newTestStore(t, newFakeUsage(nil))
	writePool(t, s.Path(), `{"available":["A"],"unavailable":["B"]}`)
	s.Load()

	for _, k := range []string{"A", "B", "", "C"} {
		if err := s.Add(k); err != nil {
			t.Fatalf("Add(%q) failed: %v", k, err)
		}
	}
	want := Pool{Available: []string{"A", "C"}, Unavailable: []string{"B"}}
	if got := s.Snapshot(); !reflect.DeepEqual(got, want) {
		t.Errorf("pool = %+v, want %+v", got, want)
	}
}

func TestRefreshUsageRetries(t *testing.T) {
	api := newFakeUsage(map[string]int{"A": 12})
	api.failures["A"] = 3
	s := newTestStore(t, api)

	n, err := s.RefreshUsage(context.Background(), "A")
	if err != nil {
		t.Fatalf("RefreshUsage failed: %v", err)
	}
	if n != 12 {
		t.Errorf("count = %d, want 12", n)
	}
	if api.calls["A"] != 4 {
		t.Errorf("calls = %d, want 4", api.calls["A"])
	}
}

func TestRefreshUsageGivesUpAfterFourAttempts(t *testing.T) {
	api := newFakeUsage(map[string]int{"A": 12})
	api.failures["A"] = 10
	s := newTestStore(t, api)

	if _, err := s.RefreshUsage(context.Background(), "A"); !tinify.IsTransient(err) {
		t.Errorf("err = %v, want transient error", err)
	}
	if api.calls["A"] != 4 {
		t.Errorf("calls = %d, want 4", api.calls["A"])
	}
}

func TestRefreshUsageInvalidKeyNotRetried(t *testing.T) {
	api := newFakeUsage(map[string]int{})
	s := newTestStore(t, api)

	if _, err := s.RefreshUsage(context.Background(), "nope"); !errors.Is(err, tinify.ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
	if api.calls["nope"] != 1 {
		t.Errorf("calls = %d, want 1", api.calls["nope"])
	}
}

func TestRefreshUsageOnlyRetriesTransientErrors(t *testing.T) {
	api := newFakeUsage(map[string]int{"A": 5})
	api.broken["A"] = &tinify.APIError{StatusCode: 400, Code: "BadRequest", Message: "unexpected"}
	s := newTestStore(t, api)

	_, err := s.RefreshUsage(context.Background(), "A")
	var apiErr *tinify.APIError
	if !errors.As(err, &apiErr) {
		t.Errorf("err = %v, want APIError", err)
	}
	if api.calls["A"] != 1 {
		t.Errorf("calls = %d, want 1", api.calls["A"])
	}
}

func TestRearrange(t *testing.T) {
	api := newFakeUsage(map[string]int{
		"A": 10,
		"B": 495,
		"C": 300,
		"D": 489,
		"E": 0,
		"F": 500,
	})
	s := newTestStore(t, api)
	writePool(t, s.Path(), `{"available":["A","B","C"],"unavailable":["D","E","F","GONE"]}`)
	s.Load()

	pool, usages, err := s.Rearrange(context.Background())
	if err != nil {
		t.Fatalf("Rearrange failed: %v", err)
	}

	want := Pool{
		Available:   []string{"D", "C", "A", "E"},
		Unavailable: []string{"F", "B", "GONE"},
	}
	if !reflect.DeepEqual(pool, want) {
		t.Errorf("Rearrange() = %+v, want %+v", pool, want)
	}
	if got := readPool(t, s.Path()); !reflect.DeepEqual(got, want) {
		t.Errorf("persisted = %+v, want %+v", got, want)
	}
	if len(usages) != 7 {
		t.Errorf("usages = %d entries, want 7", len(usages))
	}
	assertDisjoint(t, pool)
}

func strPtr(s string) *string { return &s }
