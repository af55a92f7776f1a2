package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"tinify-unlimited/internal/ledger"
	"tinify-unlimited/internal/statistics"

	"github.com/sirupsen/logrus/hooks/test"
)

// fakeBatch fails each path until it has been attempted failUntil[path] times.
type fakeBatch struct {
	mu        sync.Mutex
	failUntil map[string]int
	calls     map[string]int
	batches   [][]string
}

func newFakeBatch(failUntil map[string]int) *fakeBatch {
	return &fakeBatch{failUntil: failUntil, calls: map[string]int{}}
}

func (f *fakeBatch) CompressBatch(_ context.Context, paths []string) statistics.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, append([]string{}, paths...))

	b := statistics.NewBuilder()
	for _, p := range paths {
		f.calls[p]++
		if f.calls[p] <= f.failUntil[p] {
			b.AddFailure(p)
			continue
		}
		b.AddSuccess(p, 100, 50, false)
	}
	return b.Finalize(len(paths))
}

func newLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	log, _ := test.NewNullLogger()
	return ledger.New(filepath.Join(t.TempDir(), "error_files.json"), log)
}

func TestRedriveRecovers(t *testing.T) {
	log, _ := test.NewNullLogger()
	batch := newFakeBatch(map[string]int{"/b": 1})
	l := newLedger(t)
	c := New(batch, l, log, Options{Rounds: 5})

	out, err := c.Redrive(context.Background(), []string{"/a", "/b"})
	if err != nil {
		t.Fatalf("Redrive failed: %v", err)
	}
	if out.Abandoned || len(out.Remaining) != 0 {
		t.Errorf("outcome = %+v", out)
	}
	if out.Rounds != 2 {
		t.Errorf("rounds = %d, want 2", out.Rounds)
	}
	if !reflect.DeepEqual(batch.batches, [][]string{{"/a", "/b"}, {"/b"}}) {
		t.Errorf("batches = %v", batch.batches)
	}
	if got := l.Load(); len(got) != 0 {
		t.Errorf("ledger = %v, want empty", got)
	}
}

func TestRedriveAbandonsToLedger(t *testing.T) {
	log, _ := test.NewNullLogger()
	batch := newFakeBatch(map[string]int{"/a": 100, "/b": 1})
	l := newLedger(t)
	if err := l.Append([]string{"/old", "/a"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	c := New(batch, l, log, Options{Rounds: 5})

	out, err := c.Redrive(context.Background(), []string{"/a", "/b"})
	if err != nil {
		t.Fatalf("Redrive failed: %v", err)
	}
	if !out.Abandoned || out.Rounds != 5 {
		t.Errorf("outcome = %+v", out)
	}
	if batch.calls["/a"] != 5 {
		t.Errorf("/a attempted %d times, want 5", batch.calls["/a"])
	}
	if got := l.Load(); !reflect.DeepEqual(got, []string{"/old", "/a"}) {
		t.Errorf("ledger = %v, want [/old /a]", got)
	}
	if out.Report.ErrorCount != 1 || out.Report.FileCount != 1 {
		t.Errorf("final report = %d of %d failed", out.Report.ErrorCount, out.Report.FileCount)
	}
}

func TestRedriveWaitsBetweenRounds(t *testing.T) {
	log, _ := test.NewNullLogger()
	batch := newFakeBatch(map[string]int{"/a": 2})
	c := New(batch, newLedger(t), log, Options{Rounds: 5, Delay: 20 * time.Millisecond})

	start := time.Now()
	if _, err := c.Redrive(context.Background(), []string{"/a"}); err != nil {
		t.Fatalf("Redrive failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("3 rounds took %v, want at least 60ms", elapsed)
	}
}

func TestRedriveStopsOnCancel(t *testing.T) {
	log, _ := test.NewNullLogger()
	batch := newFakeBatch(map[string]int{"/a": 100})
	l := newLedger(t)
	c := New(batch, l, log, Options{Rounds: 5, Delay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out, err := c.Redrive(ctx, []string{"/a"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if out.Rounds != 0 {
		t.Errorf("rounds = %d, want 0", out.Rounds)
	}
	if got := l.Load(); !reflect.DeepEqual(got, []string{"/a"}) {
		t.Errorf("ledger = %v, want [/a]", got)
	}
}

func TestRunCombinesReports(t *testing.T) {
	log, _ := test.NewNullLogger()
	batch := newFakeBatch(map[string]int{"/c": 1, "/d": 100})
	l := newLedger(t)
	c := New(batch, l, log, Options{Rounds: 2})

	report, out, err := c.Run(context.Background(), []string{"/a", "/b", "/c", "/d"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.FileCount != 4 || report.SuccessCount != 3 || report.ErrorCount != 1 {
		t.Errorf("report counts = %d/%d/%d, want 4/3/1", report.FileCount, report.SuccessCount, report.ErrorCount)
	}
	if !out.Abandoned || out.Rounds != 2 {
		t.Errorf("outcome = %+v", out)
	}
	if got := l.Load(); !reflect.DeepEqual(got, []string{"/d"}) {
		t.Errorf("ledger = %v", got)
	}
}

func TestRunWithoutFailures(t *testing.T) {
	log, _ := test.NewNullLogger()
	batch := newFakeBatch(nil)
	c := New(batch, newLedger(t), log, DefaultOptions())

	report, out, err := c.Run(context.Background(), []string{"/a"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if report.SuccessCount != 1 || out.Rounds != 0 || len(batch.batches) != 1 {
		t.Errorf("report = %+v, outcome = %+v", report, out)
	}
}

func TestSettleRetriesOnlyTheFailures(t *testing.T) {
	log, _ := test.NewNullLogger()
	batch := newFakeBatch(nil)
	c := New(batch, newLedger(t), log, Options{Rounds: 3})

	b := statistics.NewBuilder()
	b.AddSuccess("/a", 100, 50, false)
	b.AddFailure("/b")
	first := b.Finalize(2)

	report, out, err := c.Settle(context.Background(), first)
	if err != nil {
		t.Fatalf("Settle failed: %v", err)
	}
	if want := [][]string{{"/b"}}; !reflect.DeepEqual(batch.batches, want) {
		t.Errorf("batches = %v, want %v", batch.batches, want)
	}
	if report.FileCount != 2 || report.SuccessCount != 2 || report.ErrorCount != 0 {
		t.Errorf("report counts = %d/%d/%d, want 2/2/0", report.FileCount, report.SuccessCount, report.ErrorCount)
	}
	if out.Rounds != 1 || out.Abandoned {
		t.Errorf("outcome = %+v", out)
	}
}
