package compressor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"tinify-unlimited/internal/keystore"
	"tinify-unlimited/internal/retry"
	"tinify-unlimited/internal/rotator"
	"tinify-unlimited/internal/tinify"
	"tinify-unlimited/internal/tinify/tinifytest"

	"github.com/sirupsen/logrus/hooks/test"
)

type stack struct {
	srv    *tinifytest.Server
	client *Client
	rot    *rotator.Rotator
	store  *keystore.Store
}

// newStack wires a Client to a fake Tinify server holding keys. The pool file
// lists the keys in the order given by pool.
func newStack(t *testing.T, keys map[string]int, pool []string, progress ProgressFunc) stack {
	t.Helper()
	log, _ := test.NewNullLogger()

	srv := tinifytest.NewServer()
	t.Cleanup(srv.Close)
	for k, n := range keys {
		srv.AddKey(k, n)
	}

	api, err := tinify.NewClient(tinify.Options{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "keys.json")
	content := fmt.Sprintf(`{"available":["%s"],"unavailable":[]}`, strings.Join(pool, `","`))
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write key file: %v", err)
	}
	opts := keystore.DefaultOptions(path)
	opts.Refresh = retry.Policy{Attempts: 1}
	store := keystore.New(opts, api, log)
	store.Load()

	rot := rotator.New(api, store, nil, log, rotator.DefaultOptions())
	clientOpts := DefaultClientOptions()
	clientOpts.Progress = progress
	return stack{srv: srv, client: NewClient(api, rot, log, clientOpts), rot: rot, store: store}
}

func writeImage(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func TestCompressWritesMarkedResult(t *testing.T) {
	var mu sync.Mutex
	phases := map[Phase]int{}
	s := newStack(t, map[string]int{"A": 0}, []string{"A"}, func(e Event) {
		mu.Lock()
		phases[e.Phase]++
		mu.Unlock()
	})

	path := writeImage(t, t.TempDir(), "photo.png", bytes.Repeat([]byte{0x42}, 100))
	res, err := s.client.Compress(context.Background(), path, path)
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}

	if res.Status != StatusSuccess || res.Skipped {
		t.Errorf("status = %s skipped = %v", res.Status, res.Skipped)
	}
	if res.OriginalSize != 100 || res.CompressedSize != 55 {
		t.Errorf("sizes = %d -> %d, want 100 -> 55", res.OriginalSize, res.CompressedSize)
	}
	if res.Ratio != 55 {
		t.Errorf("ratio = %v, want 55", res.Ratio)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read result: %v", err)
	}
	if len(data) != 55 || !bytes.HasSuffix(data, []byte(DefaultMarker)) {
		t.Errorf("result has %d bytes, suffix %q", len(data), data[len(data)-4:])
	}
	if got := s.srv.Count("A"); got != 1 {
		t.Errorf("server count = %d, want 1", got)
	}
	if got := s.rot.Count(); got != 1 {
		t.Errorf("rotator count = %d, want 1", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if phases[PhaseUpload] == 0 || phases[PhaseDownload] == 0 || phases[PhaseDone] != 1 {
		t.Errorf("progress phases = %v", phases)
	}
}

func TestCompressSkipsMarkedFile(t *testing.T) {
	s := newStack(t, map[string]int{"A": 0}, []string{"A"}, nil)

	data := append(bytes.Repeat([]byte{1}, 20), []byte(DefaultMarker)...)
	path := writeImage(t, t.TempDir(), "done.jpg", data)

	res, err := s.client.Compress(context.Background(), path, path)
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	if !res.Skipped || res.Ratio != 100 || res.CompressedSize != int64(len(data)) {
		t.Errorf("result = %+v", res)
	}
	if got := s.srv.Requests(); got != 0 {
		t.Errorf("network requests = %d, want 0", got)
	}

	after, _ := os.ReadFile(path)
	if !bytes.Equal(after, data) {
		t.Error("skipped file was modified")
	}
}

func TestCompressIsIdempotent(t *testing.T) {
	s := newStack(t, map[string]int{"A": 0}, []string{"A"}, nil)
	path := writeImage(t, t.TempDir(), "photo.jpeg", bytes.Repeat([]byte{7}, 64))

	if _, err := s.client.Compress(context.Background(), path, path); err != nil {
		t.Fatalf("first Compress failed: %v", err)
	}
	uploads := s.srv.Uploads()

	res, err := s.client.Compress(context.Background(), path, path)
	if err != nil {
		t.Fatalf("second Compress failed: %v", err)
	}
	if !res.Skipped {
		t.Error("second run should skip the marked file")
	}
	if s.srv.Uploads() != uploads {
		t.Errorf("uploads = %d, want %d", s.srv.Uploads(), uploads)
	}
}

func TestCompressRetriesTransientFailures(t *testing.T) {
	s := newStack(t, map[string]int{"A": 0}, []string{"A"}, nil)
	var calls atomic.Int32
	s.srv.UploadStatus = func(string, []byte) int {
		if calls.Add(1) <= 2 {
			return http.StatusBadGateway
		}
		return 0
	}

	path := writeImage(t, t.TempDir(), "photo.png", bytes.Repeat([]byte{1}, 40))
	res, err := s.client.Compress(context.Background(), path, path)
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", res.Attempts)
	}
}

func TestCompressGivesUp(t *testing.T) {
	s := newStack(t, map[string]int{"A": 0}, []string{"A"}, nil)
	s.srv.UploadStatus = func(string, []byte) int { return http.StatusServiceUnavailable }

	dir := t.TempDir()
	original := bytes.Repeat([]byte{9}, 40)
	path := writeImage(t, dir, "photo.png", original)

	res, err := s.client.Compress(context.Background(), path, path)
	var failure *CompressionFailure
	if !errors.As(err, &failure) {
		t.Fatalf("err = %v, want CompressionFailure", err)
	}
	if failure.Attempts != 4 || failure.Path != path {
		t.Errorf("failure = %+v", failure)
	}
	if !tinify.IsTransient(err) {
		t.Errorf("cause should be transient: %v", err)
	}
	if res.Status != StatusFailed {
		t.Errorf("status = %s, want failed", res.Status)
	}
	if s.srv.Uploads() != 4 {
		t.Errorf("uploads = %d, want 4", s.srv.Uploads())
	}

	after, _ := os.ReadFile(path)
	if !bytes.Equal(after, original) {
		t.Error("original was modified by a failed compression")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("directory has %d entries, want only the original", len(entries))
	}
}

func TestCompressRotatesPastRejectedKey(t *testing.T) {
	s := newStack(t, map[string]int{"A": 0, "B": 10}, []string{"A", "B"}, nil)
	if err := s.rot.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	s.srv.RemoveKey("A")

	path := writeImage(t, t.TempDir(), "photo.png", bytes.Repeat([]byte{3}, 30))
	res, err := s.client.Compress(context.Background(), path, path)
	if err != nil {
		t.Fatalf("Compress failed: %v", err)
	}
	if res.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", res.Attempts)
	}
	if lease, _ := s.rot.Current(); lease.Key != "B" {
		t.Errorf("active key = %q, want B", lease.Key)
	}
	if pool := s.store.Snapshot(); len(pool.Unavailable) != 1 || pool.Unavailable[0] != "A" {
		t.Errorf("unavailable = %v, want [A]", pool.Unavailable)
	}
}

func TestCompressStopsWhenProvisioningFails(t *testing.T) {
	s := newStack(t, map[string]int{"A": 495}, []string{"A"}, nil)
	path := writeImage(t, t.TempDir(), "photo.png", bytes.Repeat([]byte{3}, 30))

	_, err := s.client.Compress(context.Background(), path, path)
	var failure *CompressionFailure
	if !errors.As(err, &failure) {
		t.Fatalf("err = %v, want CompressionFailure", err)
	}
	var pf *rotator.ProvisioningFailure
	if !errors.As(err, &pf) {
		t.Errorf("cause = %v, want ProvisioningFailure", err)
	}
	if failure.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", failure.Attempts)
	}
	if s.srv.Uploads() != 0 {
		t.Errorf("uploads = %d, want 0", s.srv.Uploads())
	}
}

func TestBatchCollectsFailures(t *testing.T) {
	s := newStack(t, map[string]int{"A": 0}, []string{"A"}, nil)
	s.srv.UploadStatus = func(_ string, body []byte) int {
		if bytes.HasPrefix(body, []byte("bad")) {
			return http.StatusBadRequest
		}
		return 0
	}

	dir := t.TempDir()
	var paths []string
	for i := 0; i < 10; i++ {
		prefix := "ok"
		if i == 3 || i == 7 {
			prefix = "bad"
		}
		data := append([]byte(prefix), bytes.Repeat([]byte{byte(i)}, 50)...)
		paths = append(paths, writeImage(t, dir, fmt.Sprintf("img%02d.png", i), data))
	}

	log, _ := test.NewNullLogger()
	batch := NewBatch(s.client, log, BatchOptions{Workers: 4})
	report := batch.CompressBatch(context.Background(), paths)

	if report.FileCount != 10 || report.SuccessCount != 8 || report.ErrorCount != 2 {
		t.Errorf("report counts = %d/%d/%d, want 10/8/2", report.FileCount, report.SuccessCount, report.ErrorCount)
	}
	failed := map[string]bool{}
	for _, p := range report.ErrorFiles {
		failed[p] = true
	}
	if !failed[paths[3]] || !failed[paths[7]] {
		t.Errorf("error files = %v", report.ErrorFiles)
	}
	if got := s.srv.Count("A"); got != 8 {
		t.Errorf("server count = %d, want 8", got)
	}
	if report.BatchID == "" {
		t.Error("report should carry a batch id")
	}
}

func TestBatchWritesToOutputDir(t *testing.T) {
	s := newStack(t, map[string]int{"A": 0}, []string{"A"}, nil)
	in := t.TempDir()
	out := filepath.Join(t.TempDir(), "compressed")

	original := bytes.Repeat([]byte{5}, 80)
	writeImage(t, in, "a.jpg", original)
	writeImage(t, in, "b.PNG", original)
	writeImage(t, in, "notes.txt", original)

	log, _ := test.NewNullLogger()
	batch := NewBatch(s.client, log, BatchOptions{Workers: 2, OutputDir: out})
	report, err := batch.CompressFromDir(context.Background(), in)
	if err != nil {
		t.Fatalf("CompressFromDir failed: %v", err)
	}
	if report.FileCount != 2 || report.SuccessCount != 2 {
		t.Errorf("report = %d files, %d succeeded", report.FileCount, report.SuccessCount)
	}
	if report.InputDir != in || report.OutputDir != out {
		t.Errorf("report dirs = %q, %q", report.InputDir, report.OutputDir)
	}

	for _, name := range []string{"a.jpg", "b.PNG"} {
		orig, _ := os.ReadFile(filepath.Join(in, name))
		if !bytes.Equal(orig, original) {
			t.Errorf("%s original was modified", name)
		}
		data, err := os.ReadFile(filepath.Join(out, name))
		if err != nil {
			t.Errorf("missing output for %s: %v", name, err)
			continue
		}
		if !bytes.HasSuffix(data, []byte(DefaultMarker)) {
			t.Errorf("%s output lacks marker", name)
		}
	}
}

func TestCompressFromDirErrors(t *testing.T) {
	log, _ := test.NewNullLogger()
	batch := NewBatch(nil, log, BatchOptions{})

	_, err := batch.CompressFromDir(context.Background(), filepath.Join(t.TempDir(), "missing"))
	var notFound *DirectoryNotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("err = %v, want DirectoryNotFoundError", err)
	}

	dir := t.TempDir()
	writeImage(t, dir, "readme.md", []byte("hello"))
	_, err = batch.CompressFromDir(context.Background(), dir)
	var empty *EmptyDirectoryError
	if !errors.As(err, &empty) {
		t.Errorf("err = %v, want EmptyDirectoryError", err)
	}
}

func TestHasMarker(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		data []byte
		want bool
	}{
		{name: "marked", data: []byte("imagedatatiny"), want: true},
		{name: "unmarked", data: []byte("imagedata"), want: false},
		{name: "shorter_than_marker", data: []byte("ti"), want: false},
		{name: "empty", data: nil, want: false},
		{name: "marker_only", data: []byte("tiny"), want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeImage(t, dir, tt.name, tt.data)
			got, err := HasMarker(path, []byte(DefaultMarker))
			if err != nil {
				t.Fatalf("HasMarker failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("HasMarker = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDefaultPattern(t *testing.T) {
	for name, want := range map[string]bool{
		"a.jpg": true, "a.JPEG": true, "a.png": true, "a.svga": true,
		"a.gif": false, "a.jpg.bak": false, "jpg": false,
	} {
		if got := DefaultPattern.MatchString(name); got != want {
			t.Errorf("DefaultPattern(%q) = %v, want %v", name, got, want)
		}
	}
}
