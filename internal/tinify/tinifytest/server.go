// Package tinifytest provides an in-process fake of the Tinify API for tests.
package tinifytest

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// DefaultLimit mirrors the monthly free quota of a Tinify key.
const DefaultLimit = 500

// Server is a fake Tinify endpoint. Keys must be registered with AddKey;
// unknown keys are rejected with 401.
type Server struct {
	*httptest.Server

	// Limit is the quota after which uploads answer 429.
	Limit int
	// Compress turns uploaded bytes into the stored result. Defaults to
	// keeping the first half of the input.
	Compress func([]byte) []byte
	// UploadStatus, when set, may force a status code for an upload.
	// Returning 0 lets the upload proceed normally.
	UploadStatus func(key string, body []byte) int

	mu      sync.Mutex
	counts  map[string]int
	results map[string][]byte
	nextID  int

	uploads     atomic.Int64
	validations atomic.Int64
	downloads   atomic.Int64
}

// NewServer starts a fake Tinify server. Callers must Close it.
func NewServer() *Server {
	s := &Server{
		Limit:   DefaultLimit,
		counts:  make(map[string]int),
		results: make(map[string][]byte),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/shrink", s.handleShrink)
	mux.HandleFunc("/output/", s.handleOutput)
	s.Server = httptest.NewServer(mux)
	return s
}

// AddKey registers key with an initial compression count.
func (s *Server) AddKey(key string, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[key] = count
}

// RemoveKey makes key invalid from now on.
func (s *Server) RemoveKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counts, key)
}

// Count returns the compression count recorded for key.
func (s *Server) Count(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[key]
}

// Uploads returns the number of non-empty shrink requests received.
func (s *Server) Uploads() int { return int(s.uploads.Load()) }

// Validations returns the number of empty (validation) shrink requests received.
func (s *Server) Validations() int { return int(s.validations.Load()) }

// Downloads returns the number of result downloads served.
func (s *Server) Downloads() int { return int(s.downloads.Load()) }

// Requests returns the total number of API calls received.
func (s *Server) Requests() int {
	return s.Uploads() + s.Validations() + s.Downloads()
}

func (s *Server) handleShrink(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "MethodNotAllowed", "use POST")
		return
	}

	_, key, ok := r.BasicAuth()
	body, _ := io.ReadAll(r.Body)

	if len(body) == 0 {
		s.validations.Add(1)
	} else {
		s.uploads.Add(1)
	}

	s.mu.Lock()
	count, known := s.counts[key]
	s.mu.Unlock()

	if !ok || !known {
		writeError(w, http.StatusUnauthorized, "Unauthorized", "Credentials are invalid.")
		return
	}

	w.Header().Set("Compression-Count", strconv.Itoa(count))
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "InputMissing", "Input file is empty.")
		return
	}
	if count >= s.Limit {
		writeError(w, http.StatusTooManyRequests, "TooManyRequests", "Your monthly limit has been exceeded.")
		return
	}
	if s.UploadStatus != nil {
		if status := s.UploadStatus(key, body); status != 0 {
			writeError(w, status, http.StatusText(status), "forced failure")
			return
		}
	}

	out := body[:len(body)/2+1]
	if s.Compress != nil {
		out = s.Compress(body)
	}

	s.mu.Lock()
	s.counts[key]++
	count = s.counts[key]
	s.nextID++
	id := strconv.Itoa(s.nextID)
	s.results[id] = append([]byte(nil), out...)
	s.mu.Unlock()

	w.Header().Set("Compression-Count", strconv.Itoa(count))
	w.Header().Set("Location", fmt.Sprintf("%s/output/%s", s.URL, id))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	fmt.Fprintf(w, `{"input":{"size":%d},"output":{"size":%d}}`, len(body), len(out))
}

func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/output/")
	s.mu.Lock()
	data, ok := s.results[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "NotFound", "no such output")
		return
	}
	s.downloads.Add(1)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q,"message":%q}`, code, message)
}
