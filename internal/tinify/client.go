// Package tinify talks to the Tinify (TinyPNG) HTTP API: key validation,
// image upload ("shrink") and result download.
package tinify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultBaseURL is the public Tinify API endpoint.
const DefaultBaseURL = "https://api.tinify.com"

// CompressionCountHeader carries the number of compressions billed to a key.
const CompressionCountHeader = "Compression-Count"

var (
	// ErrUnauthorized is returned when the service rejects the key.
	ErrUnauthorized = errors.New("tinify: credentials are invalid")
	// ErrTooManyRequests is returned when the key has used up its quota.
	ErrTooManyRequests = errors.New("tinify: compression quota exceeded")
	// ErrMissingLocation is returned when an upload succeeds without a result URL.
	ErrMissingLocation = errors.New("tinify: response has no Location header")
)

// TransientError is a network failure or server-side error worth retrying.
type TransientError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("tinify %s: server returned %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("tinify %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// APIError is a client-side error reported by the service (bad input, etc).
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tinify: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// IsTransient reports whether err is a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// HTTPDoer is the interface for making HTTP requests.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Options configures a Client.
type Options struct {
	BaseURL         string
	Proxy           string
	UploadTimeout   time.Duration
	DownloadTimeout time.Duration
}

// Client wraps HTTP calls to the Tinify API. It is safe for concurrent use;
// the key is passed per call so one Client serves every credential.
type Client struct {
	BaseURL        string
	HTTPClient     HTTPDoer // uploads and validation
	DownloadClient HTTPDoer // result downloads
}

// ShrinkResult is the outcome of one successful upload.
type ShrinkResult struct {
	Location         string
	CompressionCount int
}

// NewClient builds a Client with separate upload and download timeouts and an
// optional HTTP proxy.
func NewClient(opts Options) (*Client, error) {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.Proxy != "" {
		proxyURL, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy %q: %w", opts.Proxy, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &Client{
		BaseURL:        base,
		HTTPClient:     &http.Client{Transport: transport, Timeout: opts.UploadTimeout},
		DownloadClient: &http.Client{Transport: transport, Timeout: opts.DownloadTimeout},
	}, nil
}

// Validate checks a key with an empty shrink request and returns the key's
// current compression count. A valid key answers 400 (no input) with the
// count header set.
func (c *Client) Validate(ctx context.Context, key string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/shrink", http.NoBody)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.SetBasicAuth("api", key)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, &TransientError{Op: "validate", Err: err}
	}
	defer drain(resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return 0, ErrUnauthorized
	case resp.StatusCode >= 500:
		return 0, &TransientError{Op: "validate", StatusCode: resp.StatusCode, Err: readAPIError(resp)}
	}

	count, ok := compressionCount(resp)
	if !ok {
		if resp.StatusCode == http.StatusTooManyRequests {
			return 0, ErrTooManyRequests
		}
		return 0, fmt.Errorf("validate: %w", readAPIError(resp))
	}
	return count, nil
}

// Shrink uploads size bytes from body and returns the result location along
// with the compression count reported for key.
func (c *Client) Shrink(ctx context.Context, key string, body io.Reader, size int64) (ShrinkResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/shrink", body)
	if err != nil {
		return ShrinkResult{}, fmt.Errorf("create request: %w", err)
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")
	req.SetBasicAuth("api", key)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return ShrinkResult{}, &TransientError{Op: "shrink", Err: err}
	}
	defer drain(resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ShrinkResult{}, ErrUnauthorized
	case resp.StatusCode == http.StatusTooManyRequests:
		return ShrinkResult{}, ErrTooManyRequests
	case resp.StatusCode >= 500:
		return ShrinkResult{}, &TransientError{Op: "shrink", StatusCode: resp.StatusCode, Err: readAPIError(resp)}
	case resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK:
		return ShrinkResult{}, readAPIError(resp)
	}

	location := resp.Header.Get("Location")
	if location == "" {
		return ShrinkResult{}, ErrMissingLocation
	}
	count, ok := compressionCount(resp)
	if !ok {
		return ShrinkResult{}, fmt.Errorf("shrink: missing or invalid %s header", CompressionCountHeader)
	}
	return ShrinkResult{Location: location, CompressionCount: count}, nil
}

// Download streams the compressed image at location into w.
func (c *Client) Download(ctx context.Context, location string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.DownloadClient.Do(req)
	if err != nil {
		return 0, &TransientError{Op: "download", Err: err}
	}
	defer drain(resp.Body)

	if resp.StatusCode >= 500 {
		return 0, &TransientError{Op: "download", StatusCode: resp.StatusCode, Err: readAPIError(resp)}
	}
	if resp.StatusCode != http.StatusOK {
		return 0, readAPIError(resp)
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, &TransientError{Op: "download", Err: err}
	}
	return n, nil
}

func compressionCount(resp *http.Response) (int, bool) {
	raw := strings.TrimSpace(resp.Header.Get(CompressionCountHeader))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Error == "" {
		return &APIError{
			StatusCode: resp.StatusCode,
			Code:       http.StatusText(resp.StatusCode),
			Message:    strings.TrimSpace(string(body)),
		}
	}
	return &APIError{StatusCode: resp.StatusCode, Code: payload.Error, Message: payload.Message}
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64*1024))
	_ = body.Close()
}
