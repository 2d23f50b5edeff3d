// Package gateway holds the provider-neutral side of the telephony gateway:
// placing outbound calls and downloading recordings. The Twilio flavour of
// both lives in the twilio sub-package together with the TwiML renderer and
// the webhook parser.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/callagent/internal/engine"
)

// ErrNotConfigured is returned when an outbound call is requested without a
// target or caller number.
var ErrNotConfigured = errors.New("gateway: not configured")

// Dialer places outbound calls.
type Dialer interface {
	// Dial starts a call to the given number and returns the gateway's call
	// id. The call's webhooks arrive later through the router.
	Dial(ctx context.Context, to string) (callID string, err error)
}

const (
	defaultFetchTimeout = 15 * time.Second
	defaultMaxBytes     = 16 << 20
	defaultContentType  = "audio/x-wav"
)

// Compile-time interface assertion.
var _ engine.Fetcher = (*HTTPFetcher)(nil)

// FetcherOption configures an [HTTPFetcher].
type FetcherOption func(*HTTPFetcher)

// WithBasicAuth authenticates every download.
func WithBasicAuth(user, password string) FetcherOption {
	return func(f *HTTPFetcher) {
		f.user = user
		f.password = password
	}
}

// WithSuffix appends s to every recording URL that does not already end in
// it. Twilio serves the WAV rendition of a recording at "<RecordingUrl>.wav".
func WithSuffix(s string) FetcherOption {
	return func(f *HTTPFetcher) { f.suffix = s }
}

// WithHTTPClient replaces the HTTP client. Used in tests.
func WithHTTPClient(c *http.Client) FetcherOption {
	return func(f *HTTPFetcher) { f.client = c }
}

// WithMaxBytes caps the size of a downloaded recording.
func WithMaxBytes(n int64) FetcherOption {
	return func(f *HTTPFetcher) {
		if n > 0 {
			f.maxBytes = n
		}
	}
}

// HTTPFetcher downloads recordings over HTTP(S). It implements
// [engine.Fetcher] and never retries.
type HTTPFetcher struct {
	client   *http.Client
	user     string
	password string
	suffix   string
	maxBytes int64
}

// NewHTTPFetcher creates an [HTTPFetcher].
func NewHTTPFetcher(opts ...FetcherOption) *HTTPFetcher {
	f := &HTTPFetcher{
		client:   &http.Client{Timeout: defaultFetchTimeout},
		maxBytes: defaultMaxBytes,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Fetch implements [engine.Fetcher].
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	if url == "" {
		return nil, "", errors.New("gateway: fetch: empty recording url")
	}
	if f.suffix != "" && !strings.HasSuffix(url, f.suffix) {
		url += f.suffix
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("gateway: fetch: create request: %w", err)
	}
	if f.user != "" {
		req.SetBasicAuth(f.user, f.password)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("gateway: fetch %s: %w", req.URL.Redacted(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("gateway: fetch %s: status %d", req.URL.Redacted(), resp.StatusCode)
	}

	// Read one byte past the limit to detect oversize recordings.
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("gateway: fetch: read body: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, "", fmt.Errorf("gateway: fetch: recording exceeds %d bytes", f.maxBytes)
	}
	if len(data) == 0 {
		return nil, "", errors.New("gateway: fetch: empty recording")
	}
	return data, contentType(resp.Header.Get("Content-Type")), nil
}

func contentType(header string) string {
	mt, _, err := mime.ParseMediaType(header)
	if err != nil || mt == "" {
		return defaultContentType
	}
	return mt
}
