package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHTTPFetcher_AuthAndSuffix(t *testing.T) {
	t.Parallel()

	var gotPath, gotUser, gotPass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, gotPass, _ = r.BasicAuth()
		w.Header().Set("Content-Type", "audio/x-wav; charset=binary")
		_, _ = w.Write([]byte("RIFF-data"))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(WithBasicAuth("AC1", "secret"), WithSuffix(".wav"))
	data, ct, err := f.Fetch(context.Background(), srv.URL+"/Recordings/RE1")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(data) != "RIFF-data" || ct != "audio/x-wav" {
		t.Errorf("got %q %q", data, ct)
	}
	if gotPath != "/Recordings/RE1.wav" {
		t.Errorf("path = %q, want suffix appended", gotPath)
	}
	if gotUser != "AC1" || gotPass != "secret" {
		t.Errorf("basic auth = %q:%q", gotUser, gotPass)
	}

	// An URL that already carries the suffix is left alone.
	if _, _, err := f.Fetch(context.Background(), srv.URL+"/Recordings/RE2.wav"); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if gotPath != "/Recordings/RE2.wav" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestHTTPFetcher_DefaultsContentType(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Content-Type"] = nil
		_, _ = w.Write([]byte{0x00, 0x01})
	}))
	defer srv.Close()

	_, ct, err := NewHTTPFetcher().Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if ct != defaultContentType {
		t.Errorf("content type = %q, want %q", ct, defaultContentType)
	}
}

func TestHTTPFetcher_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
		opts    []FetcherOption
		want    string
	}{
		{
			name:    "status",
			handler: func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNotFound) },
			want:    "status 404",
		},
		{
			name:    "empty body",
			handler: func(w http.ResponseWriter, _ *http.Request) {},
			want:    "empty recording",
		},
		{
			name: "oversize",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(strings.Repeat("x", 64)))
			},
			opts: []FetcherOption{WithMaxBytes(16)},
			want: "exceeds 16 bytes",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()

			_, _, err := NewHTTPFetcher(tc.opts...).Fetch(context.Background(), srv.URL)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestHTTPFetcher_RespectsContext(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, _, err := NewHTTPFetcher().Fetch(ctx, srv.URL); err == nil {
		t.Fatal("expected error after deadline")
	}
}

func TestHTTPFetcher_EmptyURL(t *testing.T) {
	t.Parallel()
	if _, _, err := NewHTTPFetcher().Fetch(context.Background(), ""); err == nil {
		t.Fatal("expected error")
	}
}
