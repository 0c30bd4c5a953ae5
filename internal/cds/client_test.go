package cds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastBackOff() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 20)
}

// fakeArchive emulates the retrieve API: a job becomes successful after
// pendingPolls status requests.
type fakeArchive struct {
	t            *testing.T
	pendingPolls int32
	failSubmits  int32
	jobStatus    string
	payload      []byte

	polls   atomic.Int32
	submits atomic.Int32

	mu     sync.Mutex
	inputs map[string]any
}

func (f *fakeArchive) lastInputs() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inputs
}

func (f *fakeArchive) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/retrieve/v1/processes/reanalysis-era5-single-levels/execution", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method", http.StatusMethodNotAllowed)
			return
		}
		if r.Header.Get("PRIVATE-TOKEN") != "secret-key" {
			http.Error(w, `{"title":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		if f.submits.Add(1) <= f.failSubmits {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		var body struct {
			Inputs map[string]any `json:"inputs"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			f.t.Errorf("decode submit body: %v", err)
		}
		f.mu.Lock()
		f.inputs = body.Inputs
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"jobID": "job-1", "status": "accepted"})
	})
	mux.HandleFunc("/api/retrieve/v1/jobs/job-1", func(w http.ResponseWriter, r *http.Request) {
		status := f.jobStatus
		if f.polls.Add(1) <= f.pendingPolls {
			status = "running"
		}
		json.NewEncoder(w).Encode(map[string]string{"jobID": "job-1", "status": status, "message": "boom"})
	})
	mux.HandleFunc("/api/retrieve/v1/jobs/job-1/results", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"asset":{"value":{"href":"/download/job-1.nc","file:size":%d}}}`, len(f.payload))
	})
	mux.HandleFunc("/download/job-1.nc", func(w http.ResponseWriter, r *http.Request) {
		w.Write(f.payload)
	})
	return mux
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(testLogger(), srv.URL+"/api", "secret-key", 2, WithBackOff(fastBackOff))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestClientRetrieve(t *testing.T) {
	f := &fakeArchive{t: t, pendingPolls: 2, failSubmits: 1, jobStatus: "successful", payload: []byte("CDF\x01grid")}
	srv := httptest.NewServer(f.handler())
	defer srv.Close()
	c := newTestClient(t, srv)
	defer c.Close()

	var buf bytes.Buffer
	req := Request{"year": []string{"2020"}, "grid": "0.5/0.5"}
	if err := c.Retrieve(context.Background(), "reanalysis-era5-single-levels", req, &buf); err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), f.payload) {
		t.Errorf("payload = %q, want %q", buf.Bytes(), f.payload)
	}
	if got := f.submits.Load(); got != 2 {
		t.Errorf("submits = %d, want 2 (one retried 503)", got)
	}
	if got := f.polls.Load(); got != 3 {
		t.Errorf("polls = %d, want 3", got)
	}
	if in := f.lastInputs(); in["grid"] != "0.5/0.5" {
		t.Errorf("inputs = %v", in)
	}
}

func TestClientJobFailed(t *testing.T) {
	f := &fakeArchive{t: t, jobStatus: "failed"}
	srv := httptest.NewServer(f.handler())
	defer srv.Close()
	c := newTestClient(t, srv)

	err := c.Retrieve(context.Background(), "reanalysis-era5-single-levels", Request{}, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "failed") {
		t.Fatalf("Retrieve error = %v, want job failure", err)
	}
	if got := f.polls.Load(); got != 1 {
		t.Errorf("polls = %d, want 1 (failure is permanent)", got)
	}
}

func TestClientUnauthorizedIsPermanent(t *testing.T) {
	f := &fakeArchive{t: t, jobStatus: "successful"}
	srv := httptest.NewServer(f.handler())
	defer srv.Close()
	c, err := NewClient(testLogger(), srv.URL+"/api", "wrong-key", 1, WithBackOff(fastBackOff))
	if err != nil {
		t.Fatal(err)
	}

	err = c.Retrieve(context.Background(), "reanalysis-era5-single-levels", Request{}, io.Discard)
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("Retrieve error = %v, want 401", err)
	}
	if got := f.submits.Load(); got != 0 {
		t.Errorf("submits counted = %d, want 0", got)
	}
}

func TestClientCancelled(t *testing.T) {
	f := &fakeArchive{t: t, pendingPolls: 1 << 30, jobStatus: "successful"}
	srv := httptest.NewServer(f.handler())
	defer srv.Close()
	c, err := NewClient(testLogger(), srv.URL+"/api", "secret-key", 1, WithBackOff(func() backoff.BackOff {
		return backoff.NewConstantBackOff(time.Millisecond)
	}))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.Retrieve(ctx, "reanalysis-era5-single-levels", Request{}, io.Discard); err == nil {
		t.Fatal("Retrieve succeeded on a job that never finishes")
	}
}

func TestNewClientValidation(t *testing.T) {
	tests := []struct {
		url, key string
	}{
		{"ftp://example.com", "key"},
		{"https://example.com", ""},
		{"https://example.com", "bad key"},
	}
	for _, tt := range tests {
		if _, err := NewClient(testLogger(), tt.url, tt.key, 1); err == nil {
			t.Errorf("NewClient(%q, %q) succeeded", tt.url, tt.key)
		}
	}
}
