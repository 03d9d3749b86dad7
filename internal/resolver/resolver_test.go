package resolver

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

type staticRepo struct {
	desc Descriptor
	err  error
}

func (r staticRepo) LatestStable(ctx context.Context) (Descriptor, error) {
	return r.desc, r.err
}

type countingRecorder struct {
	ok, failed atomic.Int32
}

func (c *countingRecorder) RecordDownload(ok bool) {
	if ok {
		c.ok.Add(1)
	} else {
		c.failed.Add(1)
	}
}

func touch(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("jar"), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLocateSingleMatch(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "minecraft_server-1.12.2.jar")
	touch(t, dir, "server.properties")

	name, err := New(dir, nil).Locate()
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if name != "minecraft_server-1.12.2.jar" {
		t.Errorf("Locate() = %q, want %q", name, "minecraft_server-1.12.2.jar")
	}
}

func TestLocateNoMatch(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "spigot.jar")

	_, err := New(dir, nil).Locate()
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLocateTooManyMatches(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "minecraft_server-1.12.1.jar")
	touch(t, dir, "minecraft_server-1.12.2.jar")

	_, err := New(dir, nil).Locate()
	if !errors.Is(err, ErrTooManyMatches) {
		t.Fatalf("expected ErrTooManyMatches, got %v", err)
	}
}

func TestAcquireWritesDownloadedBytes(t *testing.T) {
	payload := []byte("fake server jar bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	sum := sha1.Sum(payload)
	dir := t.TempDir()
	rec := &countingRecorder{}
	r := New(dir, staticRepo{desc: Descriptor{
		Version:  "1.12.2",
		Filename: "minecraft_server-1.12.2.jar",
		URL:      srv.URL + "/server.jar",
		SHA1:     hex.EncodeToString(sum[:]),
	}}, WithRecorder(rec))

	name, err := r.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if name != "minecraft_server-1.12.2.jar" {
		t.Errorf("Acquire() = %q", name)
	}

	got, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("reading downloaded file: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("file content = %q, want %q", got, payload)
	}
	if rec.ok.Load() != 1 || rec.failed.Load() != 0 {
		t.Errorf("recorder ok=%d failed=%d, want 1/0", rec.ok.Load(), rec.failed.Load())
	}

	// The downloaded file is what Locate finds next time.
	if located, err := r.Locate(); err != nil || located != name {
		t.Errorf("Locate() = %q, %v", located, err)
	}
}

func TestAcquireRetriesThenFails(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	dir := t.TempDir()
	rec := &countingRecorder{}
	r := New(dir, staticRepo{desc: Descriptor{
		Version:  "1.12.2",
		Filename: "minecraft_server-1.12.2.jar",
		URL:      srv.URL,
	}}, WithRetryDelay(time.Millisecond), WithRecorder(rec))

	_, err := r.Acquire(context.Background())
	if !errors.Is(err, ErrDownloadFailed) {
		t.Fatalf("expected ErrDownloadFailed, got %v", err)
	}
	if got := requests.Load(); got != DefaultAttempts {
		t.Errorf("expected %d download requests, got %d", DefaultAttempts, got)
	}
	if rec.failed.Load() != DefaultAttempts {
		t.Errorf("expected %d failed attempts recorded, got %d", DefaultAttempts, rec.failed.Load())
	}
	if _, err := os.Stat(filepath.Join(dir, "minecraft_server-1.12.2.jar")); !os.IsNotExist(err) {
		t.Errorf("expected no file written, stat err = %v", err)
	}
}

func TestAcquireSucceedsOnSecondAttempt(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			http.Error(w, "flaky", http.StatusBadGateway)
			return
		}
		w.Write([]byte("jar"))
	}))
	defer srv.Close()

	r := New(t.TempDir(), staticRepo{desc: Descriptor{
		Version:  "1.12.2",
		Filename: "minecraft_server-1.12.2.jar",
		URL:      srv.URL,
	}}, WithRetryDelay(time.Millisecond))

	if _, err := r.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if requests.Load() != 2 {
		t.Errorf("expected 2 requests, got %d", requests.Load())
	}
}

func TestAcquireChecksumMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("corrupted"))
	}))
	defer srv.Close()

	r := New(t.TempDir(), staticRepo{desc: Descriptor{
		Filename: "minecraft_server-1.12.2.jar",
		URL:      srv.URL,
		SHA1:     "0000000000000000000000000000000000000000",
	}}, WithRetryDelay(time.Millisecond), WithAttempts(1))

	if _, err := r.Acquire(context.Background()); !errors.Is(err, ErrDownloadFailed) {
		t.Fatalf("expected ErrDownloadFailed, got %v", err)
	}
}

func TestAcquireRepositoryError(t *testing.T) {
	errOffline := errors.New("metadata offline")
	r := New(t.TempDir(), staticRepo{err: errOffline})

	_, err := r.Acquire(context.Background())
	if !errors.Is(err, ErrDownloadFailed) {
		t.Fatalf("expected ErrDownloadFailed, got %v", err)
	}
	if !errors.Is(err, errOffline) {
		t.Errorf("repository error not kept in the chain: %v", err)
	}
}

type failingTransport struct {
	err error
}

func (f failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, f.err
}

func TestAcquireKeepsLastAttemptError(t *testing.T) {
	errRefused := errors.New("connection refused")
	r := New(t.TempDir(), staticRepo{desc: Descriptor{
		Filename: "minecraft_server-1.12.2.jar",
		URL:      "http://releases.invalid/server.jar",
	}},
		WithHTTPClient(&http.Client{Transport: failingTransport{err: errRefused}}),
		WithRetryDelay(time.Millisecond),
	)

	_, err := r.Acquire(context.Background())
	if !errors.Is(err, ErrDownloadFailed) {
		t.Fatalf("expected ErrDownloadFailed, got %v", err)
	}
	if !errors.Is(err, errRefused) {
		t.Errorf("transport error not kept in the chain: %v", err)
	}
}
