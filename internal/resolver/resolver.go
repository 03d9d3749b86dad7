// Package resolver finds or downloads the server jar a supervisor runs.
package resolver

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"
)

// Pattern matches server executables inside the server directory.
const Pattern = "minecraft_server-*.jar"

const (
	// DefaultAttempts is the number of download attempts before giving up.
	DefaultAttempts = 2

	defaultRetryDelay = time.Second
)

var (
	// ErrNotFound means no file in the server directory matches Pattern.
	ErrNotFound = errors.New("no server executable found")

	// ErrTooManyMatches means more than one file matches Pattern. The
	// resolver refuses to guess which one is intended.
	ErrTooManyMatches = errors.New("more than one server executable found")

	// ErrDownloadFailed means every download attempt failed.
	ErrDownloadFailed = errors.New("failed to download server executable")
)

// Descriptor identifies a downloadable server artifact.
type Descriptor struct {
	Version  string
	Filename string
	URL      string
	SHA1     string // hex digest; empty skips verification
}

// Repository reports the latest stable server release.
type Repository interface {
	LatestStable(ctx context.Context) (Descriptor, error)
}

// Recorder observes download attempts.
type Recorder interface {
	RecordDownload(ok bool)
}

// Resolver locates the server jar in a directory, downloading it when absent.
type Resolver struct {
	dir        string
	repo       Repository
	client     *http.Client
	attempts   int
	retryDelay time.Duration
	recorder   Recorder
	logger     *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithHTTPClient sets the client used for downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) {
		r.client = c
	}
}

// WithAttempts sets the download attempt budget.
func WithAttempts(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.attempts = n
		}
	}
}

// WithRetryDelay sets the minimum spacing between download attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(r *Resolver) {
		r.retryDelay = d
	}
}

// WithRecorder reports each download attempt to rec.
func WithRecorder(rec Recorder) Option {
	return func(r *Resolver) {
		r.recorder = rec
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = l
	}
}

// New creates a resolver for the server directory dir. repo may be nil, in
// which case Acquire always fails.
func New(dir string, repo Repository, opts ...Option) *Resolver {
	r := &Resolver{
		dir:        dir,
		repo:       repo,
		client:     &http.Client{Timeout: 5 * time.Minute},
		attempts:   DefaultAttempts,
		retryDelay: defaultRetryDelay,
		logger:     slog.With("component", "resolver"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dir returns the server directory.
func (r *Resolver) Dir() string {
	return r.dir
}

// Locate returns the filename of the single server executable in the
// server directory.
func (r *Resolver) Locate() (string, error) {
	matches, err := filepath.Glob(filepath.Join(r.dir, Pattern))
	if err != nil {
		return "", fmt.Errorf("scanning %s: %w", r.dir, err)
	}

	switch len(matches) {
	case 0:
		abs, _ := filepath.Abs(r.dir)
		return "", fmt.Errorf("%w in %s", ErrNotFound, abs)
	case 1:
		return filepath.Base(matches[0]), nil
	default:
		names := make([]string, len(matches))
		for i, m := range matches {
			names[i] = filepath.Base(m)
		}
		return "", fmt.Errorf("%w in %s: %v", ErrTooManyMatches, r.dir, names)
	}
}

// Acquire downloads the latest stable server into the server directory and
// returns its filename.
func (r *Resolver) Acquire(ctx context.Context) (string, error) {
	if r.repo == nil {
		return "", fmt.Errorf("%w: no release repository configured", ErrDownloadFailed)
	}

	desc, err := r.repo.LatestStable(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: looking up latest release: %w", ErrDownloadFailed, err)
	}

	limiter := rate.NewLimiter(rate.Every(r.retryDelay), 1)
	var lastErr error

	for attempt := 1; attempt <= r.attempts; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return "", err
		}

		r.logger.Info("downloading server executable",
			"version", desc.Version, "url", desc.URL, "attempt", attempt)

		data, err := r.download(ctx, desc)
		if r.recorder != nil {
			r.recorder.RecordDownload(err == nil)
		}
		if err == nil {
			path := filepath.Join(r.dir, desc.Filename)
			r.logger.Info("writing server executable", "path", path, "bytes", len(data))
			if err := writeFileAtomic(path, data); err != nil {
				return "", fmt.Errorf("writing %s: %w", path, err)
			}
			return desc.Filename, nil
		}

		lastErr = err
		if attempt < r.attempts {
			r.logger.Error("download failed, retrying", "attempt", attempt, "error", err)
		} else {
			r.logger.Error("download failed", "attempt", attempt, "error", err)
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
	}

	return "", fmt.Errorf("%w after %d attempts: %w", ErrDownloadFailed, r.attempts, lastErr)
}

func (r *Resolver) download(ctx context.Context, desc Descriptor) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.URL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}

	if desc.SHA1 != "" {
		sum := sha1.Sum(data)
		if got := hex.EncodeToString(sum[:]); got != desc.SHA1 {
			return nil, fmt.Errorf("checksum mismatch: got %s, want %s", got, desc.SHA1)
		}
	}
	return data, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}
