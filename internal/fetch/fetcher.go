package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/ivanreyes/denue-harvest/internal/util"
	"github.com/schollz/progressbar/v3"
)

const (
	// UserAgent identifies this tool to the publisher's download servers
	UserAgent = "denue-harvest/1.0 (+https://github.com/ivanreyes/denue-harvest)"

	// DefaultTimeout bounds a single download attempt
	DefaultTimeout = 2 * time.Minute
)

// Fetcher downloads snapshot archives over HTTP with bounded retry.
// Transient failures (network errors, timeouts, 5xx) are retried with
// exponential backoff up to MaxAttempts; permanent failures (4xx, invalid
// URLs) fail immediately.
type Fetcher struct {
	client      *http.Client
	maxAttempts int
	initialWait time.Duration
	showBar     bool
}

// Config holds fetcher configuration
type Config struct {
	Timeout     time.Duration
	MaxAttempts int
	InitialWait time.Duration
	ShowBar     bool
}

// New creates a Fetcher
func New(cfg *Config) *Fetcher {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialWait <= 0 {
		cfg.InitialWait = 2 * time.Second
	}

	return &Fetcher{
		client:      &http.Client{Timeout: cfg.Timeout},
		maxAttempts: cfg.MaxAttempts,
		initialWait: cfg.InitialWait,
		showBar:     cfg.ShowBar,
	}
}

// Fetch downloads url to dest, returning the number of bytes written.
// The returned error wraps util.ErrTransientIO when every retry was
// exhausted on a transient failure, and util.ErrPermanentIO when the
// failure is not worth retrying. A partial dest file is always removed
// on error.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, dest string) (int64, error) {
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return 0, fmt.Errorf("%w: invalid url %q: %v", util.ErrPermanentIO, rawURL, err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = f.initialWait
	policy.MaxInterval = 30 * time.Second
	// backoff counts retries, not attempts
	retries := backoff.WithMaxRetries(policy, uint64(f.maxAttempts-1))

	var written int64
	attempt := 0

	operation := func() error {
		attempt++
		n, err := f.fetchOnce(ctx, rawURL, dest)
		if err == nil {
			written = n
			return nil
		}

		os.Remove(dest)

		if errors.Is(err, util.ErrPermanentIO) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}

		util.WarnLog("Download attempt %d/%d failed for %s: %v", attempt, f.maxAttempts, rawURL, err)
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(retries, ctx)); err != nil {
		return 0, err
	}

	util.DebugLog("Downloaded %s (%s) in %d attempt(s)", rawURL, humanize.Bytes(uint64(written)), attempt)
	return written, nil
}

// fetchOnce performs a single download attempt
func (f *Fetcher) fetchOnce(ctx context.Context, rawURL, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", util.ErrPermanentIO, err)
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		// Connection errors and client timeouts are transient by definition
		return 0, fmt.Errorf("%w: %v", util.ErrTransientIO, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp.StatusCode); err != nil {
		return 0, err
	}

	out, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", dest, err)
	}
	defer out.Close()

	var src io.Reader = resp.Body
	if f.showBar && util.IsTerminal(os.Stderr.Fd()) && !util.IsQuiet() {
		bar := progressbar.DefaultBytes(resp.ContentLength, "downloading")
		src = io.TeeReader(resp.Body, bar)
	}

	written, err := io.Copy(out, src)
	if err != nil {
		// A connection dropped mid-body is as retryable as a failed dial
		return 0, fmt.Errorf("%w: body read: %v", util.ErrTransientIO, err)
	}

	if err := out.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync %s: %w", dest, err)
	}

	return written, nil
}

// classifyStatus maps HTTP status codes onto the failure taxonomy
func classifyStatus(code int) error {
	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", util.ErrTransientIO, code)
	case code >= 500:
		return fmt.Errorf("%w: status %d", util.ErrTransientIO, code)
	default:
		return fmt.Errorf("%w: status %d", util.ErrPermanentIO, code)
	}
}
