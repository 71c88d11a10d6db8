package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"

	"github.com/loykin/pgembed/internal/logger"
	"github.com/loykin/pgembed/internal/metrics"
)

// ErrDownloadFailed is returned once every download attempt failed or the
// server answered with a permanent error.
var ErrDownloadFailed = errors.New("download failed")

const (
	DefaultMaxAttempts     = 4
	DefaultInitialInterval = 500 * time.Millisecond
	DefaultMaxInterval     = 10 * time.Second
	DefaultAttemptTimeout  = 10 * time.Minute
	maxSidecarSize         = 4 << 10
)

// StatusError is an unexpected HTTP status.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// Temporary reports whether retrying may succeed: server errors and rate
// limiting are transient, other client errors are not.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// Downloader fetches URLs with bounded exponential-backoff retries.
type Downloader struct {
	Client          *http.Client
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	AttemptTimeout  time.Duration
	Logger          *slog.Logger
}

func (d *Downloader) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return http.DefaultClient
}

func (d *Downloader) log() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return logger.Discard()
}

func (d *Downloader) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = valOr(d.InitialInterval, DefaultInitialInterval)
	eb.MaxInterval = valOr(d.MaxInterval, DefaultMaxInterval)
	eb.MaxElapsedTime = 0
	eb.Reset()
	attempts := d.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)
}

func valOr(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// trackingReader remembers read errors so a failing consumer can be told
// apart from a broken transfer.
type trackingReader struct {
	r   io.Reader
	n   int64
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	t.n += int64(n)
	if err != nil && err != io.EOF {
		t.err = err
	}
	return n, err
}

// Download GETs url and hands the body to consume. A failed attempt is
// retried from scratch, so consume must discard what it saw before. Network
// errors, 5xx and 429 are retried; other statuses and consume errors that
// were not caused by reading the body are permanent.
func (d *Downloader) Download(ctx context.Context, url string, consume func(io.Reader) error) error {
	attempt := 0
	op := func() error {
		attempt++
		actx, cancel := context.WithTimeout(ctx, valOr(d.AttemptTimeout, DefaultAttemptTimeout))
		defer cancel()
		req, err := http.NewRequestWithContext(actx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := d.client().Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			se := &StatusError{URL: url, Code: resp.StatusCode}
			if se.Temporary() {
				return se
			}
			return backoff.Permanent(se)
		}
		tr := &trackingReader{r: resp.Body}
		start := time.Now()
		if err := consume(tr); err != nil {
			if tr.err != nil {
				return fmt.Errorf("read body: %w", tr.err)
			}
			return backoff.Permanent(err)
		}
		metrics.AddDownloadBytes(tr.n)
		d.log().Debug("downloaded", "url", url, "size", humanize.Bytes(uint64(tr.n)), "took", time.Since(start).Round(time.Millisecond))
		return nil
	}
	notify := func(err error, wait time.Duration) {
		d.log().Warn("download attempt failed", "url", url, "attempt", attempt, "retry_in", wait, "error", err)
	}
	err := backoff.RetryNotify(op, d.backOff(ctx), notify)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("download %s: %w", url, ctx.Err())
	}
	if errors.Is(err, ErrChecksumMismatch) {
		return err
	}
	return fmt.Errorf("%w: %s after %d attempt(s): %w", ErrDownloadFailed, url, attempt, err)
}

// FetchText downloads a small text resource such as a checksum sidecar.
func (d *Downloader) FetchText(ctx context.Context, url string) (string, error) {
	var buf bytes.Buffer
	err := d.Download(ctx, url, func(r io.Reader) error {
		buf.Reset()
		_, err := io.Copy(&buf, io.LimitReader(r, maxSidecarSize))
		return err
	})
	return buf.String(), err
}
