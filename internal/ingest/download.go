package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// userAgents is rotated per request. The index host throttles clients that
// hammer it with an identical fingerprint.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64; rv:127.0) Gecko/20100101 Firefox/127.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:126.0) Gecko/20100101 Firefox/126.0",
}

// Downloader fetches council archives to disk, one file per council per
// publish month.
type Downloader struct {
	http   *http.Client
	logger *logrus.Logger
	nextUA uint64
	pause  time.Duration
}

// NewDownloader creates an archive downloader.
func NewDownloader(logger *logrus.Logger) *Downloader {
	return &Downloader{
		http:   &http.Client{Timeout: 10 * time.Minute},
		logger: logger,
		pause:  2 * time.Second,
	}
}

// Fetch downloads one council archive to dest, writing through a temp file so
// a partial download never masquerades as a complete archive. Returns the
// archive size.
func (d *Downloader) Fetch(ctx context.Context, council Council, dest string) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("create download dir: %w", err)
	}

	var size int64
	op := func() error {
		n, err := d.fetchOnce(ctx, council, dest)
		if err != nil {
			return err
		}
		size = n
		return nil
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return 0, fmt.Errorf("download %s: %w", council.Name, err)
	}

	// Brief pause between councils keeps the host happy over a ~350 archive run.
	select {
	case <-time.After(d.pause):
	case <-ctx.Done():
		return size, ctx.Err()
	}
	return size, nil
}

func (d *Downloader) fetchOnce(ctx context.Context, council Council, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, council.URL, nil)
	if err != nil {
		return 0, backoff.Permanent(err)
	}
	req.Header.Set("User-Agent", d.userAgent())

	resp, err := d.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return 0, fmt.Errorf("archive host status %d", resp.StatusCode)
	default:
		return 0, backoff.Permanent(fmt.Errorf("archive host status %d", resp.StatusCode))
	}

	tmp := dest + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("create %s: %w", tmp, err))
	}
	n, err := io.Copy(out, resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, fmt.Errorf("write archive: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return 0, backoff.Permanent(fmt.Errorf("finalise archive: %w", err))
	}

	d.logger.WithFields(logrus.Fields{"council": council.Name, "bytes": n}).Debug("Archive downloaded")
	return n, nil
}

func (d *Downloader) userAgent() string {
	i := atomic.AddUint64(&d.nextUA, 1)
	return userAgents[i%uint64(len(userAgents))]
}
