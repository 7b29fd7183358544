package catalogue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Dataset identifies an ownership dataset in the upstream catalogue.
type Dataset string

const (
	DatasetCCOD Dataset = "ccod" // UK companies
	DatasetOCOD Dataset = "ocod" // overseas companies
)

// File is one downloadable monthly CSV.
type File struct {
	Dataset Dataset   `json:"dataset"`
	Name    string    `json:"name"`
	Date    time.Time `json:"date"` // publication date
	URL     string    `json:"url"`
	// Full marks a complete monthly snapshot rather than a change-only file.
	Full bool `json:"full"`
}

// Client talks to the JSON catalogue API that lists per-month CCOD and OCOD
// downloads. Requests carry a bearer-style API key. Rate-limit responses are
// honoured with unbounded delayed retry; other transient failures get a
// bounded exponential backoff.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *logrus.Logger
}

// NewClient creates a catalogue client.
func NewClient(baseURL, apiKey string, logger *logrus.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 5 * time.Minute},
		logger:  logger,
	}
}

type listResponse struct {
	Dataset string `json:"dataset"`
	Files   []struct {
		Name string `json:"name"`
		Date string `json:"date"`
		URL  string `json:"download_url"`
		Full bool   `json:"full"`
	} `json:"files"`
}

// ChangeFiles lists the change-only files for a dataset, unordered.
func (c *Client) ChangeFiles(ctx context.Context, ds Dataset) ([]File, error) {
	files, err := c.list(ctx, ds)
	if err != nil {
		return nil, err
	}
	out := files[:0]
	for _, f := range files {
		if !f.Full {
			out = append(out, f)
		}
	}
	return out, nil
}

// FullSnapshot returns the full monthly snapshot published at the given
// month, used to bootstrap an empty ownership table.
func (c *Client) FullSnapshot(ctx context.Context, ds Dataset, month time.Time) (*File, error) {
	files, err := c.list(ctx, ds)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if f.Full && f.Date.Year() == month.Year() && f.Date.Month() == month.Month() {
			found := f
			return &found, nil
		}
	}
	return nil, fmt.Errorf("no %s full snapshot for %s", ds, month.Format("2006-01"))
}

func (c *Client) list(ctx context.Context, ds Dataset) ([]File, error) {
	url := fmt.Sprintf("%s/datasets/%s/history", c.baseURL, ds)

	var body []byte
	err := c.doWithRetry(ctx, url, func(resp *http.Response) error {
		var err error
		body, err = io.ReadAll(resp.Body)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list %s files: %w", ds, err)
	}

	var parsed listResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode %s catalogue response: %w", ds, err)
	}

	files := make([]File, 0, len(parsed.Files))
	for _, f := range parsed.Files {
		date, err := time.Parse("2006-01-02", f.Date)
		if err != nil {
			c.logger.WithFields(logrus.Fields{"file": f.Name, "date": f.Date}).
				Warn("Skipping catalogue entry with unparseable date")
			continue
		}
		files = append(files, File{Dataset: ds, Name: f.Name, Date: date, URL: f.URL, Full: f.Full})
	}
	return files, nil
}

// Download opens a streaming reader over a catalogue file. The caller must
// close it.
func (c *Client) Download(ctx context.Context, f File) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	req.Header.Set("Authorization", c.apiKey)

	for {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("download %s: %w", f.Name, err)
		}
		switch {
		case resp.StatusCode == http.StatusOK:
			return resp.Body, nil
		case resp.StatusCode == http.StatusTooManyRequests:
			resp.Body.Close()
			if err := c.waitForRateLimit(ctx, resp); err != nil {
				return nil, err
			}
		default:
			resp.Body.Close()
			return nil, fmt.Errorf("download %s: unexpected status %d", f.Name, resp.StatusCode)
		}
	}
}

// doWithRetry performs a GET with bounded backoff on transient failures and
// unbounded waits on rate-limit responses.
func (c *Client) doWithRetry(ctx context.Context, url string, handle func(*http.Response) error) error {
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", c.apiKey)

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK:
			return handle(resp)
		case resp.StatusCode == http.StatusTooManyRequests:
			if err := c.waitForRateLimit(ctx, resp); err != nil {
				return backoff.Permanent(err)
			}
			return fmt.Errorf("rate limited")
		case resp.StatusCode >= 500:
			return fmt.Errorf("upstream status %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("unexpected status %d", resp.StatusCode))
		}
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 6), ctx)
	return backoff.Retry(op, policy)
}

// waitForRateLimit sleeps out a 429, honouring Retry-After when present.
func (c *Client) waitForRateLimit(ctx context.Context, resp *http.Response) error {
	wait := time.Minute
	if h := resp.Header.Get("Retry-After"); h != "" {
		if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
			wait = time.Duration(secs) * time.Second
		}
	}
	c.logger.WithFields(logrus.Fields{"wait": wait.String()}).
		Warn("Catalogue rate limit hit, backing off")
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
