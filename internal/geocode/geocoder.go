// Package geocode implements the address lookup behind the moved-title
// classification.
package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/parcelmap/parcelmap-go/internal/geometry"
	"github.com/parcelmap/parcelmap-go/internal/metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Client is a forward geocoder over a Nominatim-style search endpoint.
// Lookups are paced to one per second, which is the public instance's usage
// policy. An empty API key disables the client entirely: callers get
// ErrDisabled and the classifier falls through to its no-geocoder path.
type Client struct {
	searchURL string
	apiKey    string
	http      *http.Client
	limiter   *rate.Limiter
	logger    *logrus.Logger
}

// ErrDisabled means no geocoder credentials are configured.
var ErrDisabled = fmt.Errorf("geocoder not configured")

// New creates a geocoder client. With an empty apiKey the returned client is
// nil; its methods stay safe to call and report ErrDisabled.
func New(searchURL, apiKey string, logger *logrus.Logger) *Client {
	if apiKey == "" {
		return nil
	}
	return &Client{
		searchURL: searchURL,
		apiKey:    apiKey,
		http:      &http.Client{Timeout: 30 * time.Second},
		limiter:   rate.NewLimiter(rate.Every(time.Second), 1),
		logger:    logger,
	}
}

type searchResult struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

// Geocode resolves a free-text address to candidate points. Zero results is
// not an error; the classifier treats it as no evidence.
func (c *Client) Geocode(ctx context.Context, address string) ([]geometry.Point, error) {
	if c == nil {
		return nil, ErrDisabled
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("q", address)
	q.Set("format", "jsonv2")
	q.Set("countrycodes", "gb")
	q.Set("limit", "5")
	q.Set("key", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.searchURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build geocode request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.GeocodeRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("geocode %q: %w", address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		metrics.GeocodeRequests.WithLabelValues("throttled").Inc()
		if err := c.waitOut(ctx, resp); err != nil {
			return nil, err
		}
		return c.Geocode(ctx, address)
	}
	if resp.StatusCode != http.StatusOK {
		metrics.GeocodeRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("geocode %q: status %d", address, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read geocode response: %w", err)
	}
	var results []searchResult
	if err := json.Unmarshal(body, &results); err != nil {
		return nil, fmt.Errorf("decode geocode response: %w", err)
	}

	points := make([]geometry.Point, 0, len(results))
	for _, r := range results {
		lat, err1 := strconv.ParseFloat(r.Lat, 64)
		lng, err2 := strconv.ParseFloat(r.Lon, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		points = append(points, geometry.Point{Lng: lng, Lat: lat})
	}

	metrics.GeocodeRequests.WithLabelValues("ok").Inc()
	return points, nil
}

func (c *Client) waitOut(ctx context.Context, resp *http.Response) error {
	wait := time.Minute
	if h := resp.Header.Get("Retry-After"); h != "" {
		if secs, err := strconv.Atoi(h); err == nil && secs > 0 {
			wait = time.Duration(secs) * time.Second
		}
	}
	c.logger.WithFields(logrus.Fields{"wait": wait.String()}).Warn("Geocoder rate limit hit, backing off")
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
