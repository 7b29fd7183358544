package ingest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/html"
)

// Council is one downloadable archive on the INSPIRE index page.
type Council struct {
	Name string
	URL  string
}

// IndexClient scrapes the INSPIRE download index page, which is plain HTML
// with one anchor per council archive.
type IndexClient struct {
	indexURL string
	http     *http.Client
	logger   *logrus.Logger
}

// NewIndexClient creates an index scraper.
func NewIndexClient(indexURL string, logger *logrus.Logger) *IndexClient {
	return &IndexClient{
		indexURL: indexURL,
		http:     &http.Client{Timeout: 2 * time.Minute},
		logger:   logger,
	}
}

// Councils lists every council archive linked from the index page, sorted by
// name. A sanity floor guards against a half-rendered or redesigned page: the
// real index carries several hundred councils, so fewer than 100 links means
// the scrape is wrong, not the country.
func (c *IndexClient) Councils(ctx context.Context) ([]Council, error) {
	var councils []Council
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.indexURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			if resp.StatusCode >= 500 {
				return fmt.Errorf("index page status %d", resp.StatusCode)
			}
			return backoff.Permanent(fmt.Errorf("index page status %d", resp.StatusCode))
		}
		doc, err := html.Parse(resp.Body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("parse index page: %w", err))
		}
		councils, err = extractCouncils(doc, c.indexURL)
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, fmt.Errorf("scrape council index: %w", err)
	}

	if len(councils) < 100 {
		return nil, fmt.Errorf("council index looks wrong: only %d archive links found", len(councils))
	}

	sort.Slice(councils, func(i, j int) bool { return councils[i].Name < councils[j].Name })
	c.logger.WithFields(logrus.Fields{"councils": len(councils)}).Info("Council index scraped")
	return councils, nil
}

// extractCouncils walks the parsed document collecting anchors that point at
// zip archives. The council name is the archive filename without extension.
func extractCouncils(doc *html.Node, base string) ([]Council, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse index url: %w", err)
	}

	seen := make(map[string]bool)
	var councils []Council
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, attr := range n.Attr {
				if attr.Key != "href" || !strings.HasSuffix(strings.ToLower(attr.Val), ".zip") {
					continue
				}
				ref, err := url.Parse(attr.Val)
				if err != nil {
					continue
				}
				abs := baseURL.ResolveReference(ref)
				name := councilName(abs.Path)
				if name == "" || seen[name] {
					continue
				}
				seen[name] = true
				councils = append(councils, Council{Name: name, URL: abs.String()})
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return councils, nil
}

func councilName(p string) string {
	name := strings.TrimSuffix(path.Base(p), path.Ext(p))
	if decoded, err := url.PathUnescape(name); err == nil {
		name = decoded
	}
	return strings.TrimSpace(name)
}
