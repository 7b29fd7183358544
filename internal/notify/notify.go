// Package notify posts run lifecycle events to an optional webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Notifier posts JSON events to a webhook. With an empty URL every call is a
// silent no-op, so callers never need to branch on configuration.
type Notifier struct {
	url    string
	http   *http.Client
	logger *logrus.Logger
}

// New creates a notifier. url may be empty.
func New(url string, logger *logrus.Logger) *Notifier {
	return &Notifier{
		url:    url,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// Event is one webhook payload.
type Event struct {
	Run     string           `json:"run"`
	Status  string           `json:"status"` // completed | failed
	Error   string           `json:"error,omitempty"`
	Summary map[string]int64 `json:"summary,omitempty"`
	At      time.Time        `json:"at"`
}

// Completed reports a successful run with its match-type summary.
func (n *Notifier) Completed(ctx context.Context, runKey string, summary map[string]int64) {
	n.post(ctx, Event{Run: runKey, Status: "completed", Summary: summary, At: time.Now().UTC()})
}

// Failed reports a run failure.
func (n *Notifier) Failed(ctx context.Context, runKey string, runErr error) {
	n.post(ctx, Event{Run: runKey, Status: "failed", Error: runErr.Error(), At: time.Now().UTC()})
}

// post is best effort: a webhook outage must never fail a run.
func (n *Notifier) post(ctx context.Context, ev Event) {
	if n.url == "" {
		return
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		n.logger.WithFields(logrus.Fields{"error": err.Error()}).Warn("Webhook payload encoding failed")
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(raw))
	if err != nil {
		n.logger.WithFields(logrus.Fields{"error": err.Error()}).Warn("Webhook request build failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		n.logger.WithFields(logrus.Fields{"error": err.Error()}).Warn("Webhook delivery failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.logger.WithFields(logrus.Fields{"status": resp.StatusCode}).Warn("Webhook rejected event")
		return
	}
	n.logger.WithFields(logrus.Fields{"run": ev.Run, "status": ev.Status}).Debug("Webhook event delivered")
}
