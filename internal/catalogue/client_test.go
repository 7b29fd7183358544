package catalogue

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const historyBody = `{
  "dataset": "ccod",
  "files": [
    {"name": "CCOD_FULL_2026_08.csv", "date": "2026-08-01", "download_url": "/full.csv", "full": true},
    {"name": "CCOD_COU_2026_08.csv", "date": "2026-08-01", "download_url": "/cou-aug.csv", "full": false},
    {"name": "CCOD_COU_2026_07.csv", "date": "2026-07-01", "download_url": "/cou-jul.csv", "full": false},
    {"name": "broken.csv", "date": "soon", "download_url": "/broken.csv", "full": false}
  ]
}`

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return NewClient(srv.URL, "key-123", logger)
}

func TestClient_ChangeFiles(t *testing.T) {
	var gotAuth string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/datasets/ccod/history", r.URL.Path)
		io.WriteString(w, historyBody)
	}))

	files, err := c.ChangeFiles(context.Background(), DatasetCCOD)
	require.NoError(t, err)
	assert.Equal(t, "key-123", gotAuth)

	// The full snapshot and the unparseable entry are filtered out.
	require.Len(t, files, 2)
	for _, f := range files {
		assert.False(t, f.Full)
		assert.Equal(t, DatasetCCOD, f.Dataset)
	}
	assert.Equal(t, time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC), files[0].Date)
}

func TestClient_FullSnapshot(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, historyBody)
	}))

	f, err := c.FullSnapshot(context.Background(), DatasetCCOD, time.Date(2026, time.August, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "CCOD_FULL_2026_08.csv", f.Name)
	assert.True(t, f.Full)

	_, err = c.FullSnapshot(context.Background(), DatasetCCOD, time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC))
	assert.Error(t, err)
}

func TestClient_List_RetriesServerErrors(t *testing.T) {
	var calls int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		io.WriteString(w, historyBody)
	}))

	files, err := c.ChangeFiles(context.Background(), DatasetCCOD)
	require.NoError(t, err)
	assert.Len(t, files, 2)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClient_List_PermanentOnClientError(t *testing.T) {
	var calls int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusForbidden)
	}))

	_, err := c.ChangeFiles(context.Background(), DatasetCCOD)
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClient_Download_HonoursRateLimit(t *testing.T) {
	var calls int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		io.WriteString(w, "Title Number,Tenure\n")
	}))

	body, err := c.Download(context.Background(), File{Name: "x.csv", URL: c.baseURL + "/x.csv"})
	require.NoError(t, err)
	defer body.Close()

	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Title Number")
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}
