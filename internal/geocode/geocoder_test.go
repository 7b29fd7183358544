package geocode

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestNew_DisabledWithoutKey(t *testing.T) {
	c := New("https://example.test/search", "", testLogger())
	require.Nil(t, c)

	// A nil client is still safe to call.
	_, err := c.Geocode(context.Background(), "1 High Street")
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestClient_Geocode(t *testing.T) {
	var gotQuery atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.Query())
		io.WriteString(w, `[
			{"lat": "51.5001", "lon": "-0.1001"},
			{"lat": "52.0", "lon": "not-a-number"}
		]`)
	}))
	defer srv.Close()

	c := New(srv.URL, "key-123", testLogger())
	points, err := c.Geocode(context.Background(), "1 High Street, Exampleton")
	require.NoError(t, err)

	// Unparseable coordinates are dropped rather than failing the lookup.
	require.Len(t, points, 1)
	assert.InDelta(t, -0.1001, points[0].Lng, 1e-9)
	assert.InDelta(t, 51.5001, points[0].Lat, 1e-9)

	q := gotQuery.Load().(url.Values)
	assert.Equal(t, "1 High Street, Exampleton", q.Get("q"))
	assert.Equal(t, "gb", q.Get("countrycodes"))
	assert.Equal(t, "key-123", q.Get("key"))
}

func TestClient_Geocode_EmptyResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[]`)
	}))
	defer srv.Close()

	c := New(srv.URL, "key-123", testLogger())
	points, err := c.Geocode(context.Background(), "nowhere")
	require.NoError(t, err)
	assert.Empty(t, points)
}

func TestClient_Geocode_RetriesAfterThrottle(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		io.WriteString(w, `[{"lat": "51.0", "lon": "-1.0"}]`)
	}))
	defer srv.Close()

	c := New(srv.URL, "key-123", testLogger())
	points, err := c.Geocode(context.Background(), "1 High Street")
	require.NoError(t, err)
	assert.Len(t, points, 1)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClient_Geocode_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, "key-123", testLogger())
	_, err := c.Geocode(context.Background(), "1 High Street")
	assert.Error(t, err)
}
