package ingest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestManifest(t *testing.T) *Manifest {
	t.Helper()
	m, err := OpenManifest(filepath.Join(t.TempDir(), "manifest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestManifest_PutGet(t *testing.T) {
	m := openTestManifest(t)

	missing, err := m.Get("2026-08", "Exampleton")
	require.NoError(t, err)
	assert.Nil(t, missing)

	entry := ManifestEntry{
		Council:      "Exampleton",
		Month:        "2026-08",
		ArchiveBytes: 123456,
		GeoJSONDone:  true,
		Features:     4200,
		CompletedAt:  time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, m.Put(entry))

	got, err := m.Get("2026-08", "Exampleton")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, entry, *got)
}

func TestManifest_PurgeExcept(t *testing.T) {
	m := openTestManifest(t)

	require.NoError(t, m.Put(ManifestEntry{Council: "A", Month: "2026-07"}))
	require.NoError(t, m.Put(ManifestEntry{Council: "B", Month: "2026-08"}))

	require.NoError(t, m.PurgeExcept("2026-08"))

	old, err := m.Get("2026-07", "A")
	require.NoError(t, err)
	assert.Nil(t, old)

	kept, err := m.Get("2026-08", "B")
	require.NoError(t, err)
	assert.NotNil(t, kept)
}
