package ingest

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var manifestBucket = []byte("councils")

// ManifestEntry records what has been produced for one council in one publish
// month. The manifest is what lets an interrupted download stage resume
// without refetching archives that already finished.
type ManifestEntry struct {
	Council      string    `json:"council"`
	Month        string    `json:"month"`
	ArchiveBytes int64     `json:"archive_bytes"`
	GeoJSONDone  bool      `json:"geojson_done"`
	Features     int       `json:"features"`
	CompletedAt  time.Time `json:"completed_at"`
}

// Manifest is a bbolt-backed record of per-council ingest progress, keyed by
// publish month and council name.
type Manifest struct {
	db *bolt.DB
}

// OpenManifest opens or creates the manifest file.
func OpenManifest(path string) (*Manifest, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open manifest %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(manifestBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init manifest bucket: %w", err)
	}
	return &Manifest{db: db}, nil
}

// Close closes the underlying database.
func (m *Manifest) Close() error {
	return m.db.Close()
}

// Get returns the entry for a council in a month, or nil when absent.
func (m *Manifest) Get(month, council string) (*ManifestEntry, error) {
	var entry *ManifestEntry
	err := m.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(manifestBucket).Get(manifestKey(month, council))
		if raw == nil {
			return nil
		}
		entry = &ManifestEntry{}
		return json.Unmarshal(raw, entry)
	})
	if err != nil {
		return nil, fmt.Errorf("read manifest entry %s/%s: %w", month, council, err)
	}
	return entry, nil
}

// Put writes an entry.
func (m *Manifest) Put(entry ManifestEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode manifest entry: %w", err)
	}
	err = m.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(manifestBucket).Put(manifestKey(entry.Month, entry.Council), raw)
	})
	if err != nil {
		return fmt.Errorf("write manifest entry %s/%s: %w", entry.Month, entry.Council, err)
	}
	return nil
}

// PurgeExcept deletes every entry not belonging to the given month, mirroring
// the on-disk cleanup of stale month directories.
func (m *Manifest) PurgeExcept(month string) error {
	prefix := []byte(month + "/")
	err := m.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(manifestBucket)
		cursor := bucket.Cursor()
		var stale [][]byte
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			if len(k) < len(prefix) || string(k[:len(prefix)]) != string(prefix) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("purge stale manifest entries: %w", err)
	}
	return nil
}

func manifestKey(month, council string) []byte {
	return []byte(month + "/" + council)
}
