package ingest

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parcelmap/parcelmap-go/internal/metrics"
	"github.com/parcelmap/parcelmap-go/internal/storage"
	"github.com/sirupsen/logrus"
)

// minCouncilFeatures is the sanity floor on a loaded council file.
const minCouncilFeatures = 100

// Options control one ingest pass.
type Options struct {
	// AfterCouncil skips every council up to and including the named one.
	// A resumed run sets it from the ledger's download checkpoint.
	AfterCouncil string
	// MaxCouncils caps how many councils are processed; zero means all.
	MaxCouncils int
	// Resume suppresses the pending-table rebuild so rows loaded before the
	// crash survive.
	Resume bool
}

// Ledger is the slice of the run ledger the ingestor needs: the per-council
// download checkpoint.
type Ledger interface {
	SetLastCouncil(ctx context.Context, runKey, council string) error
}

// Ingestor drives the monthly polygon download: scrape the council index,
// fetch each archive, reproject it, and stream the parcels into the pending
// table. Progress is checkpointed per council through the manifest and the
// run ledger.
type Ingestor struct {
	index       *IndexClient
	downloader  *Downloader
	reprojector *Reprojector
	manifest    *Manifest
	store       storage.Store
	ledger      Ledger
	logger      *logrus.Logger

	downloadDir string
	geojsonDir  string
	backupDest  string
	chunkSize   int

	now func() time.Time
}

// NewIngestor wires an ingestor.
func NewIngestor(index *IndexClient, dl *Downloader, rp *Reprojector, manifest *Manifest,
	store storage.Store, led Ledger, logger *logrus.Logger,
	downloadDir, geojsonDir, backupDest string, chunkSize int) *Ingestor {
	if chunkSize <= 0 {
		chunkSize = 10000
	}
	return &Ingestor{
		index:       index,
		downloader:  dl,
		reprojector: rp,
		manifest:    manifest,
		store:       store,
		ledger:      led,
		logger:      logger,
		downloadDir: downloadDir,
		geojsonDir:  geojsonDir,
		backupDest:  backupDest,
		chunkSize:   chunkSize,
		now:         time.Now,
	}
}

// Run executes one ingest pass for the current publish month. It returns the
// publish date so the caller can advance the INSPIRE high-water mark after
// promotion.
func (g *Ingestor) Run(ctx context.Context, runKey string, opts Options) (time.Time, error) {
	publish, err := PublishMonth(g.now())
	if err != nil {
		return time.Time{}, err
	}
	month := PublishMonthID(publish)

	if err := g.purgeStaleMonths(month); err != nil {
		return time.Time{}, err
	}

	councils, err := g.index.Councils(ctx)
	if err != nil {
		return time.Time{}, err
	}
	councils = selectCouncils(councils, opts)

	if !opts.Resume {
		if err := g.store.TruncatePending(ctx); err != nil {
			return time.Time{}, fmt.Errorf("reset pending table: %w", err)
		}
	}

	g.logger.WithFields(logrus.Fields{
		"month":    month,
		"councils": len(councils),
		"resume":   opts.Resume,
	}).Info("Polygon ingest started")

	for _, council := range councils {
		if err := ctx.Err(); err != nil {
			return time.Time{}, err
		}
		if err := g.processCouncil(ctx, month, council); err != nil {
			return time.Time{}, fmt.Errorf("council %s: %w", council.Name, err)
		}
		if err := g.ledger.SetLastCouncil(ctx, runKey, council.Name); err != nil {
			return time.Time{}, err
		}
		metrics.CouncilsIngested.Inc()
	}

	g.backupArchives(ctx, month)
	return publish, nil
}

// processCouncil runs the download → reproject → load chain for one council,
// skipping any stage the manifest shows as already complete for this month.
func (g *Ingestor) processCouncil(ctx context.Context, month string, council Council) error {
	entry, err := g.manifest.Get(month, council.Name)
	if err != nil {
		return err
	}

	archivePath := filepath.Join(g.downloadDir, month, council.Name+".zip")
	geojsonPath := filepath.Join(g.geojsonDir, month, council.Name+".geojson")

	if entry != nil && entry.GeoJSONDone {
		// The load itself is the last step, so a done entry may still have
		// nothing in the database if the crash hit mid-flush. The feature
		// count disambiguates.
		n, err := g.store.CouncilFeatureCount(ctx, council.Name)
		if err != nil {
			return err
		}
		if n > 0 {
			g.logger.WithFields(logrus.Fields{"council": council.Name}).Debug("Council already ingested, skipping")
			return nil
		}
	}

	if entry == nil || !fileExists(archivePath) {
		size, err := g.downloader.Fetch(ctx, council, archivePath)
		if err != nil {
			return err
		}
		entry = &ManifestEntry{Council: council.Name, Month: month, ArchiveBytes: size}
		if err := g.manifest.Put(*entry); err != nil {
			return err
		}
	}

	if !fileExists(geojsonPath) {
		if err := g.reprojector.Run(ctx, archivePath, geojsonPath); err != nil {
			return err
		}
	}

	features, err := g.loadCouncil(ctx, council.Name, geojsonPath)
	if err != nil {
		return err
	}

	entry.GeoJSONDone = true
	entry.Features = features
	entry.CompletedAt = g.now().UTC()
	if err := g.manifest.Put(*entry); err != nil {
		return err
	}

	g.logger.WithFields(logrus.Fields{
		"council":  council.Name,
		"features": features,
	}).Info("Council ingested")
	return nil
}

// loadCouncil streams a reprojected council file into the pending table in
// chunks.
func (g *Ingestor) loadCouncil(ctx context.Context, council, geojsonPath string) (int, error) {
	f, err := os.Open(geojsonPath)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", filepath.Base(geojsonPath), err)
	}
	defer f.Close()

	chunk := make([]storage.PendingUpsert, 0, g.chunkSize)
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		if err := g.store.UpsertPending(ctx, chunk); err != nil {
			return err
		}
		chunk = chunk[:0]
		return nil
	}

	emitted, skipped, err := StreamFeatures(f, func(feat Feature) error {
		chunk = append(chunk, storage.PendingUpsert{
			PolyID:  feat.PolyID,
			Council: council,
			GeoJSON: feat.GeoJSON,
		})
		if len(chunk) >= g.chunkSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return emitted, err
	}
	if err := flush(); err != nil {
		return emitted, err
	}

	if skipped > 0 {
		g.logger.WithFields(logrus.Fields{"council": council, "skipped": skipped}).
			Warn("Council file contained unusable features")
	}
	if emitted < minCouncilFeatures {
		// Even the smallest council publishes hundreds of parcels; fewer means
		// a truncated download or a half-written reprojection.
		return emitted, fmt.Errorf("reprojected file for %s produced only %d features (minimum %d)",
			council, emitted, minCouncilFeatures)
	}
	return emitted, nil
}

// purgeStaleMonths deletes working directories and manifest entries from
// previous publish months. Only the current month's artifacts are worth disk.
func (g *Ingestor) purgeStaleMonths(month string) error {
	for _, dir := range []string{g.downloadDir, g.geojsonDir} {
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("scan %s: %w", dir, err)
		}
		for _, e := range entries {
			if !e.IsDir() || e.Name() == month {
				continue
			}
			if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
				return fmt.Errorf("purge %s: %w", filepath.Join(dir, e.Name()), err)
			}
			g.logger.WithFields(logrus.Fields{"dir": dir, "month": e.Name()}).Info("Purged stale month")
		}
	}
	return g.manifest.PurgeExcept(month)
}

// backupArchives pushes the month's zip directory to the configured rclone
// destination. Best effort: a missing rclone or a transfer failure is logged
// and swallowed, the pipeline does not depend on the backup.
func (g *Ingestor) backupArchives(ctx context.Context, month string) {
	if g.backupDest == "" {
		return
	}
	src := filepath.Join(g.downloadDir, month)
	dest := strings.TrimSuffix(g.backupDest, "/") + "/" + month
	cmd := exec.CommandContext(ctx, "rclone", "copy", src, dest)
	if out, err := cmd.CombinedOutput(); err != nil {
		g.logger.WithFields(logrus.Fields{
			"dest":  dest,
			"error": err.Error(),
		}).Warnf("Archive backup failed: %s", strings.TrimSpace(string(out)))
		return
	}
	g.logger.WithFields(logrus.Fields{"dest": dest}).Info("Archives backed up")
}

// selectCouncils applies the after-council cursor and the cap. The cursor is
// lexicographic, not an exact-name lookup: a council renamed or delisted
// between publishes must not reset the scan to the top of the list.
func selectCouncils(councils []Council, opts Options) []Council {
	out := councils
	if opts.AfterCouncil != "" {
		i := sort.Search(len(out), func(i int) bool {
			return out[i].Name > opts.AfterCouncil
		})
		out = out[i:]
	}
	if opts.MaxCouncils > 0 && len(out) > opts.MaxCouncils {
		out = out[:opts.MaxCouncils]
	}
	return out
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
