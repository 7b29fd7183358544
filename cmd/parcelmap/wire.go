package main

import (
	"fmt"

	"github.com/parcelmap/parcelmap-go/internal/catalogue"
	"github.com/parcelmap/parcelmap-go/internal/geocode"
	"github.com/parcelmap/parcelmap-go/internal/ingest"
	"github.com/parcelmap/parcelmap-go/internal/ledger"
	"github.com/parcelmap/parcelmap-go/internal/notify"
	"github.com/parcelmap/parcelmap-go/internal/ownership"
	"github.com/parcelmap/parcelmap-go/internal/pipeline"
	"github.com/parcelmap/parcelmap-go/internal/reconcile"
	"github.com/parcelmap/parcelmap-go/internal/storage"
)

// stack is the fully wired application: every command that touches the
// database or the pipeline builds one and closes it on exit.
type stack struct {
	store    *storage.PostgresStore
	ledger   *ledger.Ledger
	manifest *ingest.Manifest
	pipeline *pipeline.Pipeline
}

func buildStack() (*stack, error) {
	store, err := storage.NewPostgresStore(cfg.Database.DSN, logger, storage.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ChunkSize:       cfg.Pipeline.ChunkSize,
	})
	if err != nil {
		return nil, err
	}

	led := ledger.New(store.DB(), logger)

	manifest, err := ingest.OpenManifest(cfg.Pipeline.ManifestPath)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open ingest manifest: %w", err)
	}

	cat := catalogue.NewClient(cfg.Upstream.CatalogueURL, cfg.Upstream.CatalogueKey, logger)
	updater := ownership.NewUpdater(cat, store, led, logger, cfg.Pipeline.ChunkSize)

	ingestor := ingest.NewIngestor(
		ingest.NewIndexClient(cfg.Upstream.InspireIndexURL, logger),
		ingest.NewDownloader(logger),
		ingest.NewReprojector(cfg.Pipeline.Ogr2ogrPath, logger),
		manifest, store, led, logger,
		cfg.Pipeline.DownloadDir, cfg.Pipeline.GeoJSONDir, cfg.Upstream.BackupDest,
		cfg.Pipeline.ChunkSize,
	)

	geocoder := geocode.New(cfg.Geocoder.URL, cfg.Geocoder.APIKey, logger)
	reconciler := reconcile.New(store, led, geocoder, logger,
		cfg.Pipeline.AnalysisDir, cfg.Pipeline.MaxRowRetries, cfg.Pipeline.EnableMergeSegment)

	notifier := notify.New(cfg.WebhookURL, logger)
	pipe := pipeline.New(led, store, updater, ingestor, reconciler, notifier, logger)

	return &stack{store: store, ledger: led, manifest: manifest, pipeline: pipe}, nil
}

func (s *stack) Close() {
	if err := s.manifest.Close(); err != nil {
		logger.WithError(err).Warn("Manifest close failed")
	}
	if err := s.store.Close(); err != nil {
		logger.WithError(err).Warn("Store close failed")
	}
}
