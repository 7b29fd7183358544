// Package reconcile classifies each month's pending boundaries against the
// accepted set and, when allowed, promotes the accepted rows.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/parcelmap/parcelmap-go/internal/geometry"
	"github.com/parcelmap/parcelmap-go/internal/metrics"
	"github.com/parcelmap/parcelmap-go/internal/models"
	"github.com/parcelmap/parcelmap-go/internal/storage"
	geojson "github.com/paulmach/go.geojson"
	"github.com/sirupsen/logrus"
)

// batchSize bounds rows fetched per scan round trip.
const batchSize = 500

// Options control one reconcile pass.
type Options struct {
	// Resume picks the scan up from the ledger cursor instead of row zero.
	Resume bool
	// UpdateBoundaries allows promotion of accepted rows at the end of a
	// full pass. A filtered run never promotes regardless.
	UpdateBoundaries bool
	// RecordStats adds the aggregate stats artifact to the analysis output.
	RecordStats bool
	// MaxPolygons caps how many pending rows are classified; zero means all.
	// A capped run is filtered and never promotes.
	MaxPolygons int
	// Filtered marks a run whose ingest stage was itself limited, which also
	// blocks promotion.
	Filtered bool
}

func (o Options) full() bool {
	return o.MaxPolygons == 0 && !o.Filtered
}

// RunLedger is the slice of the run ledger the reconciler needs: the scan
// cursor, the stall counter and the INSPIRE high-water mark.
type RunLedger interface {
	Get(ctx context.Context, runKey string) (*models.RunLedger, error)
	SetLastPolyAnalysed(ctx context.Context, runKey string, pendingID int64) error
	BumpRetry(ctx context.Context, runKey string) (int, error)
	ResetRetry(ctx context.Context, runKey string) error
	SetLatestInspireDate(ctx context.Context, runKey string, date time.Time) error
}

// Reconciler drives the classification scan.
type Reconciler struct {
	store         storage.Store
	ledger        RunLedger
	geocoder      geometry.Geocoder
	logger        *logrus.Logger
	analysisDir   string
	maxRowRetries int
	mergeSegment  bool
}

// New wires a reconciler. geocoder may be nil.
func New(store storage.Store, led RunLedger, geocoder geometry.Geocoder,
	logger *logrus.Logger, analysisDir string, maxRowRetries int, mergeSegment bool) *Reconciler {
	if maxRowRetries <= 0 {
		maxRowRetries = 3
	}
	return &Reconciler{
		store:         store,
		ledger:        led,
		geocoder:      geocoder,
		logger:        logger,
		analysisDir:   analysisDir,
		maxRowRetries: maxRowRetries,
		mergeSegment:  mergeSegment,
	}
}

// Run scans the pending table in id order, classifying every row. publish is
// the INSPIRE publish date being reconciled; it becomes the high-water mark
// if promotion happens.
func (r *Reconciler) Run(ctx context.Context, runKey string, publish time.Time, opts Options) error {
	cursor, err := r.startCursor(ctx, runKey, opts)
	if err != nil {
		return err
	}

	report := newReport()
	// Sticky offsets are in-memory only; a resumed run rebuilds them as it
	// re-encounters exact-offset matches in the remaining rows.
	offsets := make(map[string]geometry.Offset)
	analysed := 0
	firstRow := true

	for {
		if opts.MaxPolygons > 0 && analysed >= opts.MaxPolygons {
			break
		}
		limit := batchSize
		if opts.MaxPolygons > 0 && opts.MaxPolygons-analysed < limit {
			limit = opts.MaxPolygons - analysed
		}
		batch, err := r.store.PendingAfter(ctx, cursor, limit)
		if err != nil {
			return fmt.Errorf("scan pending after %d: %w", cursor, err)
		}
		if len(batch) == 0 {
			break
		}

		for _, row := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := r.analyseRow(ctx, row, offsets, report); err != nil {
				return fmt.Errorf("analyse pending row %d (poly %d): %w", row.ID, row.PolyID, err)
			}
			cursor = row.ID
			analysed++
			if err := r.ledger.SetLastPolyAnalysed(ctx, runKey, row.ID); err != nil {
				return err
			}
			if firstRow {
				// The cursor moved past the row a previous attempt may have
				// died on, so the stall counter starts over.
				if err := r.ledger.ResetRetry(ctx, runKey); err != nil {
					return err
				}
				firstRow = false
			}
		}
	}

	r.logger.WithFields(logrus.Fields{"analysed": analysed}).Info("Pending boundaries classified")

	if err := r.writeArtifacts(ctx, runKey, report, opts.RecordStats); err != nil {
		return err
	}

	if opts.UpdateBoundaries && opts.full() {
		return r.promote(ctx, runKey, publish)
	}
	if opts.UpdateBoundaries {
		r.logger.Warn("Skipping promotion: run was filtered, accepted boundaries untouched")
	}
	return nil
}

// startCursor resolves where the scan begins and applies the stall guard: a
// run that keeps dying on the same row gets that row failed and skipped after
// maxRowRetries consecutive resumes.
func (r *Reconciler) startCursor(ctx context.Context, runKey string, opts Options) (int64, error) {
	if !opts.Resume {
		return 0, nil
	}
	run, err := r.ledger.Get(ctx, runKey)
	if err != nil {
		return 0, err
	}
	cursor := run.LastPolyAnalysed.Int64

	retries, err := r.ledger.BumpRetry(ctx, runKey)
	if err != nil {
		return 0, err
	}
	if retries <= r.maxRowRetries {
		return cursor, nil
	}

	next, err := r.store.PendingAfter(ctx, cursor, 1)
	if err != nil {
		return 0, err
	}
	if len(next) == 0 {
		return cursor, nil
	}
	row := next[0]
	r.logger.WithFields(logrus.Fields{
		"pendingId": row.ID,
		"polyId":    row.PolyID,
		"retries":   retries,
	}).Warn("Row stalled the run repeatedly, marking failed and skipping")
	if err := r.store.MarkPending(ctx, row.ID, models.MatchFail); err != nil {
		return 0, err
	}
	if err := r.ledger.SetLastPolyAnalysed(ctx, runKey, row.ID); err != nil {
		return 0, err
	}
	if err := r.ledger.ResetRetry(ctx, runKey); err != nil {
		return 0, err
	}
	return row.ID, nil
}

// analyseRow classifies one pending boundary and records the verdict.
func (r *Reconciler) analyseRow(ctx context.Context, row *models.PendingBoundary,
	offsets map[string]geometry.Offset, report *report) error {

	newRing, err := parseRing(row.GeoJSON)
	if err != nil {
		if errors.Is(err, geometry.ErrNotSimplePolygon) {
			// Multi-part and exotic geometries are out of scope for matching.
			return r.record(ctx, row, geometry.Result{Tag: models.MatchFail}, report)
		}
		return err
	}

	old, err := r.store.AcceptedByPolyID(ctx, row.PolyID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return r.analyseUnknownID(ctx, row, report)
		}
		return err
	}
	oldRing, err := parseRing(old.GeoJSON)
	if err != nil {
		if errors.Is(err, geometry.ErrNotSimplePolygon) {
			return r.record(ctx, row, geometry.Result{Tag: models.MatchFail}, report)
		}
		return err
	}

	address, err := r.store.TitleAddress(ctx, row.PolyID)
	if err != nil {
		return err
	}

	classifier := &geometry.Classifier{
		Geocoder:           r.geocoder,
		EnableMergeSegment: r.mergeSegment,
		Source:             &candidateSource{store: r.store, exclude: row.PolyID},
	}
	result, err := classifier.Classify(ctx, oldRing, newRing, offsets[row.Council], address)
	if err != nil {
		return err
	}

	if result.Tag == models.MatchExactOffset {
		offsets[row.Council] = result.MeanOffset
	}
	return r.record(ctx, row, result, report)
}

// analyseUnknownID handles a pending id with no accepted counterpart: genuine
// new land is accepted as a new boundary, but geometry already covered by an
// accepted polygon means the publisher renumbered an id, which is a failure
// kept for manual review.
func (r *Reconciler) analyseUnknownID(ctx context.Context, row *models.PendingBoundary, report *report) error {
	overlaps, err := r.store.AcceptedOverlaps(ctx, row.GeoJSON)
	if err != nil {
		return err
	}
	if overlaps {
		report.idChange(row)
		return r.record(ctx, row, geometry.Result{Tag: models.MatchFail}, report)
	}
	return r.record(ctx, row, geometry.Result{Tag: models.MatchNewBoundary}, report)
}

// record persists a verdict and its side effects.
func (r *Reconciler) record(ctx context.Context, row *models.PendingBoundary,
	result geometry.Result, report *report) error {

	if err := r.store.MarkPending(ctx, row.ID, result.Tag); err != nil {
		return err
	}

	if len(result.AbsorbedIDs) > 0 {
		// Accepted polygons swallowed by a merge are deleted at promotion.
		if err := r.store.AddPendingDeletions(ctx, result.AbsorbedIDs); err != nil {
			return err
		}
	}
	if len(result.SiblingIDs) > 0 {
		// Sibling segments are accepted here so the scan does not reclassify
		// them against the parent they were split from.
		if err := r.store.MarkPendingByPolyIDs(ctx, result.SiblingIDs, models.MatchNewSegment); err != nil {
			return err
		}
	}

	report.add(row, result)
	metrics.PolygonsAnalysed.Inc()
	metrics.MatchResults.WithLabelValues(string(result.Tag)).Inc()
	return nil
}

// promote swaps the accepted set and advances the INSPIRE high-water mark.
func (r *Reconciler) promote(ctx context.Context, runKey string, publish time.Time) error {
	deletions, err := r.store.CountPendingDeletions(ctx)
	if err != nil {
		return err
	}
	r.logger.WithFields(logrus.Fields{"mergeDeletions": deletions}).Info("Promoting accepted boundaries")

	if err := r.store.Promote(ctx); err != nil {
		return fmt.Errorf("promote accepted boundaries: %w", err)
	}
	if err := r.ledger.SetLatestInspireDate(ctx, runKey, publish); err != nil {
		return err
	}
	return nil
}

// candidateSource adapts the store to the classifier's neighbour interface,
// excluding the polygon under analysis from its own candidate set.
type candidateSource struct {
	store   storage.Store
	exclude int64
}

func (s *candidateSource) AcceptedNear(ctx context.Context, b geometry.Bound) ([]geometry.Candidate, error) {
	return s.store.AcceptedNear(ctx, b, s.exclude)
}

func (s *candidateSource) PendingNear(ctx context.Context, b geometry.Bound) ([]geometry.Candidate, error) {
	return s.store.PendingNear(ctx, b, s.exclude)
}

// parseRing decodes a stored GeoJSON geometry into a single closed ring.
func parseRing(raw string) (geometry.Ring, error) {
	g, err := geojson.UnmarshalGeometry([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("decode stored geometry: %w", err)
	}
	return geometry.RingFromGeoJSON(g)
}
