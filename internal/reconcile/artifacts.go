package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/parcelmap/parcelmap-go/internal/geometry"
	"github.com/parcelmap/parcelmap-go/internal/models"
	"golang.org/x/sync/errgroup"
)

// report accumulates per-run analysis detail, written out as JSON artifacts
// for manual review once the scan completes.
type report struct {
	// Accepted groups accepted poly ids by the verdict that accepted them.
	Accepted  map[models.MatchType][]int64
	Failed    []failedMatch
	MergeSeg  []mergeSegEvent
	IDChanges []idChangeEvent

	councils map[string]*councilAccum
}

type failedMatch struct {
	PendingID        int64   `json:"pendingId"`
	PolyID           int64   `json:"polyId"`
	Council          string  `json:"council"`
	PercentIntersect float64 `json:"percentIntersect"`
}

type mergeSegEvent struct {
	PolyID      int64            `json:"polyId"`
	Council     string           `json:"council"`
	Match       models.MatchType `json:"match"`
	AbsorbedIDs []int64          `json:"absorbedIds,omitempty"`
	SiblingIDs  []int64          `json:"siblingIds,omitempty"`
}

type idChangeEvent struct {
	PolyID  int64  `json:"polyId"`
	Council string `json:"council"`
}

// councilAccum gathers the raw observations behind one council's stats.
type councilAccum struct {
	matches  map[models.MatchType]int64
	percents []float64
	offsets  []geometry.Offset
}

type statsArtifact struct {
	TotalPending     int64                      `json:"totalPending"`
	PendingDeletions int64                      `json:"pendingDeletions"`
	MatchCounts      map[models.MatchType]int64 `json:"matchCounts"`
	Councils         map[string]councilStats    `json:"councils"`
}

type councilStats struct {
	Matches map[models.MatchType]int64 `json:"matches"`
	// PercentIntersectHistogram buckets each row's intersection percentage
	// into decile ranges ("90-100" and so on).
	PercentIntersectHistogram map[string]int64 `json:"percentIntersectHistogram"`
	// OffsetMean/OffsetStd summarise the offsets learned from this council's
	// exact-offset matches; absent when it had none.
	OffsetMean *geometry.Offset `json:"offsetMean,omitempty"`
	OffsetStd  *geometry.Offset `json:"offsetStd,omitempty"`
}

func newReport() *report {
	return &report{
		Accepted: map[models.MatchType][]int64{},
		councils: map[string]*councilAccum{},
	}
}

func (r *report) council(name string) *councilAccum {
	c, ok := r.councils[name]
	if !ok {
		c = &councilAccum{matches: map[models.MatchType]int64{}}
		r.councils[name] = c
	}
	return c
}

func (r *report) add(row *models.PendingBoundary, result geometry.Result) {
	c := r.council(row.Council)
	c.matches[result.Tag]++
	c.percents = append(c.percents, result.PercentIntersect)
	if result.Tag == models.MatchExactOffset {
		c.offsets = append(c.offsets, result.MeanOffset)
	}

	switch result.Tag {
	case models.MatchFail:
		r.Failed = append(r.Failed, failedMatch{
			PendingID:        row.ID,
			PolyID:           row.PolyID,
			Council:          row.Council,
			PercentIntersect: result.PercentIntersect,
		})
	case models.MatchMerged, models.MatchMergedIncomplete, models.MatchSegmented,
		models.MatchSegmentedIncomplete, models.MatchMergedAndSegmented:
		r.MergeSeg = append(r.MergeSeg, mergeSegEvent{
			PolyID:      row.PolyID,
			Council:     row.Council,
			Match:       result.Tag,
			AbsorbedIDs: result.AbsorbedIDs,
			SiblingIDs:  result.SiblingIDs,
		})
		r.Accepted[result.Tag] = append(r.Accepted[result.Tag], row.PolyID)
	default:
		if result.Tag.Accepted() {
			r.Accepted[result.Tag] = append(r.Accepted[result.Tag], row.PolyID)
		}
	}
}

func (r *report) idChange(row *models.PendingBoundary) {
	r.IDChanges = append(r.IDChanges, idChangeEvent{PolyID: row.PolyID, Council: row.Council})
}

// writeArtifacts dumps the run's review files under a timestamped directory
// per run, so repeated analyses of the same month sort chronologically. The
// files are independent, so they are written concurrently.
func (r *Reconciler) writeArtifacts(ctx context.Context, runKey string, rep *report, recordStats bool) error {
	dir := filepath.Join(r.analysisDir, time.Now().UTC().Format("20060102-150405")+"_"+runKey)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create analysis dir: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return writeJSON(filepath.Join(dir, "ids.json"), rep.Accepted) })
	g.Go(func() error { return writeJSON(filepath.Join(dir, "failed-matches.json"), rep.Failed) })
	g.Go(func() error { return writeJSON(filepath.Join(dir, "merges-and-segments.json"), rep.MergeSeg) })
	g.Go(func() error { return writeJSON(filepath.Join(dir, "inspire-id-changes.json"), rep.IDChanges) })

	if recordStats {
		g.Go(func() error {
			stats, err := r.collectStats(ctx, rep)
			if err != nil {
				return err
			}
			return writeJSON(filepath.Join(dir, "stats.json"), stats)
		})
	}
	return g.Wait()
}

func (r *Reconciler) collectStats(ctx context.Context, rep *report) (*statsArtifact, error) {
	counts, err := r.store.MatchCounts(ctx)
	if err != nil {
		return nil, err
	}
	total, err := r.store.CountPending(ctx)
	if err != nil {
		return nil, err
	}
	deletions, err := r.store.CountPendingDeletions(ctx)
	if err != nil {
		return nil, err
	}

	councils := make(map[string]councilStats, len(rep.councils))
	for name, acc := range rep.councils {
		councils[name] = acc.stats()
	}
	return &statsArtifact{
		TotalPending:     total,
		PendingDeletions: deletions,
		MatchCounts:      counts,
		Councils:         councils,
	}, nil
}

func (a *councilAccum) stats() councilStats {
	hist := make(map[string]int64, 10)
	for _, p := range a.percents {
		hist[percentBucket(p)]++
	}
	out := councilStats{Matches: a.matches, PercentIntersectHistogram: hist}
	if len(a.offsets) > 0 {
		mean, std := offsetMoments(a.offsets)
		out.OffsetMean, out.OffsetStd = &mean, &std
	}
	return out
}

func percentBucket(p float64) string {
	i := int(p / 10)
	if i < 0 {
		i = 0
	}
	if i > 9 {
		i = 9
	}
	return fmt.Sprintf("%d-%d", i*10, i*10+10)
}

func offsetMoments(offsets []geometry.Offset) (mean, std geometry.Offset) {
	n := float64(len(offsets))
	for _, o := range offsets {
		mean.Lng += o.Lng
		mean.Lat += o.Lat
	}
	mean.Lng /= n
	mean.Lat /= n
	for _, o := range offsets {
		std.Lng += (o.Lng - mean.Lng) * (o.Lng - mean.Lng)
		std.Lat += (o.Lat - mean.Lat) * (o.Lat - mean.Lat)
	}
	std.Lng = math.Sqrt(std.Lng / n)
	std.Lat = math.Sqrt(std.Lat / n)
	return mean, std
}

func writeJSON(path string, v interface{}) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}
