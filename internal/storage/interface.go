package storage

import (
	"context"
	"errors"

	"github.com/parcelmap/parcelmap-go/internal/geometry"
	"github.com/parcelmap/parcelmap-go/internal/models"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("not found")
)

// PendingUpsert is one candidate boundary flushed by the ingestor.
type PendingUpsert struct {
	PolyID  int64
	Council string
	GeoJSON string
}

// BoundarySummary is the query-surface projection of a boundary and its
// linked title.
type BoundarySummary struct {
	PolyID    int64  `json:"polyId"`
	TitleNo   string `json:"titleNo,omitempty"`
	GeoJSON   string `json:"geojson"`
	Tenure    string `json:"tenure,omitempty"`
	OwnerType string `json:"ownerType,omitempty"`
	Accepted  bool   `json:"accepted"`
	MatchType string `json:"matchType,omitempty"`
}

// BBox is a WGS84 bounding-box query.
type BBox struct {
	SWLng, SWLat, NELng, NELat float64
}

// Store is the persistence surface the pipeline and the HTTP API run on.
type Store interface {
	// Ownership table
	TruncateOwnerships(ctx context.Context) error
	UpsertOwnerships(ctx context.Context, rows []*models.Ownership) error
	DeleteOwnerships(ctx context.Context, titleNos []string) error
	OwnershipByTitle(ctx context.Context, titleNo string) (*models.Ownership, error)

	// Pending boundary table
	TruncatePending(ctx context.Context) error
	UpsertPending(ctx context.Context, rows []PendingUpsert) error
	CouncilFeatureCount(ctx context.Context, council string) (int64, error)
	PendingAfter(ctx context.Context, afterID int64, limit int) ([]*models.PendingBoundary, error)
	CountPending(ctx context.Context) (int64, error)
	MarkPending(ctx context.Context, id int64, match models.MatchType) error
	MarkPendingByPolyIDs(ctx context.Context, polyIDs []int64, match models.MatchType) error
	PendingNear(ctx context.Context, b geometry.Bound, excludePolyID int64) ([]geometry.Candidate, error)
	MatchCounts(ctx context.Context) (map[models.MatchType]int64, error)

	// Accepted boundary table
	AcceptedByPolyID(ctx context.Context, polyID int64) (*models.AcceptedBoundary, error)
	AcceptedOverlaps(ctx context.Context, geoJSON string) (bool, error)
	AcceptedNear(ctx context.Context, b geometry.Bound, excludePolyID int64) ([]geometry.Candidate, error)

	// Promotion
	AddPendingDeletions(ctx context.Context, polyIDs []int64) error
	CountPendingDeletions(ctx context.Context) (int64, error)
	Promote(ctx context.Context) error

	// Query surface
	BoundariesInBBox(ctx context.Context, box BBox, ownerType string, acceptedOnly bool) ([]BoundarySummary, error)
	PolygonsByIDs(ctx context.Context, polyIDs []int64, searchArea string, includeLeaseholds bool) ([]BoundarySummary, error)
	SearchByProprietor(ctx context.Context, name string) ([]BoundarySummary, error)

	// TitleAddress returns the property address of the title linked to an
	// accepted boundary, or "" when no title is linked.
	TitleAddress(ctx context.Context, polyID int64) (string, error)

	Close() error
}
