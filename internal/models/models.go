package models

import (
	"database/sql"
	"time"
)

// MatchType is the classifier's verdict on a pending polygon.
type MatchType string

const (
	MatchExact               MatchType = "exact"
	MatchExactOffset         MatchType = "exactOffset"
	MatchHighOverlap         MatchType = "highOverlap"
	MatchBoundariesShifted   MatchType = "boundariesShifted"
	MatchMoved               MatchType = "moved"
	MatchMerged              MatchType = "merged"
	MatchMergedIncomplete    MatchType = "mergedIncomplete"
	MatchSegmented           MatchType = "segmented"
	MatchSegmentedIncomplete MatchType = "segmentedIncomplete"
	MatchMergedAndSegmented  MatchType = "mergedAndSegmented"
	MatchNewSegment          MatchType = "newSegment"
	MatchNewBoundary         MatchType = "newBoundary"
	MatchFail                MatchType = "fail"
)

// Accepted reports whether a verdict marks the pending row accepted. Every
// tag except fail is an acceptance.
func (m MatchType) Accepted() bool {
	return m != MatchFail && m != ""
}

// AllMatchTypes lists every verdict the reconciler can record, in the order
// the completion summary reports them.
func AllMatchTypes() []MatchType {
	return []MatchType{
		MatchExact, MatchExactOffset, MatchHighOverlap, MatchBoundariesShifted,
		MatchMoved, MatchMerged, MatchMergedIncomplete, MatchSegmented,
		MatchSegmentedIncomplete, MatchMergedAndSegmented, MatchNewSegment,
		MatchNewBoundary, MatchFail,
	}
}

// Proprietor is one registered owner block on a title. CCOD/OCOD carry up to
// four of these per row.
type Proprietor struct {
	Name          string `db:"name" json:"name"`
	CompanyNumber string `db:"company_number" json:"companyNumber"`
	Category      string `db:"category" json:"category"`
	Address1      string `db:"address_1" json:"address1"`
	Address2      string `db:"address_2" json:"address2"`
	Address3      string `db:"address_3" json:"address3"`
}

// Ownership is one title deed and its registered corporate owner(s).
type Ownership struct {
	TitleNo              string       `db:"title_no" json:"titleNo"`
	Tenure               string       `db:"tenure" json:"tenure"`
	PropertyAddress      string       `db:"property_address" json:"propertyAddress"`
	Postcode             string       `db:"postcode" json:"postcode"`
	Proprietors          [4]Proprietor `db:"-" json:"proprietors"`
	DateProprietorAdded  sql.NullTime `db:"date_proprietor_added" json:"dateProprietorAdded"`
	UKBased              bool         `db:"uk_based" json:"ukBased"`
}

// Leasehold reports whether the title is a leasehold tenure.
func (o *Ownership) Leasehold() bool {
	return o.Tenure == "Leasehold"
}

// AcceptedBoundary is the boundary currently served for an INSPIRE id.
type AcceptedBoundary struct {
	PolyID    int64          `db:"poly_id" json:"polyId"`
	TitleNo   sql.NullString `db:"title_no" json:"titleNo,omitempty"`
	GeoJSON   string         `db:"geojson" json:"geojson"`
	CreatedAt time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time      `db:"updated_at" json:"updatedAt"`
}

// PendingBoundary is a candidate boundary from the current month awaiting
// classification. ID is the scan cursor the reconciler checkpoints against.
type PendingBoundary struct {
	ID        int64          `db:"id" json:"id"`
	PolyID    int64          `db:"poly_id" json:"polyId"`
	Council   string         `db:"council" json:"council"`
	GeoJSON   string         `db:"geojson" json:"geojson"`
	Accepted  bool           `db:"accepted" json:"accepted"`
	MatchType sql.NullString `db:"match_type" json:"matchType,omitempty"`
	CreatedAt time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time      `db:"updated_at" json:"updatedAt"`
}

// RunStatus is the ledger status of a pipeline execution.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusStopped RunStatus = ""
)

// Task names the pipeline stages, in dependency order.
type Task string

const (
	TaskOwnership Task = "ownerships"
	TaskIngest    Task = "downloadInspire"
	TaskReconcile Task = "analyseInspire"
)

// TaskOrder is the canonical stage sequence.
func TaskOrder() []Task {
	return []Task{TaskOwnership, TaskIngest, TaskReconcile}
}

// RunLedger is one pipeline execution. It is the single source of truth for
// resumption after process death.
type RunLedger struct {
	ID                    int64          `db:"id"`
	UniqueKey             string         `db:"unique_key"`
	Status                string         `db:"status"`
	StartedAt             time.Time      `db:"started_at"`
	Options               []byte         `db:"options"` // JSON-encoded pipeline.Options
	LastTask              sql.NullString `db:"last_task"`
	LastCouncilDownloaded sql.NullString `db:"last_council_downloaded"`
	LastPolyAnalysed      sql.NullInt64  `db:"last_poly_analysed"`
	RetryCount            int            `db:"retry_count"`
	LatestOwnershipData   sql.NullTime   `db:"latest_ownership_data"`
	LatestInspireData     sql.NullTime   `db:"latest_inspire_data"`
}

// Running reports whether the ledger row still marks an in-flight run.
func (r *RunLedger) Running() bool {
	return r.Status == string(RunStatusRunning)
}
