package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/parcelmap/parcelmap-go/internal/geometry"
	"github.com/parcelmap/parcelmap-go/internal/models"
	"github.com/sirupsen/logrus"
)

// PostgresStore implements Store on PostgreSQL with PostGIS.
type PostgresStore struct {
	db        *sqlx.DB
	logger    *logrus.Logger
	chunkSize int
}

// Options tunes the connection pool and bulk-operation sizing.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// ChunkSize bounds rows per bulk round trip so statements stay below
	// the server's maximum packet size. Default 10000.
	ChunkSize int
}

// NewPostgresStore connects to PostgreSQL and returns the store.
func NewPostgresStore(dsn string, logger *logrus.Logger, opts Options) (*PostgresStore, error) {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if opts.MaxOpenConns == 0 {
		opts.MaxOpenConns = 25
	}
	if opts.MaxIdleConns == 0 {
		opts.MaxIdleConns = 5
	}
	if opts.ConnMaxLifetime == 0 {
		opts.ConnMaxLifetime = 5 * time.Minute
	}
	if opts.ChunkSize == 0 {
		opts.ChunkSize = 10000
	}

	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	return &PostgresStore{db: db, logger: logger, chunkSize: opts.ChunkSize}, nil
}

// DB exposes the underlying handle for collaborators sharing the pool
// (the run ledger).
func (s *PostgresStore) DB() *sqlx.DB {
	return s.db
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Ownership table

func (s *PostgresStore) TruncateOwnerships(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `TRUNCATE TABLE ownerships`); err != nil {
		return fmt.Errorf("truncate ownerships: %w", err)
	}
	return nil
}

type ownershipRow struct {
	TitleNo             string       `db:"title_no"`
	Tenure              string       `db:"tenure"`
	PropertyAddress     string       `db:"property_address"`
	Postcode            string       `db:"postcode"`
	Proprietor1         string       `db:"proprietor_1"`
	Company1            string       `db:"company_1"`
	Category1           string       `db:"category_1"`
	P1Address1          string       `db:"p1_address_1"`
	P1Address2          string       `db:"p1_address_2"`
	P1Address3          string       `db:"p1_address_3"`
	Proprietor2         string       `db:"proprietor_2"`
	Company2            string       `db:"company_2"`
	Category2           string       `db:"category_2"`
	P2Address1          string       `db:"p2_address_1"`
	P2Address2          string       `db:"p2_address_2"`
	P2Address3          string       `db:"p2_address_3"`
	Proprietor3         string       `db:"proprietor_3"`
	Company3            string       `db:"company_3"`
	Category3           string       `db:"category_3"`
	P3Address1          string       `db:"p3_address_1"`
	P3Address2          string       `db:"p3_address_2"`
	P3Address3          string       `db:"p3_address_3"`
	Proprietor4         string       `db:"proprietor_4"`
	Company4            string       `db:"company_4"`
	Category4           string       `db:"category_4"`
	P4Address1          string       `db:"p4_address_1"`
	P4Address2          string       `db:"p4_address_2"`
	P4Address3          string       `db:"p4_address_3"`
	DateProprietorAdded sql.NullTime `db:"date_proprietor_added"`
	UKBased             bool         `db:"uk_based"`
}

func toOwnershipRow(o *models.Ownership) ownershipRow {
	row := ownershipRow{
		TitleNo:             o.TitleNo,
		Tenure:              o.Tenure,
		PropertyAddress:     o.PropertyAddress,
		Postcode:            o.Postcode,
		DateProprietorAdded: o.DateProprietorAdded,
		UKBased:             o.UKBased,
	}
	p := o.Proprietors
	row.Proprietor1, row.Company1, row.Category1 = p[0].Name, p[0].CompanyNumber, p[0].Category
	row.P1Address1, row.P1Address2, row.P1Address3 = p[0].Address1, p[0].Address2, p[0].Address3
	row.Proprietor2, row.Company2, row.Category2 = p[1].Name, p[1].CompanyNumber, p[1].Category
	row.P2Address1, row.P2Address2, row.P2Address3 = p[1].Address1, p[1].Address2, p[1].Address3
	row.Proprietor3, row.Company3, row.Category3 = p[2].Name, p[2].CompanyNumber, p[2].Category
	row.P3Address1, row.P3Address2, row.P3Address3 = p[2].Address1, p[2].Address2, p[2].Address3
	row.Proprietor4, row.Company4, row.Category4 = p[3].Name, p[3].CompanyNumber, p[3].Category
	row.P4Address1, row.P4Address2, row.P4Address3 = p[3].Address1, p[3].Address2, p[3].Address3
	return row
}

func (s *PostgresStore) UpsertOwnerships(ctx context.Context, rows []*models.Ownership) error {
	if len(rows) == 0 {
		return nil
	}

	query := `
		INSERT INTO ownerships (
			title_no, tenure, property_address, postcode,
			proprietor_1, company_1, category_1, p1_address_1, p1_address_2, p1_address_3,
			proprietor_2, company_2, category_2, p2_address_1, p2_address_2, p2_address_3,
			proprietor_3, company_3, category_3, p3_address_1, p3_address_2, p3_address_3,
			proprietor_4, company_4, category_4, p4_address_1, p4_address_2, p4_address_3,
			date_proprietor_added, uk_based
		) VALUES (
			:title_no, :tenure, :property_address, :postcode,
			:proprietor_1, :company_1, :category_1, :p1_address_1, :p1_address_2, :p1_address_3,
			:proprietor_2, :company_2, :category_2, :p2_address_1, :p2_address_2, :p2_address_3,
			:proprietor_3, :company_3, :category_3, :p3_address_1, :p3_address_2, :p3_address_3,
			:proprietor_4, :company_4, :category_4, :p4_address_1, :p4_address_2, :p4_address_3,
			:date_proprietor_added, :uk_based
		) ON CONFLICT (title_no) DO UPDATE SET
			tenure = EXCLUDED.tenure,
			property_address = EXCLUDED.property_address,
			postcode = EXCLUDED.postcode,
			proprietor_1 = EXCLUDED.proprietor_1,
			company_1 = EXCLUDED.company_1,
			category_1 = EXCLUDED.category_1,
			p1_address_1 = EXCLUDED.p1_address_1,
			p1_address_2 = EXCLUDED.p1_address_2,
			p1_address_3 = EXCLUDED.p1_address_3,
			proprietor_2 = EXCLUDED.proprietor_2,
			company_2 = EXCLUDED.company_2,
			category_2 = EXCLUDED.category_2,
			p2_address_1 = EXCLUDED.p2_address_1,
			p2_address_2 = EXCLUDED.p2_address_2,
			p2_address_3 = EXCLUDED.p2_address_3,
			proprietor_3 = EXCLUDED.proprietor_3,
			company_3 = EXCLUDED.company_3,
			category_3 = EXCLUDED.category_3,
			p3_address_1 = EXCLUDED.p3_address_1,
			p3_address_2 = EXCLUDED.p3_address_2,
			p3_address_3 = EXCLUDED.p3_address_3,
			proprietor_4 = EXCLUDED.proprietor_4,
			company_4 = EXCLUDED.company_4,
			category_4 = EXCLUDED.category_4,
			p4_address_1 = EXCLUDED.p4_address_1,
			p4_address_2 = EXCLUDED.p4_address_2,
			p4_address_3 = EXCLUDED.p4_address_3,
			date_proprietor_added = EXCLUDED.date_proprietor_added,
			uk_based = EXCLUDED.uk_based,
			updated_at = now()
	`

	for start := 0; start < len(rows); start += s.chunkSize {
		end := start + s.chunkSize
		if end > len(rows) {
			end = len(rows)
		}

		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		for _, o := range rows[start:end] {
			row := toOwnershipRow(o)
			if _, err := tx.NamedExecContext(ctx, query, row); err != nil {
				tx.Rollback()
				return fmt.Errorf("upsert ownership %s: %w", o.TitleNo, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit ownership chunk: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) DeleteOwnerships(ctx context.Context, titleNos []string) error {
	if len(titleNos) == 0 {
		return nil
	}
	for start := 0; start < len(titleNos); start += s.chunkSize {
		end := start + s.chunkSize
		if end > len(titleNos) {
			end = len(titleNos)
		}
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM ownerships WHERE title_no = ANY($1)`,
			pq.Array(titleNos[start:end]))
		if err != nil {
			return fmt.Errorf("delete ownerships: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) OwnershipByTitle(ctx context.Context, titleNo string) (*models.Ownership, error) {
	var row ownershipRow
	err := s.db.GetContext(ctx, &row, `
		SELECT title_no, tenure, property_address, postcode,
			proprietor_1, company_1, category_1, p1_address_1, p1_address_2, p1_address_3,
			proprietor_2, company_2, category_2, p2_address_1, p2_address_2, p2_address_3,
			proprietor_3, company_3, category_3, p3_address_1, p3_address_2, p3_address_3,
			proprietor_4, company_4, category_4, p4_address_1, p4_address_2, p4_address_3,
			date_proprietor_added, uk_based
		FROM ownerships WHERE title_no = $1`, titleNo)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get ownership: %w", err)
	}

	o := &models.Ownership{
		TitleNo:             row.TitleNo,
		Tenure:              row.Tenure,
		PropertyAddress:     row.PropertyAddress,
		Postcode:            row.Postcode,
		DateProprietorAdded: row.DateProprietorAdded,
		UKBased:             row.UKBased,
	}
	o.Proprietors[0] = models.Proprietor{Name: row.Proprietor1, CompanyNumber: row.Company1, Category: row.Category1, Address1: row.P1Address1, Address2: row.P1Address2, Address3: row.P1Address3}
	o.Proprietors[1] = models.Proprietor{Name: row.Proprietor2, CompanyNumber: row.Company2, Category: row.Category2, Address1: row.P2Address1, Address2: row.P2Address2, Address3: row.P2Address3}
	o.Proprietors[2] = models.Proprietor{Name: row.Proprietor3, CompanyNumber: row.Company3, Category: row.Category3, Address1: row.P3Address1, Address2: row.P3Address2, Address3: row.P3Address3}
	o.Proprietors[3] = models.Proprietor{Name: row.Proprietor4, CompanyNumber: row.Company4, Category: row.Category4, Address1: row.P4Address1, Address2: row.P4Address2, Address3: row.P4Address3}
	return o, nil
}

// ---------------------------------------------------------------------------
// Pending boundary table

func (s *PostgresStore) TruncatePending(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `TRUNCATE TABLE pending_boundaries RESTART IDENTITY`); err != nil {
		return fmt.Errorf("truncate pending boundaries: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `TRUNCATE TABLE pending_deletions`); err != nil {
		return fmt.Errorf("truncate pending deletions: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertPending(ctx context.Context, rows []PendingUpsert) error {
	if len(rows) == 0 {
		return nil
	}

	query := `
		INSERT INTO pending_boundaries (poly_id, council, geom)
		VALUES ($1, $2, ST_GeomFromGeoJSON($3))
		ON CONFLICT (poly_id) DO UPDATE SET
			council = EXCLUDED.council,
			geom = EXCLUDED.geom,
			accepted = false,
			match_type = NULL,
			updated_at = now()
	`

	for start := 0; start < len(rows); start += s.chunkSize {
		end := start + s.chunkSize
		if end > len(rows) {
			end = len(rows)
		}
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		for _, r := range rows[start:end] {
			if _, err := tx.ExecContext(ctx, query, r.PolyID, r.Council, r.GeoJSON); err != nil {
				tx.Rollback()
				return fmt.Errorf("upsert pending polygon %d: %w", r.PolyID, err)
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit pending chunk: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) CouncilFeatureCount(ctx context.Context, council string) (int64, error) {
	var count int64
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM pending_boundaries WHERE council = $1`, council)
	if err != nil {
		return 0, fmt.Errorf("count council features: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) PendingAfter(ctx context.Context, afterID int64, limit int) ([]*models.PendingBoundary, error) {
	var rows []*models.PendingBoundary
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, poly_id, council, ST_AsGeoJSON(geom) AS geojson,
			accepted, match_type, created_at, updated_at
		FROM pending_boundaries
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending after %d: %w", afterID, err)
	}
	return rows, nil
}

func (s *PostgresStore) CountPending(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM pending_boundaries`); err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) MarkPending(ctx context.Context, id int64, match models.MatchType) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_boundaries
		SET accepted = $2, match_type = $3, updated_at = now()
		WHERE id = $1`, id, match.Accepted(), string(match))
	if err != nil {
		return fmt.Errorf("mark pending %d as %s: %w", id, match, err)
	}
	return nil
}

func (s *PostgresStore) MarkPendingByPolyIDs(ctx context.Context, polyIDs []int64, match models.MatchType) error {
	if len(polyIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_boundaries
		SET accepted = $2, match_type = $3, updated_at = now()
		WHERE poly_id = ANY($1)`, pq.Array(polyIDs), match.Accepted(), string(match))
	if err != nil {
		return fmt.Errorf("mark pending polygons as %s: %w", match, err)
	}
	return nil
}

func (s *PostgresStore) MatchCounts(ctx context.Context) (map[models.MatchType]int64, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT COALESCE(match_type, '') AS match_type, COUNT(*) AS n
		FROM pending_boundaries
		GROUP BY match_type`)
	if err != nil {
		return nil, fmt.Errorf("count match types: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.MatchType]int64)
	for rows.Next() {
		var tag string
		var n int64
		if err := rows.Scan(&tag, &n); err != nil {
			return nil, fmt.Errorf("scan match count: %w", err)
		}
		counts[models.MatchType(tag)] = n
	}
	return counts, rows.Err()
}

// ---------------------------------------------------------------------------
// Accepted boundary table

func (s *PostgresStore) AcceptedByPolyID(ctx context.Context, polyID int64) (*models.AcceptedBoundary, error) {
	var row models.AcceptedBoundary
	err := s.db.GetContext(ctx, &row, `
		SELECT poly_id, title_no, ST_AsGeoJSON(geom) AS geojson, created_at, updated_at
		FROM accepted_boundaries WHERE poly_id = $1`, polyID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get accepted boundary %d: %w", polyID, err)
	}
	return &row, nil
}

// acceptedOverlapsQuery tests for a shared interior, not ST_Intersects:
// adjacent parcels share edges and, at 7-dp rounding, exact vertices, so
// boundary contact alone must not count as overlap. The '2********' DE-9IM
// mask requires an area-dimensional interior intersection.
const acceptedOverlapsQuery = `
	SELECT EXISTS (
		SELECT 1 FROM accepted_boundaries
		WHERE geom && ST_GeomFromGeoJSON($1)
		  AND ST_Relate(geom, ST_GeomFromGeoJSON($1), '2********')
	)`

func (s *PostgresStore) AcceptedOverlaps(ctx context.Context, geoJSON string) (bool, error) {
	var overlaps bool
	if err := s.db.GetContext(ctx, &overlaps, acceptedOverlapsQuery, geoJSON); err != nil {
		return false, fmt.Errorf("check accepted overlap: %w", err)
	}
	return overlaps, nil
}

func (s *PostgresStore) AcceptedNear(ctx context.Context, b geometry.Bound, excludePolyID int64) ([]geometry.Candidate, error) {
	return s.candidatesNear(ctx, "accepted_boundaries", b, excludePolyID)
}

func (s *PostgresStore) PendingNear(ctx context.Context, b geometry.Bound, excludePolyID int64) ([]geometry.Candidate, error) {
	return s.candidatesNear(ctx, "pending_boundaries", b, excludePolyID)
}

func (s *PostgresStore) candidatesNear(ctx context.Context, table string, b geometry.Bound, excludePolyID int64) ([]geometry.Candidate, error) {
	// Table name is one of two compile-time constants, never user input.
	query := fmt.Sprintf(`
		SELECT poly_id, ST_AsGeoJSON(geom) AS geojson
		FROM %s
		WHERE poly_id <> $5
		  AND ST_Intersects(geom, ST_MakeEnvelope($1, $2, $3, $4, 4326))`, table)

	rows, err := s.db.QueryxContext(ctx, query, b.MinLng, b.MinLat, b.MaxLng, b.MaxLat, excludePolyID)
	if err != nil {
		return nil, fmt.Errorf("select %s near bbox: %w", table, err)
	}
	defer rows.Close()

	var out []geometry.Candidate
	for rows.Next() {
		var polyID int64
		var geoJSON string
		if err := rows.Scan(&polyID, &geoJSON); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		ring, err := ringFromStoredGeoJSON(geoJSON)
		if err != nil {
			// Multi-polygons in the accepted set cannot take part in
			// attribution; skip them rather than abort the probe.
			continue
		}
		out = append(out, geometry.Candidate{PolyID: polyID, Ring: ring})
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Promotion

func (s *PostgresStore) AddPendingDeletions(ctx context.Context, polyIDs []int64) error {
	if len(polyIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_deletions (poly_id)
		SELECT unnest($1::bigint[])
		ON CONFLICT (poly_id) DO NOTHING`, pq.Array(polyIDs))
	if err != nil {
		return fmt.Errorf("add pending deletions: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountPendingDeletions(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM pending_deletions`); err != nil {
		return 0, fmt.Errorf("count pending deletions: %w", err)
	}
	return count, nil
}

// Promote drains the deletion set and bulk-copies accepted pending rows over
// the accepted table in one transaction, so readers switch months atomically.
func (s *PostgresStore) Promote(ctx context.Context) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin promotion: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM accepted_boundaries
		WHERE poly_id IN (SELECT poly_id FROM pending_deletions)`); err != nil {
		return fmt.Errorf("drain pending deletions: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO accepted_boundaries (poly_id, geom)
		SELECT poly_id, geom FROM pending_boundaries WHERE accepted = true
		ON CONFLICT (poly_id) DO UPDATE SET
			geom = EXCLUDED.geom,
			updated_at = now()`); err != nil {
		return fmt.Errorf("promote accepted pending rows: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `TRUNCATE TABLE pending_deletions`); err != nil {
		return fmt.Errorf("clear pending deletions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit promotion: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Query surface

func (s *PostgresStore) BoundariesInBBox(ctx context.Context, box BBox, ownerType string, acceptedOnly bool) ([]BoundarySummary, error) {
	query := `
		SELECT b.poly_id, COALESCE(b.title_no, '') AS title_no,
			ST_AsGeoJSON(b.geom) AS geojson,
			COALESCE(o.tenure, '') AS tenure,
			COALESCE(o.category_1, '') AS owner_type
		FROM accepted_boundaries b
		LEFT JOIN ownerships o ON o.title_no = b.title_no
		WHERE ST_Intersects(b.geom, ST_MakeEnvelope($1, $2, $3, $4, 4326))`
	args := []interface{}{box.SWLng, box.SWLat, box.NELng, box.NELat}
	if ownerType != "" {
		query += ` AND o.category_1 = $5`
		args = append(args, ownerType)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select boundaries in bbox: %w", err)
	}
	defer rows.Close()

	out, err := scanSummaries(rows, true)
	if err != nil {
		return nil, err
	}

	if !acceptedOnly {
		// Privileged view: include the current month's pending rows.
		pendingQuery := `
			SELECT poly_id, '' AS title_no, ST_AsGeoJSON(geom) AS geojson,
				'' AS tenure, '' AS owner_type, accepted,
				COALESCE(match_type, '') AS match_type
			FROM pending_boundaries
			WHERE ST_Intersects(geom, ST_MakeEnvelope($1, $2, $3, $4, 4326))`
		prows, err := s.db.QueryxContext(ctx, pendingQuery, box.SWLng, box.SWLat, box.NELng, box.NELat)
		if err != nil {
			return nil, fmt.Errorf("select pending in bbox: %w", err)
		}
		defer prows.Close()
		pending, err := scanPendingSummaries(prows)
		if err != nil {
			return nil, err
		}
		out = append(out, pending...)
	}
	return out, nil
}

func (s *PostgresStore) PolygonsByIDs(ctx context.Context, polyIDs []int64, searchArea string, includeLeaseholds bool) ([]BoundarySummary, error) {
	query := `
		SELECT b.poly_id, COALESCE(b.title_no, '') AS title_no,
			ST_AsGeoJSON(b.geom) AS geojson,
			COALESCE(o.tenure, '') AS tenure,
			COALESCE(o.category_1, '') AS owner_type
		FROM accepted_boundaries b
		LEFT JOIN ownerships o ON o.title_no = b.title_no
		WHERE 1 = 1`
	args := []interface{}{}
	n := 1

	if len(polyIDs) > 0 {
		query += fmt.Sprintf(` AND b.poly_id = ANY($%d)`, n)
		args = append(args, pq.Array(polyIDs))
		n++
	}
	if searchArea != "" {
		query += fmt.Sprintf(` AND ST_Intersects(b.geom, ST_GeomFromGeoJSON($%d))`, n)
		args = append(args, searchArea)
		n++
	}
	if !includeLeaseholds {
		query += ` AND COALESCE(o.tenure, '') <> 'Leasehold'`
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select polygons: %w", err)
	}
	defer rows.Close()
	return scanSummaries(rows, true)
}

func (s *PostgresStore) SearchByProprietor(ctx context.Context, name string) ([]BoundarySummary, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT b.poly_id, COALESCE(b.title_no, '') AS title_no,
			ST_AsGeoJSON(b.geom) AS geojson,
			COALESCE(o.tenure, '') AS tenure,
			COALESCE(o.category_1, '') AS owner_type
		FROM accepted_boundaries b
		JOIN ownerships o ON o.title_no = b.title_no
		WHERE o.proprietor_1 ILIKE $1
		   OR o.proprietor_2 ILIKE $1
		   OR o.proprietor_3 ILIKE $1
		   OR o.proprietor_4 ILIKE $1`, "%"+name+"%")
	if err != nil {
		return nil, fmt.Errorf("search by proprietor: %w", err)
	}
	defer rows.Close()
	return scanSummaries(rows, true)
}

func (s *PostgresStore) TitleAddress(ctx context.Context, polyID int64) (string, error) {
	var address sql.NullString
	err := s.db.GetContext(ctx, &address, `
		SELECT o.property_address
		FROM accepted_boundaries b
		JOIN ownerships o ON o.title_no = b.title_no
		WHERE b.poly_id = $1`, polyID)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("get title address for %d: %w", polyID, err)
	}
	return address.String, nil
}

func scanSummaries(rows *sqlx.Rows, accepted bool) ([]BoundarySummary, error) {
	var out []BoundarySummary
	for rows.Next() {
		var s BoundarySummary
		if err := rows.Scan(&s.PolyID, &s.TitleNo, &s.GeoJSON, &s.Tenure, &s.OwnerType); err != nil {
			return nil, fmt.Errorf("scan boundary summary: %w", err)
		}
		s.Accepted = accepted
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanPendingSummaries(rows *sqlx.Rows) ([]BoundarySummary, error) {
	var out []BoundarySummary
	for rows.Next() {
		var s BoundarySummary
		if err := rows.Scan(&s.PolyID, &s.TitleNo, &s.GeoJSON, &s.Tenure, &s.OwnerType, &s.Accepted, &s.MatchType); err != nil {
			return nil, fmt.Errorf("scan pending summary: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
