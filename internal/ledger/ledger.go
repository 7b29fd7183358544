package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/parcelmap/parcelmap-go/internal/models"
	"github.com/sirupsen/logrus"
)

var (
	// ErrRunInProgress means a ledger row already has status running.
	ErrRunInProgress = errors.New("a pipeline run is already in progress")
	// ErrNoRun means no ledger row matched.
	ErrNoRun = errors.New("no such run")
)

// Ledger persists pipeline execution state. It is the single source of truth
// for resumption: every checkpoint write is durable before the pipeline moves
// past the work it records.
type Ledger struct {
	db     *sqlx.DB
	logger *logrus.Logger
}

// New creates a ledger over the shared database handle.
func New(db *sqlx.DB, logger *logrus.Logger) *Ledger {
	return &Ledger{db: db, logger: logger}
}

// Begin creates a running ledger row for a new pipeline execution. It fails
// with ErrRunInProgress when another row is still marked running, which is
// the process-wide single-run guarantee. The guarantee is enforced by the
// partial unique index on running rows: two concurrent Begins cannot both
// insert, whichever loses gets the unique violation.
func (l *Ledger) Begin(ctx context.Context, uniqueKey string, options []byte) (*models.RunLedger, error) {
	var row models.RunLedger
	err := l.db.GetContext(ctx, &row, `
		INSERT INTO run_ledger (unique_key, status, started_at, options)
		VALUES ($1, $2, now(), $3)
		RETURNING id, unique_key, status, started_at, options, last_task,
			last_council_downloaded, last_poly_analysed, retry_count,
			latest_ownership_data, latest_inspire_data`,
		uniqueKey, string(models.RunStatusRunning), options)
	if err != nil {
		if isSingleRunViolation(err) {
			return nil, ErrRunInProgress
		}
		return nil, fmt.Errorf("insert ledger row: %w", err)
	}

	l.logger.WithFields(logrus.Fields{"run": uniqueKey}).Info("Run ledger row created")
	return &row, nil
}

// isSingleRunViolation reports whether err is the unique violation raised by
// idx_run_ledger_single_running when a running row already exists.
func isSingleRunViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) &&
		pgErr.Code == "23505" && // unique_violation
		pgErr.ConstraintName == "idx_run_ledger_single_running"
}

// ResumeCandidate returns the ledger row still marked running, if any.
// A running row at process startup means the previous process died mid-run.
func (l *Ledger) ResumeCandidate(ctx context.Context) (*models.RunLedger, error) {
	var row models.RunLedger
	err := l.db.GetContext(ctx, &row, `
		SELECT id, unique_key, status, started_at, options, last_task,
			last_council_downloaded, last_poly_analysed, retry_count,
			latest_ownership_data, latest_inspire_data
		FROM run_ledger
		WHERE status = $1
		ORDER BY started_at DESC
		LIMIT 1`, string(models.RunStatusRunning))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNoRun
		}
		return nil, fmt.Errorf("find resume candidate: %w", err)
	}
	return &row, nil
}

// Get returns the ledger row for a run key.
func (l *Ledger) Get(ctx context.Context, uniqueKey string) (*models.RunLedger, error) {
	var row models.RunLedger
	err := l.db.GetContext(ctx, &row, `
		SELECT id, unique_key, status, started_at, options, last_task,
			last_council_downloaded, last_poly_analysed, retry_count,
			latest_ownership_data, latest_inspire_data
		FROM run_ledger WHERE unique_key = $1`, uniqueKey)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNoRun
		}
		return nil, fmt.Errorf("get run %s: %w", uniqueKey, err)
	}
	return &row, nil
}

// Latest returns the most recently started run, regardless of status.
func (l *Ledger) Latest(ctx context.Context) (*models.RunLedger, error) {
	var row models.RunLedger
	err := l.db.GetContext(ctx, &row, `
		SELECT id, unique_key, status, started_at, options, last_task,
			last_council_downloaded, last_poly_analysed, retry_count,
			latest_ownership_data, latest_inspire_data
		FROM run_ledger ORDER BY started_at DESC LIMIT 1`)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNoRun
		}
		return nil, fmt.Errorf("get latest run: %w", err)
	}
	return &row, nil
}

// SetLastTask records the most recently completed task.
func (l *Ledger) SetLastTask(ctx context.Context, uniqueKey string, task models.Task) error {
	return l.set(ctx, uniqueKey, `last_task`, string(task))
}

// SetLastCouncil records the most recently completed council download.
func (l *Ledger) SetLastCouncil(ctx context.Context, uniqueKey, council string) error {
	return l.set(ctx, uniqueKey, `last_council_downloaded`, council)
}

// SetLastPolyAnalysed records the reconciler's scan cursor. Durable after
// every pending row, bounding post-crash rework to one row.
func (l *Ledger) SetLastPolyAnalysed(ctx context.Context, uniqueKey string, pendingID int64) error {
	return l.set(ctx, uniqueKey, `last_poly_analysed`, pendingID)
}

// SetLatestOwnershipDate advances the ownership high-water mark.
func (l *Ledger) SetLatestOwnershipDate(ctx context.Context, uniqueKey string, date time.Time) error {
	return l.set(ctx, uniqueKey, `latest_ownership_data`, date)
}

// SetLatestInspireDate advances the INSPIRE publish-month high-water mark.
// Written only after promotion completes.
func (l *Ledger) SetLatestInspireDate(ctx context.Context, uniqueKey string, date time.Time) error {
	return l.set(ctx, uniqueKey, `latest_inspire_data`, date)
}

func (l *Ledger) set(ctx context.Context, uniqueKey, column string, value interface{}) error {
	// column is a compile-time constant in every caller.
	query := fmt.Sprintf(`UPDATE run_ledger SET %s = $2 WHERE unique_key = $1`, column)
	res, err := l.db.ExecContext(ctx, query, uniqueKey, value)
	if err != nil {
		return fmt.Errorf("update %s for run %s: %w", column, uniqueKey, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoRun
	}
	return nil
}

// BumpRetry increments and returns the consecutive-stall counter for a run.
// The reconciler calls it when a resumed run is still parked at the same
// pending row it died on.
func (l *Ledger) BumpRetry(ctx context.Context, uniqueKey string) (int, error) {
	var count int
	err := l.db.GetContext(ctx, &count, `
		UPDATE run_ledger SET retry_count = retry_count + 1
		WHERE unique_key = $1
		RETURNING retry_count`, uniqueKey)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, ErrNoRun
		}
		return 0, fmt.Errorf("bump retry count: %w", err)
	}
	return count, nil
}

// ResetRetry clears the stall counter once the cursor moves.
func (l *Ledger) ResetRetry(ctx context.Context, uniqueKey string) error {
	return l.set(ctx, uniqueKey, `retry_count`, 0)
}

// Finish clears the running status after successful completion.
func (l *Ledger) Finish(ctx context.Context, uniqueKey string) error {
	if err := l.set(ctx, uniqueKey, `status`, ""); err != nil {
		return err
	}
	l.logger.WithFields(logrus.Fields{"run": uniqueKey}).Info("Run completed")
	return nil
}

// Fail clears the running status after a failure that must not auto-resume.
func (l *Ledger) Fail(ctx context.Context, uniqueKey string) error {
	if err := l.set(ctx, uniqueKey, `status`, ""); err != nil {
		return err
	}
	l.logger.WithFields(logrus.Fields{"run": uniqueKey}).Warn("Run marked failed")
	return nil
}

// LatestOwnershipDate returns the ownership high-water mark across all runs.
func (l *Ledger) LatestOwnershipDate(ctx context.Context) (time.Time, bool, error) {
	return l.maxDate(ctx, `latest_ownership_data`)
}

// LatestInspireDate returns the INSPIRE high-water mark across all runs.
func (l *Ledger) LatestInspireDate(ctx context.Context) (time.Time, bool, error) {
	return l.maxDate(ctx, `latest_inspire_data`)
}

func (l *Ledger) maxDate(ctx context.Context, column string) (time.Time, bool, error) {
	query := fmt.Sprintf(`SELECT MAX(%s) FROM run_ledger`, column)
	var date sql.NullTime
	if err := l.db.GetContext(ctx, &date, query); err != nil {
		return time.Time{}, false, fmt.Errorf("read %s high-water mark: %w", column, err)
	}
	return date.Time, date.Valid, nil
}
