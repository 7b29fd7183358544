package ownership

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/parcelmap/parcelmap-go/internal/catalogue"
	"github.com/parcelmap/parcelmap-go/internal/models"
	"github.com/parcelmap/parcelmap-go/internal/storage"
	"github.com/sirupsen/logrus"
)

// snapshotMonth is the first month with published ownership data; an empty
// ownership table is bootstrapped from this full snapshot.
var snapshotMonth = time.Date(2017, time.November, 1, 0, 0, 0, 0, time.UTC)

// Catalogue is the slice of the catalogue client the updater needs.
type Catalogue interface {
	ChangeFiles(ctx context.Context, ds catalogue.Dataset) ([]catalogue.File, error)
	FullSnapshot(ctx context.Context, ds catalogue.Dataset, month time.Time) (*catalogue.File, error)
	Download(ctx context.Context, f catalogue.File) (io.ReadCloser, error)
}

// Ledger is the slice of the run ledger the updater needs: the ownership
// high-water mark.
type Ledger interface {
	LatestOwnershipDate(ctx context.Context) (time.Time, bool, error)
	SetLatestOwnershipDate(ctx context.Context, runKey string, date time.Time) error
}

// Updater applies monthly CCOD/OCOD ownership changes in strict
// publication-date order, checkpointing the ledger after each completed date
// so a rerun skips work already applied.
type Updater struct {
	catalogue Catalogue
	store     storage.Store
	ledger    Ledger
	logger    *logrus.Logger
	chunkSize int
}

// NewUpdater creates an ownership updater.
func NewUpdater(cat Catalogue, store storage.Store, led Ledger, logger *logrus.Logger, chunkSize int) *Updater {
	if chunkSize <= 0 {
		chunkSize = 10000
	}
	return &Updater{catalogue: cat, store: store, ledger: led, logger: logger, chunkSize: chunkSize}
}

// Run brings the ownership table up to date.
func (u *Updater) Run(ctx context.Context, runKey string) error {
	mark, haveMark, err := u.ledger.LatestOwnershipDate(ctx)
	if err != nil {
		return err
	}

	if !haveMark {
		if err := u.bootstrap(ctx, runKey); err != nil {
			return fmt.Errorf("bootstrap ownership snapshot: %w", err)
		}
		mark = snapshotMonth
	}

	files, err := u.pendingFiles(ctx, mark)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		u.logger.Info("Ownership data already up to date")
		return nil
	}

	u.logger.WithFields(logrus.Fields{
		"files": len(files),
		"since": mark.Format("2006-01-02"),
	}).Info("Applying ownership change files")

	// Files sharing a publication date are applied together before the
	// high-water mark advances, so a crash between them cannot skip one.
	for i := 0; i < len(files); {
		date := files[i].Date
		j := i
		for j < len(files) && files[j].Date.Equal(date) {
			if err := u.applyChangeFile(ctx, files[j]); err != nil {
				return fmt.Errorf("apply %s: %w", files[j].Name, err)
			}
			j++
		}
		if err := u.ledger.SetLatestOwnershipDate(ctx, runKey, date); err != nil {
			return err
		}
		i = j
	}
	return nil
}

// pendingFiles lists change files strictly newer than the high-water mark,
// ascending by publication date.
func (u *Updater) pendingFiles(ctx context.Context, mark time.Time) ([]catalogue.File, error) {
	var files []catalogue.File
	for _, ds := range []catalogue.Dataset{catalogue.DatasetCCOD, catalogue.DatasetOCOD} {
		list, err := u.catalogue.ChangeFiles(ctx, ds)
		if err != nil {
			return nil, err
		}
		for _, f := range list {
			if f.Date.After(mark) {
				files = append(files, f)
			}
		}
	}
	sort.SliceStable(files, func(i, j int) bool { return files[i].Date.Before(files[j].Date) })
	return files, nil
}

func (u *Updater) bootstrap(ctx context.Context, runKey string) error {
	u.logger.WithFields(logrus.Fields{"month": snapshotMonth.Format("2006-01")}).
		Info("Ownership table empty, applying full snapshot")

	if err := u.store.TruncateOwnerships(ctx); err != nil {
		return err
	}

	for _, ds := range []catalogue.Dataset{catalogue.DatasetCCOD, catalogue.DatasetOCOD} {
		file, err := u.catalogue.FullSnapshot(ctx, ds, snapshotMonth)
		if err != nil {
			return err
		}
		body, err := u.catalogue.Download(ctx, *file)
		if err != nil {
			return err
		}
		n, err := ParseSnapshot(body, ds == catalogue.DatasetCCOD, u.chunkSize, func(chunk []*models.Ownership) error {
			return u.store.UpsertOwnerships(ctx, chunk)
		})
		body.Close()
		if err != nil {
			return err
		}
		u.logger.WithFields(logrus.Fields{"dataset": ds, "rows": n}).Info("Snapshot applied")
	}

	return u.ledger.SetLatestOwnershipDate(ctx, runKey, snapshotMonth)
}

func (u *Updater) applyChangeFile(ctx context.Context, file catalogue.File) error {
	body, err := u.catalogue.Download(ctx, file)
	if err != nil {
		return err
	}
	defer body.Close()

	set, err := ParseChangeFile(body, file.Dataset == catalogue.DatasetCCOD)
	if err != nil {
		return err
	}

	// Deletions first: a title that moved owners appears as D then A.
	if err := u.store.DeleteOwnerships(ctx, set.Deletions); err != nil {
		return err
	}
	for start := 0; start < len(set.Additions); start += u.chunkSize {
		end := start + u.chunkSize
		if end > len(set.Additions) {
			end = len(set.Additions)
		}
		if err := u.store.UpsertOwnerships(ctx, set.Additions[start:end]); err != nil {
			return err
		}
	}

	u.logger.WithFields(logrus.Fields{
		"file":      file.Name,
		"additions": len(set.Additions),
		"deletions": len(set.Deletions),
		"skipped":   set.Skipped,
	}).Info("Ownership change file applied")
	return nil
}
