package ownership

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/parcelmap/parcelmap-go/internal/catalogue"
	"github.com/parcelmap/parcelmap-go/internal/models"
	"github.com/parcelmap/parcelmap-go/internal/storage"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCatalogue struct {
	changes   map[catalogue.Dataset][]catalogue.File
	snapshots map[catalogue.Dataset]catalogue.File
	bodies    map[string]string
	downloads []string
}

func (f *fakeCatalogue) ChangeFiles(ctx context.Context, ds catalogue.Dataset) ([]catalogue.File, error) {
	return f.changes[ds], nil
}

func (f *fakeCatalogue) FullSnapshot(ctx context.Context, ds catalogue.Dataset, month time.Time) (*catalogue.File, error) {
	file, ok := f.snapshots[ds]
	if !ok {
		return nil, fmt.Errorf("no snapshot for %s", ds)
	}
	return &file, nil
}

func (f *fakeCatalogue) Download(ctx context.Context, file catalogue.File) (io.ReadCloser, error) {
	f.downloads = append(f.downloads, file.Name)
	body, ok := f.bodies[file.Name]
	if !ok {
		return nil, fmt.Errorf("no body for %s", file.Name)
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

type fakeOwnershipLedger struct {
	mark    time.Time
	haveOld bool
	sets    []time.Time
}

func (f *fakeOwnershipLedger) LatestOwnershipDate(ctx context.Context) (time.Time, bool, error) {
	return f.mark, f.haveOld, nil
}

func (f *fakeOwnershipLedger) SetLatestOwnershipDate(ctx context.Context, runKey string, date time.Time) error {
	f.mark, f.haveOld = date, true
	f.sets = append(f.sets, date)
	return nil
}

type fakeOwnershipStore struct {
	storage.Store
	truncated bool
	ops       []string // interleaving record: "upsert:N" / "delete:title"
	upserted  []*models.Ownership
	deleted   []string
}

func (f *fakeOwnershipStore) TruncateOwnerships(ctx context.Context) error {
	f.truncated = true
	return nil
}

func (f *fakeOwnershipStore) UpsertOwnerships(ctx context.Context, rows []*models.Ownership) error {
	f.ops = append(f.ops, fmt.Sprintf("upsert:%d", len(rows)))
	f.upserted = append(f.upserted, rows...)
	return nil
}

func (f *fakeOwnershipStore) DeleteOwnerships(ctx context.Context, titleNos []string) error {
	f.ops = append(f.ops, "delete:"+strings.Join(titleNos, ","))
	f.deleted = append(f.deleted, titleNos...)
	return nil
}

func changeCSV(rows string) string {
	return "Title Number,Tenure,Change Indicator\n" + rows
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestUpdater_Run_Bootstrap(t *testing.T) {
	cat := &fakeCatalogue{
		snapshots: map[catalogue.Dataset]catalogue.File{
			catalogue.DatasetCCOD: {Dataset: catalogue.DatasetCCOD, Name: "ccod-full.csv", Date: snapshotMonth, Full: true},
			catalogue.DatasetOCOD: {Dataset: catalogue.DatasetOCOD, Name: "ocod-full.csv", Date: snapshotMonth, Full: true},
		},
		bodies: map[string]string{
			"ccod-full.csv": "Title Number,Tenure\nUK1,Freehold\nUK2,Leasehold\n",
			"ocod-full.csv": "Title Number,Tenure\nOS1,Freehold\n",
		},
	}
	store := &fakeOwnershipStore{}
	led := &fakeOwnershipLedger{}

	u := NewUpdater(cat, store, led, testLogger(), 100)
	require.NoError(t, u.Run(context.Background(), "run-1"))

	assert.True(t, store.truncated)
	require.Len(t, store.upserted, 3)
	assert.True(t, store.upserted[0].UKBased)
	assert.False(t, store.upserted[2].UKBased)
	require.NotEmpty(t, led.sets)
	assert.Equal(t, snapshotMonth, led.sets[0])
}

func TestUpdater_Run_AppliesChangesInDateOrder(t *testing.T) {
	mark := date(2024, time.March, 1)
	cat := &fakeCatalogue{
		changes: map[catalogue.Dataset][]catalogue.File{
			catalogue.DatasetCCOD: {
				{Dataset: catalogue.DatasetCCOD, Name: "ccod-may.csv", Date: date(2024, time.May, 1)},
				{Dataset: catalogue.DatasetCCOD, Name: "ccod-feb.csv", Date: date(2024, time.February, 1)}, // before mark
				{Dataset: catalogue.DatasetCCOD, Name: "ccod-apr.csv", Date: date(2024, time.April, 1)},
			},
			catalogue.DatasetOCOD: {
				{Dataset: catalogue.DatasetOCOD, Name: "ocod-apr.csv", Date: date(2024, time.April, 1)},
			},
		},
		bodies: map[string]string{
			"ccod-apr.csv": changeCSV("A1,Freehold,A\nD1,Freehold,D\n"),
			"ocod-apr.csv": changeCSV("A2,Freehold,A\n"),
			"ccod-may.csv": changeCSV("A3,Freehold,A\n"),
		},
	}
	store := &fakeOwnershipStore{}
	led := &fakeOwnershipLedger{mark: mark, haveOld: true}

	u := NewUpdater(cat, store, led, testLogger(), 100)
	require.NoError(t, u.Run(context.Background(), "run-2"))

	// The February file predates the high-water mark and is never fetched.
	assert.Equal(t, []string{"ccod-apr.csv", "ocod-apr.csv", "ccod-may.csv"}, cat.downloads)

	// Deletions land before the same file's additions.
	require.GreaterOrEqual(t, len(store.ops), 2)
	assert.Equal(t, "delete:D1", store.ops[0])
	assert.Equal(t, "upsert:1", store.ops[1])
	assert.Equal(t, []string{"D1"}, store.deleted)

	// The mark advances once per completed date group.
	assert.Equal(t, []time.Time{date(2024, time.April, 1), date(2024, time.May, 1)}, led.sets)
}

func TestUpdater_Run_UpToDate(t *testing.T) {
	cat := &fakeCatalogue{
		changes: map[catalogue.Dataset][]catalogue.File{
			catalogue.DatasetCCOD: {
				{Dataset: catalogue.DatasetCCOD, Name: "old.csv", Date: date(2024, time.January, 1)},
			},
		},
	}
	store := &fakeOwnershipStore{}
	led := &fakeOwnershipLedger{mark: date(2024, time.June, 1), haveOld: true}

	u := NewUpdater(cat, store, led, testLogger(), 100)
	require.NoError(t, u.Run(context.Background(), "run-3"))

	assert.Empty(t, cat.downloads)
	assert.Empty(t, store.ops)
	assert.Empty(t, led.sets)
}
