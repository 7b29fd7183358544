// Package pipeline sequences the three stages of a run and owns the ledger
// around them.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/parcelmap/parcelmap-go/internal/ingest"
	"github.com/parcelmap/parcelmap-go/internal/ledger"
	"github.com/parcelmap/parcelmap-go/internal/metrics"
	"github.com/parcelmap/parcelmap-go/internal/models"
	"github.com/parcelmap/parcelmap-go/internal/notify"
	"github.com/parcelmap/parcelmap-go/internal/reconcile"
	"github.com/parcelmap/parcelmap-go/internal/storage"
	"github.com/sirupsen/logrus"
)

// OwnershipStage is the ownership updater as the pipeline sees it.
type OwnershipStage interface {
	Run(ctx context.Context, runKey string) error
}

// IngestStage is the polygon ingestor as the pipeline sees it.
type IngestStage interface {
	Run(ctx context.Context, runKey string, opts ingest.Options) (time.Time, error)
}

// ReconcileStage is the reconciler as the pipeline sees it.
type ReconcileStage interface {
	Run(ctx context.Context, runKey string, publish time.Time, opts reconcile.Options) error
}

// RunLedger is the slice of the run ledger the pipeline needs: run lifecycle
// and the per-stage checkpoint.
type RunLedger interface {
	Begin(ctx context.Context, uniqueKey string, options []byte) (*models.RunLedger, error)
	ResumeCandidate(ctx context.Context) (*models.RunLedger, error)
	SetLastTask(ctx context.Context, uniqueKey string, task models.Task) error
	Finish(ctx context.Context, uniqueKey string) error
	Fail(ctx context.Context, uniqueKey string) error
}

// Pipeline runs the stages in order, checkpointing the ledger between them.
type Pipeline struct {
	ledger    RunLedger
	store     storage.Store
	ownership OwnershipStage
	ingest    IngestStage
	reconcile ReconcileStage
	notifier  *notify.Notifier
	logger    *logrus.Logger

	now func() time.Time
}

// New wires a pipeline.
func New(led RunLedger, store storage.Store, ownership OwnershipStage,
	ing IngestStage, rec ReconcileStage, notifier *notify.Notifier, logger *logrus.Logger) *Pipeline {
	return &Pipeline{
		ledger:    led,
		store:     store,
		ownership: ownership,
		ingest:    ing,
		reconcile: rec,
		notifier:  notifier,
		logger:    logger,
		now:       time.Now,
	}
}

// Launch begins a new run and executes it in the background, returning the
// run key immediately. ledger.ErrRunInProgress is returned synchronously when
// another run holds the lock.
func (p *Pipeline) Launch(ctx context.Context, opts Options) (string, error) {
	run, err := p.begin(ctx, opts)
	if err != nil {
		return "", err
	}
	go p.execute(context.Background(), run, opts)
	return run.UniqueKey, nil
}

// RunSync begins a new run and executes it inline.
func (p *Pipeline) RunSync(ctx context.Context, opts Options) error {
	run, err := p.begin(ctx, opts)
	if err != nil {
		return err
	}
	return p.execute(ctx, run, opts)
}

// ResumeLatest continues the run left marked running by a dead process, if
// any. The stored options are replayed with resume forced on. Returns false
// when there is nothing to resume.
func (p *Pipeline) ResumeLatest(ctx context.Context) (bool, error) {
	run, err := p.ledger.ResumeCandidate(ctx)
	if err != nil {
		if err == ledger.ErrNoRun {
			return false, nil
		}
		return false, err
	}
	opts, err := DecodeOptions(run.Options)
	if err != nil {
		return false, err
	}
	opts.Resume = true

	p.logger.WithFields(logrus.Fields{"run": run.UniqueKey}).Info("Resuming interrupted run")
	return true, p.execute(ctx, run, opts)
}

func (p *Pipeline) begin(ctx context.Context, opts Options) (*models.RunLedger, error) {
	encoded, err := opts.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode run options: %w", err)
	}
	return p.ledger.Begin(ctx, uuid.NewString(), encoded)
}

// execute runs the planned stages and settles the ledger row.
func (p *Pipeline) execute(ctx context.Context, run *models.RunLedger, opts Options) error {
	metrics.RunsActive.Set(1)
	defer metrics.RunsActive.Set(0)

	runKey := run.UniqueKey
	err := p.runStages(ctx, run, opts)
	if err != nil {
		p.logger.WithFields(logrus.Fields{"run": runKey, "error": err.Error()}).Error("Pipeline run failed")
		if ferr := p.ledger.Fail(ctx, runKey); ferr != nil {
			p.logger.WithFields(logrus.Fields{"error": ferr.Error()}).Error("Failed to settle ledger row")
		}
		p.notifier.Failed(ctx, runKey, err)
		return err
	}

	if err := p.ledger.Finish(ctx, runKey); err != nil {
		return err
	}
	p.notifier.Completed(ctx, runKey, p.summary(ctx))
	return nil
}

func (p *Pipeline) runStages(ctx context.Context, run *models.RunLedger, opts Options) error {
	tasks := p.plan(run, opts)
	if len(tasks) == 0 {
		p.logger.WithFields(logrus.Fields{"run": run.UniqueKey}).Info("Nothing to do for this run")
		return nil
	}

	var publish time.Time
	for _, task := range tasks {
		p.logger.WithFields(logrus.Fields{"run": run.UniqueKey, "task": task}).Info("Stage started")
		start := p.now()

		var err error
		switch task {
		case models.TaskOwnership:
			err = p.ownership.Run(ctx, run.UniqueKey)
		case models.TaskIngest:
			publish, err = p.ingest.Run(ctx, run.UniqueKey, p.ingestOptions(run, opts))
		case models.TaskReconcile:
			if publish.IsZero() {
				// Reconcile-only run: the month being reconciled is still
				// whatever is currently published.
				if publish, err = ingest.PublishMonth(p.now()); err != nil {
					return err
				}
			}
			err = p.reconcile.Run(ctx, run.UniqueKey, publish, reconcile.Options{
				Resume:           opts.Resume && run.LastPolyAnalysed.Valid,
				UpdateBoundaries: opts.UpdateBoundaries,
				RecordStats:      opts.RecordStats,
				MaxPolygons:      opts.MaxPolygons,
				Filtered:         opts.MaxCouncils > 0 || opts.AfterCouncil != "",
			})
		default:
			err = fmt.Errorf("unknown task %q", task)
		}
		if err != nil {
			return fmt.Errorf("task %s: %w", task, err)
		}

		if err := p.ledger.SetLastTask(ctx, run.UniqueKey, task); err != nil {
			return err
		}
		p.logger.WithFields(logrus.Fields{
			"run":     run.UniqueKey,
			"task":    task,
			"elapsed": p.now().Sub(start).String(),
		}).Info("Stage completed")
	}
	return nil
}

// plan selects the stages this run executes: the canonical order windowed by
// startAtTask/stopBeforeTask, minus stages a resumed run already finished.
func (p *Pipeline) plan(run *models.RunLedger, opts Options) []models.Task {
	order := models.TaskOrder()

	start := 0
	if opts.StartAtTask != "" {
		start = taskIndex(order, opts.StartAtTask)
	}
	stop := len(order)
	if opts.StopBeforeTask != "" {
		stop = taskIndex(order, opts.StopBeforeTask)
	}
	if start >= stop {
		return nil
	}
	tasks := order[start:stop]

	if opts.Resume && run.LastTask.Valid {
		done := taskIndex(order, models.Task(run.LastTask.String))
		var remaining []models.Task
		for _, t := range tasks {
			if taskIndex(order, t) > done {
				remaining = append(remaining, t)
			}
		}
		tasks = remaining
	}
	return tasks
}

// ingestOptions merges the caller's filters with a resumed run's council
// checkpoint.
func (p *Pipeline) ingestOptions(run *models.RunLedger, opts Options) ingest.Options {
	out := ingest.Options{
		AfterCouncil: opts.AfterCouncil,
		MaxCouncils:  opts.MaxCouncils,
		// A run entering mid-way must not wipe rows already loaded.
		Resume: opts.Resume || opts.AfterCouncil != "",
	}
	if opts.Resume && opts.AfterCouncil == "" && run.LastCouncilDownloaded.Valid {
		out.AfterCouncil = run.LastCouncilDownloaded.String
	}
	return out
}

// summary collects the per-match-type counts for the completion webhook.
func (p *Pipeline) summary(ctx context.Context) map[string]int64 {
	counts, err := p.store.MatchCounts(ctx)
	if err != nil {
		p.logger.WithFields(logrus.Fields{"error": err.Error()}).Warn("Match summary unavailable")
		return nil
	}
	out := make(map[string]int64, len(counts))
	for match, n := range counts {
		out[string(match)] = n
	}
	return out
}

func taskIndex(order []models.Task, task models.Task) int {
	for i, t := range order {
		if t == task {
			return i
		}
	}
	return len(order)
}
