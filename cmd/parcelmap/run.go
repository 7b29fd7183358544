package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os/signal"
	"syscall"

	"github.com/parcelmap/parcelmap-go/internal/ingest"
	"github.com/parcelmap/parcelmap-go/internal/ledger"
	"github.com/parcelmap/parcelmap-go/internal/pipeline"
	"github.com/spf13/cobra"
)

var (
	runStartAt          string
	runStopBefore       string
	runResume           bool
	runUpdateBoundaries bool
	runRecordStats      bool
	runMaxCouncils      int
	runAfterCouncil     string
	runMaxPolygons      int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one pipeline run in the foreground",
	Long: `Run the monthly pipeline: update ownership data, download and reproject
the INSPIRE council archives, and reconcile the new polygons against the
accepted set. Interrupting the process is safe; a later run with --resume
continues from the last durable checkpoint.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runStartAt, "start-at-task", "", "skip stages before this one (ownerships, downloadInspire, analyseInspire)")
	runCmd.Flags().StringVar(&runStopBefore, "stop-before-task", "", "stop before this stage")
	runCmd.Flags().BoolVar(&runResume, "resume", false, "continue the latest interrupted run")
	runCmd.Flags().BoolVar(&runUpdateBoundaries, "update-boundaries", false, "promote accepted boundaries after a full pass")
	runCmd.Flags().BoolVar(&runRecordStats, "record-stats", false, "write the aggregate stats artifact")
	runCmd.Flags().IntVar(&runMaxCouncils, "max-councils", 0, "cap councils ingested (0 = all)")
	runCmd.Flags().StringVar(&runAfterCouncil, "after-council", "", "start ingest after this council")
	runCmd.Flags().IntVar(&runMaxPolygons, "max-polygons", 0, "cap polygons reconciled (0 = all)")
}

func runRun(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	stack, err := buildStack()
	if err != nil {
		return err
	}
	defer stack.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if runResume {
		resumed, err := stack.pipeline.ResumeLatest(ctx)
		if err != nil {
			return formatRunError(err)
		}
		if !resumed {
			fmt.Println("Nothing to resume")
		}
		return nil
	}

	opts, err := cliOptions()
	if err != nil {
		return err
	}
	return formatRunError(stack.pipeline.RunSync(ctx, opts))
}

// cliOptions reuses the query-parameter parser so flags and the HTTP trigger
// cannot drift apart.
func cliOptions() (pipeline.Options, error) {
	values := url.Values{}
	if runStartAt != "" {
		values.Set("startAtTask", runStartAt)
	}
	if runStopBefore != "" {
		values.Set("stopBeforeTask", runStopBefore)
	}
	if runUpdateBoundaries {
		values.Set("updateBoundaries", "true")
	}
	if runRecordStats {
		values.Set("recordStats", "true")
	}
	if runMaxCouncils > 0 {
		values.Set("maxCouncils", fmt.Sprint(runMaxCouncils))
	}
	if runAfterCouncil != "" {
		values.Set("afterCouncil", runAfterCouncil)
	}
	if runMaxPolygons > 0 {
		values.Set("maxPolygons", fmt.Sprint(runMaxPolygons))
	}
	return pipeline.ParseOptions(values)
}

func formatRunError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrRunInProgress):
		return fmt.Errorf("a run is already in progress; wait for it or resume it")
	case errors.Is(err, ingest.ErrPublishDay):
		return fmt.Errorf("today is publish day; retry tomorrow when the dataset is stable")
	default:
		return err
	}
}
