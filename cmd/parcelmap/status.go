package main

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/parcelmap/parcelmap-go/internal/ledger"
	"github.com/parcelmap/parcelmap-go/internal/models"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the latest run and data high-water marks",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	stack, err := buildStack()
	if err != nil {
		return err
	}
	defer stack.Close()

	ctx := context.Background()

	run, err := stack.ledger.Latest(ctx)
	if err != nil {
		if errors.Is(err, ledger.ErrNoRun) {
			fmt.Println("No runs recorded yet")
			return nil
		}
		return err
	}

	fmt.Printf("Latest run: %s\n", run.UniqueKey)
	fmt.Printf("  Started:  %s\n", run.StartedAt.Format("2006-01-02 15:04:05"))
	if run.Running() {
		fmt.Printf("  Status:   running\n")
	} else {
		fmt.Printf("  Status:   finished\n")
	}
	if run.LastTask.Valid {
		fmt.Printf("  Last completed task: %s\n", run.LastTask.String)
	}
	if run.LastCouncilDownloaded.Valid {
		fmt.Printf("  Last council downloaded: %s\n", run.LastCouncilDownloaded.String)
	}
	if run.LastPolyAnalysed.Valid {
		fmt.Printf("  Last pending row analysed: %d\n", run.LastPolyAnalysed.Int64)
	}

	if mark, ok, err := stack.ledger.LatestOwnershipDate(ctx); err == nil && ok {
		fmt.Printf("\nOwnership data through: %s\n", mark.Format("2006-01-02"))
	}
	if mark, ok, err := stack.ledger.LatestInspireDate(ctx); err == nil && ok {
		fmt.Printf("INSPIRE data through:   %s\n", mark.Format("2006-01"))
	}

	counts, err := stack.store.MatchCounts(ctx)
	if err != nil {
		return err
	}
	if len(counts) > 0 {
		fmt.Println("\nCurrent month match results:")
		keys := make([]models.MatchType, 0, len(counts))
		for k := range counts {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		for _, k := range keys {
			fmt.Printf("  %-22s %d\n", k, counts[k])
		}
	}
	return nil
}
