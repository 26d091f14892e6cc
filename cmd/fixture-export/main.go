package main

import (
	"fmt"
	"os"

	"github.com/danielpatrickdp/earlystop/internal/checkpoint"
	"github.com/danielpatrickdp/earlystop/internal/logging"
	"github.com/danielpatrickdp/earlystop/internal/monitor"
	"github.com/danielpatrickdp/earlystop/internal/replay"
	"github.com/spf13/cobra"
)

// #region main

func main() {
	var (
		dbPath  string
		outPath string
		last    int
	)
	cmd := &cobra.Command{
		Use:   "fixture-export <run-id>",
		Short: "Export a recorded run as a replay fixture",
		Long: `fixture-export reads a run's configuration and decision log from the store
and writes a fixture whose epochs and expected results reproduce it. The output
format follows the extension of --out (.json, .yaml or .yml).`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(dbPath, args[0], last, outPath)
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "earlystop.db", "path to the sqlite store")
	cmd.Flags().StringVar(&outPath, "out", "", "output fixture path")
	cmd.Flags().IntVar(&last, "last", 0, "export only the N most recent epochs (0 = all)")
	_ = cmd.MarkFlagRequired("out")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region extract

func run(dbPath, runID string, last int, outPath string) error {
	store, err := checkpoint.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()

	fx, err := export(store, runID, last)
	if err != nil {
		return err
	}
	if err := replay.WriteFixture(outPath, fx); err != nil {
		return err
	}
	fmt.Printf("Exported %d epochs of run %s to %s\n", len(fx.Epochs), runID, outPath)
	return nil
}

// export builds a fixture from a run. Trimming with last drops the earliest
// epochs, so the first exported epoch becomes the replay's baseline and the
// expected results are those of a fresh replay rather than the recorded ones.
func export(store *checkpoint.Store, runID string, last int) (*replay.Fixture, error) {
	r, err := store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	entries, err := logging.ListDecisions(store.DB(), runID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("run %s has no decisions", runID)
	}
	trimmed := last > 0 && last < len(entries)
	if trimmed {
		entries = entries[len(entries)-last:]
	}

	fx := &replay.Fixture{
		Description: fmt.Sprintf("exported from run %s", runID),
		Config:      r.Config,
		Epochs:      make([]replay.FixtureEpoch, len(entries)),
	}
	for i, e := range entries {
		metrics, err := logging.ScoresFromJSON(e.ScoresJSON)
		if err != nil {
			return nil, fmt.Errorf("epoch %d: %w", e.Epoch, err)
		}
		fx.Epochs[i] = replay.FixtureEpoch{Epoch: e.Epoch, Metrics: metrics}
	}

	if trimmed {
		results, err := replay.Replay(fx.MonitorConfig(), fx.ReplayEpochs(), monitor.PersisterFunc(func(monitor.Snapshot) error { return nil }))
		if err != nil {
			return nil, fmt.Errorf("replay trimmed run: %w", err)
		}
		fx.ExpectFrom(results)
		return fx, nil
	}

	fx.ExpectedResults = make([]replay.FixtureExpectedResult, len(entries))
	for i, e := range entries {
		fx.ExpectedResults[i] = replay.FixtureExpectedResult{Epoch: e.Epoch, Action: e.Action, ShouldStop: e.ShouldStop}
	}
	return fx, nil
}

// #endregion extract
