package main

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/danielpatrickdp/earlystop/internal/checkpoint"
	"github.com/danielpatrickdp/earlystop/internal/logging"
	"github.com/danielpatrickdp/earlystop/internal/monitor"
	"github.com/spf13/cobra"
)

var (
	dbPath  string
	jsonOut bool
)

// #region main

func main() {
	root := &cobra.Command{
		Use:           "inspect",
		Short:         "Inspect runs, checkpoints and decisions in an earlystop store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "earlystop.db", "path to the sqlite store")
	root.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON instead of table")

	var last int
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s *checkpoint.Store) error { return listRuns(s, last) })
		},
	}
	runsCmd.Flags().IntVar(&last, "last", 20, "show N most recent runs")

	var limit int
	checkpointsCmd := &cobra.Command{
		Use:   "checkpoints <run-id>",
		Short: "List a run's checkpoints, newest first, marking the best",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s *checkpoint.Store) error { return listCheckpoints(s, args[0], limit) })
		},
	}
	checkpointsCmd.Flags().IntVar(&limit, "last", 20, "show N most recent checkpoints")

	decisionsCmd := &cobra.Command{
		Use:   "decisions <run-id>",
		Short: "Show every decision logged for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s *checkpoint.Store) error { return listDecisions(s, args[0]) })
		},
	}

	bestCmd := &cobra.Command{
		Use:   "best <run-id>",
		Short: "Show the best checkpoint of a run, including its state dict summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s *checkpoint.Store) error { return showBest(s, args[0]) })
		},
	}

	fileCmd := &cobra.Command{
		Use:   "file <path>",
		Short: "Decode a checkpoint file written by a file sink",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := checkpoint.ReadFile(args[0])
			if err != nil {
				return err
			}
			return printRecord(rec)
		},
	}

	root.AddCommand(runsCmd, checkpointsCmd, decisionsCmd, bestCmd, fileCmd)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func withStore(fn func(*checkpoint.Store) error) error {
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	store, err := checkpoint.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()
	return fn(store)
}

// #endregion main

// #region runs

type runRow struct {
	RunID     string  `json:"run_id"`
	Target    string  `json:"target"`
	Patience  int     `json:"patience"`
	Delta     float64 `json:"delta"`
	Metrics   string  `json:"metrics"`
	CreatedAt string  `json:"created_at"`
}

func listRuns(store *checkpoint.Store, last int) error {
	runs, err := store.ListRuns(last)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(os.Stderr, "no runs found")
		return nil
	}

	rows := make([]runRow, len(runs))
	for i, r := range runs {
		rows[i] = runRow{
			RunID:     r.RunID,
			Target:    r.Target,
			Patience:  r.Config.Patience,
			Delta:     r.Config.Delta,
			Metrics:   describeMetrics(r.Config.Metrics),
			CreatedAt: r.CreatedAt.Format("2006-01-02T15:04:05Z"),
		}
	}
	if jsonOut {
		return printJSON(rows)
	}

	fmt.Printf("%-36s  %-20s  %8s  %6s  %-24s  %s\n", "Run", "Target", "Patience", "Delta", "Metrics", "Created")
	for _, r := range rows {
		fmt.Printf("%-36s  %-20s  %8d  %6.2f  %-24s  %s\n", r.RunID, r.Target, r.Patience, r.Delta, r.Metrics, r.CreatedAt)
	}
	return nil
}

func describeMetrics(ms []monitor.MetricDirection) string {
	parts := make([]string, len(ms))
	for i, m := range ms {
		parts[i] = m.Name + ":" + m.Direction.String()
	}
	return strings.Join(parts, ",")
}

// #endregion runs

// #region checkpoints

type checkpointRow struct {
	CheckpointID string             `json:"checkpoint_id"`
	Epoch        int                `json:"epoch"`
	Best         bool               `json:"best"`
	Scores       []monitor.Score    `json:"scores"`
	Norms        map[string]float64 `json:"norms"`
	CreatedAt    string             `json:"created_at"`
}

func listCheckpoints(store *checkpoint.Store, runID string, limit int) error {
	recs, err := store.ListCheckpoints(runID, limit)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(os.Stderr, "no checkpoints found")
		return nil
	}
	best, err := store.GetBest(runID)
	if err != nil {
		return err
	}

	rows := make([]checkpointRow, len(recs))
	for i, rec := range recs {
		rows[i] = checkpointRow{
			CheckpointID: rec.CheckpointID,
			Epoch:        rec.Epoch,
			Best:         rec.CheckpointID == best.CheckpointID,
			Scores:       rec.Scores,
			Norms:        tensorNorms(rec.StateDict),
			CreatedAt:    rec.CreatedAt.Format("2006-01-02T15:04:05Z"),
		}
	}
	if jsonOut {
		return printJSON(rows)
	}

	fmt.Printf("%-8s  %6s  %-4s  %-30s  %s\n", "ID", "Epoch", "Best", "Scores", "Created")
	for _, r := range rows {
		mark := ""
		if r.Best {
			mark = "*"
		}
		fmt.Printf("%-8s  %6d  %-4s  %-30s  %s\n", shortID(r.CheckpointID), r.Epoch, mark, formatScores(r.Scores), r.CreatedAt)
	}
	return nil
}

func showBest(store *checkpoint.Store, runID string) error {
	rec, err := store.GetBest(runID)
	if err != nil {
		return err
	}
	return printRecord(rec)
}

func printRecord(rec checkpoint.Record) error {
	if jsonOut {
		return printJSON(rec)
	}
	fmt.Printf("Checkpoint:  %s\n", rec.CheckpointID)
	fmt.Printf("Run:         %s\n", rec.RunID)
	fmt.Printf("Destination: %s\n", rec.Destination)
	fmt.Printf("Epoch:       %d\n", rec.Epoch)
	fmt.Printf("Scores:      %s\n", formatScores(rec.Scores))
	fmt.Printf("Created:     %s\n", rec.CreatedAt.Format("2006-01-02T15:04:05Z"))
	fmt.Println("State dict:")
	for name, norm := range tensorNorms(rec.StateDict) {
		fmt.Printf("  %-20s len=%-6d norm=%.4f\n", name, len(rec.StateDict[name]), norm)
	}
	return nil
}

// #endregion checkpoints

// #region decisions

func listDecisions(store *checkpoint.Store, runID string) error {
	entries, err := logging.ListDecisions(store.DB(), runID)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(os.Stderr, "no decisions found")
		return nil
	}
	if jsonOut {
		return printJSON(entries)
	}

	fmt.Printf("%6s  %-9s  %5s  %-5s  %s\n", "Epoch", "Action", "Stall", "Stop", "Reason")
	for _, e := range entries {
		fmt.Printf("%6d  %-9s  %5d  %-5t  %s\n", e.Epoch, e.Action, e.StallCount, e.ShouldStop, e.Reason)
	}
	return nil
}

// #endregion decisions

// #region helpers

func tensorNorms(sd map[string][]float64) map[string]float64 {
	out := make(map[string]float64, len(sd))
	for name, vals := range sd {
		var sum float64
		for _, v := range vals {
			sum += v * v
		}
		out[name] = math.Sqrt(sum)
	}
	return out
}

func formatScores(scores []monitor.Score) string {
	parts := make([]string, len(scores))
	for i, s := range scores {
		parts[i] = fmt.Sprintf("%s=%.4f", s.Name, s.Value)
	}
	return strings.Join(parts, " ")
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// #endregion helpers
