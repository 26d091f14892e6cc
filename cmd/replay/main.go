package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/danielpatrickdp/earlystop/internal/checkpoint"
	"github.com/danielpatrickdp/earlystop/internal/codec"
	"github.com/danielpatrickdp/earlystop/internal/config"
	"github.com/danielpatrickdp/earlystop/internal/logging"
	"github.com/danielpatrickdp/earlystop/internal/monitor"
	"github.com/danielpatrickdp/earlystop/internal/replay"
	"github.com/danielpatrickdp/earlystop/internal/telemetry"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// errDiverged marks a replay that disagreed with the fixture.
var errDiverged = errors.New("replay diverged from fixture")

type flags struct {
	configPath   string
	fixturePath  string
	dbPath       string
	saveDir      string
	remoteAddr   string
	metricsOut   string
	stopOnSignal bool
	fromConfig   bool
}

// #region main

func main() {
	var f flags
	cmd := &cobra.Command{
		Use:   "replay --fixture path/to/fixture.json",
		Short: "Replay recorded epoch metrics through an early-stopping monitor",
		Long: `Replay feeds the epochs of a fixture through a fresh monitor and prints a
comparison against the fixture's expected actions.

With --db the run, its checkpoints and every decision are recorded in a sqlite
store. --save-dir also writes the best checkpoint to disk and --remote sends it
to a checkpointd server.

With --monitor-from-config the monitor section of the config file (or
EARLYSTOP_MONITOR_* variables) replaces the fixture's monitor settings. The
fixture's metrics are kept when the config names none.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(f)
		},
	}
	cmd.Flags().StringVar(&f.configPath, "config", "", "path to earlystop.yaml")
	cmd.Flags().StringVar(&f.fixturePath, "fixture", "", "path to fixture (.json, .yaml)")
	cmd.Flags().StringVar(&f.dbPath, "db", "", "record the run in this sqlite store")
	cmd.Flags().StringVar(&f.saveDir, "save-dir", "", "also write best checkpoints under this directory")
	cmd.Flags().StringVar(&f.remoteAddr, "remote", "", "also send checkpoints to this checkpointd address")
	cmd.Flags().StringVar(&f.metricsOut, "metrics-out", "", "write Prometheus metrics to this textfile")
	cmd.Flags().BoolVar(&f.stopOnSignal, "stop-on-signal", false, "end the replay at the first stop signal")
	cmd.Flags().BoolVar(&f.fromConfig, "monitor-from-config", false, "take monitor settings from config instead of the fixture")
	_ = cmd.MarkFlagRequired("fixture")

	if err := cmd.Execute(); err != nil {
		if errors.Is(err, errDiverged) {
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}

// #endregion main

// #region run

func run(f flags) error {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	log, err := logging.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	fx, err := replay.LoadFixture(f.fixturePath)
	if err != nil {
		return err
	}
	mc, err := monitorConfig(cfg, fx, f.fromConfig)
	if err != nil {
		return err
	}

	runID := uuid.New().String()
	var sinks []checkpoint.Sink
	opts := []monitor.Option{monitor.WithLogger(log)}

	if f.dbPath != "" {
		store, err := checkpoint.NewStore(f.dbPath)
		if err != nil {
			return err
		}
		defer store.Close()
		r, err := store.CreateRun(mc.Target, mc)
		if err != nil {
			return err
		}
		runID = r.RunID
		sinks = append(sinks, store)
		recorder := logging.NewRecorder(store.DB(), runID, log)
		opts = append(opts, monitor.WithObserver(recorder))
		defer func() {
			if err := recorder.Err(); err != nil {
				log.Error(err, "decision log incomplete")
			}
		}()
		log.Info("recording run", "run", runID, "db", f.dbPath)
	}
	if f.saveDir != "" {
		sinks = append(sinks, &checkpoint.FileSink{Dir: f.saveDir})
	}
	if f.remoteAddr != "" {
		client, err := codec.NewClient(f.remoteAddr, cfg.Remote.Timeout)
		if err != nil {
			return err
		}
		defer client.Close()
		sinks = append(sinks, client)
	}

	reg := prometheus.NewRegistry()
	if f.metricsOut != "" {
		opts = append(opts, monitor.WithObserver(telemetry.NewCollector(reg, runID)))
	}

	var ropts []replay.Option
	ropts = append(ropts, replay.WithMonitorOptions(opts...))
	if f.stopOnSignal {
		ropts = append(ropts, replay.StopOnSignal())
	}

	results, err := replay.Replay(mc, fx.ReplayEpochs(), persisterFor(sinks, runID, log), ropts...)
	if err != nil {
		return err
	}

	if f.metricsOut != "" {
		if err := telemetry.WriteTextfile(f.metricsOut, reg); err != nil {
			return err
		}
	}

	printResults(fx, results)
	if len(fx.Compare(results)) > 0 {
		return errDiverged
	}
	return nil
}

// monitorConfig picks the monitor settings for a replay. The fixture's own
// settings are used unless fromConfig is set.
func monitorConfig(cfg *config.Config, fx *replay.Fixture, fromConfig bool) (monitor.Config, error) {
	mc := fx.MonitorConfig()
	if !fromConfig {
		return mc, nil
	}
	override, err := cfg.Monitor.ToMonitorConfig()
	if err != nil {
		return monitor.Config{}, fmt.Errorf("monitor config: %w", err)
	}
	if len(override.Metrics) == 0 {
		override.Metrics = mc.Metrics
	}
	return override, nil
}

// persisterFor sends checkpoints to every configured sink, or only logs them
// when there are none.
func persisterFor(sinks []checkpoint.Sink, runID string, log logr.Logger) monitor.Persister {
	if len(sinks) == 0 {
		return monitor.PersisterFunc(func(snap monitor.Snapshot) error {
			log.V(1).Info("checkpoint not stored", "epoch", snap.Epoch, "destination", snap.Destination)
			return nil
		})
	}
	return checkpoint.NewPersister(checkpoint.Tee(sinks...), runID)
}

// #endregion run

// #region output

// printResults outputs a comparison table and a summary line.
func printResults(fx *replay.Fixture, results []replay.Result) {
	expected := make(map[int]replay.FixtureExpectedResult, len(fx.ExpectedResults))
	for _, e := range fx.ExpectedResults {
		expected[e.Epoch] = e
	}

	fmt.Printf("%-6s| %-10s| %-10s| %-6s| %-5s| %s\n", "Epoch", "Expected", "Replayed", "Stall", "Stop", "Match")
	fmt.Printf("%s\n", strings.Repeat("-", 52))

	for _, r := range results {
		exp, ok := expected[r.Epoch]
		want, match := "-", "-"
		if ok {
			want = exp.Action
			match = "DIFF"
			if exp.Action == string(r.Action) && exp.ShouldStop == r.ShouldStop {
				match = "OK"
			}
		}
		fmt.Printf("%-6d| %-10s| %-10s| %-6d| %-5t| %s\n", r.Epoch, want, r.Action, r.StallCount, r.ShouldStop, match)
	}

	divs := fx.Compare(results)
	for _, d := range divs {
		if d.Missing {
			fmt.Println(d.String())
		}
	}

	s := replay.Summarize(results)
	fmt.Printf("\nSummary: %d epochs, %d improve, %d stall, %d persisted, best epoch %d",
		s.TotalEpochs, s.Improves, s.Stalls, s.Persisted, s.BestEpoch)
	if s.StoppedAt >= 0 {
		fmt.Printf(", stop at epoch %d", s.StoppedAt)
	}
	fmt.Printf(", %d diverge\n", len(divs))
}

// #endregion output
