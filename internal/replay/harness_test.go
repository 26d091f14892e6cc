package replay

import (
	"errors"
	"testing"

	"github.com/danielpatrickdp/earlystop/internal/monitor"
)

// helper: single loss metric with the given patience.
func lossConfig(patience int) monitor.Config {
	cfg := monitor.DefaultConfig()
	cfg.Target = "best.ckpt"
	cfg.Patience = patience
	cfg.Metrics = []monitor.MetricDirection{{Name: "loss", Direction: monitor.LowIsBetter}}
	return cfg
}

// helper: one epoch per loss value, numbered from 0.
func lossEpochs(values ...float64) []Epoch {
	out := make([]Epoch, len(values))
	for i, v := range values {
		out[i] = Epoch{Epoch: i, Metrics: map[string]float64{"loss": v}}
	}
	return out
}

type recorder struct {
	epochs []int
	err    error
}

func (r *recorder) Persist(snap monitor.Snapshot) error {
	if r.err != nil {
		return r.err
	}
	r.epochs = append(r.epochs, snap.Epoch)
	if got := snap.State.StateDict()["epoch"]; len(got) != 1 || int(got[0]) != snap.Epoch {
		return errors.New("state does not carry the epoch")
	}
	return nil
}

// 1. Baseline, improvement, then stalls until patience runs out.
func TestReplay_StopsAfterPatience(t *testing.T) {
	rec := &recorder{}
	results, err := Replay(lossConfig(3), lossEpochs(1.0, 0.8, 0.9, 0.95, 0.99), rec)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(results))
	}

	want := []monitor.Action{monitor.ActionBaseline, monitor.ActionImprove, monitor.ActionStall, monitor.ActionStall, monitor.ActionStall}
	for i, r := range results {
		if r.Action != want[i] {
			t.Errorf("epoch %d: expected %s, got %s", i, want[i], r.Action)
		}
	}
	if !results[4].ShouldStop || results[3].ShouldStop {
		t.Error("expected stop only at epoch 4")
	}
	if !results[4].Advisory || results[3].Advisory {
		t.Error("expected advisory only at epoch 4")
	}
	if len(rec.epochs) != 2 || rec.epochs[0] != 0 || rec.epochs[1] != 1 {
		t.Errorf("expected persists at epochs 0 and 1, got %v", rec.epochs)
	}
}

// 2. StopOnSignal cuts the run at the first stop.
func TestReplay_StopOnSignal(t *testing.T) {
	results, err := Replay(lossConfig(1), lossEpochs(1.0, 1.0, 0.1, 0.05), &recorder{}, StopOnSignal())
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected replay to end at epoch 1, got %d results", len(results))
	}
	if !results[1].ShouldStop {
		t.Error("expected last result to signal stop")
	}
}

// 3. Without StopOnSignal the stop flag stays set through later improvements.
func TestReplay_StopIsSticky(t *testing.T) {
	results, err := Replay(lossConfig(1), lossEpochs(1.0, 1.0, 0.1), &recorder{})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	last := results[2]
	if last.Action != monitor.ActionImprove || !last.ShouldStop || last.StallCount != 0 {
		t.Errorf("unexpected last result: %+v", last)
	}
}

// 4. Bad configuration surfaces before any epoch runs.
func TestReplay_BadConfig(t *testing.T) {
	_, err := Replay(lossConfig(0), lossEpochs(1.0), &recorder{})
	if !errors.Is(err, monitor.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

// 5. Metric mismatch stops the replay and keeps earlier results.
func TestReplay_MetricMismatch(t *testing.T) {
	epochs := lossEpochs(1.0, 0.9)
	epochs = append(epochs, Epoch{Epoch: 2, Metrics: map[string]float64{"acc": 0.5}})

	results, err := Replay(lossConfig(3), epochs, &recorder{})
	if !errors.Is(err, monitor.ErrMetricMismatch) {
		t.Fatalf("expected ErrMetricMismatch, got %v", err)
	}
	if len(results) != 2 {
		t.Errorf("expected 2 results before the failure, got %d", len(results))
	}
}

// 6. Persist failures propagate with the epoch attached.
func TestReplay_PersistError(t *testing.T) {
	boom := errors.New("disk full")
	_, err := Replay(lossConfig(3), lossEpochs(1.0), &recorder{err: boom})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped persist error, got %v", err)
	}
}

// 7. Summarize counts actions and finds the first stop.
func TestSummarize(t *testing.T) {
	results, err := Replay(lossConfig(2), lossEpochs(1.0, 0.5, 0.6, 0.7, 0.4), &recorder{})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	s := Summarize(results)

	if s.TotalEpochs != 5 || s.Baselines != 1 || s.Improves != 2 || s.Stalls != 2 {
		t.Errorf("unexpected counts: %+v", s)
	}
	if s.Persisted != 3 {
		t.Errorf("expected 3 persisted, got %d", s.Persisted)
	}
	if s.StoppedAt != 3 {
		t.Errorf("expected first stop at epoch 3, got %d", s.StoppedAt)
	}
	if s.BestEpoch != 4 || len(s.Best) != 1 || s.Best[0].Value != 0.4 {
		t.Errorf("unexpected best: epoch %d %+v", s.BestEpoch, s.Best)
	}
}

func TestSummarize_Empty(t *testing.T) {
	s := Summarize(nil)
	if s.TotalEpochs != 0 || s.StoppedAt != -1 || s.BestEpoch != -1 {
		t.Errorf("unexpected empty summary: %+v", s)
	}
}
