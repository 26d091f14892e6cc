package replay

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/danielpatrickdp/earlystop/internal/monitor"
)

// #region fixture-tests

func replayFixture(t *testing.T, path string) (*Fixture, []Result) {
	t.Helper()
	f, err := LoadFixture(path)
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}
	results, err := Replay(f.MonitorConfig(), f.ReplayEpochs(), monitor.PersisterFunc(func(monitor.Snapshot) error { return nil }))
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	return f, results
}

// TestFixture_SingleLoss replays the single-metric fixture and compares each
// epoch against the recorded expectations.
func TestFixture_SingleLoss(t *testing.T) {
	f, results := replayFixture(t, filepath.Join("testdata", "single_loss.json"))

	if len(results) != len(f.ExpectedResults) {
		t.Fatalf("expected %d results, got %d", len(f.ExpectedResults), len(results))
	}
	for _, d := range f.Compare(results) {
		t.Error(d.String())
	}
}

// TestFixture_LossAccYAML covers YAML parsing, directions as text and the
// signed tolerance on two metrics.
func TestFixture_LossAccYAML(t *testing.T) {
	f, results := replayFixture(t, filepath.Join("testdata", "loss_acc.yaml"))

	cfg := f.MonitorConfig()
	if cfg.Delta != 5 || cfg.Patience != 2 {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if len(cfg.Metrics) != 2 || cfg.Metrics[1].Direction != monitor.HighIsBetter {
		t.Errorf("unexpected metrics: %+v", cfg.Metrics)
	}
	for _, d := range f.Compare(results) {
		t.Error(d.String())
	}
}

func TestLoadFixture_Missing(t *testing.T) {
	if _, err := LoadFixture(filepath.Join("testdata", "nope.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestFixture_ReplayEpochsSorted(t *testing.T) {
	f := &Fixture{Epochs: []FixtureEpoch{{Epoch: 2}, {Epoch: 0}, {Epoch: 1}}}
	got := f.ReplayEpochs()
	for i, e := range got {
		if e.Epoch != i {
			t.Fatalf("epochs not sorted: %+v", got)
		}
	}
}

func TestFixture_CompareReportsDivergence(t *testing.T) {
	f := &Fixture{ExpectedResults: []FixtureExpectedResult{
		{Epoch: 0, Action: "baseline"},
		{Epoch: 1, Action: "stall"},
		{Epoch: 2, Action: "stall"},
	}}
	results := []Result{
		{Epoch: 0, Action: monitor.ActionBaseline},
		{Epoch: 1, Action: monitor.ActionImprove},
	}

	divs := f.Compare(results)
	if len(divs) != 2 {
		t.Fatalf("expected 2 divergences, got %d", len(divs))
	}
	if divs[0].Epoch != 1 || divs[0].Missing {
		t.Errorf("unexpected first divergence: %+v", divs[0])
	}
	if !divs[1].Missing || !strings.Contains(divs[1].String(), "ended before") {
		t.Errorf("unexpected second divergence: %s", divs[1])
	}
}

// TestWriteFixture_RoundTrip writes a fixture built from a replay in both
// formats and replays it again.
func TestWriteFixture_RoundTrip(t *testing.T) {
	src, results := replayFixture(t, filepath.Join("testdata", "single_loss.json"))
	out := &Fixture{Description: "exported", Config: src.Config, Epochs: src.Epochs}
	out.ExpectFrom(results)

	for _, name := range []string{"out.json", "out.yml"} {
		path := filepath.Join(t.TempDir(), name)
		if err := WriteFixture(path, out); err != nil {
			t.Fatalf("WriteFixture %s: %v", name, err)
		}
		back, again := replayFixture(t, path)
		if back.Description != "exported" {
			t.Errorf("%s: description lost", name)
		}
		if divs := back.Compare(again); len(divs) != 0 {
			t.Errorf("%s: unexpected divergences %v", name, divs)
		}
	}
}

// #endregion fixture-tests
