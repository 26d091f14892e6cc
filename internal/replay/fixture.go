package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/danielpatrickdp/earlystop/internal/monitor"
	"gopkg.in/yaml.v3"
)

// #region fixture-types

// Fixture is the top-level structure of a replay fixture file.
type Fixture struct {
	Description     string                  `json:"description" yaml:"description"`
	Config          monitor.Config          `json:"config" yaml:"config"`
	Epochs          []FixtureEpoch          `json:"epochs" yaml:"epochs"`
	ExpectedResults []FixtureExpectedResult `json:"expected_results,omitempty" yaml:"expected_results,omitempty"`
}

// FixtureEpoch is one recorded epoch.
type FixtureEpoch struct {
	Epoch   int                `json:"epoch" yaml:"epoch"`
	Metrics map[string]float64 `json:"metrics" yaml:"metrics"`
}

// FixtureExpectedResult captures the expected outcome per epoch.
type FixtureExpectedResult struct {
	Epoch      int    `json:"epoch" yaml:"epoch"`
	Action     string `json:"action" yaml:"action"`
	ShouldStop bool   `json:"should_stop" yaml:"should_stop"`
}

// #endregion fixture-types

// #region fixture-loader

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// LoadFixture reads and parses a fixture file. Files ending in .yaml or .yml
// are YAML, everything else JSON.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if isYAML(path) {
		err = yaml.Unmarshal(data, &f)
	} else {
		err = json.Unmarshal(data, &f)
	}
	if err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// WriteFixture writes f to path in the format its extension names.
func WriteFixture(path string, f *Fixture) error {
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(f)
	} else {
		data, err = json.MarshalIndent(f, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("encode fixture: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write fixture %s: %w", path, err)
	}
	return nil
}

// MonitorConfig returns the monitor configuration recorded in the fixture.
func (f *Fixture) MonitorConfig() monitor.Config {
	cfg := f.Config
	cfg.Metrics = append([]monitor.MetricDirection(nil), f.Config.Metrics...)
	return cfg
}

// ReplayEpochs converts the recorded epochs to replay input, ordered by epoch.
func (f *Fixture) ReplayEpochs() []Epoch {
	out := make([]Epoch, len(f.Epochs))
	for i, e := range f.Epochs {
		out[i] = Epoch{Epoch: e.Epoch, Metrics: e.Metrics}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Epoch < out[j].Epoch })
	return out
}

// #endregion fixture-loader

// #region compare

// Divergence is one epoch whose replayed outcome differs from the fixture.
type Divergence struct {
	Epoch    int
	Expected FixtureExpectedResult
	Actual   Result
	Missing  bool // expected an epoch the replay never reached
}

func (d Divergence) String() string {
	if d.Missing {
		return fmt.Sprintf("epoch %d: expected %s, replay ended before it", d.Expected.Epoch, d.Expected.Action)
	}
	return fmt.Sprintf("epoch %d: expected action=%s should_stop=%t, got action=%s should_stop=%t",
		d.Epoch, d.Expected.Action, d.Expected.ShouldStop, d.Actual.Action, d.Actual.ShouldStop)
}

// Compare matches results against the fixture's expected results by epoch.
func (f *Fixture) Compare(results []Result) []Divergence {
	byEpoch := make(map[int]Result, len(results))
	for _, r := range results {
		byEpoch[r.Epoch] = r
	}
	var out []Divergence
	for _, exp := range f.ExpectedResults {
		r, ok := byEpoch[exp.Epoch]
		if !ok {
			out = append(out, Divergence{Epoch: exp.Epoch, Expected: exp, Missing: true})
			continue
		}
		if string(r.Action) != exp.Action || r.ShouldStop != exp.ShouldStop {
			out = append(out, Divergence{Epoch: exp.Epoch, Expected: exp, Actual: r})
		}
	}
	return out
}

// ExpectFrom fills the fixture's expected results from a replay.
func (f *Fixture) ExpectFrom(results []Result) {
	f.ExpectedResults = make([]FixtureExpectedResult, len(results))
	for i, r := range results {
		f.ExpectedResults[i] = FixtureExpectedResult{Epoch: r.Epoch, Action: string(r.Action), ShouldStop: r.ShouldStop}
	}
}

// #endregion compare
