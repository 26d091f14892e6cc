package monitor

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// #region direction
// Direction says which way a metric improves.
type Direction int

const (
	LowIsBetter Direction = iota + 1
	HighIsBetter
)

// ParseDirection maps "low" / "high" to a Direction.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return LowIsBetter, nil
	case "high":
		return HighIsBetter, nil
	}
	return 0, fmt.Errorf("%w: unknown direction %q (want low or high)", ErrConfiguration, s)
}

func (d Direction) String() string {
	switch d {
	case LowIsBetter:
		return "low"
	case HighIsBetter:
		return "high"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// MarshalText implements encoding.TextMarshaler.
func (d Direction) MarshalText() ([]byte, error) {
	if d != LowIsBetter && d != HighIsBetter {
		return nil, fmt.Errorf("%w: invalid direction %d", ErrConfiguration, int(d))
	}
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Direction) UnmarshalText(b []byte) error {
	parsed, err := ParseDirection(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// #endregion direction

// #region config
// MetricDirection names one monitored metric. Order in Config.Metrics fixes
// the positional order of every score the monitor reports.
type MetricDirection struct {
	Name      string    `json:"name" yaml:"name"`
	Direction Direction `json:"direction" yaml:"direction"`
}

// Config holds the construction parameters of a Monitor.
type Config struct {
	Target   string            `json:"target" yaml:"target"`     // persistence destination, passed through to the persister
	Patience int               `json:"patience" yaml:"patience"` // stalled epochs tolerated before stopping
	Verbose  bool              `json:"verbose" yaml:"verbose"`
	Delta    float64           `json:"delta" yaml:"delta"` // minimum relative improvement, in percent
	Metrics  []MetricDirection `json:"metrics" yaml:"metrics"`
}

// DefaultConfig returns the defaults: patience 10, zero tolerance, no metrics.
func DefaultConfig() Config {
	return Config{
		Patience: 10,
		Delta:    0,
	}
}

// #endregion config

// #region metric-spec
// MetricSpec is a validated metric with its comparator resolved.
type MetricSpec struct {
	Name        string
	Direction   Direction
	SignedDelta float64 // -delta for low, +delta for high

	better func(score, threshold float64) bool
}

func newMetricSpec(md MetricDirection, delta float64) MetricSpec {
	spec := MetricSpec{Name: md.Name, Direction: md.Direction}
	switch md.Direction {
	case LowIsBetter:
		spec.SignedDelta = -delta
		spec.better = func(score, threshold float64) bool { return score < threshold }
	case HighIsBetter:
		spec.SignedDelta = delta
		spec.better = func(score, threshold float64) bool { return score > threshold }
	}
	return spec
}

// Threshold is the value a score must beat to count as an improvement over best.
func (s MetricSpec) Threshold(best float64) float64 {
	return best * (1 + s.SignedDelta/100)
}

// Improves reports whether score beats best for this metric.
func (s MetricSpec) Improves(score, best float64) bool {
	return s.better(score, s.Threshold(best))
}

// #endregion metric-spec

// #region score
// Score is one metric value, named.
type Score struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

type scoreJSON struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON writes NaN and infinities as the strings "NaN", "+Inf" and
// "-Inf", which plain JSON numbers cannot hold.
func (s Score) MarshalJSON() ([]byte, error) {
	if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		value := strconv.AppendQuote(nil, strconv.FormatFloat(s.Value, 'g', -1, 64))
		return json.Marshal(scoreJSON{Name: s.Name, Value: value})
	}
	value, err := json.Marshal(s.Value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(scoreJSON{Name: s.Name, Value: value})
}

// UnmarshalJSON accepts a number or one of the strings written by MarshalJSON.
func (s *Score) UnmarshalJSON(b []byte) error {
	var raw scoreJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	s.Name = raw.Name
	s.Value = 0
	if len(raw.Value) == 0 || string(raw.Value) == "null" {
		return nil
	}
	if raw.Value[0] != '"' {
		return json.Unmarshal(raw.Value, &s.Value)
	}
	var str string
	if err := json.Unmarshal(raw.Value, &str); err != nil {
		return err
	}
	v, err := strconv.ParseFloat(str, 64)
	if err != nil || !(math.IsNaN(v) || math.IsInf(v, 0)) {
		return fmt.Errorf("score %q: value %q is not a number", raw.Name, str)
	}
	s.Value = v
	return nil
}

// #endregion score

// #region persistence
// ModelState is the trainable state handed to the persister. The monitor never
// looks inside it.
type ModelState interface {
	StateDict() map[string][]float64
}

// Snapshot is what the monitor asks to persist on every best-score transition.
type Snapshot struct {
	Destination string
	Epoch       int
	Scores      []Score
	State       ModelState
}

// Persister saves a snapshot. Errors are returned to the caller of Evaluate.
type Persister interface {
	Persist(snap Snapshot) error
}

// PersisterFunc adapts a function to Persister.
type PersisterFunc func(snap Snapshot) error

// Persist calls f(snap).
func (f PersisterFunc) Persist(snap Snapshot) error { return f(snap) }

// #endregion persistence

// #region step
// Action classifies a single evaluation.
type Action string

const (
	ActionBaseline Action = "baseline"
	ActionImprove  Action = "improve"
	ActionStall    Action = "stall"
)

// Step is the full outcome of one evaluation.
type Step struct {
	Epoch      int
	Action     Action
	Scores     []Score // values supplied this epoch, in configured order
	Best       []Score // best values after this step
	BestEpoch  int
	StallCount int
	Advisory   bool // stall count reached 80% of patience
	ShouldStop bool
}

// Persisted reports whether this step triggered persistence.
func (s Step) Persisted() bool {
	return s.Action == ActionBaseline || s.Action == ActionImprove
}

// Observer receives every completed step.
type Observer interface {
	ObserveStep(step Step)
}

// #endregion step

// #region state
// State is a copy of the monitor's bookkeeping.
type State struct {
	HasBaseline bool
	BestScores  []Score // empty until the baseline is set
	BestEpoch   int     // -1 until the baseline is set
	StallCount  int
	ShouldStop  bool
}

// #endregion state
