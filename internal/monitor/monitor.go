// Package monitor implements patience-based early stopping over one or more
// named metrics, persisting the best model state whenever it changes.
package monitor

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/go-logr/logr"
)

// #region monitor
// Monitor decides, once per epoch, whether training should stop. It is not
// safe for concurrent use; a training loop calls it sequentially.
type Monitor struct {
	config    Config
	metrics   []MetricSpec
	index     map[string]int
	persister Persister
	observers []Observer
	log       logr.Logger

	best        []float64
	hasBaseline bool
	bestEpoch   int
	stall       int
	shouldStop  bool
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger used for save and advisory messages.
func WithLogger(l logr.Logger) Option {
	return func(m *Monitor) {
		m.log = l
	}
}

// WithObserver registers an observer that sees every completed step.
func WithObserver(o Observer) Option {
	return func(m *Monitor) {
		if o != nil {
			m.observers = append(m.observers, o)
		}
	}
}

// New validates cfg and builds a monitor that persists through p.
func New(cfg Config, p Persister, opts ...Option) (*Monitor, error) {
	if len(cfg.Metrics) == 0 {
		return nil, fmt.Errorf("%w: no metric provided for early stopping", ErrConfiguration)
	}
	if cfg.Patience < 1 {
		return nil, fmt.Errorf("%w: patience must be positive, got %d", ErrConfiguration, cfg.Patience)
	}
	if cfg.Delta < 0 || math.IsNaN(cfg.Delta) || math.IsInf(cfg.Delta, 0) {
		return nil, fmt.Errorf("%w: delta must be a non-negative percentage, got %v", ErrConfiguration, cfg.Delta)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: persister is nil", ErrConfiguration)
	}

	m := &Monitor{
		config:    cfg,
		metrics:   make([]MetricSpec, 0, len(cfg.Metrics)),
		index:     make(map[string]int, len(cfg.Metrics)),
		persister: p,
		log:       logr.Discard(),
		best:      make([]float64, len(cfg.Metrics)),
		bestEpoch: -1,
	}
	for i, md := range cfg.Metrics {
		if md.Name == "" {
			return nil, fmt.Errorf("%w: metric %d has no name", ErrConfiguration, i)
		}
		if _, dup := m.index[md.Name]; dup {
			return nil, fmt.Errorf("%w: metric %q listed twice", ErrConfiguration, md.Name)
		}
		if md.Direction != LowIsBetter && md.Direction != HighIsBetter {
			return nil, fmt.Errorf("%w: metric %q has invalid direction %v", ErrConfiguration, md.Name, md.Direction)
		}
		m.index[md.Name] = i
		m.metrics = append(m.metrics, newMetricSpec(md, cfg.Delta))
	}
	m.config.Metrics = append([]MetricDirection(nil), cfg.Metrics...)

	for _, opt := range opts {
		opt(m)
	}

	m.log.V(1).Info("early stopping configured", "metrics", m.describeMetrics(), "patience", cfg.Patience, "delta", cfg.Delta)
	return m, nil
}

// #endregion monitor

// #region evaluate
// Evaluate records the metric values for epoch and reports whether training
// should stop.
func (m *Monitor) Evaluate(state ModelState, epoch int, values map[string]float64) (bool, error) {
	step, err := m.Step(state, epoch, values)
	if err != nil {
		return false, err
	}
	return step.ShouldStop, nil
}

// Step is Evaluate returning the full outcome.
func (m *Monitor) Step(state ModelState, epoch int, values map[string]float64) (Step, error) {
	score, err := m.align(values)
	if err != nil {
		return Step{}, err
	}

	step := Step{Epoch: epoch, Scores: m.named(score)}

	switch {
	case !m.hasBaseline:
		step.Action = ActionBaseline
		m.adopt(score, epoch)
	case m.improved(score):
		step.Action = ActionImprove
		m.adopt(score, epoch)
		m.stall = 0
	default:
		step.Action = ActionStall
		m.stall++
		// stall >= 0.8*patience, kept in integers
		if 5*m.stall >= 4*m.config.Patience {
			step.Advisory = true
			m.log.Info(fmt.Sprintf("Warning: early stopping soon: %d out of %d", m.stall, m.config.Patience),
				"epoch", epoch, "stall", m.stall, "patience", m.config.Patience)
		}
		if m.stall >= m.config.Patience {
			m.shouldStop = true
		}
	}

	if step.Persisted() {
		if err := m.saveCheckpoint(state); err != nil {
			return Step{}, err
		}
	}

	step.Best = m.named(m.best)
	step.BestEpoch = m.bestEpoch
	step.StallCount = m.stall
	step.ShouldStop = m.shouldStop

	for _, o := range m.observers {
		o.ObserveStep(step)
	}
	return step, nil
}

// align checks the supplied names and orders the values like the configured metrics.
func (m *Monitor) align(values map[string]float64) ([]float64, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: metric values are missing", ErrMetricMismatch)
	}
	var missing, extra []string
	for _, spec := range m.metrics {
		if _, ok := values[spec.Name]; !ok {
			missing = append(missing, spec.Name)
		}
	}
	for name := range values {
		if _, ok := m.index[name]; !ok {
			extra = append(extra, name)
		}
	}
	if len(missing) > 0 || len(extra) > 0 {
		sort.Strings(extra)
		return nil, fmt.Errorf("%w: missing %v, unexpected %v", ErrMetricMismatch, missing, extra)
	}

	score := make([]float64, len(m.metrics))
	for i, spec := range m.metrics {
		score[i] = values[spec.Name]
	}
	return score, nil
}

// improved is true when any single metric beats its threshold.
func (m *Monitor) improved(score []float64) bool {
	for i, spec := range m.metrics {
		if spec.Improves(score[i], m.best[i]) {
			return true
		}
	}
	return false
}

func (m *Monitor) adopt(score []float64, epoch int) {
	copy(m.best, score)
	m.hasBaseline = true
	m.bestEpoch = epoch
}

// #endregion evaluate

// #region save-checkpoint
func (m *Monitor) saveCheckpoint(state ModelState) error {
	if m.config.Verbose {
		m.log.Info(m.saveMessage(), "epoch", m.bestEpoch, "destination", m.config.Target)
	}
	snap := Snapshot{
		Destination: m.config.Target,
		Epoch:       m.bestEpoch,
		Scores:      m.named(m.best),
		State:       state,
	}
	if err := m.persister.Persist(snap); err != nil {
		return fmt.Errorf("persist checkpoint for epoch %d: %w", m.bestEpoch, err)
	}
	return nil
}

// saveMessage reports the 1-based epoch and each best value at 4 decimals.
func (m *Monitor) saveMessage() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Model saved at epoch %d.", m.bestEpoch+1)
	for i, spec := range m.metrics {
		fmt.Fprintf(&b, " %s=%.4f", spec.Name, m.best[i])
	}
	return b.String()
}

// #endregion save-checkpoint

// #region accessors
// State returns a copy of the current bookkeeping.
func (m *Monitor) State() State {
	st := State{
		HasBaseline: m.hasBaseline,
		BestEpoch:   m.bestEpoch,
		StallCount:  m.stall,
		ShouldStop:  m.shouldStop,
	}
	if m.hasBaseline {
		st.BestScores = m.named(m.best)
	}
	return st
}

// Metrics returns the validated metric specs in configured order.
func (m *Monitor) Metrics() []MetricSpec {
	return append([]MetricSpec(nil), m.metrics...)
}

// Config returns the configuration the monitor was built with.
func (m *Monitor) Config() Config {
	cfg := m.config
	cfg.Metrics = append([]MetricDirection(nil), m.config.Metrics...)
	return cfg
}

func (m *Monitor) named(values []float64) []Score {
	out := make([]Score, len(m.metrics))
	for i, spec := range m.metrics {
		out[i] = Score{Name: spec.Name, Value: values[i]}
	}
	return out
}

func (m *Monitor) describeMetrics() string {
	parts := make([]string, len(m.metrics))
	for i, spec := range m.metrics {
		parts[i] = spec.Name + "=" + spec.Direction.String()
	}
	return strings.Join(parts, ",")
}

// #endregion accessors
