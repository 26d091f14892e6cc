package replay

import (
	"fmt"

	"github.com/danielpatrickdp/earlystop/internal/checkpoint"
	"github.com/danielpatrickdp/earlystop/internal/monitor"
)

// #region types
// Epoch is one recorded evaluation: the metric values seen at the end of an
// epoch of training.
type Epoch struct {
	Epoch   int
	Metrics map[string]float64
}

// Result captures the outcome of replaying one epoch through a monitor.
type Result struct {
	Epoch      int
	Action     monitor.Action
	StallCount int
	ShouldStop bool
	Persisted  bool
	Advisory   bool
	BestEpoch  int
	Best       []monitor.Score
}

// Summary provides aggregate stats from a replay run.
type Summary struct {
	TotalEpochs int
	Baselines   int
	Improves    int
	Stalls      int
	Persisted   int
	StoppedAt   int // epoch of the first stop signal, -1 if none
	BestEpoch   int
	Best        []monitor.Score
}

// Option tunes a replay run.
type Option func(*options)

type options struct {
	stopOnSignal bool
	monitorOpts  []monitor.Option
}

// StopOnSignal ends the replay after the first epoch that signals stop, the
// way a training loop breaks out.
func StopOnSignal() Option {
	return func(o *options) { o.stopOnSignal = true }
}

// WithMonitorOptions passes options through to the monitor under replay.
func WithMonitorOptions(opts ...monitor.Option) Option {
	return func(o *options) { o.monitorOpts = append(o.monitorOpts, opts...) }
}

// #endregion types

// #region replay
// Replay feeds epochs through a fresh monitor built from cfg. The model state
// handed to persister carries the epoch number under "epoch" so recorded
// checkpoints can be told apart.
func Replay(cfg monitor.Config, epochs []Epoch, persister monitor.Persister, opts ...Option) ([]Result, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	m, err := monitor.New(cfg, persister, o.monitorOpts...)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(epochs))
	for _, e := range epochs {
		state := checkpoint.Weights{"epoch": {float64(e.Epoch)}}
		step, err := m.Step(state, e.Epoch, e.Metrics)
		if err != nil {
			return results, fmt.Errorf("epoch %d: %w", e.Epoch, err)
		}
		results = append(results, Result{
			Epoch:      step.Epoch,
			Action:     step.Action,
			StallCount: step.StallCount,
			ShouldStop: step.ShouldStop,
			Persisted:  step.Persisted(),
			Advisory:   step.Advisory,
			BestEpoch:  step.BestEpoch,
			Best:       step.Best,
		})
		if step.ShouldStop && o.stopOnSignal {
			break
		}
	}
	return results, nil
}

// Summarize computes aggregate stats from replay results.
func Summarize(results []Result) Summary {
	s := Summary{
		TotalEpochs: len(results),
		StoppedAt:   -1,
		BestEpoch:   -1,
	}
	for _, r := range results {
		switch r.Action {
		case monitor.ActionBaseline:
			s.Baselines++
		case monitor.ActionImprove:
			s.Improves++
		case monitor.ActionStall:
			s.Stalls++
		}
		if r.Persisted {
			s.Persisted++
		}
		if r.ShouldStop && s.StoppedAt < 0 {
			s.StoppedAt = r.Epoch
		}
		s.BestEpoch = r.BestEpoch
		s.Best = r.Best
	}
	return s
}

// #endregion replay
