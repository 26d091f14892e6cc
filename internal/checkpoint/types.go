package checkpoint

import (
	"fmt"
	"time"

	"github.com/danielpatrickdp/earlystop/internal/monitor"
	"github.com/google/uuid"
)

// #region record
// Record is one persisted best-state checkpoint.
type Record struct {
	CheckpointID string
	RunID        string
	Destination  string
	Epoch        int
	Scores       []monitor.Score
	StateDict    map[string][]float64
	CreatedAt    time.Time
}

// FromSnapshot copies a monitor snapshot into a new Record for runID.
func FromSnapshot(runID string, snap monitor.Snapshot) Record {
	rec := Record{
		CheckpointID: uuid.New().String(),
		RunID:        runID,
		Destination:  snap.Destination,
		Epoch:        snap.Epoch,
		Scores:       append([]monitor.Score(nil), snap.Scores...),
		CreatedAt:    time.Now().UTC(),
	}
	if snap.State != nil {
		rec.StateDict = copyStateDict(snap.State.StateDict())
	}
	return rec
}

func copyStateDict(in map[string][]float64) map[string][]float64 {
	if in == nil {
		return nil
	}
	out := make(map[string][]float64, len(in))
	for k, v := range in {
		out[k] = append([]float64(nil), v...)
	}
	return out
}

// #endregion record

// #region weights
// Weights is a plain parameter map that satisfies monitor.ModelState.
type Weights map[string][]float64

// StateDict returns the map itself.
func (w Weights) StateDict() map[string][]float64 { return w }

// #endregion weights

// #region run
// Run groups the checkpoints and decisions of one training run.
type Run struct {
	RunID     string
	Target    string
	Config    monitor.Config
	CreatedAt time.Time
}

// #endregion run

// #region sink
// Sink accepts checkpoint records.
type Sink interface {
	Put(rec Record) error
}

type tee []Sink

// Tee writes every record to each sink in order, stopping at the first error.
func Tee(sinks ...Sink) Sink {
	return tee(sinks)
}

func (t tee) Put(rec Record) error {
	for i, s := range t {
		if err := s.Put(rec); err != nil {
			return fmt.Errorf("sink %d: %w", i, err)
		}
	}
	return nil
}

// #endregion sink

// #region persister
// Persister adapts a Sink to monitor.Persister for a single run.
type Persister struct {
	sink  Sink
	runID string
}

// NewPersister returns a monitor.Persister writing records for runID to sink.
func NewPersister(sink Sink, runID string) *Persister {
	return &Persister{sink: sink, runID: runID}
}

// Persist converts the snapshot to a Record and hands it to the sink.
func (p *Persister) Persist(snap monitor.Snapshot) error {
	return p.sink.Put(FromSnapshot(p.runID, snap))
}

// #endregion persister
