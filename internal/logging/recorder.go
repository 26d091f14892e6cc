package logging

import (
	"database/sql"

	"github.com/danielpatrickdp/earlystop/internal/monitor"
	"github.com/go-logr/logr"
)

// Recorder writes every monitor step to decision_log. It implements
// monitor.Observer; write failures are logged and the first one is kept for Err.
type Recorder struct {
	db    *sql.DB
	runID string
	log   logr.Logger
	err   error
}

// NewRecorder returns a Recorder for runID.
func NewRecorder(db *sql.DB, runID string, log logr.Logger) *Recorder {
	return &Recorder{db: db, runID: runID, log: log}
}

// ObserveStep implements monitor.Observer.
func (r *Recorder) ObserveStep(step monitor.Step) {
	entry, err := EntryFromStep(r.runID, step)
	if err == nil {
		err = LogDecision(r.db, entry)
	}
	if err != nil {
		r.log.Error(err, "decision not recorded", "run", r.runID, "epoch", step.Epoch)
		if r.err == nil {
			r.err = err
		}
	}
}

// Err returns the first write failure, if any.
func (r *Recorder) Err() error { return r.err }
