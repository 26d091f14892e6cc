package logging

import "time"

// #region decision-entry
// DecisionEntry is a single row in the decision_log table.
type DecisionEntry struct {
	RunID      string
	Epoch      int
	Action     string // "baseline" | "improve" | "stall"
	StallCount int
	ShouldStop bool
	ScoresJSON string // values supplied that epoch, in configured order
	Reason     string
	CreatedAt  time.Time
}

// #endregion decision-entry
