package logging

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/danielpatrickdp/earlystop/internal/monitor"
)

// #region log-decision
// LogDecision writes an entry to the decision_log table.
func LogDecision(db *sql.DB, entry DecisionEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := db.Exec(
		`INSERT INTO decision_log (run_id, epoch, action, stall_count, should_stop, scores_json, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RunID,
		entry.Epoch,
		entry.Action,
		entry.StallCount,
		entry.ShouldStop,
		nullIfEmpty(entry.ScoresJSON),
		nullIfEmpty(entry.Reason),
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

// #endregion log-decision

// #region list-decisions
// ListDecisions returns a run's decisions in the order they were logged.
func ListDecisions(db *sql.DB, runID string) ([]DecisionEntry, error) {
	rows, err := db.Query(
		`SELECT run_id, epoch, action, stall_count, should_stop, scores_json, reason, created_at
		 FROM decision_log WHERE run_id = ? ORDER BY id ASC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var entries []DecisionEntry
	for rows.Next() {
		var e DecisionEntry
		var scores, reason sql.NullString
		var createdStr string
		if err := rows.Scan(&e.RunID, &e.Epoch, &e.Action, &e.StallCount, &e.ShouldStop, &scores, &reason, &createdStr); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		e.ScoresJSON = scores.String
		e.Reason = reason.String
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// #endregion list-decisions

// #region entry-from-step
// EntryFromStep builds a decision row from a monitor step.
func EntryFromStep(runID string, step monitor.Step) (DecisionEntry, error) {
	scores, err := json.Marshal(step.Scores)
	if err != nil {
		return DecisionEntry{}, fmt.Errorf("marshal scores: %w", err)
	}
	return DecisionEntry{
		RunID:      runID,
		Epoch:      step.Epoch,
		Action:     string(step.Action),
		StallCount: step.StallCount,
		ShouldStop: step.ShouldStop,
		ScoresJSON: string(scores),
		Reason:     reason(step),
	}, nil
}

func reason(step monitor.Step) string {
	switch step.Action {
	case monitor.ActionBaseline:
		return "baseline established"
	case monitor.ActionImprove:
		parts := make([]string, len(step.Best))
		for i, s := range step.Best {
			parts[i] = fmt.Sprintf("%s=%.4f", s.Name, s.Value)
		}
		return "new best: " + strings.Join(parts, " ")
	}
	if step.ShouldStop {
		return fmt.Sprintf("no improvement since epoch %d, stop", step.BestEpoch)
	}
	if step.Advisory {
		return fmt.Sprintf("no improvement since epoch %d, stopping soon", step.BestEpoch)
	}
	return fmt.Sprintf("no improvement since epoch %d", step.BestEpoch)
}

// ScoresFromJSON decodes the scores column back into values keyed by name.
func ScoresFromJSON(s string) (map[string]float64, error) {
	var scores []monitor.Score
	if err := json.Unmarshal([]byte(s), &scores); err != nil {
		return nil, fmt.Errorf("unmarshal scores: %w", err)
	}
	out := make(map[string]float64, len(scores))
	for _, sc := range scores {
		out[sc.Name] = sc.Value
	}
	return out, nil
}

// #endregion entry-from-step

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
