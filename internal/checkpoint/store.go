package checkpoint

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/danielpatrickdp/earlystop/internal/monitor"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so created_at columns sort as text in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id        TEXT PRIMARY KEY,
	target        TEXT NOT NULL,
	config_json   TEXT NOT NULL,
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS checkpoints (
	checkpoint_id TEXT PRIMARY KEY,
	run_id        TEXT NOT NULL,
	destination   TEXT NOT NULL,
	epoch         INTEGER NOT NULL,
	scores_json   TEXT NOT NULL,
	payload       BLOB NOT NULL,
	created_at    TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);

CREATE TABLE IF NOT EXISTS best_checkpoint (
	run_id        TEXT PRIMARY KEY,
	checkpoint_id TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(run_id),
	FOREIGN KEY (checkpoint_id) REFERENCES checkpoints(checkpoint_id)
);

CREATE TABLE IF NOT EXISTS decision_log (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id        TEXT NOT NULL,
	epoch         INTEGER NOT NULL,
	action        TEXT NOT NULL,
	stall_count   INTEGER NOT NULL,
	should_stop   INTEGER NOT NULL,
	scores_json   TEXT,
	reason        TEXT,
	created_at    TEXT NOT NULL,
	FOREIGN KEY (run_id) REFERENCES runs(run_id)
);
`

// #endregion schema

// #region store-struct
// Store keeps runs and their checkpoints in SQLite. It is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// #endregion store-struct

// #region constructor
// NewStore opens a SQLite database and runs migrations.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// PRAGMAs are per connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an already-migrated database.
func NewStoreWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema on db.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// #endregion constructor

// #region close
// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for use by other packages (e.g. logging).
func (s *Store) DB() *sql.DB {
	return s.db
}

// #endregion close

// #region runs
// CreateRun registers a new training run and returns it with a fresh ID.
func (s *Store) CreateRun(target string, cfg monitor.Config) (Run, error) {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return Run{}, fmt.Errorf("marshal config: %w", err)
	}
	run := Run{
		RunID:     uuid.New().String(),
		Target:    target,
		Config:    cfg,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.Exec(
		`INSERT INTO runs (run_id, target, config_json, created_at) VALUES (?, ?, ?, ?)`,
		run.RunID, run.Target, string(cfgJSON), formatTime(run.CreatedAt),
	)
	if err != nil {
		return Run{}, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// GetRun reads a run by ID.
func (s *Store) GetRun(runID string) (Run, error) {
	row := s.db.QueryRow(
		`SELECT run_id, target, config_json, created_at FROM runs WHERE run_id = ?`, runID,
	)
	run, err := scanRun(row)
	if err != nil {
		return Run{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	return run, nil
}

// ListRuns returns the most recent runs.
func (s *Store) ListRuns(limit int) ([]Run, error) {
	rows, err := s.db.Query(
		`SELECT run_id, target, config_json, created_at FROM runs ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// EnsureRun registers runID with an empty config unless it already exists.
func (s *Store) EnsureRun(runID, target string) error {
	_, err := s.db.Exec(
		`INSERT INTO runs (run_id, target, config_json, created_at) VALUES (?, ?, '{}', ?)
		 ON CONFLICT(run_id) DO NOTHING`,
		runID, target, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("ensure run %s: %w", runID, err)
	}
	return nil
}

type autoRegister struct{ s *Store }

// AutoRegister returns a Sink that registers unknown runs before storing, for
// servers that receive checkpoints from runs created elsewhere.
func (s *Store) AutoRegister() Sink {
	return autoRegister{s}
}

func (a autoRegister) Put(rec Record) error {
	if rec.RunID == "" {
		return fmt.Errorf("put checkpoint: empty run id")
	}
	if err := a.s.EnsureRun(rec.RunID, rec.Destination); err != nil {
		return err
	}
	return a.s.Put(rec)
}

// #endregion runs

// #region put
// Put inserts a checkpoint and makes it the run's best, atomically.
func (s *Store) Put(rec Record) error {
	if rec.RunID == "" {
		return fmt.Errorf("put checkpoint: empty run id")
	}
	if rec.CheckpointID == "" {
		rec.CheckpointID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	payload, err := Encode(rec)
	if err != nil {
		return err
	}
	scoresJSON, err := json.Marshal(rec.Scores)
	if err != nil {
		return fmt.Errorf("marshal scores: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO checkpoints (checkpoint_id, run_id, destination, epoch, scores_json, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.CheckpointID, rec.RunID, rec.Destination, rec.Epoch, string(scoresJSON), payload,
		formatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO best_checkpoint (run_id, checkpoint_id) VALUES (?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET checkpoint_id = excluded.checkpoint_id`,
		rec.RunID, rec.CheckpointID,
	)
	if err != nil {
		return fmt.Errorf("set best: %w", err)
	}

	return tx.Commit()
}

// #endregion put

// #region get
// GetBest reads the run's current best checkpoint.
func (s *Store) GetBest(runID string) (Record, error) {
	var id string
	err := s.db.QueryRow(`SELECT checkpoint_id FROM best_checkpoint WHERE run_id = ?`, runID).Scan(&id)
	if err != nil {
		return Record{}, fmt.Errorf("get best for run %s: %w", runID, err)
	}
	return s.GetCheckpoint(id)
}

// GetCheckpoint retrieves a checkpoint by ID.
func (s *Store) GetCheckpoint(id string) (Record, error) {
	row := s.db.QueryRow(
		`SELECT checkpoint_id, run_id, destination, epoch, scores_json, payload, created_at
		 FROM checkpoints WHERE checkpoint_id = ?`, id,
	)
	rec, err := scanCheckpoint(row)
	if err != nil {
		return Record{}, fmt.Errorf("get checkpoint %s: %w", id, err)
	}
	return rec, nil
}

// ListCheckpoints returns a run's most recent checkpoints, newest first.
func (s *Store) ListCheckpoints(runID string, limit int) ([]Record, error) {
	rows, err := s.db.Query(
		`SELECT checkpoint_id, run_id, destination, epoch, scores_json, payload, created_at
		 FROM checkpoints WHERE run_id = ? ORDER BY epoch DESC, created_at DESC LIMIT ?`, runID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// #endregion get

// #region scan
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (Run, error) {
	var run Run
	var cfgJSON, createdStr string
	if err := row.Scan(&run.RunID, &run.Target, &cfgJSON, &createdStr); err != nil {
		return Run{}, err
	}
	if err := json.Unmarshal([]byte(cfgJSON), &run.Config); err != nil {
		return Run{}, fmt.Errorf("unmarshal config: %w", err)
	}
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	return run, nil
}

func scanCheckpoint(row rowScanner) (Record, error) {
	var rec Record
	var scoresJSON, createdStr string
	var payload []byte
	if err := row.Scan(&rec.CheckpointID, &rec.RunID, &rec.Destination, &rec.Epoch, &scoresJSON, &payload, &createdStr); err != nil {
		return Record{}, err
	}
	if err := json.Unmarshal([]byte(scoresJSON), &rec.Scores); err != nil {
		return Record{}, fmt.Errorf("unmarshal scores: %w", err)
	}
	decoded, err := Decode(payload)
	if err != nil {
		return Record{}, err
	}
	rec.StateDict = decoded.StateDict
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	return rec, nil
}

// #endregion scan
