// Package store persists the engine's learned state and outcome ledger
// in sqlite, and hot-reloads the classifier model file on change.
package store

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/lucid-vigil/decoygate/pkg/policy"
)

const schema = `
CREATE TABLE IF NOT EXISTS qtable (
	state  TEXT NOT NULL,
	action TEXT NOT NULL,
	value  REAL NOT NULL,
	PRIMARY KEY (state, action)
);

CREATE TABLE IF NOT EXISTS qtable_meta (
	key   TEXT PRIMARY KEY,
	value REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS outcomes (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT NOT NULL,
	peer_addr   TEXT NOT NULL,
	score       REAL NOT NULL,
	action      TEXT NOT NULL,
	outcome     TEXT NOT NULL,
	reward      REAL NOT NULL,
	recorded_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_outcomes_peer ON outcomes (peer_addr);
`

// Store wraps the sqlite database holding Q-table snapshots and the
// session outcome ledger. Consistency requirement is "no update
// silently dropped", not durability across crashes mid-write.
type Store struct {
	db     *sqlx.DB
	logger zerolog.Logger
}

// OutcomeRecord is one row of the outcome ledger.
type OutcomeRecord struct {
	SessionID  string    `db:"session_id"`
	PeerAddr   string    `db:"peer_addr"`
	Score      float64   `db:"score"`
	Action     string    `db:"action"`
	Outcome    string    `db:"outcome"`
	Reward     float64   `db:"reward"`
	RecordedAt time.Time `db:"recorded_at"`
}

// Open opens (creating if needed) the sqlite database at path and
// applies the schema.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply store schema: %w", err)
	}
	return &Store{
		db:     db,
		logger: logger.With().Str("component", "store").Logger(),
	}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSnapshot replaces the persisted Q-table with the given snapshot
// in a single transaction.
func (s *Store) SaveSnapshot(snap policy.Snapshot) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM qtable`); err != nil {
		return fmt.Errorf("failed to clear qtable: %w", err)
	}
	for _, e := range snap.Entries {
		if _, err := tx.Exec(
			`INSERT INTO qtable (state, action, value) VALUES (?, ?, ?)`,
			e.StateKey, e.Action, e.Value,
		); err != nil {
			return fmt.Errorf("failed to insert qtable entry: %w", err)
		}
	}

	for key, value := range map[string]float64{
		"episodes_trained": float64(snap.EpisodesTrained),
		"epsilon":          snap.Epsilon,
	} {
		if _, err := tx.Exec(
			`INSERT INTO qtable_meta (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			key, value,
		); err != nil {
			return fmt.Errorf("failed to upsert qtable meta: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}

	s.logger.Info().Int("entries", len(snap.Entries)).Msg("Q-table snapshot saved")
	return nil
}

// LoadSnapshot reads the persisted Q-table. An empty database yields an
// empty snapshot, not an error.
func (s *Store) LoadSnapshot() (policy.Snapshot, error) {
	var snap policy.Snapshot

	rows := []struct {
		State  string  `db:"state"`
		Action string  `db:"action"`
		Value  float64 `db:"value"`
	}{}
	if err := s.db.Select(&rows, `SELECT state, action, value FROM qtable`); err != nil {
		return snap, fmt.Errorf("failed to load qtable: %w", err)
	}
	for _, r := range rows {
		snap.Entries = append(snap.Entries, policy.Entry{
			StateKey: r.State,
			Action:   r.Action,
			Value:    r.Value,
		})
	}

	meta := []struct {
		Key   string  `db:"key"`
		Value float64 `db:"value"`
	}{}
	if err := s.db.Select(&meta, `SELECT key, value FROM qtable_meta`); err != nil {
		return snap, fmt.Errorf("failed to load qtable meta: %w", err)
	}
	for _, m := range meta {
		switch m.Key {
		case "episodes_trained":
			snap.EpisodesTrained = int(m.Value)
		case "epsilon":
			snap.Epsilon = m.Value
		}
	}

	return snap, nil
}

// RecordOutcome appends a row to the outcome ledger.
func (s *Store) RecordOutcome(rec OutcomeRecord) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	_, err := s.db.NamedExec(
		`INSERT INTO outcomes (session_id, peer_addr, score, action, outcome, reward, recorded_at)
		 VALUES (:session_id, :peer_addr, :score, :action, :outcome, :reward, :recorded_at)`,
		rec,
	)
	if err != nil {
		return fmt.Errorf("failed to record outcome: %w", err)
	}
	return nil
}

// RecentOutcomes returns the most recent ledger rows, newest first.
func (s *Store) RecentOutcomes(limit int) ([]OutcomeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var recs []OutcomeRecord
	err := s.db.Select(&recs,
		`SELECT session_id, peer_addr, score, action, outcome, reward, recorded_at
		 FROM outcomes ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	return recs, nil
}
