// Package store implements the concrete load/save backing for spec §6's
// externally-owned persisted singleton state: launcher-id, total_points,
// current_difficulty, balance, pool-member flag, loaded/saved atomically
// per singleton. Grounded on the teacher's state_db.go: modernc sqlite,
// WAL mode, busy-timeout, CREATE TABLE IF NOT EXISTS.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"pospacepool/singleton"
)

// Store is the sqlite-backed persisted-singleton-state implementation.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite database at path in WAL mode
// with a busy-timeout, matching the teacher's state_db.go connection
// string exactly in spirit.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS singletons (
			launcher_id        BLOB PRIMARY KEY,
			puzzle_hash        BLOB NOT NULL,
			owner_public_key   BLOB NOT NULL,
			total_points       INTEGER NOT NULL DEFAULT 0,
			current_difficulty INTEGER NOT NULL DEFAULT 0,
			last_partial_time  INTEGER NOT NULL DEFAULT 0,
			pool_member        INTEGER NOT NULL DEFAULT 0,
			pending_balance    INTEGER NOT NULL DEFAULT 0,
			relative_lock_height INTEGER NOT NULL DEFAULT 0
		)
	`)
	return err
}

func (s *Store) Close() error { return s.db.Close() }

// Save persists sgl atomically: a single-row upsert is all-or-nothing per
// spec §6's "load/save are atomic (all-or-nothing per singleton)."
func (s *Store) Save(sgl singleton.Singleton) error {
	_, err := s.db.Exec(`
		INSERT INTO singletons (launcher_id, puzzle_hash, owner_public_key, total_points,
			current_difficulty, last_partial_time, pool_member, pending_balance, relative_lock_height)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(launcher_id) DO UPDATE SET
			puzzle_hash = excluded.puzzle_hash,
			owner_public_key = excluded.owner_public_key,
			total_points = excluded.total_points,
			current_difficulty = excluded.current_difficulty,
			last_partial_time = excluded.last_partial_time,
			pool_member = excluded.pool_member,
			pending_balance = excluded.pending_balance,
			relative_lock_height = excluded.relative_lock_height
	`,
		sgl.LauncherID[:], sgl.PuzzleHash[:], sgl.OwnerPublicKey[:], sgl.TotalPoints,
		sgl.CurrentDifficulty, sgl.LastPartialTime.Unix(), boolToInt(sgl.PoolMember),
		sgl.PendingBalance, sgl.RelativeLockHeight,
	)
	return err
}

// Load reads every persisted singleton, for the orchestrator to populate
// the in-memory registry at startup.
func (s *Store) Load() ([]singleton.Singleton, error) {
	rows, err := s.db.Query(`
		SELECT launcher_id, puzzle_hash, owner_public_key, total_points,
			current_difficulty, last_partial_time, pool_member, pending_balance, relative_lock_height
		FROM singletons
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []singleton.Singleton
	for rows.Next() {
		var launcherID, puzzleHash, ownerKey []byte
		var lastPartialUnix int64
		var poolMemberInt int
		var s singleton.Singleton
		if err := rows.Scan(&launcherID, &puzzleHash, &ownerKey, &s.TotalPoints,
			&s.CurrentDifficulty, &lastPartialUnix, &poolMemberInt, &s.PendingBalance, &s.RelativeLockHeight); err != nil {
			return nil, err
		}
		copy(s.LauncherID[:], launcherID)
		copy(s.PuzzleHash[:], puzzleHash)
		copy(s.OwnerPublicKey[:], ownerKey)
		s.PoolMember = poolMemberInt != 0
		s.LastPartialTime = unixToTime(lastPartialUnix)
		out = append(out, s)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixToTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
