// Package store persists flow snapshots in sqlite so an interrupted flow can
// be listed, inspected and resumed by a later process.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/ggonzalez94/swapflow/internal/flow"
	"github.com/ggonzalez94/swapflow/internal/logx"
)

var ErrNotFound = errors.New("flow not found")

const lockTimeout = 5 * time.Second

const busyTimeoutDSN = "?_pragma=busy_timeout(5000)"

type Store struct {
	db   *sql.DB
	lock *flock.Flock
}

func Open(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create flow store directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create flow lock directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+busyTimeoutDSN)
	if err != nil {
		return nil, fmt.Errorf("open flow sqlite: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS flows (
			flow_id TEXT PRIMARY KEY,
			intent TEXT NOT NULL,
			state TEXT NOT NULL,
			chain_id INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_flows_state_updated ON flows(state, updated_at DESC);",
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init flow schema: %w", err)
		}
	}
	return &Store{db: db, lock: flock.New(lockPath)}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save upserts snap keyed by its flow id. created_at is kept from the first
// write.
func (s *Store) Save(snap flow.Snapshot) error {
	if strings.TrimSpace(snap.FlowID) == "" {
		return fmt.Errorf("save flow: missing flow id")
	}
	unlock, err := s.acquire()
	if err != nil {
		return err
	}
	defer unlock()

	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal flow: %w", err)
	}
	updated := snap.UpdatedAt.UTC().UnixMilli()
	if snap.UpdatedAt.IsZero() {
		updated = time.Now().UTC().UnixMilli()
	}

	_, err = s.db.Exec(`
		INSERT INTO flows (flow_id, intent, state, chain_id, created_at, updated_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(flow_id) DO UPDATE SET
			intent=excluded.intent,
			state=excluded.state,
			chain_id=excluded.chain_id,
			updated_at=excluded.updated_at,
			payload=excluded.payload
	`, snap.FlowID, string(snap.Session.Intent), string(snap.State), snap.Session.ChainID, updated, updated, payload)
	if err != nil {
		return fmt.Errorf("save flow: %w", err)
	}
	return nil
}

func (s *Store) Get(flowID string) (flow.Snapshot, error) {
	var payload []byte
	err := s.db.QueryRow("SELECT payload FROM flows WHERE flow_id = ?", flowID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return flow.Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, flowID)
		}
		return flow.Snapshot{}, fmt.Errorf("read flow: %w", err)
	}
	var snap flow.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return flow.Snapshot{}, fmt.Errorf("decode flow payload: %w", err)
	}
	return snap, nil
}

// List returns the most recently updated flows, optionally filtered by state.
func (s *Store) List(state string, limit int) ([]flow.Snapshot, error) {
	if limit <= 0 {
		limit = 20
	}
	var (
		rows *sql.Rows
		err  error
	)
	if strings.TrimSpace(state) == "" {
		rows, err = s.db.Query("SELECT payload FROM flows ORDER BY updated_at DESC LIMIT ?", limit)
	} else {
		rows, err = s.db.Query("SELECT payload FROM flows WHERE state = ? ORDER BY updated_at DESC LIMIT ?", state, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}
	defer rows.Close()

	snaps := make([]flow.Snapshot, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan flow row: %w", err)
		}
		var snap flow.Snapshot
		if err := json.Unmarshal(payload, &snap); err != nil {
			return nil, fmt.Errorf("decode flow row: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flow rows: %w", err)
	}
	return snaps, nil
}

// Prune deletes terminal flows last updated before cutoff and reports how
// many rows went away.
func (s *Store) Prune(cutoff time.Time) (int64, error) {
	unlock, err := s.acquire()
	if err != nil {
		return 0, err
	}
	defer unlock()

	res, err := s.db.Exec(
		"DELETE FROM flows WHERE state IN (?, ?, ?) AND updated_at < ?",
		string(flow.StateSucceeded), string(flow.StateFailed), string(flow.StateAbandoned), cutoff.UTC().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("prune flows: %w", err)
	}
	return res.RowsAffected()
}

// Recorder returns a runner subscriber that persists every event's
// snapshot. Write failures are logged and never interrupt the flow.
func (s *Store) Recorder(log logrus.FieldLogger) func(flow.Event) {
	log = logx.OrDiscard(log)
	return func(ev flow.Event) {
		if ev.Snapshot.FlowID == "" {
			return
		}
		if err := s.Save(ev.Snapshot); err != nil {
			log.WithError(err).WithField(logx.FieldFlowID, ev.Snapshot.FlowID).Warn("persist flow snapshot failed")
		}
	}
}

func (s *Store) acquire() (func(), error) {
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	locked, err := s.lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("lock flow store: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("lock flow store: timeout acquiring lock")
	}
	return func() { _ = s.lock.Unlock() }, nil
}
