package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nimbusflow/reactor/errs"
	"github.com/nimbusflow/reactor/process"
)

// SQLiteCheckpointStore is a durable process.CheckpointStore backed by a
// single SQLite file via the pure-Go modernc.org/sqlite driver, so a
// single-node deployment can survive a process restart without taking on
// Mongo or Redis as an operational dependency.
type SQLiteCheckpointStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteCheckpointStore opens (creating if needed) the database at path
// and ensures its schema exists. Pass ":memory:" for an ephemeral store
// useful in tests.
func NewSQLiteCheckpointStore(ctx context.Context, path string) (*SQLiteCheckpointStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "open sqlite checkpoint store")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, errs.Wrap(errs.Internal, err, "enable WAL mode")
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, errs.Wrap(errs.Internal, err, "set busy timeout")
	}

	s := &SQLiteCheckpointStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteCheckpointStore) createTables(ctx context.Context) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS process_checkpoints (
			id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			process_type TEXT NOT NULL,
			current_state TEXT NOT NULL,
			data TEXT NOT NULL,
			history TEXT NOT NULL,
			metadata TEXT NOT NULL,
			saved_at TIMESTAMP NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return errs.Wrap(errs.Internal, err, "create process_checkpoints table")
	}
	const index = `CREATE INDEX IF NOT EXISTS idx_process_checkpoints_instance ON process_checkpoints (instance_id)`
	if _, err := s.db.ExecContext(ctx, index); err != nil {
		return errs.Wrap(errs.Internal, err, "create process_checkpoints instance index")
	}
	return nil
}

// Save implements process.CheckpointStore. It upserts the row keyed by
// cp.ID: a new ID adds a row, an existing ID overwrites that row. A single
// process instance may accumulate any number of checkpoints over its
// lifetime.
func (s *SQLiteCheckpointStore) Save(ctx context.Context, cp process.Checkpoint) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return errs.New(errs.ValidationError, "checkpoint store is closed")
	}
	s.mu.RUnlock()

	dataJSON, err := json.Marshal(cp.Data)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "marshal checkpoint data")
	}
	historyJSON, err := json.Marshal(cp.History)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "marshal checkpoint history")
	}
	metadataJSON, err := json.Marshal(cp.Metadata)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "marshal checkpoint metadata")
	}

	const query = `
		INSERT INTO process_checkpoints (id, instance_id, process_type, current_state, data, history, metadata, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			instance_id = excluded.instance_id,
			process_type = excluded.process_type,
			current_state = excluded.current_state,
			data = excluded.data,
			history = excluded.history,
			metadata = excluded.metadata,
			saved_at = excluded.saved_at
	`
	_, err = s.db.ExecContext(ctx, query, cp.ID, cp.InstanceID, cp.Type, cp.CurrentState, string(dataJSON), string(historyJSON), string(metadataJSON), cp.SavedAt.Format(time.RFC3339Nano))
	if err != nil {
		return errs.Wrap(errs.Internal, err, "save checkpoint")
	}
	return nil
}

// Load implements process.CheckpointStore, fetching one checkpoint by ID.
func (s *SQLiteCheckpointStore) Load(ctx context.Context, checkpointID string) (process.Checkpoint, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return process.Checkpoint{}, errs.New(errs.ValidationError, "checkpoint store is closed")
	}
	s.mu.RUnlock()

	const query = `
		SELECT instance_id, process_type, current_state, data, history, metadata, saved_at
		FROM process_checkpoints
		WHERE id = ?
	`
	var (
		instanceID, processType, currentState, dataJSON, historyJSON, metadataJSON, savedAtStr string
	)
	err := s.db.QueryRowContext(ctx, query, checkpointID).Scan(&instanceID, &processType, &currentState, &dataJSON, &historyJSON, &metadataJSON, &savedAtStr)
	if err == sql.ErrNoRows {
		return process.Checkpoint{}, errs.Newf(errs.NotFound, "checkpoint %q not found", checkpointID)
	}
	if err != nil {
		return process.Checkpoint{}, errs.Wrap(errs.Internal, err, "load checkpoint")
	}

	savedAt, err := time.Parse(time.RFC3339Nano, savedAtStr)
	if err != nil {
		return process.Checkpoint{}, errs.Wrap(errs.Internal, err, "parse checkpoint saved_at")
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(dataJSON), &data); err != nil {
		return process.Checkpoint{}, errs.Wrap(errs.Internal, err, "unmarshal checkpoint data")
	}
	var history []process.HistoryEntry
	if err := json.Unmarshal([]byte(historyJSON), &history); err != nil {
		return process.Checkpoint{}, errs.Wrap(errs.Internal, err, "unmarshal checkpoint history")
	}
	var metadata map[string]any
	if err := json.Unmarshal([]byte(metadataJSON), &metadata); err != nil {
		return process.Checkpoint{}, errs.Wrap(errs.Internal, err, "unmarshal checkpoint metadata")
	}

	return process.Checkpoint{
		ID:           checkpointID,
		InstanceID:   instanceID,
		Type:         processType,
		CurrentState: currentState,
		Data:         data,
		History:      history,
		Metadata:     metadata,
		SavedAt:      savedAt,
	}, nil
}

// Close closes the underlying database connection. Safe to call more than
// once.
func (s *SQLiteCheckpointStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive, for health checks.
func (s *SQLiteCheckpointStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("checkpoint store is closed")
	}
	return s.db.PingContext(ctx)
}
