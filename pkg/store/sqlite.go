// Package store provides SQLite-backed persistence for the memory tree and
// the work queue. State is written through wholesale on every mutation: two
// tables per store, a records table (run_id, id, json blob, created_at) and a
// per-run metadata table. Record counts are small (tens to low hundreds),
// so there are no indexes beyond the primary keys and no migration machinery.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/inquest-ai/inquest/pkg/memtree"
	"github.com/inquest-ai/inquest/pkg/taskqueue"

	_ "modernc.org/sqlite" // SQLite driver
)

// Store persists one investigation run. Multiple runs may share a database
// file; every read and write is scoped by the run identifier, so one run
// never sees or overwrites another's state.
type Store struct {
	db    *sql.DB
	runID string
}

// Compile-time interface checks against the consumers.
var (
	_ memtree.Persister   = (*Store)(nil)
	_ taskqueue.Persister = (*Store)(nil)
)

// Open opens (or creates) the run database at dbPath. The path can be
// ":memory:" for tests.
func Open(dbPath, runID string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, runID: runID}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// initSchema creates the four tables if they don't exist.
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tree_nodes (
		run_id TEXT NOT NULL,
		id TEXT NOT NULL,
		data TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (run_id, id)
	);

	CREATE TABLE IF NOT EXISTS tree_meta (
		run_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (run_id, key)
	);

	CREATE TABLE IF NOT EXISTS queue_items (
		run_id TEXT NOT NULL,
		id TEXT NOT NULL,
		data TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (run_id, id)
	);

	CREATE TABLE IF NOT EXISTS queue_meta (
		run_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (run_id, key)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// RunID returns the run identifier this store was opened with.
func (s *Store) RunID() string {
	return s.runID
}

// SaveTree overwrites this run's persisted tree state with the snapshot.
func (s *Store) SaveTree(ctx context.Context, snap *memtree.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tree transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM tree_nodes WHERE run_id = ?", s.runID); err != nil {
		return fmt.Errorf("failed to clear tree nodes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM tree_meta WHERE run_id = ?", s.runID); err != nil {
		return fmt.Errorf("failed to clear tree metadata: %w", err)
	}

	for id, node := range snap.Nodes {
		blob, err := json.Marshal(node)
		if err != nil {
			return fmt.Errorf("failed to marshal node %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO tree_nodes (run_id, id, data, created_at) VALUES (?, ?, ?, ?)",
			s.runID, id, string(blob), node.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert node %s: %w", id, err)
		}
	}

	if err := writeMeta(ctx, tx, "tree_meta", s.runID, map[string]string{
		"root_id": snap.RootID,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit tree snapshot: %w", err)
	}
	return nil
}

// LoadTree reads this run's persisted tree state. A fresh database (or a run
// with no saved state) yields an empty snapshot, not an error.
func (s *Store) LoadTree(ctx context.Context) (*memtree.Snapshot, error) {
	snap := &memtree.Snapshot{Nodes: make(map[string]*memtree.Node)}

	rows, err := s.db.QueryContext(ctx, "SELECT id, data FROM tree_nodes WHERE run_id = ?", s.runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tree nodes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, blob string
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan tree node: %w", err)
		}
		var node memtree.Node
		if err := json.Unmarshal([]byte(blob), &node); err != nil {
			return nil, fmt.Errorf("failed to unmarshal node %s: %w", id, err)
		}
		snap.Nodes[id] = &node
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tree nodes: %w", err)
	}

	rootID, err := readMeta(ctx, s.db, "tree_meta", s.runID, "root_id")
	if err != nil {
		return nil, err
	}
	snap.RootID = rootID

	return snap, nil
}

// SaveQueue overwrites this run's persisted queue state with the snapshot.
func (s *Store) SaveQueue(ctx context.Context, snap *taskqueue.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin queue transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM queue_items WHERE run_id = ?", s.runID); err != nil {
		return fmt.Errorf("failed to clear queue items: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM queue_meta WHERE run_id = ?", s.runID); err != nil {
		return fmt.Errorf("failed to clear queue metadata: %w", err)
	}

	for id, item := range snap.Items {
		blob, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal item %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO queue_items (run_id, id, data, created_at) VALUES (?, ?, ?, ?)",
			s.runID, id, string(blob), item.CreatedAt); err != nil {
			return fmt.Errorf("failed to insert item %s: %w", id, err)
		}
	}

	stateBlob, err := json.Marshal(queueMeta{
		ExecutionOrder: snap.ExecutionOrder,
		CompletedIDs:   snap.CompletedIDs,
		FailedIDs:      snap.FailedIDs,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal queue metadata: %w", err)
	}
	if err := writeMeta(ctx, tx, "queue_meta", s.runID, map[string]string{
		"queue_state": string(stateBlob),
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit queue snapshot: %w", err)
	}
	return nil
}

// LoadQueue reads this run's persisted queue state. A fresh database (or a
// run with no saved state) yields an empty snapshot, not an error.
func (s *Store) LoadQueue(ctx context.Context) (*taskqueue.Snapshot, error) {
	snap := &taskqueue.Snapshot{Items: make(map[string]*taskqueue.Item)}

	rows, err := s.db.QueryContext(ctx, "SELECT id, data FROM queue_items WHERE run_id = ?", s.runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, blob string
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		var item taskqueue.Item
		if err := json.Unmarshal([]byte(blob), &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal item %s: %w", id, err)
		}
		snap.Items[id] = &item
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue items: %w", err)
	}

	stateBlob, err := readMeta(ctx, s.db, "queue_meta", s.runID, "queue_state")
	if err != nil {
		return nil, err
	}
	if stateBlob != "" {
		var meta queueMeta
		if err := json.Unmarshal([]byte(stateBlob), &meta); err != nil {
			return nil, fmt.Errorf("failed to unmarshal queue metadata: %w", err)
		}
		snap.ExecutionOrder = meta.ExecutionOrder
		snap.CompletedIDs = meta.CompletedIDs
		snap.FailedIDs = meta.FailedIDs
	}

	return snap, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

type queueMeta struct {
	ExecutionOrder []string `json:"execution_order,omitempty"`
	CompletedIDs   []string `json:"completed_ids,omitempty"`
	FailedIDs      []string `json:"failed_ids,omitempty"`
}

func writeMeta(ctx context.Context, tx *sql.Tx, table, runID string, values map[string]string) error {
	for key, value := range values {
		query := fmt.Sprintf("INSERT INTO %s (run_id, key, value, updated_at) VALUES (?, ?, ?, ?)", table)
		if _, err := tx.ExecContext(ctx, query, runID, key, value, time.Now()); err != nil {
			return fmt.Errorf("failed to write %s %s: %w", table, key, err)
		}
	}
	return nil
}

func readMeta(ctx context.Context, db *sql.DB, table, runID, key string) (string, error) {
	query := fmt.Sprintf("SELECT value FROM %s WHERE run_id = ? AND key = ?", table)
	var value string
	err := db.QueryRowContext(ctx, query, runID, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s %s: %w", table, key, err)
	}
	return value, nil
}
