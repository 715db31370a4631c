// Package store persists flow state between asynchronous steps in a local
// SQLite database: flows, their pending requests, their log lines, and an
// outbox of emitted results awaiting publication.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/opensandbox/proclist/pkg/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS flows (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    client_id TEXT NOT NULL,
    args TEXT NOT NULL,
    state TEXT NOT NULL,
    status TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    write_results INTEGER NOT NULL DEFAULT 1,
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);

CREATE TABLE IF NOT EXISTS pending_requests (
    id TEXT PRIMARY KEY,
    flow_id TEXT NOT NULL,
    next_state TEXT NOT NULL,
    request_data TEXT,
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);

CREATE TABLE IF NOT EXISTS flow_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    flow_id TEXT NOT NULL,
    message TEXT NOT NULL,
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);

CREATE TABLE IF NOT EXISTS results (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    flow_id TEXT NOT NULL,
    client_id TEXT NOT NULL,
    kind TEXT NOT NULL,
    payload TEXT NOT NULL,
    synced INTEGER DEFAULT 0,
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);

CREATE INDEX IF NOT EXISTS idx_pending_flow ON pending_requests(flow_id);
CREATE INDEX IF NOT EXISTS idx_logs_flow ON flow_logs(flow_id);
CREATE INDEX IF NOT EXISTS idx_results_flow ON results(flow_id);
CREATE INDEX IF NOT EXISTS idx_results_unsynced ON results(synced) WHERE synced = 0;
`

const timeLayout = "2006-01-02T15:04:05.000Z"

// ErrNotFound is returned when a flow or request does not exist.
var ErrNotFound = errors.New("not found")

// Store is the SQLite-backed flow state store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the flow database under dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "flows.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply sqlite schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Flow is a persisted flow instance.
type Flow struct {
	ID           string
	Name         string
	ClientID     string
	Args         types.FlowArgs
	State        string
	Status       types.FlowStatus
	Error        string
	WriteResults bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Info converts the record to its wire form.
func (f *Flow) Info(category string) types.FlowInfo {
	return types.FlowInfo{
		ID:           f.ID,
		Name:         f.Name,
		Category:     category,
		ClientID:     f.ClientID,
		Args:         f.Args,
		State:        f.State,
		Status:       f.Status,
		Error:        f.Error,
		WriteResults: f.WriteResults,
		CreatedAt:    f.CreatedAt,
		UpdatedAt:    f.UpdatedAt,
	}
}

// CreateFlow inserts a new running flow.
func (s *Store) CreateFlow(f *Flow) error {
	args, err := json.Marshal(f.Args)
	if err != nil {
		return fmt.Errorf("marshal flow args: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO flows (id, name, client_id, args, state, status, write_results) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Name, f.ClientID, string(args), f.State, string(f.Status), boolToInt(f.WriteResults))
	if err != nil {
		return fmt.Errorf("failed to create flow: %w", err)
	}
	return nil
}

const flowColumns = `id, name, client_id, args, state, status, error, write_results, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFlow(row rowScanner) (*Flow, error) {
	var (
		f                    Flow
		args, status         string
		writeResults         int
		createdAt, updatedAt string
	)
	if err := row.Scan(&f.ID, &f.Name, &f.ClientID, &args, &f.State, &status, &f.Error, &writeResults, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(args), &f.Args); err != nil {
		return nil, fmt.Errorf("decode flow args: %w", err)
	}
	f.Status = types.FlowStatus(status)
	f.WriteResults = writeResults != 0
	f.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	f.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return &f, nil
}

// GetFlow returns a flow by ID.
func (s *Store) GetFlow(id string) (*Flow, error) {
	f, err := scanFlow(s.db.QueryRow(`SELECT `+flowColumns+` FROM flows WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("flow %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flow: %w", err)
	}
	return f, nil
}

// ListFlows returns flows, newest first. An empty clientID lists all clients.
func (s *Store) ListFlows(clientID string, limit int) ([]*Flow, error) {
	query := `SELECT ` + flowColumns + ` FROM flows`
	var args []any
	if clientID != "" {
		query += ` WHERE client_id = ?`
		args = append(args, clientID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}
	defer rows.Close()

	var flows []*Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	return flows, rows.Err()
}

// SetState records the state a flow is suspended in.
func (s *Store) SetState(id, state string) error {
	_, err := s.db.Exec(
		`UPDATE flows SET state = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now') WHERE id = ?`,
		state, id)
	return err
}

// FinishFlow marks a flow terminal. errText is empty on success.
func (s *Store) FinishFlow(id, state string, status types.FlowStatus, errText string) error {
	_, err := s.db.Exec(
		`UPDATE flows SET state = ?, status = ?, error = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now') WHERE id = ?`,
		state, string(status), errText, id)
	if err != nil {
		return fmt.Errorf("failed to finish flow: %w", err)
	}
	return nil
}

// PendingRequest binds a suspended flow to the reply it awaits.
type PendingRequest struct {
	ID          string
	FlowID      string
	NextState   string
	RequestData json.RawMessage
}

// AddPendingRequest records an outstanding request.
func (s *Store) AddPendingRequest(req *PendingRequest) error {
	_, err := s.db.Exec(
		`INSERT INTO pending_requests (id, flow_id, next_state, request_data) VALUES (?, ?, ?, ?)`,
		req.ID, req.FlowID, req.NextState, string(req.RequestData))
	if err != nil {
		return fmt.Errorf("failed to add pending request: %w", err)
	}
	return nil
}

// ClaimPendingRequest removes and returns a pending request. Exactly one
// caller can claim a given request; later callers get ErrNotFound.
func (s *Store) ClaimPendingRequest(id string) (*PendingRequest, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var (
		req  PendingRequest
		data sql.NullString
	)
	err = tx.QueryRow(`SELECT id, flow_id, next_state, request_data FROM pending_requests WHERE id = ?`, id).
		Scan(&req.ID, &req.FlowID, &req.NextState, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	res, err := tx.Exec(`DELETE FROM pending_requests WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, fmt.Errorf("request %s: %w", id, ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	if data.Valid {
		req.RequestData = json.RawMessage(data.String)
	}
	return &req, nil
}

// RunningFlows returns every flow that has not reached a terminal status.
func (s *Store) RunningFlows() ([]*Flow, error) {
	rows, err := s.db.Query(`SELECT `+flowColumns+` FROM flows WHERE status = ? ORDER BY created_at`, string(types.FlowStatusRunning))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flows []*Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	return flows, rows.Err()
}

// PendingForFlow returns the outstanding requests of a flow.
func (s *Store) PendingForFlow(flowID string) ([]*PendingRequest, error) {
	rows, err := s.db.Query(
		`SELECT id, flow_id, next_state, request_data FROM pending_requests WHERE flow_id = ? ORDER BY created_at`, flowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []*PendingRequest
	for rows.Next() {
		var (
			req  PendingRequest
			data sql.NullString
		)
		if err := rows.Scan(&req.ID, &req.FlowID, &req.NextState, &data); err != nil {
			return nil, err
		}
		if data.Valid {
			req.RequestData = json.RawMessage(data.String)
		}
		reqs = append(reqs, &req)
	}
	return reqs, rows.Err()
}

// AppendLog records a flow log line.
func (s *Store) AppendLog(flowID, message string) error {
	_, err := s.db.Exec(`INSERT INTO flow_logs (flow_id, message) VALUES (?, ?)`, flowID, message)
	return err
}

// Logs returns log lines of a flow with id > afterID, oldest first.
func (s *Store) Logs(flowID string, afterID int64) ([]types.FlowLog, error) {
	rows, err := s.db.Query(
		`SELECT id, flow_id, message, created_at FROM flow_logs WHERE flow_id = ? AND id > ? ORDER BY id ASC`,
		flowID, afterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []types.FlowLog
	for rows.Next() {
		var (
			l  types.FlowLog
			ts string
		)
		if err := rows.Scan(&l.ID, &l.FlowID, &l.Message, &ts); err != nil {
			return nil, err
		}
		l.CreatedAt, _ = time.Parse(timeLayout, ts)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// AddResult appends a result to the outbox.
func (s *Store) AddResult(flowID, clientID, kind string, payload any) (int64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal result: %w", err)
	}
	res, err := s.db.Exec(
		`INSERT INTO results (flow_id, client_id, kind, payload) VALUES (?, ?, ?, ?)`,
		flowID, clientID, kind, string(data))
	if err != nil {
		return 0, fmt.Errorf("failed to add result: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) queryResults(query string, args ...any) ([]types.FlowResult, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []types.FlowResult
	for rows.Next() {
		var (
			r           types.FlowResult
			payload, ts string
		)
		if err := rows.Scan(&r.ID, &r.FlowID, &r.ClientID, &r.Kind, &payload, &ts); err != nil {
			return nil, err
		}
		r.Payload = json.RawMessage(payload)
		r.CreatedAt, _ = time.Parse(timeLayout, ts)
		results = append(results, r)
	}
	return results, rows.Err()
}

// Results returns results of a flow with id > afterID in emission order.
func (s *Store) Results(flowID string, afterID int64) ([]types.FlowResult, error) {
	return s.queryResults(
		`SELECT id, flow_id, client_id, kind, payload, created_at FROM results WHERE flow_id = ? AND id > ? ORDER BY id ASC`,
		flowID, afterID)
}

// UnsyncedResults returns results not yet published, oldest first.
func (s *Store) UnsyncedResults(limit int) ([]types.FlowResult, error) {
	return s.queryResults(
		`SELECT id, flow_id, client_id, kind, payload, created_at FROM results WHERE synced = 0 ORDER BY id ASC LIMIT ?`,
		limit)
}

// MarkResultsSynced marks the given result IDs as published.
func (s *Store) MarkResultsSynced(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`UPDATE results SET synced = 1 WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.Exec(id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
