// Package repo provides the SQLite-backed implementation of core.Repository.
package repo

import (
	"context"
	"crypto/rand"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/maestro-ai/maestro/internal/core"
)

//go:embed migrations/001_initial_schema.sql
var migrationV1 string

// SQLiteRepository persists workflow state, checkpoints, tasks, logs and
// events in a single SQLite database opened in WAL mode.
type SQLiteRepository struct {
	db *sql.DB

	// ulid.Monotonic is not safe for concurrent use.
	ulidMu sync.Mutex
	ulidT  *ulid.MonotonicEntropy
}

// NewSQLiteRepository opens (creating if needed) the database at dbPath and
// applies pending migrations.
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	r := &SQLiteRepository{
		db:    db,
		ulidT: ulid.Monotonic(rand.Reader, 0),
	}
	if err := r.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return r, nil
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// Backup writes a consistent snapshot of the database to destPath using
// VACUUM INTO. The destination must not already exist; SQLite refuses to
// overwrite it.
func (r *SQLiteRepository) Backup(ctx context.Context, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o750); err != nil {
		return fmt.Errorf("creating backup directory: %w", err)
	}
	// VACUUM INTO takes a string literal, not a bind parameter.
	quoted := strings.ReplaceAll(destPath, "'", "''")
	if _, err := r.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", quoted)); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) migrate() error {
	var version int
	// Table may not exist yet; treat any error as version 0.
	_ = r.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)

	if version < 1 {
		if _, err := r.db.Exec(migrationV1); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
	}
	return nil
}

func (r *SQLiteRepository) newULID() string {
	r.ulidMu.Lock()
	defer r.ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), r.ulidT).String()
}

// SaveState upserts the latest workflow state for a project.
func (r *SQLiteRepository) SaveState(ctx context.Context, state *core.WorkflowState) error {
	state.UpdatedAt = time.Now()
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO workflow_states (project_name, thread_id, state, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(project_name) DO UPDATE SET
			thread_id = excluded.thread_id,
			state = excluded.state,
			updated_at = excluded.updated_at
	`, state.ProjectName, state.ThreadID, string(blob), state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting state: %w", err)
	}
	return nil
}

// LoadState returns the latest saved state for a project.
func (r *SQLiteRepository) LoadState(ctx context.Context, projectName string) (*core.WorkflowState, error) {
	var blob string
	err := r.db.QueryRowContext(ctx,
		"SELECT state FROM workflow_states WHERE project_name = ?", projectName).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound("workflow state", projectName)
	}
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}
	var state core.WorkflowState
	if err := json.Unmarshal([]byte(blob), &state); err != nil {
		return nil, fmt.Errorf("unmarshaling state: %w", err)
	}
	return &state, nil
}

// SaveCheckpoint appends a checkpoint to its thread's chain. The write is
// rejected with a conflict error when the caller's PreviousID does not match
// the thread's latest checkpoint, which detects concurrent writers.
func (r *SQLiteRepository) SaveCheckpoint(ctx context.Context, cp *core.Checkpoint) error {
	if cp.ID == "" {
		cp.ID = r.newULID()
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now()
	}

	stateBlob, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("marshaling checkpoint state: %w", err)
	}
	pendingBlob, err := json.Marshal(cp.PendingNodes)
	if err != nil {
		return fmt.Errorf("marshaling pending nodes: %w", err)
	}
	var interruptBlob []byte
	if cp.Interrupt != nil {
		if interruptBlob, err = json.Marshal(cp.Interrupt); err != nil {
			return fmt.Errorf("marshaling interrupt: %w", err)
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var latest sql.NullString
	err = tx.QueryRowContext(ctx,
		"SELECT id FROM checkpoints WHERE thread_id = ? ORDER BY id DESC LIMIT 1",
		cp.ThreadID).Scan(&latest)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("reading latest checkpoint: %w", err)
	}
	if latest.String != cp.PreviousID {
		return core.ErrConflict(fmt.Sprintf(
			"checkpoint chain moved: have %q, caller expected %q", latest.String, cp.PreviousID))
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (id, thread_id, previous_id, status, state, pending_nodes, interrupt, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, cp.ID, cp.ThreadID, nullable(cp.PreviousID), string(cp.Status),
		string(stateBlob), string(pendingBlob), nullableBytes(interruptBlob), cp.Timestamp)
	if err != nil {
		return fmt.Errorf("inserting checkpoint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint returns the newest checkpoint of a thread.
func (r *SQLiteRepository) LatestCheckpoint(ctx context.Context, threadID string) (*core.Checkpoint, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, thread_id, previous_id, status, state, pending_nodes, interrupt, created_at
		FROM checkpoints WHERE thread_id = ? ORDER BY id DESC LIMIT 1
	`, threadID)
	cp, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound("checkpoint", threadID)
	}
	return cp, err
}

// CheckpointHistory returns the newest checkpoints of a thread, newest first.
func (r *SQLiteRepository) CheckpointHistory(ctx context.Context, threadID string, limit int) ([]*core.Checkpoint, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, thread_id, previous_id, status, state, pending_nodes, interrupt, created_at
		FROM checkpoints WHERE thread_id = ? ORDER BY id DESC LIMIT ?
	`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying checkpoints: %w", err)
	}
	defer rows.Close()

	var history []*core.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		history = append(history, cp)
	}
	return history, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*core.Checkpoint, error) {
	var (
		cp            core.Checkpoint
		previousID    sql.NullString
		stateBlob     string
		pendingBlob   sql.NullString
		interruptBlob sql.NullString
		status        string
	)
	err := row.Scan(&cp.ID, &cp.ThreadID, &previousID, &status,
		&stateBlob, &pendingBlob, &interruptBlob, &cp.Timestamp)
	if err != nil {
		return nil, err
	}
	cp.PreviousID = previousID.String
	cp.Status = core.CheckpointStatus(status)
	cp.State = &core.WorkflowState{}
	if err := json.Unmarshal([]byte(stateBlob), cp.State); err != nil {
		return nil, fmt.Errorf("unmarshaling checkpoint state: %w", err)
	}
	if pendingBlob.Valid && pendingBlob.String != "" {
		if err := json.Unmarshal([]byte(pendingBlob.String), &cp.PendingNodes); err != nil {
			return nil, fmt.Errorf("unmarshaling pending nodes: %w", err)
		}
	}
	if interruptBlob.Valid && interruptBlob.String != "" {
		cp.Interrupt = &core.InterruptPayload{}
		if err := json.Unmarshal([]byte(interruptBlob.String), cp.Interrupt); err != nil {
			return nil, fmt.Errorf("unmarshaling interrupt: %w", err)
		}
	}
	return &cp, nil
}

// SavePhaseOutput appends a phase output record.
func (r *SQLiteRepository) SavePhaseOutput(ctx context.Context, out *core.PhaseOutput) error {
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now()
	}
	blob, err := json.Marshal(out.Output)
	if err != nil {
		return fmt.Errorf("marshaling phase output: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO phase_outputs (project_name, phase, output, created_at)
		VALUES (?, ?, ?, ?)
	`, out.ProjectName, int(out.Phase), string(blob), out.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting phase output: %w", err)
	}
	return nil
}

// LatestPhaseOutput returns the newest output for a project phase.
func (r *SQLiteRepository) LatestPhaseOutput(ctx context.Context, projectName string, phase core.Phase) (*core.PhaseOutput, error) {
	var (
		blob      string
		createdAt time.Time
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT output, created_at FROM phase_outputs
		WHERE project_name = ? AND phase = ? ORDER BY id DESC LIMIT 1
	`, projectName, int(phase)).Scan(&blob, &createdAt)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound("phase output", fmt.Sprintf("%s/%s", projectName, phase))
	}
	if err != nil {
		return nil, fmt.Errorf("loading phase output: %w", err)
	}
	out := &core.PhaseOutput{ProjectName: projectName, Phase: phase, CreatedAt: createdAt}
	if err := json.Unmarshal([]byte(blob), &out.Output); err != nil {
		return nil, fmt.Errorf("unmarshaling phase output: %w", err)
	}
	return out, nil
}

// SaveTask upserts a task for a project.
func (r *SQLiteRepository) SaveTask(ctx context.Context, projectName string, task *core.Task) error {
	blob, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshaling task: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO tasks (project_name, task_id, status, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(project_name, task_id) DO UPDATE SET
			status = excluded.status,
			data = excluded.data,
			updated_at = excluded.updated_at
	`, projectName, string(task.ID), string(task.Status), string(blob), time.Now())
	if err != nil {
		return fmt.Errorf("upserting task: %w", err)
	}
	return nil
}

// LoadTasks returns all tasks of a project ordered by id.
func (r *SQLiteRepository) LoadTasks(ctx context.Context, projectName string) ([]*core.Task, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT data FROM tasks WHERE project_name = ? ORDER BY task_id", projectName)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*core.Task
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		var task core.Task
		if err := json.Unmarshal([]byte(blob), &task); err != nil {
			return nil, fmt.Errorf("unmarshaling task: %w", err)
		}
		tasks = append(tasks, &task)
	}
	return tasks, rows.Err()
}

// AppendLog appends one log record.
func (r *SQLiteRepository) AppendLog(ctx context.Context, entry *core.LogEntry) error {
	if entry.ID == "" {
		entry.ID = r.newULID()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	var dataBlob []byte
	if entry.Data != nil {
		var err error
		if dataBlob, err = json.Marshal(entry.Data); err != nil {
			return fmt.Errorf("marshaling log data: %w", err)
		}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO logs (id, project_name, log_type, task_id, message, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.ProjectName, entry.LogType, nullable(string(entry.TaskID)),
		entry.Message, nullableBytes(dataBlob), entry.Timestamp)
	if err != nil {
		return fmt.Errorf("inserting log: %w", err)
	}
	return nil
}

// QueryLogs returns matching log entries, newest first. Empty logType or
// taskID matches everything.
func (r *SQLiteRepository) QueryLogs(ctx context.Context, projectName, logType string, taskID core.TaskID, limit int) ([]*core.LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := "SELECT id, project_name, log_type, task_id, message, data, created_at FROM logs WHERE project_name = ?"
	args := []any{projectName}
	if logType != "" {
		query += " AND log_type = ?"
		args = append(args, logType)
	}
	if taskID != "" {
		query += " AND task_id = ?"
		args = append(args, string(taskID))
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying logs: %w", err)
	}
	defer rows.Close()

	var entries []*core.LogEntry
	for rows.Next() {
		var (
			entry   core.LogEntry
			taskCol sql.NullString
			dataCol sql.NullString
		)
		if err := rows.Scan(&entry.ID, &entry.ProjectName, &entry.LogType,
			&taskCol, &entry.Message, &dataCol, &entry.Timestamp); err != nil {
			return nil, err
		}
		entry.TaskID = core.TaskID(taskCol.String)
		if dataCol.Valid && dataCol.String != "" {
			if err := json.Unmarshal([]byte(dataCol.String), &entry.Data); err != nil {
				return nil, fmt.Errorf("unmarshaling log data: %w", err)
			}
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// AppendEvents inserts a batch of events in one transaction.
func (r *SQLiteRepository) AppendEvents(ctx context.Context, events []core.Event) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (id, project_name, event_type, priority, node_name, task_id, phase, correlation_id, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing event insert: %w", err)
	}
	defer stmt.Close()

	for i := range events {
		e := &events[i]
		if e.ID == "" {
			e.ID = r.newULID()
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = time.Now()
		}
		var phase any
		if e.Phase != nil {
			phase = int(*e.Phase)
		}
		var dataBlob []byte
		if e.Data != nil {
			if dataBlob, err = json.Marshal(e.Data); err != nil {
				return fmt.Errorf("marshaling event data: %w", err)
			}
		}
		if _, err := stmt.ExecContext(ctx, e.ID, e.ProjectName, e.EventType,
			string(e.Priority), nullable(e.NodeName), nullable(string(e.TaskID)),
			phase, nullable(e.CorrelationID), nullableBytes(dataBlob), e.Timestamp); err != nil {
			return fmt.Errorf("inserting event: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing events: %w", err)
	}
	return nil
}

// QueryEvents returns events at or above a priority since a time, oldest
// first.
func (r *SQLiteRepository) QueryEvents(ctx context.Context, projectName string, since time.Time, minPriority core.EventPriority, limit int) ([]core.Event, error) {
	if limit <= 0 {
		limit = 200
	}
	query := `
		SELECT id, project_name, event_type, priority, node_name, task_id, phase, correlation_id, data, created_at
		FROM events WHERE project_name = ? AND created_at >= ?`
	args := []any{projectName, since}
	// The priority filter must precede LIMIT, or a busy window of
	// low-priority events crowds the matches out of the page.
	switch minPriority {
	case core.PriorityHigh:
		query += " AND priority = ?"
		args = append(args, string(core.PriorityHigh))
	case core.PriorityMedium:
		query += " AND priority IN (?, ?)"
		args = append(args, string(core.PriorityMedium), string(core.PriorityHigh))
	}
	query += " ORDER BY id ASC LIMIT ?"
	args = append(args, limit)
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []core.Event
	for rows.Next() {
		var (
			e       core.Event
			nodeCol sql.NullString
			taskCol sql.NullString
			phase   sql.NullInt64
			corrCol sql.NullString
			dataCol sql.NullString
			prio    string
		)
		if err := rows.Scan(&e.ID, &e.ProjectName, &e.EventType, &prio,
			&nodeCol, &taskCol, &phase, &corrCol, &dataCol, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Priority = core.EventPriority(prio)
		e.NodeName = nodeCol.String
		e.TaskID = core.TaskID(taskCol.String)
		e.CorrelationID = corrCol.String
		if phase.Valid {
			p := core.Phase(phase.Int64)
			e.Phase = &p
		}
		if dataCol.Valid && dataCol.String != "" {
			if err := json.Unmarshal([]byte(dataCol.String), &e.Data); err != nil {
				return nil, fmt.Errorf("unmarshaling event data: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// DeleteEventsBefore removes events older than the cutoff and reports how
// many were deleted.
func (r *SQLiteRepository) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM events WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
