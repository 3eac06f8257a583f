package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ========================================
// TaskStore - SQLite 任务与步骤存储
// ========================================

// TaskFilter narrows ListTasks results.
type TaskFilter struct {
	SessionID string
	Status    TaskStatus
	Limit     int
	Offset    int
}

// TaskStore persists task metadata and step history. task_id is the
// canonical key throughout; implementations never leak surrogate keys.
// AppendSteps must tolerate replay for the same (taskId, step_number).
type TaskStore interface {
	CreateTask(ctx context.Context, t *Task) error
	UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus, endTime *time.Time, result, errMsg string) error
	AppendSteps(ctx context.Context, taskID string, steps []StepRecord) error
	GetTask(ctx context.Context, taskID string) (*Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]Task, error)
	GetSteps(ctx context.Context, taskID string, limit, offset int) ([]StepRecord, error)
	GetScreenshots(ctx context.Context, taskID string) ([]string, error)
	Close() error
}

// SQL Schema
const taskSchemaSQL = `
-- 启用 WAL 模式提升并发写入性能
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;
PRAGMA cache_size = -16000;
PRAGMA temp_store = MEMORY;

CREATE TABLE IF NOT EXISTS tasks (
    task_id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    description TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    last_activity INTEGER NOT NULL,
    end_time INTEGER,
    result TEXT,
    error TEXT
);

CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks(session_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at DESC);

CREATE TABLE IF NOT EXISTS steps (
    task_id TEXT NOT NULL,
    step_number INTEGER NOT NULL,
    step_type TEXT NOT NULL,
    payload TEXT,
    thought TEXT,
    outcome TEXT NOT NULL,
    screenshot_ref TEXT,
    duration_ms INTEGER DEFAULT 0,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (task_id, step_number)
);

CREATE INDEX IF NOT EXISTS idx_steps_task ON steps(task_id, step_number);
`

// SQLiteTaskStore is the production TaskStore.
type SQLiteTaskStore struct {
	db     *sql.DB
	dbPath string

	stmtInsertTask *sql.Stmt
	stmtUpdateTask *sql.Stmt
	stmtUpsertStep *sql.Stmt
}

// NewSQLiteTaskStore opens (or creates) the store under dataDir.
func NewSQLiteTaskStore(dataDir string) (*SQLiteTaskStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, "tasks.db")

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open task database: %w", err)
	}

	s := &SQLiteTaskStore{db: db, dbPath: dbPath}
	if _, err := db.Exec(taskSchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteTaskStore) prepareStatements() error {
	var err error

	s.stmtInsertTask, err = s.db.Prepare(`
		INSERT INTO tasks (task_id, session_id, description, status, created_at, last_activity, end_time, result, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert task: %w", err)
	}

	s.stmtUpdateTask, err = s.db.Prepare(`
		UPDATE tasks SET status = ?, last_activity = ?, end_time = ?, result = ?, error = ?
		WHERE task_id = ?`)
	if err != nil {
		return fmt.Errorf("prepare update task: %w", err)
	}

	// 幂等写入：重放同一 (task_id, step_number) 不产生重复行
	s.stmtUpsertStep, err = s.db.Prepare(`
		INSERT INTO steps (task_id, step_number, step_type, payload, thought, outcome, screenshot_ref, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id, step_number) DO UPDATE SET
			step_type = excluded.step_type,
			payload = excluded.payload,
			thought = excluded.thought,
			outcome = excluded.outcome,
			screenshot_ref = excluded.screenshot_ref,
			duration_ms = excluded.duration_ms`)
	if err != nil {
		return fmt.Errorf("prepare upsert step: %w", err)
	}

	return nil
}

// Close releases prepared statements and the database handle.
func (s *SQLiteTaskStore) Close() error {
	if s.stmtInsertTask != nil {
		s.stmtInsertTask.Close()
	}
	if s.stmtUpdateTask != nil {
		s.stmtUpdateTask.Close()
	}
	if s.stmtUpsertStep != nil {
		s.stmtUpsertStep.Close()
	}
	return s.db.Close()
}

// CreateTask inserts a new task row.
func (s *SQLiteTaskStore) CreateTask(ctx context.Context, t *Task) error {
	var endTime any
	if t.EndTime != nil {
		endTime = t.EndTime.UnixMilli()
	}
	_, err := s.stmtInsertTask.ExecContext(ctx,
		t.ID, t.SessionID, t.Description, string(t.Status),
		t.CreatedAt.UnixMilli(), t.LastActivity.UnixMilli(), endTime,
		nullString(t.Result), nullString(t.Error))
	if err != nil {
		return agentErr(KindStoreError, "create_task", t.ID, err)
	}
	return nil
}

// UpdateTaskStatus atomically updates the status fields and stamps
// last_activity.
func (s *SQLiteTaskStore) UpdateTaskStatus(ctx context.Context, taskID string, status TaskStatus, endTime *time.Time, result, errMsg string) error {
	var end any
	if endTime != nil {
		end = endTime.UnixMilli()
	}
	_, err := s.stmtUpdateTask.ExecContext(ctx,
		string(status), time.Now().UnixMilli(), end,
		nullString(result), nullString(errMsg), taskID)
	if err != nil {
		return agentErr(KindStoreError, "update_task", taskID, err)
	}
	return nil
}

// AppendSteps writes a batch of step records in order within one
// transaction. Replays are upserts, so retries after partial failure are
// safe.
func (s *SQLiteTaskStore) AppendSteps(ctx context.Context, taskID string, steps []StepRecord) error {
	if len(steps) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return agentErr(KindStoreError, "append_steps", "begin transaction", err)
	}
	defer tx.Rollback()

	stmt := tx.Stmt(s.stmtUpsertStep)
	for _, step := range steps {
		var payload any
		if len(step.Payload) > 0 {
			payload = string(step.Payload)
		}
		_, err := stmt.ExecContext(ctx,
			taskID, step.StepNumber, string(step.Type), payload,
			nullString(step.Thought), string(step.Outcome),
			nullString(step.ScreenshotRef), step.DurationMs,
			step.CreatedAt.UnixMilli())
		if err != nil {
			return agentErr(KindStoreError, "append_steps",
				fmt.Sprintf("step %d", step.StepNumber), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return agentErr(KindStoreError, "append_steps", "commit", err)
	}
	return nil
}

// GetTask loads one task by id; nil when absent.
func (s *SQLiteTaskStore) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, session_id, description, status, created_at, last_activity, end_time, result, error
		FROM tasks WHERE task_id = ?`, taskID)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, agentErr(KindStoreError, "get_task", taskID, err)
	}
	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var status string
	var createdAt, lastActivity int64
	var endTime sql.NullInt64
	var result, errMsg sql.NullString

	err := row.Scan(&t.ID, &t.SessionID, &t.Description, &status,
		&createdAt, &lastActivity, &endTime, &result, &errMsg)
	if err != nil {
		return nil, err
	}
	t.Status = TaskStatus(status)
	t.CreatedAt = time.UnixMilli(createdAt)
	t.LastActivity = time.UnixMilli(lastActivity)
	if endTime.Valid {
		end := time.UnixMilli(endTime.Int64)
		t.EndTime = &end
	}
	t.Result = result.String
	t.Error = errMsg.String
	return &t, nil
}

// ListTasks returns tasks matching the filter, newest first.
func (s *SQLiteTaskStore) ListTasks(ctx context.Context, f TaskFilter) ([]Task, error) {
	query := `SELECT task_id, session_id, description, status, created_at, last_activity, end_time, result, error FROM tasks WHERE 1=1`
	var args []any
	if f.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, f.SessionID)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, agentErr(KindStoreError, "list_tasks", "query", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, agentErr(KindStoreError, "list_tasks", "scan", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// GetSteps returns the ordered step history of one task.
func (s *SQLiteTaskStore) GetSteps(ctx context.Context, taskID string, limit, offset int) ([]StepRecord, error) {
	query := `
		SELECT step_number, step_type, payload, thought, outcome, screenshot_ref, duration_ms, created_at
		FROM steps WHERE task_id = ? ORDER BY step_number`
	var args []any
	args = append(args, taskID)
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, agentErr(KindStoreError, "get_steps", taskID, err)
	}
	defer rows.Close()

	var steps []StepRecord
	for rows.Next() {
		var rec StepRecord
		var stepType, outcome string
		var payload, thought, screenshotRef sql.NullString
		var createdAt int64
		if err := rows.Scan(&rec.StepNumber, &stepType, &payload, &thought,
			&outcome, &screenshotRef, &rec.DurationMs, &createdAt); err != nil {
			return nil, agentErr(KindStoreError, "get_steps", "scan", err)
		}
		rec.TaskID = taskID
		rec.Type = StepType(stepType)
		rec.Outcome = StepOutcome(outcome)
		if payload.Valid {
			rec.Payload = json.RawMessage(payload.String)
		}
		rec.Thought = thought.String
		rec.ScreenshotRef = screenshotRef.String
		rec.CreatedAt = time.UnixMilli(createdAt)
		steps = append(steps, rec)
	}
	return steps, rows.Err()
}

// GetScreenshots returns the screenshot references of one task, in step
// order.
func (s *SQLiteTaskStore) GetScreenshots(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT screenshot_ref FROM steps
		WHERE task_id = ? AND screenshot_ref IS NOT NULL AND screenshot_ref != ''
		ORDER BY step_number`, taskID)
	if err != nil {
		return nil, agentErr(KindStoreError, "get_screenshots", taskID, err)
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, agentErr(KindStoreError, "get_screenshots", "scan", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
