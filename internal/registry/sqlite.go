package registry

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"execflow/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS executions (
  id TEXT PRIMARY KEY,
  workflow_type TEXT NOT NULL,
  priority INTEGER NOT NULL DEFAULT 2,
  status TEXT NOT NULL CHECK(status IN ('idle','analyzing','dispatching','monitoring','completed','error_recovery','failed')) DEFAULT 'idle',
  context BLOB,
  created_at DATETIME NOT NULL,
  scheduled_at DATETIME,
  dispatched_at DATETIME,
  deadline_at DATETIME,
  completed_at DATETIME,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 3,
  next_retry_at DATETIME,
  parent_id TEXT,
  boosted INTEGER NOT NULL DEFAULT 0,
  last_error_kind TEXT,
  last_error_message TEXT,
  last_error_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_exec_ready ON executions(status, next_retry_at, priority DESC, created_at ASC);
CREATE INDEX IF NOT EXISTS idx_exec_deadline ON executions(status, deadline_at);
CREATE TABLE IF NOT EXISTS execution_attempts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  execution_id TEXT NOT NULL,
  attempt INTEGER NOT NULL,
  started_at DATETIME NOT NULL,
  finished_at DATETIME,
  outcome TEXT NOT NULL DEFAULT '',
  error TEXT NOT NULL DEFAULT '',
  FOREIGN KEY(execution_id) REFERENCES executions(id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_attempts_exec ON execution_attempts(execution_id, attempt);
CREATE TABLE IF NOT EXISTS dead_letters (
  execution_id TEXT PRIMARY KEY,
  workflow_type TEXT NOT NULL,
  priority INTEGER NOT NULL,
  context BLOB,
  attempt_count INTEGER NOT NULL,
  failed_at DATETIME NOT NULL,
  last_error_kind TEXT,
  last_error_message TEXT,
  last_error_at DATETIME,
  requeued INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS resource_usage (
  kind TEXT NOT NULL,
  day TEXT NOT NULL,
  used REAL NOT NULL DEFAULT 0,
  PRIMARY KEY(kind, day)
);
CREATE TABLE IF NOT EXISTS triggers (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  cron_expr TEXT NOT NULL,
  workflow_type TEXT NOT NULL,
  priority INTEGER NOT NULL DEFAULT 2,
  context BLOB,
  enabled INTEGER NOT NULL DEFAULT 1,
  last_run DATETIME,
  next_run DATETIME NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_triggers_next_run ON triggers(enabled, next_run);
`
	_, err := db.Exec(schema)
	return err
}

// Store is the persistence contract of the execution registry. Guarded
// mutators return false when the row was not in the expected prior state,
// which is how sweep/callback races resolve to exactly-once transitions.
type Store interface {
	Enqueue(ctx context.Context, e domain.Execution) (string, error)
	Get(ctx context.Context, id string) (domain.Execution, error)
	Ready(ctx context.Context, now time.Time, limit int) ([]domain.Execution, error)
	CountReady(ctx context.Context, now time.Time) (int, error)
	CountInFlight(ctx context.Context) (int, error)
	InFlight(ctx context.Context) ([]domain.Execution, error)
	ExpiredInFlight(ctx context.Context, now time.Time) ([]domain.Execution, error)
	RetryDue(ctx context.Context, now time.Time) ([]domain.Execution, error)

	MarkAnalyzing(ctx context.Context, id string, at time.Time) (bool, error)
	RequeueIdle(ctx context.Context, id string) (bool, error)
	MarkDispatching(ctx context.Context, id string, at, deadline time.Time) (bool, error)
	MarkMonitoring(ctx context.Context, id string, attempt int) (bool, error)
	MarkCompleted(ctx context.Context, id string, attempt int, at time.Time) (bool, error)
	MarkErrorRecovery(ctx context.Context, id string, attempt int, from domain.Status, info domain.ErrorInfo, nextRetry *time.Time) (bool, error)
	MarkFailed(ctx context.Context, id string, info domain.ErrorInfo, at time.Time) (bool, error)
	RetryToIdle(ctx context.Context, id string) (bool, error)
	SetBoosted(ctx context.Context, id string) (bool, error)

	Attempts(ctx context.Context, id string) ([]domain.Attempt, error)

	InsertDeadLetter(ctx context.Context, dl domain.DeadLetter) (bool, error)
	ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error)
	GetDeadLetter(ctx context.Context, id string) (domain.DeadLetter, error)
	MarkRequeued(ctx context.Context, id string) error

	DailyUsage(ctx context.Context, kind domain.BudgetKind, day string) (float64, error)
	AddDailyUsage(ctx context.Context, kind domain.BudgetKind, day string, amount float64) error

	CreateTrigger(ctx context.Context, t domain.Trigger) (string, error)
	GetTrigger(ctx context.Context, id string) (domain.Trigger, error)
	ListTriggers(ctx context.Context) ([]domain.Trigger, error)
	UpdateTrigger(ctx context.Context, t domain.Trigger) error
	DeleteTrigger(ctx context.Context, id string) error
	DueTriggers(ctx context.Context, now time.Time) ([]domain.Trigger, error)
	UpdateTriggerRun(ctx context.Context, id string, lastRun, nextRun time.Time) error
}

type sqliteStore struct{ db *sql.DB }

// NewSQLite wraps an opened SQLite handle. Callers run EnsureSchema first.
func NewSQLite(db *sql.DB) Store { return &sqliteStore{db: db} }

// Times are stored as UTC text so SQLite's lexicographic datetime
// comparisons hold regardless of the process timezone.
func utc(t time.Time) time.Time { return t.UTC() }

func utcp(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

const execColumns = `id,workflow_type,priority,status,context,created_at,scheduled_at,dispatched_at,deadline_at,completed_at,attempt_count,max_attempts,next_retry_at,parent_id,boosted,last_error_kind,last_error_message,last_error_at`

func (s *sqliteStore) Enqueue(ctx context.Context, e domain.Execution) (string, error) {
	id := e.ID
	if id == "" {
		id = "exe_" + uuid.NewString()
	}
	if e.Priority == 0 {
		e.Priority = domain.PriorityNormal
	}
	if e.MaxAttempts == 0 {
		e.MaxAttempts = 3
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO executions (id,workflow_type,priority,status,context,created_at,max_attempts,parent_id)
VALUES (?,?,?,'idle',?,?,?,?)
`, id, e.WorkflowType, e.Priority, []byte(e.Context), utc(e.CreatedAt), e.MaxAttempts, e.ParentID)
	return id, err
}

func (s *sqliteStore) Get(ctx context.Context, id string) (domain.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+execColumns+` FROM executions WHERE id=?`, id)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Execution{}, domain.ErrNotFound
	}
	return e, err
}

// Ready orders candidates by the dispatch score itself (priority*10 +
// age in minutes), so a truncated result can never drop an aged
// low-priority row in favor of fresher higher-priority ones.
func (s *sqliteStore) Ready(ctx context.Context, now time.Time, limit int) ([]domain.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+execColumns+` FROM executions
WHERE status='idle' AND (next_retry_at IS NULL OR next_retry_at <= ?) AND attempt_count < max_attempts
ORDER BY priority*10 + (julianday(?) - julianday(created_at))*1440 DESC, created_at ASC
LIMIT ?`, utc(now), utc(now), limit)
	if err != nil {
		return nil, err
	}
	return scanExecutions(rows)
}

func (s *sqliteStore) CountReady(ctx context.Context, now time.Time) (int, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM executions
WHERE status='idle' AND (next_retry_at IS NULL OR next_retry_at <= ?) AND attempt_count < max_attempts`, utc(now))
	var n int
	err := row.Scan(&n)
	return n, err
}

func (s *sqliteStore) CountInFlight(ctx context.Context) (int, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM executions WHERE status IN ('dispatching','monitoring')`)
	var n int
	err := row.Scan(&n)
	return n, err
}

func (s *sqliteStore) InFlight(ctx context.Context) ([]domain.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+execColumns+` FROM executions
WHERE status IN ('dispatching','monitoring')
ORDER BY dispatched_at ASC`)
	if err != nil {
		return nil, err
	}
	return scanExecutions(rows)
}

func (s *sqliteStore) ExpiredInFlight(ctx context.Context, now time.Time) ([]domain.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+execColumns+` FROM executions
WHERE status IN ('dispatching','monitoring') AND deadline_at IS NOT NULL AND deadline_at <= ?
ORDER BY deadline_at ASC`, utc(now))
	if err != nil {
		return nil, err
	}
	return scanExecutions(rows)
}

func (s *sqliteStore) RetryDue(ctx context.Context, now time.Time) ([]domain.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+execColumns+` FROM executions
WHERE status='error_recovery' AND next_retry_at IS NOT NULL AND next_retry_at <= ?
ORDER BY next_retry_at ASC`, utc(now))
	if err != nil {
		return nil, err
	}
	return scanExecutions(rows)
}

func (s *sqliteStore) MarkAnalyzing(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.guarded(ctx, `UPDATE executions SET status='analyzing', scheduled_at=? WHERE id=? AND status='idle'`, utc(at), id)
}

func (s *sqliteStore) RequeueIdle(ctx context.Context, id string) (bool, error) {
	// Governor denial: back to idle unchanged, attempt_count untouched.
	return s.guarded(ctx, `UPDATE executions SET status='idle', scheduled_at=NULL WHERE id=? AND status='analyzing'`, id)
}

func (s *sqliteStore) MarkDispatching(ctx context.Context, id string, at, deadline time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
UPDATE executions
SET status='dispatching', attempt_count=attempt_count+1, dispatched_at=?, deadline_at=?, next_retry_at=NULL
WHERE id=? AND status='analyzing' AND attempt_count < max_attempts`, utc(at), utc(deadline), id)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO execution_attempts (execution_id, attempt, started_at)
SELECT id, attempt_count, ? FROM executions WHERE id=?`, utc(at), id)
	if err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *sqliteStore) MarkMonitoring(ctx context.Context, id string, attempt int) (bool, error) {
	return s.guarded(ctx, `
UPDATE executions SET status='monitoring'
WHERE id=? AND status='dispatching' AND attempt_count=?`, id, attempt)
}

func (s *sqliteStore) MarkCompleted(ctx context.Context, id string, attempt int, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
UPDATE executions SET status='completed', completed_at=?
WHERE id=? AND status='monitoring' AND attempt_count=?`, utc(at), id, attempt)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	_, err = tx.ExecContext(ctx, `
UPDATE execution_attempts SET finished_at=?, outcome='success'
WHERE execution_id=? AND attempt=?`, utc(at), id, attempt)
	if err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *sqliteStore) MarkErrorRecovery(ctx context.Context, id string, attempt int, from domain.Status, info domain.ErrorInfo, nextRetry *time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
UPDATE executions
SET status='error_recovery', next_retry_at=?, last_error_kind=?, last_error_message=?, last_error_at=?
WHERE id=? AND status=? AND attempt_count=?`,
		utcp(nextRetry), string(info.Kind), info.Message, utc(info.At), id, string(from), attempt)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	outcome := "failure"
	if info.Kind == domain.FailureTimeout {
		outcome = "timeout"
	}
	_, err = tx.ExecContext(ctx, `
UPDATE execution_attempts SET finished_at=?, outcome=?, error=?
WHERE execution_id=? AND attempt=?`, utc(info.At), outcome, info.Message, id, attempt)
	if err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *sqliteStore) MarkFailed(ctx context.Context, id string, info domain.ErrorInfo, at time.Time) (bool, error) {
	return s.guarded(ctx, `
UPDATE executions
SET status='failed', completed_at=?, next_retry_at=NULL, last_error_kind=?, last_error_message=?, last_error_at=?
WHERE id=? AND status='error_recovery'`, utc(at), string(info.Kind), info.Message, utc(info.At), id)
}

func (s *sqliteStore) RetryToIdle(ctx context.Context, id string) (bool, error) {
	return s.guarded(ctx, `
UPDATE executions SET status='idle', next_retry_at=NULL
WHERE id=? AND status='error_recovery' AND attempt_count < max_attempts`, id)
}

func (s *sqliteStore) SetBoosted(ctx context.Context, id string) (bool, error) {
	return s.guarded(ctx, `UPDATE executions SET boosted=1 WHERE id=? AND boosted=0`, id)
}

func (s *sqliteStore) guarded(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) Attempts(ctx context.Context, id string) ([]domain.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT execution_id, attempt, started_at, finished_at, outcome, error
FROM execution_attempts WHERE execution_id=? ORDER BY attempt ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []domain.Attempt
	for rows.Next() {
		var a domain.Attempt
		var finished sql.NullTime
		if err := rows.Scan(&a.ExecutionID, &a.Attempt, &a.StartedAt, &finished, &a.Outcome, &a.Error); err != nil {
			return nil, err
		}
		if finished.Valid {
			a.FinishedAt = &finished.Time
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func (s *sqliteStore) InsertDeadLetter(ctx context.Context, dl domain.DeadLetter) (bool, error) {
	var kind, msg any
	var at any
	if dl.LastError != nil {
		kind, msg, at = string(dl.LastError.Kind), dl.LastError.Message, utc(dl.LastError.At)
	}
	res, err := s.db.ExecContext(ctx, `
INSERT OR IGNORE INTO dead_letters (execution_id,workflow_type,priority,context,attempt_count,failed_at,last_error_kind,last_error_message,last_error_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		dl.ExecutionID, dl.WorkflowType, dl.Priority, []byte(dl.Context), dl.AttemptCount, utc(dl.FailedAt), kind, msg, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

const deadLetterColumns = `execution_id,workflow_type,priority,context,attempt_count,failed_at,last_error_kind,last_error_message,last_error_at,requeued`

func (s *sqliteStore) ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+deadLetterColumns+` FROM dead_letters ORDER BY failed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, dl)
	}
	return entries, rows.Err()
}

func (s *sqliteStore) GetDeadLetter(ctx context.Context, id string) (domain.DeadLetter, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deadLetterColumns+` FROM dead_letters WHERE execution_id=?`, id)
	dl, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DeadLetter{}, domain.ErrNotFound
	}
	return dl, err
}

func (s *sqliteStore) MarkRequeued(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE dead_letters SET requeued=1 WHERE execution_id=?`, id)
	return err
}

func (s *sqliteStore) DailyUsage(ctx context.Context, kind domain.BudgetKind, day string) (float64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT used FROM resource_usage WHERE kind=? AND day=?`, string(kind), day)
	var used float64
	err := row.Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return used, err
}

func (s *sqliteStore) AddDailyUsage(ctx context.Context, kind domain.BudgetKind, day string, amount float64) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO resource_usage (kind, day, used) VALUES (?,?,?)
ON CONFLICT(kind, day) DO UPDATE SET used = used + excluded.used`, string(kind), day, amount)
	return err
}

func (s *sqliteStore) CreateTrigger(ctx context.Context, t domain.Trigger) (string, error) {
	id := t.ID
	if id == "" {
		id = "trg_" + uuid.NewString()
	}
	if t.Priority == 0 {
		t.Priority = domain.PriorityNormal
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO triggers (id,name,cron_expr,workflow_type,priority,context,enabled,last_run,next_run)
VALUES (?,?,?,?,?,?,?,?,?)`,
		id, t.Name, t.CronExpr, t.WorkflowType, t.Priority, []byte(t.Context), t.Enabled, utcp(t.LastRun), utc(t.NextRun))
	return id, err
}

const triggerColumns = `id,name,cron_expr,workflow_type,priority,context,enabled,last_run,next_run,created_at,updated_at`

func (s *sqliteStore) GetTrigger(ctx context.Context, id string) (domain.Trigger, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+triggerColumns+` FROM triggers WHERE id=?`, id)
	t, err := scanTrigger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Trigger{}, domain.ErrNotFound
	}
	return t, err
}

func (s *sqliteStore) ListTriggers(ctx context.Context) ([]domain.Trigger, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+triggerColumns+` FROM triggers ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var triggers []domain.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, t)
	}
	return triggers, rows.Err()
}

func (s *sqliteStore) UpdateTrigger(ctx context.Context, t domain.Trigger) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE triggers SET name=?,cron_expr=?,workflow_type=?,priority=?,context=?,enabled=?,next_run=?,updated_at=CURRENT_TIMESTAMP
WHERE id=?`, t.Name, t.CronExpr, t.WorkflowType, t.Priority, []byte(t.Context), t.Enabled, utc(t.NextRun), t.ID)
	return err
}

func (s *sqliteStore) DeleteTrigger(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM triggers WHERE id=?`, id)
	return err
}

func (s *sqliteStore) DueTriggers(ctx context.Context, now time.Time) ([]domain.Trigger, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+triggerColumns+` FROM triggers WHERE enabled=1 AND next_run <= ? ORDER BY next_run`, utc(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var triggers []domain.Trigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		triggers = append(triggers, t)
	}
	return triggers, rows.Err()
}

func (s *sqliteStore) UpdateTriggerRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE triggers SET last_run=?, next_run=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`, utc(lastRun), utc(nextRun), id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (domain.Execution, error) {
	var e domain.Execution
	var ctx []byte
	var scheduled, dispatched, deadline, completed, nextRetry, errAt sql.NullTime
	var parent, errKind, errMsg sql.NullString
	err := row.Scan(&e.ID, &e.WorkflowType, &e.Priority, &e.Status, &ctx,
		&e.CreatedAt, &scheduled, &dispatched, &deadline, &completed,
		&e.AttemptCount, &e.MaxAttempts, &nextRetry, &parent, &e.Boosted,
		&errKind, &errMsg, &errAt)
	if err != nil {
		return domain.Execution{}, err
	}
	e.Context = ctx
	if scheduled.Valid {
		e.ScheduledAt = &scheduled.Time
	}
	if dispatched.Valid {
		e.DispatchedAt = &dispatched.Time
	}
	if deadline.Valid {
		e.DeadlineAt = &deadline.Time
	}
	if completed.Valid {
		e.CompletedAt = &completed.Time
	}
	if nextRetry.Valid {
		e.NextRetryAt = &nextRetry.Time
	}
	if parent.Valid {
		p := parent.String
		e.ParentID = &p
	}
	if errKind.Valid {
		e.LastError = &domain.ErrorInfo{
			Kind:    domain.FailureKind(errKind.String),
			Message: errMsg.String,
			At:      errAt.Time,
		}
	}
	return e, nil
}

func scanExecutions(rows *sql.Rows) ([]domain.Execution, error) {
	defer rows.Close()
	var out []domain.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanDeadLetter(row rowScanner) (domain.DeadLetter, error) {
	var dl domain.DeadLetter
	var ctx []byte
	var errKind, errMsg sql.NullString
	var errAt sql.NullTime
	err := row.Scan(&dl.ExecutionID, &dl.WorkflowType, &dl.Priority, &ctx,
		&dl.AttemptCount, &dl.FailedAt, &errKind, &errMsg, &errAt, &dl.Requeued)
	if err != nil {
		return domain.DeadLetter{}, err
	}
	dl.Context = ctx
	if errKind.Valid {
		dl.LastError = &domain.ErrorInfo{
			Kind:    domain.FailureKind(errKind.String),
			Message: errMsg.String,
			At:      errAt.Time,
		}
	}
	return dl, nil
}

func scanTrigger(row rowScanner) (domain.Trigger, error) {
	var t domain.Trigger
	var ctx []byte
	var lastRun sql.NullTime
	err := row.Scan(&t.ID, &t.Name, &t.CronExpr, &t.WorkflowType, &t.Priority,
		&ctx, &t.Enabled, &lastRun, &t.NextRun, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return domain.Trigger{}, err
	}
	t.Context = ctx
	if lastRun.Valid {
		t.LastRun = &lastRun.Time
	}
	return t, nil
}
