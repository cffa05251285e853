// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"taskdispatch/src/model"
)

const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id               TEXT PRIMARY KEY,
	status           TEXT NOT NULL,
	poster_id        TEXT NOT NULL,
	worker_id        TEXT,
	title            TEXT NOT NULL,
	description      TEXT NOT NULL DEFAULT '',
	category         TEXT NOT NULL DEFAULT '',
	lat              DOUBLE PRECISION NOT NULL,
	lng              DOUBLE PRECISION NOT NULL,
	area             TEXT NOT NULL DEFAULT '',
	city             TEXT NOT NULL DEFAULT '',
	budget           NUMERIC(14, 2) NOT NULL CHECK (budget > 0),
	worker_completed BOOLEAN NOT NULL DEFAULT FALSE,
	cancelled_by     TEXT,
	cancel_reason    TEXT,
	last_alerted_at  TIMESTAMPTZ,
	accepted_at      TIMESTAMPTZ,
	started_at       TIMESTAMPTZ,
	completed_at     TIMESTAMPTZ,
	cancelled_at     TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS tasks_one_active_per_worker
	ON tasks (worker_id) WHERE status IN ('ACCEPTED', 'IN_PROGRESS');

CREATE INDEX IF NOT EXISTS tasks_poster_idx ON tasks (poster_id, created_at DESC);
CREATE INDEX IF NOT EXISTS tasks_status_idx ON tasks (status);

CREATE TABLE IF NOT EXISTS cancellation_ledger (
	worker_id TEXT NOT NULL,
	day       DATE NOT NULL,
	count     INTEGER NOT NULL,
	PRIMARY KEY (worker_id, day)
);
`

const taskColumns = `id, status, poster_id, worker_id, title, description, category,
	lat, lng, area, city, budget, worker_completed, cancelled_by, cancel_reason,
	last_alerted_at, accepted_at, started_at, completed_at, cancelled_at,
	created_at, updated_at`

// Postgres implements Store on top of lib/pq. Every transition is one
// UPDATE whose WHERE clause carries the precondition, so RowsAffected is the
// matched count.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// OpenPostgres connects and pings.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return NewPostgres(db), nil
}

func (p *Postgres) DB() *sql.DB {
	return p.db
}

// Migrate creates the tables and indexes if they are missing.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

func (p *Postgres) CreateTask(ctx context.Context, t model.Task) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22)`,
		t.ID, t.Status, t.PosterID, nullString(t.WorkerID), t.Title, t.Description, t.Category,
		t.Location.Lat, t.Location.Lng, t.Location.Area, t.Location.City, t.Budget,
		t.WorkerCompleted, nullString(t.CancelledBy), nullString(t.CancelReason),
		t.LastAlertedAt, t.AcceptedAt, t.StartedAt, t.CompletedAt, t.CancelledAt,
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: create task: %w", err)
	}
	return nil
}

func (p *Postgres) FindTaskByID(ctx context.Context, id string) (model.Task, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, fmt.Errorf("%w: %s", model.ErrTaskNotFound, id)
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("store: find task: %w", err)
	}
	return t, nil
}

func (p *Postgres) UpdateTask(ctx context.Context, filter model.TaskFilter, update model.TaskUpdate) (int64, error) {
	query, args, err := buildUpdate(filter, update)
	if err != nil {
		return 0, err
	}
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return 0, fmt.Errorf("%w: %s", model.ErrActiveTaskExists, pqErr.Message)
		}
		return 0, fmt.Errorf("store: update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: rows affected: %w", err)
	}
	return n, nil
}

func (p *Postgres) FindActiveTaskForWorker(ctx context.Context, workerID string) (*model.Task, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE worker_id = $1 AND status = ANY($2)
		LIMIT 1`, workerID, pq.Array(statusStrings(model.ActiveStatuses)))
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: find active task: %w", err)
	}
	return &t, nil
}

func (p *Postgres) ListTasks(ctx context.Context, q model.TaskQuery) ([]model.Task, error) {
	var w whereBuilder
	if q.PosterID != "" {
		w.add("poster_id = %s", q.PosterID)
	}
	if q.WorkerID != "" {
		w.add("worker_id = %s", q.WorkerID)
	}
	if len(q.Statuses) > 0 {
		w.add("status = ANY(%s)", pq.Array(statusStrings(q.Statuses)))
	}
	query := `SELECT ` + taskColumns + ` FROM tasks` + w.clause() + ` ORDER BY created_at DESC`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := p.db.QueryContext(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("store: list tasks: %w", err)
	}
	defer rows.Close()

	out := make([]model.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) IncrementCancellation(ctx context.Context, workerID, day string) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO cancellation_ledger (worker_id, day, count)
		VALUES ($1, $2::date, 1)
		ON CONFLICT (worker_id, day) DO UPDATE SET count = cancellation_ledger.count + 1
		RETURNING count`, workerID, day).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: upsert cancellation ledger: %w", err)
	}
	return count, nil
}

func (p *Postgres) CancellationCount(ctx context.Context, workerID, day string) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx,
		`SELECT count FROM cancellation_ledger WHERE worker_id = $1 AND day = $2::date`,
		workerID, day).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: read cancellation ledger: %w", err)
	}
	return count, nil
}

func (p *Postgres) Stats(ctx context.Context) (Stats, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("store: stats: %w", err)
	}
	defer rows.Close()

	st := Stats{ByStatus: map[model.TaskStatus]int{}}
	for rows.Next() {
		var status model.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, fmt.Errorf("store: stats scan: %w", err)
		}
		st.ByStatus[status] = n
		st.TotalTasks += n
	}
	return st, rows.Err()
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (model.Task, error) {
	var t model.Task
	var workerID, cancelledBy, cancelReason sql.NullString
	err := row.Scan(
		&t.ID, &t.Status, &t.PosterID, &workerID, &t.Title, &t.Description, &t.Category,
		&t.Location.Lat, &t.Location.Lng, &t.Location.Area, &t.Location.City, &t.Budget,
		&t.WorkerCompleted, &cancelledBy, &cancelReason,
		&t.LastAlertedAt, &t.AcceptedAt, &t.StartedAt, &t.CompletedAt, &t.CancelledAt,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return model.Task{}, err
	}
	t.WorkerID = workerID.String
	t.CancelledBy = cancelledBy.String
	t.CancelReason = cancelReason.String
	return t, nil
}

// whereBuilder numbers placeholders as conditions are appended.
type whereBuilder struct {
	conds []string
	args  []any
}

func (w *whereBuilder) placeholder(v any) string {
	w.args = append(w.args, v)
	return fmt.Sprintf("$%d", len(w.args))
}

// add appends a condition; every %s in cond is replaced by a fresh
// placeholder bound to v.
func (w *whereBuilder) add(cond string, v any) {
	ph := w.placeholder(v)
	w.conds = append(w.conds, strings.ReplaceAll(cond, "%s", ph))
}

// raw appends a condition whose placeholders were already allocated.
func (w *whereBuilder) raw(cond string) {
	w.conds = append(w.conds, cond)
}

func (w *whereBuilder) clause() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func buildUpdate(filter model.TaskFilter, u model.TaskUpdate) (string, []any, error) {
	var w whereBuilder
	var sets []string
	set := func(col string, v any) {
		sets = append(sets, col+" = "+w.placeholder(v))
	}

	if u.Status != nil {
		set("status", *u.Status)
	}
	if u.WorkerID != nil {
		set("worker_id", nullString(*u.WorkerID))
	}
	if u.WorkerCompleted != nil {
		set("worker_completed", *u.WorkerCompleted)
	}
	if u.Budget != nil {
		set("budget", *u.Budget)
	}
	if u.CancelledBy != nil {
		set("cancelled_by", nullString(*u.CancelledBy))
	}
	if u.CancelReason != nil {
		set("cancel_reason", nullString(*u.CancelReason))
	}
	if u.LastAlertedAt != nil {
		set("last_alerted_at", *u.LastAlertedAt)
	}
	if u.AcceptedAt != nil {
		set("accepted_at", *u.AcceptedAt)
	}
	if u.StartedAt != nil {
		set("started_at", *u.StartedAt)
	}
	if u.CompletedAt != nil {
		set("completed_at", *u.CompletedAt)
	}
	if u.CancelledAt != nil {
		set("cancelled_at", *u.CancelledAt)
	}
	if !u.UpdatedAt.IsZero() {
		set("updated_at", u.UpdatedAt)
	}
	if len(sets) == 0 {
		return "", nil, fmt.Errorf("store: update has no columns")
	}

	if filter.ID == "" {
		return "", nil, fmt.Errorf("store: conditional update requires a task id")
	}
	w.add("id = %s", filter.ID)
	if len(filter.Statuses) > 0 {
		w.add("status = ANY(%s)", pq.Array(statusStrings(filter.Statuses)))
	}
	if filter.WorkerID != "" {
		w.add("worker_id = %s", filter.WorkerID)
	}
	if filter.PosterID != "" {
		w.add("poster_id = %s", filter.PosterID)
	}
	if filter.WorkerCompleted != nil {
		w.add("worker_completed = %s", *filter.WorkerCompleted)
	}
	if filter.AlertedBefore != nil {
		w.add("(last_alerted_at IS NULL OR last_alerted_at <= %s)", *filter.AlertedBefore)
	}
	if filter.BudgetBelow != nil {
		w.add("budget < %s", *filter.BudgetBelow)
	}
	if filter.IdleWorker != "" {
		worker := w.placeholder(filter.IdleWorker)
		active := w.placeholder(pq.Array(statusStrings(model.ActiveStatuses)))
		w.raw(`NOT EXISTS (
			SELECT 1 FROM tasks other
			WHERE other.worker_id = ` + worker + `
			AND other.status = ANY(` + active + `)
			AND other.id <> tasks.id)`)
	}
	if g := filter.CancelCountBelow; g != nil {
		worker := w.placeholder(g.WorkerID)
		day := w.placeholder(g.Day)
		limit := w.placeholder(g.Limit)
		w.raw(`NOT EXISTS (
			SELECT 1 FROM cancellation_ledger l
			WHERE l.worker_id = ` + worker + `
			AND l.day = ` + day + `::date
			AND l.count >= ` + limit + `)`)
	}

	query := "UPDATE tasks SET " + strings.Join(sets, ", ") + w.clause()
	return query, w.args, nil
}

func statusStrings(statuses []model.TaskStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
