package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TodoStatus is the lifecycle of a deferred intention.
type TodoStatus string

const (
	TodoOpen TodoStatus = "open"
	TodoDone TodoStatus = "done"
)

// Todo is a deferred intention with a due time. Due todos surface as
// ScheduledAlarm events.
type Todo struct {
	ID        string
	Content   string
	Due       time.Time
	Status    TodoStatus
	CreatedAt time.Time
}

// ErrTodoNotFound means no todo carries the given id.
var ErrTodoNotFound = errors.New("memory: todo not found")

// Todos is the sqlite-backed intention store.
type Todos struct {
	db *sql.DB
}

// NewTodos attaches the todo table to an open database.
func NewTodos(db *sql.DB) (*Todos, error) {
	const schema = `
CREATE TABLE IF NOT EXISTS todos (
	id TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	due TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_todos_due ON todos(status, due);`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("todo schema: %w", err)
	}
	return &Todos{db: db}, nil
}

// Add records a new intention and returns its id.
func (t *Todos) Add(ctx context.Context, content string, due time.Time) (string, error) {
	id := uuid.NewString()
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO todos (id, content, due, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, content, due.UTC().Format(timeLayout), TodoOpen,
		time.Now().UTC().Format(timeLayout))
	if err != nil {
		return "", fmt.Errorf("insert todo: %w", err)
	}
	return id, nil
}

// Snooze pushes an open todo's due time forward.
func (t *Todos) Snooze(ctx context.Context, id string, until time.Time) error {
	res, err := t.db.ExecContext(ctx,
		`UPDATE todos SET due = ? WHERE id = ? AND status = ?`,
		until.UTC().Format(timeLayout), id, TodoOpen)
	if err != nil {
		return fmt.Errorf("snooze todo: %w", err)
	}
	return t.affected(res, id)
}

// Complete marks a todo done.
func (t *Todos) Complete(ctx context.Context, id string) error {
	res, err := t.db.ExecContext(ctx,
		`UPDATE todos SET status = ? WHERE id = ?`, TodoDone, id)
	if err != nil {
		return fmt.Errorf("complete todo: %w", err)
	}
	return t.affected(res, id)
}

func (t *Todos) affected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrTodoNotFound, id)
	}
	return nil
}

// Due returns open todos whose due time has passed, earliest first.
func (t *Todos) Due(ctx context.Context, now time.Time) ([]Todo, error) {
	return t.query(ctx,
		`SELECT id, content, due, status, created_at FROM todos
		 WHERE status = ? AND due <= ? ORDER BY due ASC`,
		TodoOpen, now.UTC().Format(timeLayout))
}

// Open returns all open todos, earliest due first.
func (t *Todos) Open(ctx context.Context) ([]Todo, error) {
	return t.query(ctx,
		`SELECT id, content, due, status, created_at FROM todos
		 WHERE status = ? ORDER BY due ASC`, TodoOpen)
}

// NextDue returns the earliest open due time, or zero when none exist.
// The scheduler uses it to size its alarm timer.
func (t *Todos) NextDue(ctx context.Context) (time.Time, error) {
	row := t.db.QueryRowContext(ctx,
		`SELECT due FROM todos WHERE status = ? ORDER BY due ASC LIMIT 1`, TodoOpen)
	var due string
	if err := row.Scan(&due); errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	} else if err != nil {
		return time.Time{}, fmt.Errorf("next due: %w", err)
	}
	return time.Parse(timeLayout, due)
}

func (t *Todos) query(ctx context.Context, q string, args ...any) ([]Todo, error) {
	rows, err := t.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query todos: %w", err)
	}
	defer rows.Close()

	var out []Todo
	for rows.Next() {
		var td Todo
		var due, created string
		if err := rows.Scan(&td.ID, &td.Content, &due, &td.Status, &created); err != nil {
			return nil, err
		}
		if td.Due, err = time.Parse(timeLayout, due); err != nil {
			return nil, fmt.Errorf("todo due timestamp: %w", err)
		}
		if td.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
			return nil, fmt.Errorf("todo created timestamp: %w", err)
		}
		out = append(out, td)
	}
	return out, rows.Err()
}
