package repo

import (
	"context"
	"database/sql"

	"taxline/internal/domain"
)

func (r Repo) InsertTodoList(ctx context.Context, tx *sql.Tx, l domain.TodoList) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO todo_lists(id,agreement_id,title,created_at) VALUES (?,?,?,?)`,
		l.ID, l.AgreementID, l.Title, l.CreatedAt)
	return err
}

func (r Repo) InsertTodo(ctx context.Context, tx *sql.Tx, t domain.Todo) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO todos(id,list_id,label,status,completed_at) VALUES (?,?,?,?,?)`,
		t.ID, t.ListID, t.Label, t.Status, nullableStringPtr(t.CompletedAt))
	return err
}

// ListAgreementTodoLists returns all lists with their todos.
func (r Repo) ListAgreementTodoLists(ctx context.Context, agreementID string) ([]domain.TodoList, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,agreement_id,title,created_at FROM todo_lists WHERE agreement_id=? ORDER BY created_at ASC, id ASC`, agreementID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lists []domain.TodoList
	for rows.Next() {
		var l domain.TodoList
		if err := rows.Scan(&l.ID, &l.AgreementID, &l.Title, &l.CreatedAt); err != nil {
			return nil, err
		}
		lists = append(lists, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range lists {
		todos, err := r.listTodos(ctx, lists[i].ID)
		if err != nil {
			return nil, err
		}
		lists[i].Todos = todos
	}
	return lists, nil
}

func (r Repo) listTodos(ctx context.Context, listID string) ([]domain.Todo, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,list_id,label,status,completed_at FROM todos WHERE list_id=? ORDER BY id ASC`, listID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Todo
	for rows.Next() {
		var t domain.Todo
		var completedAt sql.NullString
		if err := rows.Scan(&t.ID, &t.ListID, &t.Label, &t.Status, &completedAt); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			t.CompletedAt = &completedAt.String
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) GetTodo(ctx context.Context, id string) (domain.Todo, error) {
	var t domain.Todo
	var completedAt sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,list_id,label,status,completed_at FROM todos WHERE id=?`, id).
		Scan(&t.ID, &t.ListID, &t.Label, &t.Status, &completedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, err
}

func (r Repo) UpdateTodoStatus(ctx context.Context, tx *sql.Tx, id, status string, completedAt *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE todos SET status=?, completed_at=? WHERE id=?`,
		status, nullableStringPtr(completedAt), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteTodoByLabel marks the named todo completed across all of an
// agreement's lists. Returns the number of rows that actually changed state,
// so a duplicate delivery completing "pay" twice reports zero the second time.
func (r Repo) CompleteTodoByLabel(ctx context.Context, tx *sql.Tx, agreementID, label, completedAt string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE todos SET status=?, completed_at=?
WHERE label=? AND status != ? AND list_id IN (SELECT id FROM todo_lists WHERE agreement_id=?)`,
		domain.TodoCompleted, completedAt, label, domain.TodoCompleted, agreementID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AllTodosCompleted reports whether every todo in every list is completed.
// An agreement with no todos counts as complete.
func (r Repo) AllTodosCompleted(ctx context.Context, agreementID string) (bool, error) {
	var open int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM todos WHERE status != ? AND list_id IN (SELECT id FROM todo_lists WHERE agreement_id=?)`,
		domain.TodoCompleted, agreementID).Scan(&open)
	if err != nil {
		return false, err
	}
	return open == 0, nil
}
