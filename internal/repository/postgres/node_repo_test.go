package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/gophnotes/internal/errs"
	"github.com/and161185/gophnotes/internal/model"
)

var nodeColumns = []string{"id", "parent_id", "name", "type", "position", "created_at"}

func TestNodeRepo_Children(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewNodeRepo(db)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT id, parent_id, name, type, position, created_at FROM nodes WHERE parent_id=\$1 ORDER BY position`).
		WithArgs(int64(0)).
		WillReturnRows(pgxmock.NewRows(nodeColumns).
			AddRow(int64(3), int64(0), "docs", "subdirectory", 0, now).
			AddRow(int64(5), int64(0), "todo", "text", 1, now))

	got, err := r.Children(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, uint32(3), got[0].ID)
	require.Equal(t, "todo", got[1].Name)
	require.Equal(t, 1, got[1].Position)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNodeRepo_Create(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewNodeRepo(db)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(\$1\)`).
		WithArgs(int64(3)).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(position\) \+ 1, 0\) FROM nodes WHERE parent_id=\$1`).
		WithArgs(int64(3)).
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(2))
	mock.ExpectQuery(`INSERT INTO nodes \(parent_id, name, type, position\) VALUES \(\$1, \$2, \$3, \$4\) RETURNING id, created_at`).
		WithArgs(int64(3), "plan", "text", 2).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(int64(9), now))
	mock.ExpectCommit()

	n := &model.Node{ParentID: 3, Name: "plan", Type: "text"}
	require.NoError(t, r.Create(context.Background(), n))
	require.Equal(t, uint32(9), n.ID)
	require.Equal(t, 2, n.Position)
	require.Equal(t, now, n.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNodeRepo_Create_DuplicateName(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewNodeRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs(int64(0)).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`SELECT COALESCE`).
		WithArgs(int64(0)).
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(0))
	mock.ExpectQuery(`INSERT INTO nodes`).
		WithArgs(int64(0), "plan", "text", 0).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	err := r.Create(context.Background(), &model.Node{Name: "plan", Type: "text"})
	require.ErrorIs(t, err, errs.ErrAlreadyExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNodeRepo_Create_IDOutOfRange(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewNodeRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs(int64(0)).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`SELECT COALESCE`).
		WithArgs(int64(0)).
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(0))
	mock.ExpectQuery(`INSERT INTO nodes`).
		WithArgs(int64(0), "late", "text", 0).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(int64(1)<<31, time.Now()))
	mock.ExpectRollback()

	n := &model.Node{Name: "late", Type: "text"}
	err := r.Create(context.Background(), n)
	require.ErrorIs(t, err, errs.ErrStorage)
	require.Zero(t, n.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNodeRepo_Create_BeginError(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewNodeRepo(db)

	mock.ExpectBegin().WillReturnError(errors.New("db down"))
	err := r.Create(context.Background(), &model.Node{Name: "x", Type: "text"})
	require.Error(t, err)
}

func TestNodeRepo_Delete(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewNodeRepo(db)

	mock.ExpectExec(`DELETE FROM nodes WHERE id=\$1`).
		WithArgs(int64(4)).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	require.NoError(t, r.Delete(context.Background(), 4))

	mock.ExpectExec(`DELETE FROM nodes WHERE id=\$1`).
		WithArgs(int64(4)).
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	require.ErrorIs(t, r.Delete(context.Background(), 4), errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNodeRepo_Get(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewNodeRepo(db)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT id, parent_id, name, type, position, created_at FROM nodes WHERE id=\$1`).
		WithArgs(int64(5)).
		WillReturnRows(pgxmock.NewRows(nodeColumns).AddRow(int64(5), int64(3), "todo", "text", 0, now))
	n, err := r.Get(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, uint32(3), n.ParentID)

	mock.ExpectQuery(`SELECT id, parent_id, name, type, position, created_at FROM nodes WHERE id=\$1`).
		WithArgs(int64(6)).
		WillReturnRows(pgxmock.NewRows(nodeColumns))
	_, err = r.Get(context.Background(), 6)
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
