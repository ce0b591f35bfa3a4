package memory

import (
	"context"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/gophnotes/internal/errs"
	"github.com/and161185/gophnotes/internal/model"
)

func TestNodeRepo(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := NewNodeRepo()

	docs := &model.Node{Name: "docs", Type: "subdirectory"}
	require.NoError(t, r.Create(ctx, docs))
	todo := &model.Node{Name: "todo", Type: "text"}
	require.NoError(t, r.Create(ctx, todo))
	plan := &model.Node{ParentID: docs.ID, Name: "plan", Type: "text"}
	require.NoError(t, r.Create(ctx, plan))

	require.Equal(t, uint32(1), docs.ID)
	require.Equal(t, 1, todo.Position)
	require.Equal(t, 0, plan.Position)

	err := r.Create(ctx, &model.Node{Name: "todo", Type: "text"})
	require.ErrorIs(t, err, errs.ErrAlreadyExists)
	err = r.Create(ctx, &model.Node{ParentID: 42, Name: "x", Type: "text"})
	require.ErrorIs(t, err, errs.ErrNotFound)

	top, err := r.Children(ctx, 0)
	require.NoError(t, err)
	require.Len(t, top, 2)
	require.Equal(t, "docs", top[0].Name)
	require.Equal(t, "todo", top[1].Name)

	require.NoError(t, r.Delete(ctx, docs.ID))
	_, err = r.Get(ctx, plan.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.ErrorIs(t, r.Delete(ctx, docs.ID), errs.ErrNotFound)

	got, err := r.Get(ctx, todo.ID)
	require.NoError(t, err)
	require.Equal(t, "todo", got.Name)
}

func TestNodeRepo_IDRange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := NewNodeRepo()
	r.nextID = model.MaxNodeID

	last := &model.Node{Name: "last", Type: "text"}
	require.NoError(t, r.Create(ctx, last))
	require.Equal(t, model.MaxNodeID, last.ID)

	err := r.Create(ctx, &model.Node{Name: "over", Type: "text"})
	require.ErrorIs(t, err, errs.ErrStorage)
}

func TestAccountRepo(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r := NewAccountRepo()

	a := &model.Account{ID: uuid.Must(uuid.NewV4()), Username: "alice"}
	require.NoError(t, r.Create(ctx, a))
	require.ErrorIs(t, r.Create(ctx, &model.Account{Username: "alice"}), errs.ErrAlreadyExists)

	got, err := r.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, a.ID, got.ID)

	_, err = r.GetByUsername(ctx, "bob")
	require.ErrorIs(t, err, errs.ErrNotFound)
}
