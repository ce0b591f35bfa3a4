package request

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/gophnotes/internal/errs"
)

func TestRequest_ResolvesOnce(t *testing.T) {
	t.Parallel()

	r := New(KindAddNode, 3, 10)
	var calls []error
	r.OnFinished(func(r *Request) { calls = append(calls, r.Err()) })
	require.True(t, r.Pending())

	require.True(t, r.Succeed("node"))
	require.False(t, r.Fail(errors.New("late")))
	require.False(t, r.Pending())
	require.Equal(t, "node", r.Result())
	require.NoError(t, r.Err())
	require.Equal(t, []error{nil}, calls)

	late := false
	r.OnFinished(func(*Request) { late = true })
	require.True(t, late, "listeners added after resolution run at once")

	got, err := r.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "node", got)
}

func TestRequest_WaitHonorsContext(t *testing.T) {
	t.Parallel()

	r := New(KindExplore, 1, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := r.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	go r.Fail(errs.ErrDisposed)
	_, err = r.Wait(context.Background())
	require.ErrorIs(t, err, errs.ErrDisposed)
}

func TestTracker_Exclusivity(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	first, err := tr.Begin(KindExplore, 5)
	require.NoError(t, err)
	require.Equal(t, uint64(1), first.Seq())

	_, err = tr.Begin(KindExplore, 5)
	require.ErrorIs(t, err, errs.ErrRequestPending)
	_, err = tr.Begin(KindExplore, 6)
	require.NoError(t, err, "other node")

	j1, err := tr.Begin(KindUserJoin, 5)
	require.NoError(t, err)
	j2, err := tr.Begin(KindUserJoin, 5)
	require.NoError(t, err, "joins may overlap")
	require.Equal(t, []*Request{first, j1, j2}, tr.List(5, ""))
	require.Equal(t, []*Request{j1, j2}, tr.List(5, KindUserJoin))

	got, ok := tr.Take(first.Seq())
	require.True(t, ok)
	require.Same(t, first, got)
	_, ok = tr.Peek(first.Seq())
	require.False(t, ok)
	_, err = tr.Begin(KindExplore, 5)
	require.NoError(t, err, "free again once taken")
}

func TestTracker_FailAll(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	var order []uint64
	for i := 0; i < 3; i++ {
		r, err := tr.Begin(KindUserLeave, 1)
		require.NoError(t, err)
		r.OnFinished(func(r *Request) { order = append(order, r.Seq()) })
	}
	tr.FailAll(errs.ErrDisposed)
	require.Zero(t, tr.Len())
	require.Equal(t, []uint64{1, 2, 3}, order)
}

func TestRetarget(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	r, err := tr.Begin(KindAddNode, 1<<31)
	require.NoError(t, err)
	r.Retarget(7)
	require.Same(t, r, tr.Find(7, KindAddNode))
	require.Nil(t, tr.Find(1<<31, KindAddNode))
}
