package exec

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmeadows/leaseq/pkg/core"
	"github.com/cmeadows/leaseq/internal/handler"
)

type countArgs struct {
	N int `json:"n"`
}

func testHandler(t *testing.T, fn any) *handler.Handler {
	t.Helper()
	h, err := handler.New(fn)
	require.NoError(t, err)
	return h
}

func TestRouterCooperativeRunsInline(t *testing.T) {
	var got int
	h := testHandler(t, func(ctx context.Context, a countArgs) error {
		got = a.N
		return nil
	})

	r := NewRouter(NewPool(1), nil)
	task := &core.Task{ID: "t-1", Mode: core.ModeCooperative, Payload: []byte(`{"n":7}`)}
	require.NoError(t, r.Execute(context.Background(), task, h))
	assert.Equal(t, 7, got)
}

func TestRouterBlockingUsesPool(t *testing.T) {
	boom := errors.New("boom")
	h := testHandler(t, func(ctx context.Context, a countArgs) error { return boom })

	pool := NewPool(1)
	defer pool.Close()
	r := NewRouter(pool, nil)

	task := &core.Task{ID: "t-2", Mode: core.ModeBlocking, Payload: []byte(`{"n":1}`)}
	err := r.Execute(context.Background(), task, h)
	assert.Equal(t, boom, err)
}

func TestRouterProcessWithoutPoolFails(t *testing.T) {
	h := testHandler(t, func(ctx context.Context, a countArgs) error { return nil })
	r := NewRouter(NewPool(1), nil)

	for _, mode := range []core.ExecMode{core.ModeProcess, core.ModeProcessAsync} {
		task := &core.Task{ID: "t-3", Mode: mode, Payload: []byte(`{}`)}
		err := r.Execute(context.Background(), task, h)
		assert.ErrorIs(t, err, ErrNoProcessPool)
	}
}

func TestRouterUnknownModeIsNoRetry(t *testing.T) {
	h := testHandler(t, func(ctx context.Context, a countArgs) error { return nil })
	r := NewRouter(NewPool(1), nil)

	task := &core.Task{ID: "t-4", Mode: "threaded", Payload: []byte(`{}`)}
	err := r.Execute(context.Background(), task, h)
	var nre *core.NoRetryError
	require.ErrorAs(t, err, &nre)
}

func TestRouterFallsBackToHandlerMode(t *testing.T) {
	ran := false
	h := testHandler(t, func(ctx context.Context, a countArgs) error {
		ran = true
		return nil
	})
	h.Mode = core.ModeBlocking

	pool := NewPool(1)
	defer pool.Close()
	r := NewRouter(pool, nil)

	task := &core.Task{ID: "t-5", Payload: []byte(`{}`)}
	require.NoError(t, r.Execute(context.Background(), task, h))
	assert.True(t, ran)
}

func TestResponseErrorMapsKinds(t *testing.T) {
	assert.NoError(t, responseError(Response{OK: true}))

	var nre *core.NoRetryError
	err := responseError(Response{Error: "bad input", Kind: KindNoRetry})
	require.ErrorAs(t, err, &nre)

	var serr *core.SerializationError
	err = responseError(Response{Error: "cycle", Kind: KindSerialization})
	require.ErrorAs(t, err, &serr)

	err = responseError(Response{Error: "plain failure"})
	require.Error(t, err)
	assert.False(t, errors.As(err, &nre))
}
