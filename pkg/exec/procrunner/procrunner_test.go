package procrunner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmeadows/leaseq/pkg/core"
	"github.com/cmeadows/leaseq/pkg/exec"
	"github.com/cmeadows/leaseq/internal/handler"
)

type mapRegistry map[string]*handler.Handler

func (m mapRegistry) Lookup(name string) (*handler.Handler, bool) {
	h, ok := m[name]
	return h, ok
}

type addArgs struct {
	A int `json:"a"`
	B int `json:"b"`
}

func newRegistry(t *testing.T) mapRegistry {
	t.Helper()
	reg := mapRegistry{}

	add, err := handler.New(func(ctx context.Context, a addArgs) (int, error) {
		return a.A + a.B, nil
	})
	require.NoError(t, err)
	reg["add"] = add

	reject, err := handler.New(func(ctx context.Context, a addArgs) error {
		return core.NoRetry(errors.New("rejected"))
	})
	require.NoError(t, err)
	reg["reject"] = reject

	explode, err := handler.New(func(ctx context.Context, a addArgs) error {
		panic("bad state")
	})
	require.NoError(t, err)
	reg["explode"] = explode

	return reg
}

// roundTrip feeds one request through the serve loop and returns the
// response.
func roundTrip(t *testing.T, reg Registry, req exec.Request) exec.Response {
	t.Helper()

	var in, out bytes.Buffer
	require.NoError(t, exec.WriteFrame(&in, &req))
	require.NoError(t, Run(context.Background(), reg, &in, &out))

	var resp exec.Response
	require.NoError(t, exec.ReadFrame(&out, &resp))
	return resp
}

func TestRunExecutesAndReturnsResult(t *testing.T) {
	reg := newRegistry(t)
	resp := roundTrip(t, reg, exec.Request{
		TaskID:  "t-1",
		Handler: "add",
		Payload: json.RawMessage(`{"a":2,"b":3}`),
	})

	require.True(t, resp.OK)
	assert.JSONEq(t, `5`, string(resp.Result))
}

func TestRunAsyncSkipsResult(t *testing.T) {
	reg := newRegistry(t)
	resp := roundTrip(t, reg, exec.Request{
		TaskID:  "t-2",
		Handler: "add",
		Payload: json.RawMessage(`{"a":1,"b":1}`),
		Async:   true,
	})

	require.True(t, resp.OK)
	assert.Empty(t, resp.Result)
}

func TestRunClassifiesNoRetry(t *testing.T) {
	reg := newRegistry(t)
	resp := roundTrip(t, reg, exec.Request{
		TaskID:  "t-3",
		Handler: "reject",
		Payload: json.RawMessage(`{}`),
	})

	require.False(t, resp.OK)
	assert.Equal(t, exec.KindNoRetry, resp.Kind)
	assert.Contains(t, resp.Error, "rejected")
}

func TestRunClassifiesSerialization(t *testing.T) {
	reg := newRegistry(t)
	resp := roundTrip(t, reg, exec.Request{
		TaskID:  "t-4",
		Handler: "add",
		Payload: json.RawMessage(`"not an object"`),
	})

	require.False(t, resp.OK)
	assert.Equal(t, exec.KindSerialization, resp.Kind)
}

func TestRunUnknownHandlerIsNoRetry(t *testing.T) {
	reg := newRegistry(t)
	resp := roundTrip(t, reg, exec.Request{
		TaskID:  "t-5",
		Handler: "missing",
		Payload: json.RawMessage(`{}`),
	})

	require.False(t, resp.OK)
	assert.Equal(t, exec.KindNoRetry, resp.Kind)
}

func TestRunSurvivesPanicAndKeepsServing(t *testing.T) {
	reg := newRegistry(t)

	var in, out bytes.Buffer
	require.NoError(t, exec.WriteFrame(&in, &exec.Request{
		TaskID: "t-6", Handler: "explode", Payload: json.RawMessage(`{}`),
	}))
	require.NoError(t, exec.WriteFrame(&in, &exec.Request{
		TaskID: "t-7", Handler: "add", Payload: json.RawMessage(`{"a":1,"b":2}`),
	}))

	require.NoError(t, Run(context.Background(), reg, &in, &out))

	var first, second exec.Response
	require.NoError(t, exec.ReadFrame(&out, &first))
	require.NoError(t, exec.ReadFrame(&out, &second))

	assert.False(t, first.OK)
	assert.Contains(t, first.Error, "panic")
	require.True(t, second.OK)
	assert.JSONEq(t, `3`, string(second.Result))
}
