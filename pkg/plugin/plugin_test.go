// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/authkit/pkg/storage"
)

func noopHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func TestRegisterRejectsDuplicateID(t *testing.T) {
	t.Parallel()
	m := NewManager(storage.NewMemoryStorage())

	require.NoError(t, m.Register(&Plugin{ID: "audit"}))
	assert.Error(t, m.Register(&Plugin{ID: "audit"}))
}

func TestRegisterRejectsDuplicatePath(t *testing.T) {
	t.Parallel()
	m := NewManager(storage.NewMemoryStorage())

	require.NoError(t, m.Register(&Plugin{
		ID:     "audit",
		Routes: []Route{{Method: http.MethodGet, Path: "/events", Handler: noopHandler}},
	}))
	// Same plugin id is already taken, so collide via a second route on
	// one registration instead.
	assert.Error(t, m.Register(&Plugin{
		ID: "metrics",
		Routes: []Route{
			{Method: http.MethodGet, Path: "/counts", Handler: noopHandler},
			{Method: http.MethodGet, Path: "/counts", Handler: noopHandler},
		},
	}))
	// The failed registration left nothing behind.
	assert.NoError(t, m.Register(&Plugin{
		ID:     "metrics",
		Routes: []Route{{Method: http.MethodGet, Path: "/counts", Handler: noopHandler}},
	}))
}

func TestRegisterValidatesRoutes(t *testing.T) {
	t.Parallel()
	m := NewManager(storage.NewMemoryStorage())

	assert.Error(t, m.Register(&Plugin{ID: ""}))
	assert.Error(t, m.Register(nil))
	assert.Error(t, m.Register(&Plugin{
		ID:     "bad",
		Routes: []Route{{Method: http.MethodGet, Path: "no-slash", Handler: noopHandler}},
	}))
	assert.Error(t, m.Register(&Plugin{
		ID:     "bad",
		Routes: []Route{{Method: http.MethodGet, Path: "/x"}},
	}))
}

func TestMountNamespacesRoutes(t *testing.T) {
	t.Parallel()
	m := NewManager(storage.NewMemoryStorage())
	require.NoError(t, m.Register(&Plugin{
		ID: "audit",
		Routes: []Route{{
			Method: http.MethodGet,
			Path:   "/events",
			Handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte("events"))
			},
		}},
	}))

	r := chi.NewRouter()
	m.Mount(r)
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)

	resp, err := http.Get(server.URL + "/plugin/audit/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// The bare path is not mounted.
	resp2, err := http.Get(server.URL + "/audit/events")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestOnInitSequentialFailFast(t *testing.T) {
	t.Parallel()
	m := NewManager(storage.NewMemoryStorage())

	var order []string
	require.NoError(t, m.Register(&Plugin{ID: "a", OnInit: func(context.Context, *HookContext) error {
		order = append(order, "a")
		return nil
	}}))
	require.NoError(t, m.Register(&Plugin{ID: "b", OnInit: func(context.Context, *HookContext) error {
		order = append(order, "b")
		return errors.New("boom")
	}}))
	require.NoError(t, m.Register(&Plugin{ID: "c", OnInit: func(context.Context, *HookContext) error {
		order = append(order, "c")
		return nil
	}}))

	err := m.OnInit(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `plugin "b"`)
	assert.Equal(t, []string{"a", "b"}, order)
}

func TestOnAuthorizeSurfacesError(t *testing.T) {
	t.Parallel()
	m := NewManager(storage.NewMemoryStorage())
	require.NoError(t, m.Register(&Plugin{ID: "gate", OnAuthorize: func(_ context.Context, hctx *HookContext) error {
		assert.Equal(t, "gate", hctx.PluginID)
		assert.NotNil(t, hctx.Request)
		assert.NotNil(t, hctx.Storage)
		return errors.New("denied")
	}}))

	r := httptest.NewRequest(http.MethodGet, "/authorize", nil)
	assert.Error(t, m.OnAuthorize(context.Background(), r))
}

func TestOnSuccessParallelBestEffort(t *testing.T) {
	t.Parallel()
	m := NewManager(storage.NewMemoryStorage())

	var mu sync.Mutex
	ran := make(map[string]bool)
	record := func(id string, err error) func(context.Context, *HookContext) error {
		return func(context.Context, *HookContext) error {
			mu.Lock()
			ran[id] = true
			mu.Unlock()
			return err
		}
	}
	require.NoError(t, m.Register(&Plugin{ID: "a", OnSuccess: record("a", errors.New("boom"))}))
	require.NoError(t, m.Register(&Plugin{ID: "b", OnSuccess: record("b", nil)}))

	// A failing hook never prevents the others from running.
	m.OnSuccess(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, ran["a"])
	assert.True(t, ran["b"])
}

func TestOnErrorReceivesFlowError(t *testing.T) {
	t.Parallel()
	m := NewManager(storage.NewMemoryStorage())

	flowErr := errors.New("flow exploded")
	var got error
	require.NoError(t, m.Register(&Plugin{ID: "observer", OnError: func(_ context.Context, hctx *HookContext) error {
		got = hctx.Err
		return errors.New("also broken")
	}}))
	require.NoError(t, m.Register(&Plugin{ID: "second", OnError: func(_ context.Context, hctx *HookContext) error {
		assert.Equal(t, flowErr, hctx.Err)
		return nil
	}}))

	m.OnError(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil), flowErr)
	assert.Equal(t, flowErr, got)
}
