package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treesync/treesync/internal/dberr"
	"github.com/treesync/treesync/internal/log"
	"github.com/treesync/treesync/internal/query"
)

type staticTokens struct {
	id string
	ac string
}

func (t staticTokens) IDToken() string          { return t.id }
func (t staticTokens) AttestationToken() string { return t.ac }

func newTestREST(t *testing.T, handler http.HandlerFunc, tokens TokenProvider) (*REST, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	backend, err := NewREST(server.URL+"?ns=demo", tokens, log.Nop(), 5*time.Second)
	require.NoError(t, err)
	return backend, server
}

func TestRESTGetBuildsRequest(t *testing.T) {
	var captured *http.Request
	backend, _ := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		captured = r.Clone(context.Background())
		_, _ = w.Write([]byte(`{"age":30}`))
	}, staticTokens{id: "tok", ac: "att"})

	p := &query.Params{}
	require.NoError(t, p.SetIndex(query.IndexKey, nil))
	require.NoError(t, p.SetLimitFirst(2))

	got, err := backend.Get(context.Background(), []string{"users", "alice"}, p)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"age": float64(30)}, got)

	require.NotNil(t, captured)
	assert.Equal(t, "/users/alice.json", captured.URL.Path)
	q := captured.URL.Query()
	assert.Equal(t, "demo", q.Get("ns"))
	assert.Equal(t, "tok", q.Get("auth"))
	assert.Equal(t, "att", q.Get("ac"))
	assert.Equal(t, "export", q.Get("format"))
	assert.Equal(t, `"$key"`, q.Get("orderBy"))
	assert.Equal(t, "2", q.Get("limitToFirst"))
}

func TestRESTNamespaceFromHost(t *testing.T) {
	core, err := newRestCore("https://shard-12.region.example.com", nil, log.Nop(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "shard-12", core.namespace)

	core, err = newRestCore("https://host.example.com?ns=other", nil, log.Nop(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "other", core.namespace)
}

func TestRESTWriteMethods(t *testing.T) {
	type call struct {
		method string
		path   string
		body   string
		silent bool
	}
	var calls []call
	backend, _ := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		calls = append(calls, call{
			method: r.Method,
			path:   r.URL.Path,
			body:   string(body),
			silent: r.URL.Query().Get("print") == "silent",
		})
		w.WriteHeader(http.StatusNoContent)
	}, nil)

	ctx := context.Background()
	require.NoError(t, backend.Put(ctx, []string{"a"}, map[string]any{"x": 1}))
	require.NoError(t, backend.Patch(ctx, []string{"a"}, map[string]any{"y": 2}))
	require.NoError(t, backend.Delete(ctx, []string{"a"}))

	require.Len(t, calls, 3)
	assert.Equal(t, http.MethodPut, calls[0].method)
	assert.JSONEq(t, `{"x":1}`, calls[0].body)
	assert.Equal(t, http.MethodPatch, calls[1].method)
	assert.JSONEq(t, `{"y":2}`, calls[1].body)
	assert.Equal(t, http.MethodDelete, calls[2].method)
	for _, c := range calls {
		assert.Equal(t, "/a.json", c.path)
		assert.True(t, c.silent)
	}
}

func TestRESTStatusMapping(t *testing.T) {
	status := make(chan int, 1)
	backend, _ := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(<-status)
	}, nil)

	ctx := context.Background()

	status <- http.StatusForbidden
	err := backend.Put(ctx, []string{"a"}, "v")
	require.Error(t, err)
	assert.Equal(t, dberr.PermissionDenied, dberr.CodeOf(err))

	status <- http.StatusInternalServerError
	err = backend.Put(ctx, []string{"a"}, "v")
	require.Error(t, err)
	assert.Equal(t, dberr.Internal, dberr.CodeOf(err))

	// 404 on a read is an absent value, not an error.
	status <- http.StatusNotFound
	got, err := backend.Get(ctx, []string{"a"}, nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRESTNetworkFailure(t *testing.T) {
	backend, err := NewREST("http://127.0.0.1:1", nil, log.Nop(), 200*time.Millisecond)
	require.NoError(t, err)

	_, err = backend.Get(context.Background(), nil, nil)
	require.Error(t, err)
	assert.Equal(t, dberr.NetworkFailure, dberr.CodeOf(err))
}

func TestRESTConditionalGet(t *testing.T) {
	var etags []string
	backend, _ := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		etags = append(etags, r.Header.Get("If-None-Match"))
		assert.Equal(t, "true", r.Header.Get("X-Firebase-ETag"))
		if r.Header.Get("If-None-Match") == "v1" {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", "v1")
		_ = json.NewEncoder(w).Encode(map[string]any{"a": 1})
	}, nil)

	ctx := context.Background()
	value, etag, notModified, err := backend.core.getConditional(ctx, []string{"x"}, nil, true, "")
	require.NoError(t, err)
	assert.False(t, notModified)
	assert.Equal(t, "v1", etag)
	assert.Equal(t, map[string]any{"a": float64(1)}, value)

	_, _, notModified, err = backend.core.getConditional(ctx, []string{"x"}, nil, true, "v1")
	require.NoError(t, err)
	assert.True(t, notModified)
	assert.Equal(t, []string{"", "v1"}, etags)
}

func TestRESTCapabilities(t *testing.T) {
	backend, _ := newTestREST(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}, nil)
	caps := backend.Capabilities()
	assert.False(t, caps.StreamingEvents)
	assert.False(t, caps.ServerDisconnectOps)
	assert.False(t, caps.ConditionalWrites)

	err := backend.OnDisconnect(context.Background(), DisconnectOp{Kind: DisconnectPut, Path: []string{"x"}})
	assert.Equal(t, dberr.NotSupported, dberr.CodeOf(err))
}
