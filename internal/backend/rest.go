package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/treesync/treesync/internal/dberr"
	"github.com/treesync/treesync/internal/log"
	"github.com/treesync/treesync/internal/query"
)

// restCore performs the request/response wire protocol:
// {method} {path}.json?{params}. It is used directly by the REST
// backend and reused by the realtime backend for reads and degraded
// writes.
type restCore struct {
	base      url.URL
	namespace string
	client    *http.Client
	tokens    TokenProvider
	logger    log.Log
}

func newRestCore(rawURL string, tokens TokenProvider, logger log.Log, timeout time.Duration) (*restCore, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, dberr.Wrap(dberr.InvalidArgument, fmt.Sprintf("invalid database URL %q", rawURL), err)
	}
	if parsed.Host == "" {
		return nil, dberr.InvalidArgumentf("database URL %q has no host", rawURL)
	}

	namespace := parsed.Query().Get("ns")
	if namespace == "" {
		namespace = strings.Split(parsed.Hostname(), ".")[0]
	}

	base := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: parsed.Path}
	if base.Scheme == "wss" {
		base.Scheme = "https"
	} else if base.Scheme == "ws" {
		base.Scheme = "http"
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	return &restCore{
		base:      base,
		namespace: namespace,
		client:    &http.Client{Timeout: timeout},
		tokens:    tokens,
		logger:    logger,
	}, nil
}

// endpoint builds the request URL for a path, attaching namespace,
// credential parameters and any extra query values.
func (c *restCore) endpoint(path []string, extra []query.Param) string {
	u := c.base
	if len(path) == 0 {
		u.Path += ".json"
	} else {
		u.Path += strings.Join(path, "/") + ".json"
	}

	values := url.Values{}
	if c.namespace != "" {
		values.Set("ns", c.namespace)
	}
	if c.tokens != nil {
		if token := c.tokens.IDToken(); token != "" {
			values.Set("auth", token)
		}
		if token := c.tokens.AttestationToken(); token != "" {
			values.Set("ac", token)
		}
	}
	for _, p := range extra {
		values.Set(p.Key, p.Value)
	}
	u.RawQuery = values.Encode()
	return u.String()
}

// get reads a value with export semantics so priority metadata is
// preserved. A 404 reads as nil rather than an error.
func (c *restCore) get(ctx context.Context, path []string, params *query.Params) (any, error) {
	value, _, _, err := c.getConditional(ctx, path, params, false, "")
	return value, err
}

// getConditional is get plus ETag support for the polling loop: with
// wantETag set the server is asked to tag the response, a non-empty
// etag is sent as If-None-Match, and a 304 reports notModified without
// a body.
func (c *restCore) getConditional(ctx context.Context, path []string, params *query.Params, wantETag bool, etag string) (value any, newETag string, notModified bool, err error) {
	extra, err := params.REST()
	if err != nil {
		return nil, "", false, err
	}
	extra = append(extra, query.Param{Key: "format", Value: "export"})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path, extra), nil)
	if err != nil {
		return nil, "", false, dberr.Wrap(dberr.Internal, "failed to build request", err)
	}
	if wantETag {
		req.Header.Set("X-Firebase-ETag", "true")
	}
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", false, dberr.Wrap(dberr.NetworkFailure, "database read failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	newETag = resp.Header.Get("ETag")
	switch {
	case resp.StatusCode == http.StatusNotModified:
		return nil, newETag, true, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, newETag, false, nil
	case resp.StatusCode >= 400:
		return nil, "", false, c.statusError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", false, dberr.Wrap(dberr.NetworkFailure, "failed to read response body", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, newETag, false, nil
	}
	if err := json.Unmarshal(body, &value); err != nil {
		return nil, "", false, dberr.Wrap(dberr.Internal, "failed to decode database response", err)
	}
	return value, newETag, false, nil
}

// write issues a PUT, PATCH or DELETE with print=silent.
func (c *restCore) write(ctx context.Context, method string, path []string, body any) error {
	var reader io.Reader
	if method != http.MethodDelete {
		encoded, err := json.Marshal(body)
		if err != nil {
			return dberr.Wrap(dberr.InvalidArgument, "failed to encode write payload", err)
		}
		reader = bytes.NewReader(encoded)
	}

	extra := []query.Param{{Key: "print", Value: "silent"}}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, extra), reader)
	if err != nil {
		return dberr.Wrap(dberr.Internal, "failed to build request", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return dberr.Wrap(dberr.NetworkFailure, "database write failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return c.statusError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *restCore) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	message := strings.TrimSpace(string(body))
	if message == "" {
		message = resp.Status
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return dberr.New(dberr.PermissionDenied, message)
	default:
		return dberr.Newf(dberr.Internal, "database request failed with status %d: %s", resp.StatusCode, message)
	}
}

// REST is the pure request/response backend: every operation is one
// HTTP round trip, there is no live connection and no server-side
// disconnect trigger.
type REST struct {
	core *restCore
}

var _ Backend = (*REST)(nil)

// NewREST builds a request/response backend against rawURL.
func NewREST(rawURL string, tokens TokenProvider, logger log.Log, timeout time.Duration) (*REST, error) {
	core, err := newRestCore(rawURL, tokens, logger, timeout)
	if err != nil {
		return nil, err
	}
	return &REST{core: core}, nil
}

func (r *REST) Get(ctx context.Context, path []string, params *query.Params) (any, error) {
	return r.core.get(ctx, path, params)
}

func (r *REST) Put(ctx context.Context, path []string, value any) error {
	return r.core.write(ctx, http.MethodPut, path, value)
}

func (r *REST) Patch(ctx context.Context, path []string, updates map[string]any) error {
	return r.core.write(ctx, http.MethodPatch, path, updates)
}

func (r *REST) Delete(ctx context.Context, path []string) error {
	return r.core.write(ctx, http.MethodDelete, path, nil)
}

// CompareAndPut on a request/response transport has no conditional
// primitive; it performs a plain write and reports success. The
// capability flags advertise the gap.
func (r *REST) CompareAndPut(ctx context.Context, path []string, _, value any) (bool, error) {
	if err := r.Put(ctx, path, value); err != nil {
		return false, err
	}
	return true, nil
}

func (r *REST) Listen(context.Context, ListenSpec) error   { return nil }
func (r *REST) Unlisten(context.Context, ListenSpec) error { return nil }

func (r *REST) OnDisconnect(_ context.Context, op DisconnectOp) error {
	return dberr.NotSupportedf("disconnect operations require a live connection (path %s)",
		joinedPath(op.Path))
}

func (r *REST) GoOnline(context.Context) error  { return nil }
func (r *REST) GoOffline(context.Context) error { return nil }

func (r *REST) Capabilities() Capabilities { return Capabilities{} }

func (r *REST) Close() error { return nil }

func joinedPath(path []string) string {
	if len(path) == 0 {
		return "/"
	}
	return "/" + strings.Join(path, "/")
}
