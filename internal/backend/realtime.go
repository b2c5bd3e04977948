package backend

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/treesync/treesync/internal/dberr"
	"github.com/treesync/treesync/internal/log"
	"github.com/treesync/treesync/internal/query"
	"github.com/treesync/treesync/internal/tree"
)

const (
	connectAttempts   = 3
	connectRetryDelay = 2 * time.Second
	writeDeadline     = 10 * time.Second
	keepaliveInterval = 45 * time.Second
)

// errDegraded signals internally that the socket is down and the
// operation should be retried over the request/response transport.
var errDegraded = errors.New("socket unavailable")

type rtMode int

const (
	modeIdle rtMode = iota
	modeSocket
	modePolling
	modeOffline
	modeClosed
)

// Realtime is the streaming backend: a websocket carrying request
// frames and server-driven change events. When the socket cannot be
// established (or is lost and cannot be re-established) it degrades to
// conditional-GET polling over the request/response transport, trading
// away server-side disconnect triggers and conditional writes. The
// degradation is visible through Capabilities.
type Realtime struct {
	core   *restCore
	wsURL  string
	tokens TokenProvider
	sink   Sink
	logger log.Log
	dialer *websocket.Dialer

	attempts   int
	retryDelay time.Duration

	reqID atomic.Int64

	mu          sync.Mutex
	settled     *sync.Cond
	connecting  bool
	mode        rtMode
	conn        *websocket.Conn
	gen         int
	pending     map[int64]chan rpcResult
	listens     map[uint64]*listenEntry
	disconnects map[string]DisconnectOp
	poll        *poller

	writeMu sync.Mutex
}

var _ Backend = (*Realtime)(nil)

type listenEntry struct {
	spec  ListenSpec
	count int
}

type rpcResult struct {
	status wireStatus
	err    error
}

// Wire framing. Every message is {"t":"d","d":{...}}; requests carry a
// request id "r", an action "a" and a body "b", responses echo "r" with
// a status body, and server events carry an action with no "r".
type wireFrame struct {
	T string   `json:"t"`
	D wireBody `json:"d"`
}

type wireBody struct {
	R int64           `json:"r,omitempty"`
	A string          `json:"a,omitempty"`
	B json.RawMessage `json:"b,omitempty"`
}

type wireStatus struct {
	S string          `json:"s"`
	D json.RawMessage `json:"d,omitempty"`
}

// asError maps a response status to the client taxonomy. "datastale"
// is not an error; callers that issue conditional writes check for it
// before calling this.
func (s wireStatus) asError() error {
	switch s.S {
	case "ok", "datastale":
		return nil
	case "permission_denied", "permission-denied":
		return dberr.New(dberr.PermissionDenied, s.detail())
	default:
		return dberr.Newf(dberr.Internal, "server rejected request: %s (%s)", s.S, s.detail())
	}
}

func (s wireStatus) detail() string {
	var message string
	if err := json.Unmarshal(s.D, &message); err == nil && message != "" {
		return message
	}
	return string(s.D)
}

type wireEvent struct {
	Path string `json:"p"`
	Data any    `json:"d"`
}

type putBody struct {
	Path string `json:"p"`
	Data any    `json:"d"`
	Hash string `json:"h,omitempty"`
}

type listenBody struct {
	Path  string            `json:"p"`
	Query map[string]string `json:"q,omitempty"`
	Hash  string            `json:"h"`
}

type pathBody struct {
	Path string `json:"p"`
}

// NewRealtime builds the streaming backend for rawURL. No connection
// is made until the first operation or an explicit GoOnline.
func NewRealtime(rawURL string, tokens TokenProvider, sink Sink, logger log.Log, timeout time.Duration) (*Realtime, error) {
	core, err := newRestCore(rawURL, tokens, logger, timeout)
	if err != nil {
		return nil, err
	}

	ws := url.URL{Scheme: "wss", Host: core.base.Host, Path: "/.ws"}
	if core.base.Scheme == "http" {
		ws.Scheme = "ws"
	}
	ws.RawQuery = url.Values{"ns": {core.namespace}, "v": {"5"}}.Encode()

	b := &Realtime{
		core:        core,
		wsURL:       ws.String(),
		tokens:      tokens,
		sink:        sink,
		logger:      logger,
		dialer:      &websocket.Dialer{HandshakeTimeout: timeout},
		attempts:    connectAttempts,
		retryDelay:  connectRetryDelay,
		pending:     make(map[int64]chan rpcResult),
		listens:     make(map[uint64]*listenEntry),
		disconnects: make(map[string]DisconnectOp),
	}
	b.settled = sync.NewCond(&b.mu)
	return b, nil
}

// ensureOnlineLocked brings the backend out of the idle state and
// reports the mode operations should use. Callers hold b.mu.
func (b *Realtime) ensureOnlineLocked(ctx context.Context) (rtMode, error) {
	switch b.mode {
	case modeClosed:
		return 0, dberr.Internalf("database handle is closed")
	case modeOffline:
		return 0, dberr.NetworkFailuref("client is offline; call GoOnline first")
	case modeIdle:
		b.comeOnlineLocked(ctx)
	}
	return b.mode, nil
}

// comeOnlineLocked dials the socket with retries and falls back to the
// polling transport when every attempt fails. It never reports an
// error: degraded is still online. The mutex is released while dialing
// so retry sleeps never stall concurrent operations; callers that
// arrive mid-dial wait on settled for the in-flight attempt instead of
// starting their own.
func (b *Realtime) comeOnlineLocked(ctx context.Context) {
	for b.connecting {
		b.settled.Wait()
	}
	if b.mode != modeIdle {
		return
	}
	b.connecting = true
	b.mu.Unlock()

	var conn *websocket.Conn
	var lastErr error
	for attempt := 0; attempt < b.attempts; attempt++ {
		if attempt > 0 && !sleepCtx(ctx, b.retryDelay) {
			break
		}
		c, err := b.dial(ctx)
		if err != nil {
			lastErr = err
			b.logger.Warn("connect attempt failed",
				log.Int("attempt", attempt+1), log.Error(err))
			continue
		}
		conn = c
		break
	}

	b.mu.Lock()
	b.connecting = false
	b.settled.Broadcast()

	if b.mode != modeIdle {
		// GoOffline or Close raced with the dial.
		if conn != nil {
			_ = conn.Close()
		}
		return
	}

	if conn == nil {
		b.logger.Warn("socket unavailable, degrading to polling", log.Error(lastErr))
		b.mode = modePolling
		b.startPollingLocked()
		if lastErr != nil {
			b.sink.ConnectionError(lastErr)
		}
		return
	}

	b.conn = conn
	b.gen++
	b.pending = make(map[int64]chan rpcResult)

	done := make(chan struct{})
	go b.reader(conn, b.gen, done)
	go b.keepalive(conn, done)
	b.logger.Info("connected", log.String("url", b.wsURL))

	b.mode = modeSocket
	b.afterConnectLocked()
}

// dial opens the socket. Runs without b.mu held.
func (b *Realtime) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := b.dialer.DialContext(ctx, b.wsURL, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, dberr.Wrap(dberr.PermissionDenied, "connection rejected", err)
		}
		return nil, dberr.Wrap(dberr.NetworkFailure, "failed to open connection", err)
	}
	return conn, nil
}

// afterConnectLocked re-establishes session state on a fresh socket:
// credentials first, then active listens, then pending disconnect ops.
func (b *Realtime) afterConnectLocked() {
	if b.tokens != nil {
		if token := b.tokens.IDToken(); token != "" {
			b.sendAsyncLocked("auth", map[string]string{"cred": token})
		}
		if token := b.tokens.AttestationToken(); token != "" {
			b.sendAsyncLocked("appcheck", map[string]string{"token": token})
		}
	}
	for _, entry := range b.listens {
		body, err := newListenBody(entry.spec)
		if err != nil {
			b.logger.Error("failed to encode listen replay", log.Error(err))
			continue
		}
		b.sendAsyncLocked("listen", body)
	}
	for _, op := range b.disconnects {
		action, body := disconnectFrame(op)
		b.sendAsyncLocked(action, body)
	}
}

// sendAsyncLocked writes a request frame without waiting for the
// response; the reader drops unmatched responses.
func (b *Realtime) sendAsyncLocked(action string, body any) {
	if err := b.writeFrame(b.conn, b.reqID.Add(1), action, body); err != nil {
		b.logger.Warn("failed to send frame", log.String("action", action), log.Error(err))
	}
}

func (b *Realtime) startPollingLocked() {
	b.poll = newPoller(b.core, b.sink, b.logger)
	for _, entry := range b.listens {
		b.poll.watch(entry.spec)
	}
}

func (b *Realtime) writeFrame(conn *websocket.Conn, id int64, action string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return dberr.Wrap(dberr.InvalidArgument, "failed to encode request body", err)
	}
	data, err := json.Marshal(wireFrame{T: "d", D: wireBody{R: id, A: action, B: raw}})
	if err != nil {
		return dberr.Wrap(dberr.Internal, "failed to encode frame", err)
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return dberr.Wrap(dberr.NetworkFailure, "failed to write frame", err)
	}
	return nil
}

// rpc sends a request frame and waits for its response. Returns
// errDegraded when the polling transport is active so callers fall
// back to request/response.
func (b *Realtime) rpc(ctx context.Context, action string, body any) (wireStatus, error) {
	b.mu.Lock()
	mode, err := b.ensureOnlineLocked(ctx)
	if err != nil {
		b.mu.Unlock()
		return wireStatus{}, err
	}
	if mode != modeSocket {
		b.mu.Unlock()
		return wireStatus{}, errDegraded
	}
	conn := b.conn
	id := b.reqID.Add(1)
	ch := make(chan rpcResult, 1)
	b.pending[id] = ch
	b.mu.Unlock()

	if err := b.writeFrame(conn, id, action, body); err != nil {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		return wireStatus{}, err
	}

	select {
	case <-ctx.Done():
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
		return wireStatus{}, dberr.Wrap(dberr.NetworkFailure, "request cancelled", ctx.Err())
	case res := <-ch:
		return res.status, res.err
	}
}

func (b *Realtime) reader(conn *websocket.Conn, gen int, done chan struct{}) {
	defer close(done)
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			b.handleDisconnect(gen, err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		b.handleFrame(data)
	}
}

func (b *Realtime) handleFrame(data []byte) {
	var frame wireFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		b.logger.Warn("dropping malformed frame", log.Error(err))
		return
	}
	if frame.T != "d" {
		return
	}

	if frame.D.R != 0 {
		var status wireStatus
		if err := json.Unmarshal(frame.D.B, &status); err != nil {
			status = wireStatus{S: "malformed"}
		}
		b.mu.Lock()
		ch := b.pending[frame.D.R]
		delete(b.pending, frame.D.R)
		b.mu.Unlock()
		if ch == nil {
			b.logger.Debug("unmatched response",
				log.Int64("r", frame.D.R), log.String("status", status.S))
			return
		}
		ch <- rpcResult{status: status}
		return
	}

	switch frame.D.A {
	case "d", "m":
		var ev wireEvent
		if err := json.Unmarshal(frame.D.B, &ev); err != nil {
			b.logger.Warn("dropping malformed event", log.Error(err))
			return
		}
		path, err := tree.ParsePath(ev.Path)
		if err != nil {
			b.logger.Warn("dropping event with bad path",
				log.String("path", ev.Path), log.Error(err))
			return
		}
		b.sink.ServerEvent(Event{Path: path, Merge: frame.D.A == "m", Data: ev.Data})
	}
}

// handleDisconnect runs on the reader goroutine when the socket dies.
// Deliberate closes (GoOffline, Close, an upgrade) are identified by a
// generation mismatch and ignored; anything else is an abnormal loss,
// which triggers a reconnect and, failing that, degradation.
func (b *Realtime) handleDisconnect(gen int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.gen != gen || b.mode != modeSocket {
		return
	}

	b.logger.Warn("connection lost", log.Error(err))
	b.conn = nil
	b.failPendingLocked(dberr.Wrap(dberr.NetworkFailure, "connection lost", err))
	b.sink.ConnectionError(err)

	b.mode = modeIdle
	b.comeOnlineLocked(context.Background())
}

func (b *Realtime) failPendingLocked(err error) {
	for id, ch := range b.pending {
		ch <- rpcResult{err: err}
		delete(b.pending, id)
	}
}

func (b *Realtime) keepalive(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			b.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline))
			b.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (b *Realtime) Get(ctx context.Context, path []string, params *query.Params) (any, error) {
	b.mu.Lock()
	_, err := b.ensureOnlineLocked(ctx)
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return b.core.get(ctx, path, params)
}

func (b *Realtime) Put(ctx context.Context, path []string, value any) error {
	status, err := b.rpc(ctx, "p", putBody{Path: tree.JoinPath(path), Data: value})
	if errors.Is(err, errDegraded) {
		return b.core.write(ctx, http.MethodPut, path, value)
	}
	if err != nil {
		return err
	}
	return status.asError()
}

func (b *Realtime) Patch(ctx context.Context, path []string, updates map[string]any) error {
	status, err := b.rpc(ctx, "m", putBody{Path: tree.JoinPath(path), Data: updates})
	if errors.Is(err, errDegraded) {
		return b.core.write(ctx, http.MethodPatch, path, updates)
	}
	if err != nil {
		return err
	}
	return status.asError()
}

func (b *Realtime) Delete(ctx context.Context, path []string) error {
	return b.Put(ctx, path, nil)
}

// CompareAndPut sends a conditional put carrying a hash of the value
// the caller read; the server answers "datastale" when the stored
// value no longer matches. On the degraded transport there is no
// conditional primitive and the write is applied unconditionally.
func (b *Realtime) CompareAndPut(ctx context.Context, path []string, expected, value any) (bool, error) {
	hash, err := valueHash(expected)
	if err != nil {
		return false, err
	}
	status, err := b.rpc(ctx, "p", putBody{Path: tree.JoinPath(path), Data: value, Hash: hash})
	if errors.Is(err, errDegraded) {
		if err := b.core.write(ctx, http.MethodPut, path, value); err != nil {
			return false, err
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if status.S == "datastale" {
		return false, nil
	}
	if err := status.asError(); err != nil {
		return false, err
	}
	return true, nil
}

func (b *Realtime) Listen(ctx context.Context, spec ListenSpec) error {
	b.mu.Lock()
	mode, err := b.ensureOnlineLocked(ctx)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	key := spec.Key()
	if entry, ok := b.listens[key]; ok {
		entry.count++
		b.mu.Unlock()
		return nil
	}
	b.listens[key] = &listenEntry{spec: spec, count: 1}
	if mode == modePolling {
		b.poll.watch(spec)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	body, err := newListenBody(spec)
	if err != nil {
		b.dropListenEntry(key)
		return err
	}
	status, err := b.rpc(ctx, "listen", body)
	if errors.Is(err, errDegraded) {
		// Degraded while registering; startPollingLocked picked the
		// entry up from the listens map.
		return nil
	}
	if err == nil {
		err = status.asError()
	}
	if err != nil {
		b.dropListenEntry(key)
		return err
	}
	return nil
}

func (b *Realtime) dropListenEntry(key uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if entry, ok := b.listens[key]; ok {
		entry.count--
		if entry.count <= 0 {
			delete(b.listens, key)
		}
	}
}

func (b *Realtime) Unlisten(ctx context.Context, spec ListenSpec) error {
	b.mu.Lock()
	key := spec.Key()
	entry, ok := b.listens[key]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	entry.count--
	if entry.count > 0 {
		b.mu.Unlock()
		return nil
	}
	delete(b.listens, key)
	mode := b.mode
	if mode == modePolling && b.poll != nil {
		b.poll.unwatch(spec)
	}
	b.mu.Unlock()

	if mode != modeSocket {
		return nil
	}
	body, err := newListenBody(spec)
	if err != nil {
		return err
	}
	status, err := b.rpc(ctx, "unlisten", listenBody{Path: body.Path, Query: body.Query})
	if errors.Is(err, errDegraded) {
		return nil
	}
	if err != nil {
		return err
	}
	return status.asError()
}

func newListenBody(spec ListenSpec) (listenBody, error) {
	body := listenBody{Path: tree.JoinPath(spec.Path)}
	params, err := spec.Params.REST()
	if err != nil {
		return listenBody{}, err
	}
	if len(params) > 0 {
		body.Query = make(map[string]string, len(params))
		for _, p := range params {
			body.Query[p.Key] = p.Value
		}
	}
	return body, nil
}

func disconnectFrame(op DisconnectOp) (action string, body any) {
	path := tree.JoinPath(op.Path)
	switch op.Kind {
	case DisconnectMerge:
		return "om", putBody{Path: path, Data: op.Value}
	case DisconnectCancel:
		return "oc", pathBody{Path: path}
	default:
		return "o", putBody{Path: path, Data: op.Value}
	}
}

// OnDisconnect registers op with the server and remembers it for
// replay after a reconnect. On the degraded transport the op is only
// queued locally and runs on GoOffline.
func (b *Realtime) OnDisconnect(ctx context.Context, op DisconnectOp) error {
	b.mu.Lock()
	mode, err := b.ensureOnlineLocked(ctx)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	key := tree.JoinPath(op.Path)
	if op.Kind == DisconnectCancel {
		delete(b.disconnects, key)
	} else {
		b.disconnects[key] = op
	}
	b.mu.Unlock()

	if mode != modeSocket {
		return nil
	}
	action, body := disconnectFrame(op)
	status, err := b.rpc(ctx, action, body)
	if errors.Is(err, errDegraded) {
		return nil
	}
	if err != nil {
		return err
	}
	return status.asError()
}

func (b *Realtime) GoOnline(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.mode {
	case modeClosed:
		return dberr.Internalf("database handle is closed")
	case modeSocket:
		return nil
	case modePolling:
		// Upgrade attempt: stop the loops and redial. Failure lands
		// back in polling mode.
		b.poll.stop()
		b.poll = nil
		b.mode = modeIdle
		b.comeOnlineLocked(ctx)
	default:
		b.mode = modeIdle
		b.comeOnlineLocked(ctx)
	}
	return nil
}

// GoOffline tears the transport down. With a live socket the server
// runs any registered disconnect operations; on the degraded transport
// the client runs the queued ops itself, which is the weaker
// guarantee Capabilities advertises.
func (b *Realtime) GoOffline(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.mode {
	case modeClosed:
		return dberr.Internalf("database handle is closed")
	case modeOffline:
		return nil
	case modeSocket:
		b.mode = modeOffline
		b.closeConnLocked()
	case modePolling:
		b.mode = modeOffline
		b.poll.stop()
		b.poll = nil
		b.runDisconnectOpsLocked(ctx)
	default:
		b.mode = modeOffline
	}
	return nil
}

func (b *Realtime) closeConnLocked() {
	conn := b.conn
	b.conn = nil
	b.gen++
	b.failPendingLocked(dberr.NetworkFailuref("client went offline"))
	if conn != nil {
		b.writeMu.Lock()
		message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second))
		b.writeMu.Unlock()
		_ = conn.Close()
	}
}

// runDisconnectOpsLocked executes the locally queued disconnect ops
// over the request/response transport and synthesizes the matching
// events so local listeners observe the writes.
func (b *Realtime) runDisconnectOpsLocked(ctx context.Context) {
	for key, op := range b.disconnects {
		delete(b.disconnects, key)
		var err error
		switch op.Kind {
		case DisconnectMerge:
			updates, ok := op.Value.(map[string]any)
			if !ok {
				err = dberr.InvalidArgumentf("disconnect merge payload must be an object")
			} else {
				err = b.core.write(ctx, http.MethodPatch, op.Path, updates)
			}
		default:
			err = b.core.write(ctx, http.MethodPut, op.Path, op.Value)
		}
		if err != nil {
			b.logger.Error("disconnect operation failed",
				log.String("path", key), log.Error(err))
			continue
		}
		b.sink.ServerEvent(Event{Path: op.Path, Merge: op.Kind == DisconnectMerge, Data: op.Value})
	}
}

func (b *Realtime) Capabilities() Capabilities {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mode == modePolling {
		return Capabilities{StreamingEvents: true}
	}
	return Capabilities{StreamingEvents: true, ServerDisconnectOps: true, ConditionalWrites: true}
}

func (b *Realtime) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mode == modeClosed {
		return nil
	}
	if b.poll != nil {
		b.poll.stop()
		b.poll = nil
	}
	b.closeConnLocked()
	b.mode = modeClosed
	return nil
}

// valueHash is the conditional-write fingerprint: base64 of the SHA-1
// of the canonical JSON encoding (Go serializes object keys sorted, so
// equal values hash equally).
func valueHash(value any) (string, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", dberr.Wrap(dberr.InvalidArgument, "failed to encode value for hashing", err)
	}
	sum := sha1.Sum(encoded)
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}
