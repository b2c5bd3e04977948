package backend

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/treesync/treesync/internal/dberr"
	"github.com/treesync/treesync/internal/log"
)

const (
	pollInterval     = 1500 * time.Millisecond
	pollErrorBackoff = 5 * time.Second
)

// poller drives conditional-GET loops for active listens when no live
// stream is available. Each watched spec gets its own loop; an ETag per
// loop keeps unchanged polls from producing events.
type poller struct {
	core   *restCore
	sink   Sink
	logger log.Log

	mu    sync.Mutex
	loops map[uint64]context.CancelFunc
	group *errgroup.Group
	ctx   context.Context
}

func newPoller(core *restCore, sink Sink, logger log.Log) *poller {
	group, ctx := errgroup.WithContext(context.Background())
	return &poller{
		core:   core,
		sink:   sink,
		logger: logger,
		loops:  make(map[uint64]context.CancelFunc),
		group:  group,
		ctx:    ctx,
	}
}

// watch starts a poll loop for spec. Watching an already-watched spec
// is a no-op.
func (p *poller) watch(spec ListenSpec) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := spec.Key()
	if _, ok := p.loops[key]; ok {
		return
	}

	ctx, cancel := context.WithCancel(p.ctx)
	p.loops[key] = cancel
	p.group.Go(func() error {
		p.run(ctx, spec)
		return nil
	})
}

// unwatch stops the poll loop for spec, if any.
func (p *poller) unwatch(spec ListenSpec) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := spec.Key()
	if cancel, ok := p.loops[key]; ok {
		cancel()
		delete(p.loops, key)
	}
}

// stop cancels every loop and waits for them to exit.
func (p *poller) stop() {
	p.mu.Lock()
	for key, cancel := range p.loops {
		cancel()
		delete(p.loops, key)
	}
	p.mu.Unlock()
	_ = p.group.Wait()
}

func (p *poller) run(ctx context.Context, spec ListenSpec) {
	logger := p.logger.With(log.String("path", joinedPath(spec.Path)))
	logger.Debug("poll loop started")

	var etag string
	first := true
	for {
		if !first {
			if !sleepCtx(ctx, pollInterval) {
				logger.Debug("poll loop stopped")
				return
			}
		}
		first = false

		value, newETag, notModified, err := p.core.getConditional(ctx, spec.Path, spec.Params, true, etag)
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("poll loop stopped")
				return
			}
			logger.Warn("poll failed", log.Error(err), log.String("code", string(dberr.CodeOf(err))))
			p.sink.ConnectionError(err)
			if !sleepCtx(ctx, pollErrorBackoff) {
				return
			}
			continue
		}
		if notModified {
			continue
		}

		etag = newETag
		p.sink.ServerEvent(Event{Path: spec.Path, Data: value})
	}
}

// sleepCtx sleeps for d, returning false if ctx is done first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
