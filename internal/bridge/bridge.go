// Package bridge owns the session pool and the correlation-id table.
//
// DESIGN: Single-writer discipline — every mutation of the pool and the
// consumer table happens under one mutex, and each session has exactly one
// dispatch goroutine forwarding its frames. Request goroutines only ever
// read from their own handle channel, so per-id frame order is preserved
// end to end and no frame can cross between correlation ids.
//
// Admission control is a pool-wide slot semaphore (sessions × per-session
// in-flight cap) with a bounded wait queue in front of it. A request that
// cannot get a slot while the queue is full fails fast with a busy error.
package bridge

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/enginebridge/engine-gateway/internal/config"
	"github.com/enginebridge/engine-gateway/internal/upstream"
)

// Channel is the slice of an upstream session the bridge consumes.
// *upstream.Session satisfies it; tests substitute fakes.
type Channel interface {
	Submit(ctx context.Context, env upstream.Envelope) error
	Abort(ctx context.Context, correlationID string)
	Frames() <-chan upstream.Frame
	State() upstream.State
	Err() error
	Close()
}

// DialFunc opens a new authenticated channel, typically by drawing a cookie
// from the credential pool and dialing upstream.
type DialFunc func(ctx context.Context) (Channel, error)

// Config sizes the pool and the admission queue.
type Config struct {
	MaxSessions           int
	MaxInflightPerSession int
	QueueSize             int
}

func (c *Config) applyDefaults() {
	if c.MaxSessions < 1 {
		c.MaxSessions = config.DefaultMaxSessions
	}
	if c.MaxInflightPerSession < 1 {
		c.MaxInflightPerSession = config.DefaultMaxInflightPerSession
	}
	if c.QueueSize < 0 {
		c.QueueSize = config.DefaultQueueSize
	}
}

type member struct {
	ch       Channel
	inflight map[string]*consumer
}

type consumer struct {
	id     string
	member *member
	frames chan upstream.Frame

	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
}

func (c *consumer) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *consumer) closeFrames() {
	c.closeOnce.Do(func() { close(c.frames) })
}

// Handle is the caller's side of one in-flight request.
type Handle struct {
	correlationID string
	frames        <-chan upstream.Frame
	cancel        func()
}

// CorrelationID returns the id linking this request to its upstream frames.
func (h *Handle) CorrelationID() string { return h.correlationID }

// Frames delivers this request's frames in upstream order. The channel
// closes after the terminal frame (or after Cancel).
func (h *Handle) Frames() <-chan upstream.Frame { return h.frames }

// Cancel releases the registration immediately. Frames arriving afterwards
// for this id are dropped; upstream is notified best-effort.
func (h *Handle) Cancel() { h.cancel() }

// Bridge is the correlator/multiplexer.
type Bridge struct {
	cfg  Config
	dial DialFunc

	breaker *gobreaker.CircuitBreaker

	mu        sync.Mutex
	members   []*member
	consumers map[string]*consumer
	dialing   int
	closed    bool

	slots   chan struct{}
	waiting atomic.Int32
}

// New builds a bridge. Sessions open lazily on first demand.
func New(cfg Config, dial DialFunc) *Bridge {
	cfg.applyDefaults()
	b := &Bridge{
		cfg:       cfg,
		dial:      dial,
		consumers: make(map[string]*consumer),
		slots:     make(chan struct{}, cfg.MaxSessions*cfg.MaxInflightPerSession),
	}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "upstream-dial",
		Interval: time.Minute,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		// A rejected credential is the cookie's fault, not upstream's;
		// it must not starve dialing for other cookies.
		IsSuccessful: func(err error) bool {
			return err == nil || upstream.KindOf(err) == upstream.KindAuth
		},
	})
	return b
}

// Submit translates admission, session selection and upstream submission
// into one call. The returned handle delivers this request's frames only.
func (b *Bridge) Submit(ctx context.Context, env upstream.Envelope) (*Handle, error) {
	if err := b.acquireSlot(ctx); err != nil {
		return nil, err
	}

	c := &consumer{
		id:     env.CorrelationID,
		frames: make(chan upstream.Frame, 32),
		done:   make(chan struct{}),
	}

	m, err := b.selectMember(ctx, c)
	if err != nil {
		b.releaseSlot()
		return nil, err
	}

	if err := m.ch.Submit(ctx, env); err != nil {
		b.unregister(c)
		c.markDone()
		return nil, err
	}

	return &Handle{
		correlationID: env.CorrelationID,
		frames:        c.frames,
		cancel:        func() { b.cancel(c) },
	}, nil
}

// acquireSlot implements admission control: immediate grant, bounded wait,
// or fail-fast busy.
func (b *Bridge) acquireSlot(ctx context.Context) error {
	select {
	case b.slots <- struct{}{}:
		return nil
	default:
	}

	if int(b.waiting.Load()) >= b.cfg.QueueSize {
		return upstream.NewError(upstream.KindBusy,
			"admission queue full (%d waiting)", b.cfg.QueueSize)
	}
	b.waiting.Add(1)
	defer b.waiting.Add(-1)

	select {
	case b.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return upstream.WrapError(upstream.KindTimeout, ctx.Err(), "timed out waiting for capacity")
		}
		return ctx.Err()
	}
}

func (b *Bridge) releaseSlot() {
	select {
	case <-b.slots:
	default:
		// Slot accounting is strictly acquire-then-release; an empty
		// semaphore here indicates a bug.
		log.Error().Msg("bridge: slot release without acquire")
	}
}

// selectMember picks the open session with the fewest in-flight ids that
// still has room, opening a new session while the pool is below its cap.
// The consumer is registered on the chosen member under the same lock hold,
// so concurrent submissions cannot both claim the last in-flight place.
func (b *Bridge) selectMember(ctx context.Context, c *consumer) (*member, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, upstream.NewError(upstream.KindConnectionLost, "bridge is shut down")
		}
		var best *member
		for _, m := range b.members {
			if m.ch.State() != upstream.StateOpen {
				continue
			}
			if len(m.inflight) >= b.cfg.MaxInflightPerSession {
				continue
			}
			if best == nil || len(m.inflight) < len(best.inflight) {
				best = m
			}
		}
		if best != nil {
			b.registerLocked(best, c)
			b.mu.Unlock()
			return best, nil
		}

		if len(b.members)+b.dialing >= b.cfg.MaxSessions {
			b.mu.Unlock()
			// Pool is saturated but a slot was granted: a session died or
			// is mid-dial. Yield and retry until the caller gives up.
			select {
			case <-ctx.Done():
				return nil, upstream.WrapError(upstream.KindTimeout, ctx.Err(), "no session became available")
			case <-time.After(50 * time.Millisecond):
				continue
			}
		}
		b.dialing++
		b.mu.Unlock()

		ch, err := b.openSession(ctx)

		b.mu.Lock()
		b.dialing--
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		if b.closed {
			b.mu.Unlock()
			ch.Close()
			return nil, upstream.NewError(upstream.KindConnectionLost, "bridge is shut down")
		}
		m := &member{ch: ch, inflight: make(map[string]*consumer)}
		b.members = append(b.members, m)
		b.registerLocked(m, c)
		b.mu.Unlock()

		go b.dispatchLoop(m)
		return m, nil
	}
}

// registerLocked binds the consumer to a member. Callers hold mu.
func (b *Bridge) registerLocked(m *member, c *consumer) {
	c.member = m
	b.consumers[c.id] = c
	m.inflight[c.id] = c
}

// openSession dials through the circuit breaker so a dead upstream fails
// fast instead of being re-dialed on every request.
func (b *Bridge) openSession(ctx context.Context) (Channel, error) {
	result, err := b.breaker.Execute(func() (any, error) {
		return b.dial(ctx)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, upstream.WrapError(upstream.KindUpstream, err, "upstream temporarily unavailable")
		}
		return nil, err
	}
	return result.(Channel), nil
}

// dispatchLoop is the single reader of one session's frame stream.
func (b *Bridge) dispatchLoop(m *member) {
	for f := range m.ch.Frames() {
		b.deliver(m, f)
	}
	b.removeMember(m)
}

// deliver routes one frame to its registered consumer. Frames for ids with
// no registration (resolved or cancelled) are logged and dropped.
func (b *Bridge) deliver(m *member, f upstream.Frame) {
	b.mu.Lock()
	c, ok := b.consumers[f.CorrelationID]
	if !ok || c.member != m {
		b.mu.Unlock()
		log.Debug().
			Str("correlation_id", f.CorrelationID).
			Str("kind", f.Kind.String()).
			Msg("dropping frame with no registered consumer")
		return
	}
	if f.Terminal() {
		b.unregisterLocked(c)
	}
	b.mu.Unlock()

	select {
	case c.frames <- f:
	case <-c.done:
		return
	}
	if f.Terminal() {
		c.markDone()
		c.closeFrames()
	}
}

// removeMember fails every in-flight id owned by a dead session with the
// session's terminal error. Deltas already delivered are not retracted.
func (b *Bridge) removeMember(m *member) {
	reason := m.ch.Err()
	kind := upstream.KindOf(reason)
	if kind != upstream.KindAuth {
		kind = upstream.KindConnectionLost
	}

	b.mu.Lock()
	for i, other := range b.members {
		if other == m {
			b.members = append(b.members[:i], b.members[i+1:]...)
			break
		}
	}
	orphans := make([]*consumer, 0, len(m.inflight))
	for _, c := range m.inflight {
		orphans = append(orphans, c)
		delete(b.consumers, c.id)
	}
	m.inflight = map[string]*consumer{}
	b.mu.Unlock()

	if len(orphans) > 0 {
		log.Warn().
			Int("orphaned", len(orphans)).
			AnErr("reason", reason).
			Msg("session died with in-flight requests")
	}
	for _, c := range orphans {
		f := upstream.Frame{
			Kind:          upstream.FrameError,
			CorrelationID: c.id,
			Err:           upstream.WrapError(kind, reason, "session lost"),
		}
		select {
		case c.frames <- f:
		case <-c.done:
		}
		c.markDone()
		c.closeFrames()
		b.releaseSlot()
	}
}

// cancel implements caller-side cancellation: the registration goes away
// immediately and upstream is told to abandon the id best-effort.
func (b *Bridge) cancel(c *consumer) {
	b.mu.Lock()
	_, registered := b.consumers[c.id]
	if registered {
		b.unregisterLocked(c)
	}
	b.mu.Unlock()

	c.markDone()
	if registered {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.member.ch.Abort(ctx, c.id)
	}
}

func (b *Bridge) unregister(c *consumer) {
	b.mu.Lock()
	if _, ok := b.consumers[c.id]; ok {
		b.unregisterLocked(c)
	}
	b.mu.Unlock()
}

// unregisterLocked removes the consumer and frees its slot. Callers hold mu.
func (b *Bridge) unregisterLocked(c *consumer) {
	delete(b.consumers, c.id)
	delete(c.member.inflight, c.id)
	b.releaseSlot()
}

// InflightCount reports the number of registered consumers.
func (b *Bridge) InflightCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.consumers)
}

// SessionCount reports the number of pooled sessions.
func (b *Bridge) SessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.members)
}

// Close force-closes every session. In-flight requests resolve with a
// connection-lost error through the normal dispatch path.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closed = true
	members := append([]*member(nil), b.members...)
	b.mu.Unlock()

	for _, m := range members {
		m.ch.Close()
	}
}
