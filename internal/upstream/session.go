// Session owns one authenticated upstream channel.
//
// DESIGN: Lifecycle and data flow:
//   - Dial():     Clerk handshake, WebSocket connect, start read loop
//   - Submit():   POST the chat envelope, register the correlation id
//   - readLoop(): decode frames, swallow heartbeats, publish the rest
//   - reconnect(): bounded exponential backoff reusing the same credential
//
// The frames channel is the session's only output. When it closes the
// session is terminally dead and Err() explains why; the bridge fails every
// in-flight id it still tracks for this session at that point.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/enginebridge/engine-gateway/internal/config"
)

// State is the session lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateDegraded
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Options configures a session. Zero values fall back to package defaults.
type Options struct {
	BaseURL     string
	ClerkURL    string
	Origin      string
	Proxy       string
	DialTimeout time.Duration
	ReadTimeout time.Duration
	IdleTimeout time.Duration
	Reconnect   config.ReconnectConfig
}

func (o *Options) applyDefaults() {
	if o.BaseURL == "" {
		o.BaseURL = config.DefaultEngineBaseURL
	}
	if o.ClerkURL == "" {
		o.ClerkURL = config.DefaultClerkBaseURL
	}
	if o.Origin == "" {
		o.Origin = config.DefaultOrigin
	}
	if o.DialTimeout == 0 {
		o.DialTimeout = config.DefaultDialTimeout
	}
	if o.ReadTimeout == 0 {
		o.ReadTimeout = config.DefaultReadTimeout
	}
	if o.IdleTimeout == 0 {
		o.IdleTimeout = config.DefaultSessionIdleTimeout
	}
	if o.Reconnect.MaxAttempts == 0 {
		o.Reconnect.MaxAttempts = config.DefaultReconnectMaxAttempts
	}
	if o.Reconnect.BaseDelay == 0 {
		o.Reconnect.BaseDelay = config.DefaultReconnectBaseDelay
	}
	if o.Reconnect.MaxDelay == 0 {
		o.Reconnect.MaxDelay = config.DefaultReconnectMaxDelay
	}
}

// Session is one authenticated upstream channel. It multiplexes every chat
// submitted on it; frames are tagged with the correlation id they belong to.
type Session struct {
	id   string
	opts Options

	httpClient *http.Client
	clerk      *clerkClient

	mu       sync.Mutex
	conn     *websocket.Conn
	creds    *credentials
	inflight map[string]struct{}

	state        atomic.Int32
	lastActivity atomic.Int64

	frames    chan Frame
	runCtx    context.Context
	runCancel context.CancelFunc
	closeOnce sync.Once

	errMu   sync.Mutex
	termErr error

	logger zerolog.Logger
}

// Dial authenticates the cookie against Clerk, connects the buffer stream
// and starts the read loop. A rejected credential comes back as a KindAuth
// error and is never retried here.
func Dial(ctx context.Context, opts Options, cookie string) (*Session, error) {
	opts.applyDefaults()

	httpClient, err := newHTTPClient(opts)
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:         fmt.Sprintf("sess-%d", time.Now().UnixNano()),
		opts:       opts,
		httpClient: httpClient,
		clerk:      newClerkClient(opts.ClerkURL, opts.Origin, httpClient),
		inflight:   make(map[string]struct{}),
		frames:     make(chan Frame, 64),
	}
	s.logger = log.With().Str("session", s.id).Logger()
	s.state.Store(int32(StateConnecting))
	s.touchActivity()

	creds, err := s.clerk.authenticate(ctx, cookie)
	if err != nil {
		return nil, err
	}
	s.creds = creds

	conn, err := s.dialStream(ctx)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	s.state.Store(int32(StateOpen))

	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	go s.readLoop()
	go s.idleWatcher()

	s.logger.Info().Str("clerk_session", creds.sessionID).Msg("upstream session open")
	return s, nil
}

func newHTTPClient(opts Options) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.Proxy != "" {
		proxyURL, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return &http.Client{Transport: transport, Timeout: opts.DialTimeout}, nil
}

// dialStream connects the multiplexed buffer stream for this session.
func (s *Session) dialStream(ctx context.Context) (*websocket.Conn, error) {
	wsURL := toWebSocketURL(s.opts.BaseURL) + "/buffer/stream?token=" + url.QueryEscape(s.creds.wsToken)

	header := http.Header{}
	browserHeaders(header, s.opts.BaseURL, s.opts.Origin)

	dialCtx, cancel := context.WithTimeout(ctx, s.opts.DialTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPClient: s.httpClient,
		HTTPHeader: header,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, WrapError(KindAuth, err, "stream rejected the ws token")
		}
		return nil, WrapError(KindConnectionLost, err, "stream dial failed")
	}
	conn.SetReadLimit(1 << 20)
	return conn, nil
}

// Submit posts one chat envelope. The session must be Open; the bridge
// guarantees it never submits on a Degraded or Closed session.
func (s *Session) Submit(ctx context.Context, env Envelope) error {
	if s.State() == StateClosed {
		return NewError(KindConnectionLost, "session is closed")
	}

	if err := s.postChat(ctx, env, false); err != nil {
		return err
	}

	s.mu.Lock()
	s.inflight[env.CorrelationID] = struct{}{}
	s.mu.Unlock()
	s.touchActivity()
	return nil
}

// postChat does the HTTP submission, refreshing the JWT once on a 401/403.
func (s *Session) postChat(ctx context.Context, env Envelope, retried bool) error {
	s.mu.Lock()
	jwt := s.creds.jwt
	s.mu.Unlock()

	chatURL := strings.TrimRight(s.opts.BaseURL, "/") + "/chat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, chatURL, strings.NewReader(string(env.chatPayload())))
	if err != nil {
		return err
	}
	browserHeaders(req.Header, chatURL, s.opts.Origin)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+jwt)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return WrapError(KindUpstream, err, "chat submission failed")
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		if retried {
			return NewError(KindAuth, "chat submission rejected after JWT refresh (%d)", resp.StatusCode)
		}
		s.logger.Debug().Int("status", resp.StatusCode).Msg("submission rejected, refreshing JWT")
		s.mu.Lock()
		creds := s.creds
		s.mu.Unlock()
		if err := s.clerk.refreshJWT(ctx, creds); err != nil {
			return err
		}
		return s.postChat(ctx, env, true)
	case resp.StatusCode == http.StatusTooManyRequests:
		return NewError(KindRateLimit, "upstream throttled the submission")
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, config.MaxErrorBodyLogLen))
		return NewError(KindUpstream, "chat submission returned %d: %s", resp.StatusCode, string(body))
	}
}

// Abort best-effort tells upstream to abandon one chat. Failures are only
// logged: the consumer registration is already gone by the time this runs.
func (s *Session) Abort(ctx context.Context, correlationID string) {
	s.mu.Lock()
	delete(s.inflight, correlationID)
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, abortMessage(correlationID)); err != nil {
		s.logger.Debug().Err(err).Str("correlation_id", correlationID).Msg("abort notification failed")
	}
}

// Frames returns the inbound frame stream. The channel closes when the
// session dies; Err() then reports the terminal reason.
func (s *Session) Frames() <-chan Frame { return s.frames }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// InflightCount reports how many correlation ids the session still owns.
func (s *Session) InflightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Err returns the terminal error after the frames channel has closed.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.termErr
}

// Close force-closes the session. In-flight ids are resolved by the bridge
// as forced-cancels when it observes the channel close.
func (s *Session) Close() {
	s.terminate(NewError(KindConnectionLost, "session closed"))
}

// terminate marks the session dead and unblocks the read loop. It never
// closes the frames channel itself: the read loop owns that, so a frame
// decoded just before termination can never race a close.
func (s *Session) terminate(reason error) {
	s.closeOnce.Do(func() {
		s.errMu.Lock()
		s.termErr = reason
		s.errMu.Unlock()
		s.state.Store(int32(StateClosed))

		if s.runCancel != nil {
			s.runCancel()
		}
		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()
		if conn != nil {
			// Force-close: a full close handshake can stall for seconds when
			// the peer never echoes, which would serialize gateway shutdown.
			_ = conn.CloseNow()
		}
		s.logger.Info().AnErr("reason", reason).Msg("upstream session closed")
	})
}

func (s *Session) touchActivity() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// idleWatcher tears the session down once it has been quiet with no
// in-flight work for the idle timeout.
func (s *Session) idleWatcher() {
	ticker := time.NewTicker(s.opts.IdleTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-s.runCtx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, s.lastActivity.Load())
			if s.InflightCount() == 0 && time.Since(last) > s.opts.IdleTimeout {
				s.logger.Debug().Msg("session idle, closing")
				s.terminate(NewError(KindConnectionLost, "session idle timeout"))
				return
			}
		}
	}
}

// readLoop pulls messages off the WebSocket until the session dies.
// Heartbeats reset the idle timer but are never published. The loop is the
// sole writer of the frames channel and closes it on exit.
func (s *Session) readLoop() {
	defer close(s.frames)
	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		readCtx, cancel := context.WithTimeout(s.runCtx, s.opts.ReadTimeout)
		_, data, err := conn.Read(readCtx)
		cancel()

		if err != nil {
			if s.runCtx.Err() != nil || s.State() == StateClosed {
				return
			}
			// Silent disconnect or read timeout: degrade and reconnect.
			if !s.reconnect(err) {
				return
			}
			continue
		}

		frame, perr := ParseFrame(data)
		if perr != nil {
			s.logger.Debug().Err(perr).Msg("skipping unintelligible frame")
			continue
		}
		s.touchActivity()

		if frame.Kind == FrameHeartbeat {
			continue
		}
		if frame.Terminal() {
			s.mu.Lock()
			delete(s.inflight, frame.CorrelationID)
			s.mu.Unlock()
		}

		select {
		case s.frames <- frame:
		case <-s.runCtx.Done():
			return
		}
	}
}

// reconnect attempts to re-establish the stream with exponential backoff,
// reusing the same credential. Returns false when the session is dead.
func (s *Session) reconnect(cause error) bool {
	s.state.Store(int32(StateDegraded))
	s.logger.Warn().Err(cause).
		Int("max_attempts", s.opts.Reconnect.MaxAttempts).
		Msg("stream lost, reconnecting")

	s.mu.Lock()
	if old := s.conn; old != nil {
		// The read already failed; there is no handshake worth waiting for.
		_ = old.CloseNow()
		s.conn = nil
	}
	s.mu.Unlock()

	policy := retrypolicy.NewBuilder[*websocket.Conn]().
		WithMaxRetries(s.opts.Reconnect.MaxAttempts).
		WithBackoff(s.opts.Reconnect.BaseDelay, s.opts.Reconnect.MaxDelay).
		AbortIf(func(_ *websocket.Conn, err error) bool {
			return err != nil && KindOf(err) == KindAuth
		}).
		Build()

	conn, err := failsafe.With(policy).WithContext(s.runCtx).Get(func() (*websocket.Conn, error) {
		return s.dialStream(s.runCtx)
	})
	if err != nil {
		if KindOf(err) == KindAuth {
			s.terminate(WrapError(KindAuth, err, "credential rejected during reconnect"))
		} else {
			s.terminate(WrapError(KindConnectionLost, err,
				fmt.Sprintf("reconnect budget exhausted after %d attempts", s.opts.Reconnect.MaxAttempts)))
		}
		return false
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.state.Store(int32(StateOpen))
	s.touchActivity()
	s.logger.Info().Msg("stream reconnected")
	return true
}

// toWebSocketURL converts an HTTP(S) URL to a WS(S) URL.
func toWebSocketURL(httpURL string) string {
	if strings.HasPrefix(httpURL, "https://") {
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	}
	if strings.HasPrefix(httpURL, "http://") {
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	}
	return httpURL
}
