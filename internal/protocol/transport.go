package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/margin-engine/internal/metrics"
)

// Config configures a Transport. It is copied at Dial and never mutated.
type Config struct {
	URL            string        `yaml:"url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	SendAttempts   int           `yaml:"send_attempts"`
	SendBackoff    time.Duration `yaml:"send_backoff"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
}

// DefaultConfig returns the default transport settings for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:            url,
		RequestTimeout: 15 * time.Second,
		SendAttempts:   5,
		SendBackoff:    500 * time.Millisecond,
		ReconnectDelay: time.Second,
		DialTimeout:    10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig(c.URL)
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.SendAttempts <= 0 {
		c.SendAttempts = def.SendAttempts
	}
	if c.SendBackoff <= 0 {
		c.SendBackoff = def.SendBackoff
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = def.ReconnectDelay
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	return c
}

// Option configures a Transport.
type Option func(*Transport)

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(t *Transport) { t.dialer = d }
}

// WithLogger sets the transport logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// Transport is the single logical connection to the venue. It correlates
// responses to requests by id, multiplexes subscriptions over the
// connection and transparently reconnects, replaying active subscriptions.
//
// Safe for concurrent use.
type Transport struct {
	cfg    Config
	dialer Dialer
	logger *slog.Logger

	mu    sync.Mutex
	conn  Conn
	ready chan struct{} // closed while conn != nil

	writeMu sync.Mutex

	pending *pendingCalls
	subs    *subscriptionRegistry

	hooksMu sync.Mutex
	hooks   []func()

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial connects to the venue. The first connection attempt is synchronous;
// after that a supervisor goroutine owns the connection and reconnects
// whenever it drops, until Close.
func Dial(ctx context.Context, cfg Config, opts ...Option) (*Transport, error) {
	t := newTransport(cfg, opts...)

	conn, err := t.dialer.Dial(ctx, t.cfg.URL)
	if err != nil {
		t.cancel()
		return nil, fmt.Errorf("protocol: dial venue: %w", err)
	}
	t.logger.Info("connected to venue", "url", t.cfg.URL)

	t.wg.Add(1)
	go t.run(conn)
	return t, nil
}

func newTransport(cfg Config, opts ...Option) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		cfg:     cfg.withDefaults(),
		dialer:  WSDialer{},
		logger:  slog.Default(),
		ready:   make(chan struct{}),
		pending: newPendingCalls(),
		subs:    newSubscriptionRegistry(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "venue-transport")
	return t
}

// run supervises the connection lifecycle.
func (t *Transport) run(conn Conn) {
	defer t.wg.Done()

	reconnected := false
	for {
		t.attach(conn)

		readErr := make(chan error, 1)
		go func(c Conn) { readErr <- t.readLoop(c) }(conn)

		if reconnected && t.resubscribe(conn) {
			metrics.VenueReconnects.Inc()
			t.fireReconnected()
		}

		var err error
		select {
		case err = <-readErr:
		case <-t.ctx.Done():
			conn.Close()
			<-readErr
			return
		}
		if t.ctx.Err() != nil {
			return
		}

		t.logger.Warn("venue connection lost, reconnecting", "err", err)
		if conn = t.redial(); conn == nil {
			return
		}
		reconnected = true
	}
}

func (t *Transport) attach(conn Conn) {
	t.mu.Lock()
	t.conn = conn
	close(t.ready)
	t.mu.Unlock()
}

// detach drops conn and fails every in-flight call. It is a no-op if conn
// is no longer the current connection.
func (t *Transport) detach(conn Conn, cause error) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.ready = make(chan struct{})
	t.mu.Unlock()

	conn.Close()
	t.pending.failAll(fmt.Errorf("%w: %v", ErrConnectionLost, cause))
}

// current reports whether conn is still the attached connection.
func (t *Transport) current(conn Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn == conn
}

func (t *Transport) redial() Conn {
	for attempt := 1; ; attempt++ {
		select {
		case <-t.ctx.Done():
			return nil
		case <-time.After(t.cfg.ReconnectDelay):
		}

		ctx, cancel := context.WithTimeout(t.ctx, t.cfg.DialTimeout)
		conn, err := t.dialer.Dial(ctx, t.cfg.URL)
		cancel()
		if err == nil {
			t.logger.Info("reconnected to venue", "attempt", attempt)
			return conn
		}
		if t.ctx.Err() != nil {
			return nil
		}
		t.logger.Warn("venue reconnect failed", "attempt", attempt, "err", err)
	}
}

func (t *Transport) readLoop(conn Conn) error {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			t.detach(conn, err)
			return err
		}

		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			t.logger.Warn("dropping malformed venue message", "err", err)
			continue
		}
		t.route(&resp)
	}
}

// route delivers a response to its waiter or a publication to its
// subscription. Anything unmatched is dropped.
func (t *Transport) route(resp *Response) {
	if resp.IsPublication() {
		sub, ok := t.subs.get(resp.ID)
		if !ok {
			t.logger.Debug("dropping publication for unknown subscription", "subscription", resp.ID)
			return
		}
		var env publicationContent
		if err := json.Unmarshal(resp.Result.Content, &env); err != nil {
			t.logger.Warn("dropping malformed publication", "subscription", resp.ID, "err", err)
			return
		}
		content, err := DecodePublication(env.Topic, env.Content)
		if err != nil {
			t.logger.Warn("dropping undecodable publication", "subscription", resp.ID, "topic", env.Topic, "err", err)
			return
		}
		metrics.Publications.WithLabelValues(env.Topic).Inc()
		sub.push(delivery{content: content, topic: env.Topic})
		return
	}

	if c := t.pending.take(resp.ID); c != nil {
		c.resolve(resp, nil)
		return
	}
	t.logger.Debug("dropping unmatched venue response", "id", resp.ID)
}

// WaitConnected blocks until a connection is available or ctx ends.
func (t *Transport) WaitConnected(ctx context.Context) (Conn, error) {
	for {
		t.mu.Lock()
		conn, ready := t.conn, t.ready
		t.mu.Unlock()
		if conn != nil {
			return conn, nil
		}

		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.ctx.Done():
			return nil, ErrClosed
		}
	}
}

// Request sends method with params and waits for the matching response.
func (t *Transport) Request(ctx context.Context, method string, params any) (*Response, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return t.Call(ctx, Request{Method: method, Params: raw})
}

// Call sends req and waits for the response carrying its id. A uuid is
// assigned if req.ID is empty. Transmit errors are retried with a fixed
// backoff; a response timeout is not retried. A response with an error
// field yields a *VenueError.
func (t *Transport) Call(ctx context.Context, req Request) (*Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	c, err := t.pending.register(req.ID)
	if err != nil {
		return nil, err
	}
	return t.callRegistered(ctx, req, c, t.send)
}

// sendFunc transmits an encoded request.
type sendFunc func(ctx context.Context, data []byte) error

// callRegistered sends req, whose waiter c is already registered, and
// waits for the response. c is released on return.
func (t *Transport) callRegistered(ctx context.Context, req Request, c *call, send sendFunc) (*Response, error) {
	start := time.Now()
	resp, err := t.call(ctx, req, c, send)
	metrics.VenueRequestLatency.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())
	metrics.VenueRequests.WithLabelValues(req.Method, outcome(err)).Inc()
	return resp, err
}

func (t *Transport) call(ctx context.Context, req Request, c *call, send sendFunc) (*Response, error) {
	defer t.pending.release(c)
	if t.ctx.Err() != nil {
		return nil, ErrClosed
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", req.Method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.RequestTimeout)
	defer cancel()

	if err := send(ctx, data); err != nil {
		return nil, t.timeoutErr(ctx, req, err)
	}

	resp, err := c.wait(ctx)
	if err != nil {
		return nil, t.timeoutErr(ctx, req, err)
	}
	if resp.Error != "" {
		return resp, &VenueError{Method: req.Method, Message: resp.Error}
	}
	return resp, nil
}

// timeoutErr maps expiry of the request deadline to ErrTimeout.
func (t *Transport) timeoutErr(ctx context.Context, req Request, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s (id %s)", ErrTimeout, req.Method, req.ID)
	}
	return err
}

func (t *Transport) send(ctx context.Context, data []byte) error {
	var lastErr error
	for attempt := 1; attempt <= t.cfg.SendAttempts; attempt++ {
		conn, err := t.WaitConnected(ctx)
		if err != nil {
			return err
		}

		t.writeMu.Lock()
		lastErr = conn.WriteMessage(data)
		t.writeMu.Unlock()
		if lastErr == nil {
			return nil
		}

		t.logger.Warn("venue send failed", "attempt", attempt, "err", lastErr)
		if attempt == t.cfg.SendAttempts {
			break
		}
		select {
		case <-time.After(t.cfg.SendBackoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrSendFailed, t.cfg.SendAttempts, lastErr)
}

// sendOn writes to conn only. It fails instead of waiting for a new
// connection when conn has been replaced.
func (t *Transport) sendOn(conn Conn) sendFunc {
	return func(ctx context.Context, data []byte) error {
		if !t.current(conn) {
			return ErrConnectionLost
		}
		t.writeMu.Lock()
		err := conn.WriteMessage(data)
		t.writeMu.Unlock()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		return nil
	}
}

// Subscribe registers listener for publications on topic and issues the
// subscribe request. Subscribing again with the same topic, params and
// listener returns the existing subscription id. The subscription is
// replayed after every reconnect until cancelled.
func (t *Transport) Subscribe(ctx context.Context, topic string, params any, listener Listener) (string, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return "", err
	}

	// The waiter is registered before the subscription becomes visible to
	// replay, so a concurrent reconnect skips it instead of racing it.
	id := uuid.NewString()
	c, err := t.pending.register(id)
	if err != nil {
		return "", err
	}
	sub, added := t.subs.addUnlessDuplicate(newSubscription(t.ctx, id, topic, raw, listener))
	if !added {
		t.pending.release(c)
		return sub.id, nil
	}
	go sub.dispatch()
	metrics.ActiveSubscriptions.Set(float64(t.subs.len()))

	req, err := sub.request()
	if err == nil {
		_, err = t.callRegistered(ctx, req, c, t.send)
	} else {
		t.pending.release(c)
	}
	if err != nil {
		t.CancelSubscription(sub.id)
		return "", fmt.Errorf("protocol: subscribe %s: %w", topic, err)
	}
	t.logger.Info("subscribed", "topic", topic, "subscription", sub.id)
	return sub.id, nil
}

// CancelSubscription stops dispatch for id and excludes it from replay. It
// reports whether the subscription was active.
func (t *Transport) CancelSubscription(id string) bool {
	sub := t.subs.remove(id)
	if sub == nil {
		return false
	}
	sub.cancel()
	metrics.ActiveSubscriptions.Set(float64(t.subs.len()))
	return true
}

// resubscribe replays every active subscription, in registration order,
// on conn. Subscriptions whose initial subscribe request is still in
// flight are skipped. It reports false as soon as conn is no longer the
// live connection; the next reconnect replays the full set again.
func (t *Transport) resubscribe(conn Conn) bool {
	for _, sub := range t.subs.active() {
		if !t.current(conn) {
			return false
		}
		req, err := sub.request()
		if err != nil {
			continue
		}
		c, err := t.pending.register(req.ID)
		if err != nil {
			continue
		}
		if _, err := t.callRegistered(t.ctx, req, c, t.sendOn(conn)); err != nil {
			t.logger.Error("resubscribe failed", "topic", sub.topic, "subscription", sub.id, "err", err)
			if errors.Is(err, ErrConnectionLost) {
				t.detach(conn, err)
				return false
			}
			if errors.Is(err, ErrClosed) || t.ctx.Err() != nil {
				return false
			}
		}
	}
	return t.current(conn)
}

// OnReconnect registers fn to run after every reconnect, once all active
// subscriptions have been replayed.
func (t *Transport) OnReconnect(fn func()) {
	t.hooksMu.Lock()
	t.hooks = append(t.hooks, fn)
	t.hooksMu.Unlock()
}

func (t *Transport) fireReconnected() {
	t.hooksMu.Lock()
	hooks := make([]func(), len(t.hooks))
	copy(hooks, t.hooks)
	t.hooksMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// Close shuts the transport down. Pending calls fail with ErrClosed and
// every subscription stops dispatching.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
	t.wg.Wait()

	t.pending.failAll(ErrClosed)
	for _, sub := range t.subs.active() {
		t.CancelSubscription(sub.id)
	}
	return nil
}

func outcome(err error) string {
	var ve *VenueError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &ve):
		return "rejected"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrSendFailed):
		return "send_failed"
	case errors.Is(err, ErrConnectionLost):
		return "connection_lost"
	default:
		return "error"
	}
}
