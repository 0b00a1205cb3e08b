package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/margin-engine/internal/metrics"
	"github.com/atmx/margin-engine/internal/model"
	"github.com/atmx/margin-engine/internal/protocol"
)

// Config configures the price feed client.
type Config struct {
	URL            string        `yaml:"url"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
}

// Option configures a Client.
type Option func(*Client)

// WithDialer replaces the websocket dialer.
func WithDialer(d protocol.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

type action struct {
	Action string       `json:"action"`
	Pairs  []model.Pair `json:"pairs"`
}

type push struct {
	Pair      model.Pair `json:"pair"`
	Value     string     `json:"value"`
	Timestamp int64      `json:"timestamp"`
}

// Client is a price feed connection. Pairs are subscribed on the feed
// while at least one watcher exists; the subscribe action is re-sent for
// every watched pair after a reconnect.
//
// Safe for concurrent use.
type Client struct {
	cfg    Config
	dialer protocol.Dialer
	logger *slog.Logger

	mu       sync.RWMutex
	latest   map[model.Pair]Update
	watchers map[model.Pair]map[uint64]func(Update)
	nextID   uint64

	connMu sync.Mutex
	conn   protocol.Conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Dial connects to the price feed.
func Dial(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:      cfg,
		dialer:   protocol.WSDialer{},
		logger:   slog.Default(),
		latest:   make(map[model.Pair]Update),
		watchers: make(map[model.Pair]map[uint64]func(Update)),
		ctx:      runCtx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "pricefeed")

	conn, err := c.dialer.Dial(ctx, cfg.URL)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("pricefeed: dial: %w", err)
	}
	c.setConn(conn)

	c.wg.Add(1)
	go c.run(conn)
	return c, nil
}

var _ Subscriber = (*Client)(nil)

// Latest returns the last index price received for pair.
func (c *Client) Latest(pair model.Pair) (decimal.Decimal, error) {
	u, ok := c.LatestUpdate(pair)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoPrice, pair)
	}
	return u.Value, nil
}

// LatestUpdate returns the last update received for pair.
func (c *Client) LatestUpdate(pair model.Pair) (Update, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.latest[pair]
	return u, ok
}

// Subscribe watches pair and calls fn (which may be nil) with every update.
// fn runs on the read goroutine and must not block. The returned cancel
// func removes the watcher; the pair is unsubscribed on the feed once its
// last watcher is gone.
func (c *Client) Subscribe(pair model.Pair, fn func(Update)) (cancel func(), err error) {
	c.mu.Lock()
	first := len(c.watchers[pair]) == 0
	if first {
		c.watchers[pair] = make(map[uint64]func(Update))
	}
	c.nextID++
	id := c.nextID
	c.watchers[pair][id] = fn
	c.mu.Unlock()

	if first {
		if err := c.send(action{Action: "subscribe", Pairs: []model.Pair{pair}}); err != nil {
			c.unwatch(pair, id)
			return nil, err
		}
	}

	var once sync.Once
	return func() { once.Do(func() { c.unwatch(pair, id) }) }, nil
}

func (c *Client) unwatch(pair model.Pair, id uint64) {
	c.mu.Lock()
	delete(c.watchers[pair], id)
	last := len(c.watchers[pair]) == 0
	if last {
		delete(c.watchers, pair)
	}
	c.mu.Unlock()

	if last {
		if err := c.send(action{Action: "unsubscribe", Pairs: []model.Pair{pair}}); err != nil {
			c.logger.Warn("unsubscribe failed", "pair", pair.String(), "err", err)
		}
	}
}

// Close disconnects from the feed.
func (c *Client) Close() error {
	c.cancel()
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()
	c.wg.Wait()
	return nil
}

func (c *Client) setConn(conn protocol.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func (c *Client) send(a action) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		// Resent on reconnect.
		return nil
	}
	if err := c.conn.WriteMessage(data); err != nil {
		return fmt.Errorf("pricefeed: %s: %w", a.Action, err)
	}
	return nil
}

func (c *Client) run(conn protocol.Conn) {
	defer c.wg.Done()
	for {
		err := c.readLoop(conn)
		c.connMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()
		conn.Close()

		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn("price feed connection lost, reconnecting", "err", err)

		if conn = c.redial(); conn == nil {
			return
		}
		c.setConn(conn)
		if pairs := c.watchedPairs(); len(pairs) > 0 {
			if err := c.send(action{Action: "subscribe", Pairs: pairs}); err != nil {
				c.logger.Error("resubscribe failed", "err", err)
			}
		}
	}
}

func (c *Client) redial() protocol.Conn {
	for attempt := 1; ; attempt++ {
		select {
		case <-c.ctx.Done():
			return nil
		case <-time.After(c.cfg.ReconnectDelay):
		}
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.DialTimeout)
		conn, err := c.dialer.Dial(ctx, c.cfg.URL)
		cancel()
		if err == nil {
			c.logger.Info("reconnected to price feed", "attempt", attempt)
			return conn
		}
		c.logger.Warn("price feed reconnect failed", "attempt", attempt, "err", err)
	}
}

func (c *Client) watchedPairs() []model.Pair {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pairs := make([]model.Pair, 0, len(c.watchers))
	for p := range c.watchers {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].String() < pairs[j].String() })
	return pairs
}

func (c *Client) readLoop(conn protocol.Conn) error {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var p push
		if err := json.Unmarshal(data, &p); err != nil || p.Pair.Base == "" {
			continue
		}
		value, err := model.ParsePrice(p.Value)
		if err != nil {
			c.logger.Warn("dropping malformed price", "pair", p.Pair.String(), "err", err)
			continue
		}
		c.apply(Update{Pair: p.Pair, Value: value, Timestamp: model.TimeFromMillis(p.Timestamp)})
	}
}

// apply stores u unless an update with a later timestamp is already held,
// then notifies watchers. Updates without a timestamp are never stale.
func (c *Client) apply(u Update) {
	c.mu.Lock()
	if prev, ok := c.latest[u.Pair]; ok && !u.Timestamp.IsZero() && u.Timestamp.Before(prev.Timestamp) {
		c.mu.Unlock()
		return
	}
	c.latest[u.Pair] = u
	fns := make([]func(Update), 0, len(c.watchers[u.Pair]))
	for _, fn := range c.watchers[u.Pair] {
		if fn != nil {
			fns = append(fns, fn)
		}
	}
	c.mu.Unlock()

	metrics.PriceUpdates.WithLabelValues(u.Pair.String()).Inc()
	for _, fn := range fns {
		fn(u)
	}
}
