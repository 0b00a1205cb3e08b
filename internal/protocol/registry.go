package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"reflect"
	"sync"
)

// call is a pending request: a future resolved exactly once with the
// matching response or with the error that aborted it.
type call struct {
	id   string
	done chan struct{}
	once sync.Once
	resp *Response
	err  error
}

func (c *call) resolve(resp *Response, err error) {
	c.once.Do(func() {
		c.resp, c.err = resp, err
		close(c.done)
	})
}

// wait blocks until the call resolves or ctx ends.
func (c *call) wait(ctx context.Context) (*Response, error) {
	select {
	case <-c.done:
		return c.resp, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// pendingCalls maps request ids to waiters.
type pendingCalls struct {
	mu    sync.Mutex
	calls map[string]*call
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{calls: make(map[string]*call)}
}

func (p *pendingCalls) register(id string) (*call, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.calls[id]; ok {
		return nil, ErrDuplicateRequestID
	}
	c := &call{id: id, done: make(chan struct{})}
	p.calls[id] = c
	return c, nil
}

// take removes and returns the waiter for id, or nil. A second response
// with the same id finds nothing and is dropped.
func (p *pendingCalls) take(id string) *call {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.calls[id]
	if !ok {
		return nil
	}
	delete(p.calls, id)
	return c
}

// release unregisters c if it is still the waiter for its id.
func (p *pendingCalls) release(c *call) {
	p.mu.Lock()
	if p.calls[c.id] == c {
		delete(p.calls, c.id)
	}
	p.mu.Unlock()
}

// failAll resolves every pending call with err and empties the registry.
func (p *pendingCalls) failAll(err error) {
	p.mu.Lock()
	calls := p.calls
	p.calls = make(map[string]*call)
	p.mu.Unlock()

	for _, c := range calls {
		c.resolve(nil, err)
	}
}

func (p *pendingCalls) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// Listener receives the publications of a subscription.
type Listener interface {
	HandlePublication(content Publication, topic string)
}

// ListenerFunc adapts a function to Listener. Function listeners are never
// considered duplicates of each other.
type ListenerFunc func(content Publication, topic string)

func (f ListenerFunc) HandlePublication(content Publication, topic string) { f(content, topic) }

func sameListener(a, b Listener) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb || ta == nil || !ta.Comparable() {
		return false
	}
	return a == b
}

type delivery struct {
	content Publication
	topic   string
}

// subscription is one registered subscription. Its mailbox is unbounded so
// the read loop never blocks on a slow listener; the dispatch goroutine
// drains it in arrival order.
type subscription struct {
	id       string
	topic    string
	params   json.RawMessage
	listener Listener

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	queue  []delivery
	notify chan struct{}
}

func newSubscription(parent context.Context, id, topic string, params json.RawMessage, listener Listener) *subscription {
	ctx, cancel := context.WithCancel(parent)
	return &subscription{
		id:       id,
		topic:    topic,
		params:   params,
		listener: listener,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		notify:   make(chan struct{}, 1),
	}
}

func (s *subscription) request() (Request, error) {
	params, err := json.Marshal(subscribeParams{Topic: s.topic, Params: s.params})
	if err != nil {
		return Request{}, err
	}
	return Request{ID: s.id, Method: MethodSubscribe, Params: params}, nil
}

func (s *subscription) push(d delivery) {
	s.mu.Lock()
	s.queue = append(s.queue, d)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) drain() []delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queue
	s.queue = nil
	return q
}

// dispatch runs until the subscription is cancelled.
func (s *subscription) dispatch() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.notify:
			for _, d := range s.drain() {
				if s.ctx.Err() != nil {
					return
				}
				s.listener.HandlePublication(d.content, d.topic)
			}
		}
	}
}

// subscriptionRegistry holds active subscriptions in registration order.
type subscriptionRegistry struct {
	mu    sync.Mutex
	byID  map[string]*subscription
	order []*subscription
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{byID: make(map[string]*subscription)}
}

// addUnlessDuplicate registers sub unless an equivalent subscription
// (same topic, params and listener) exists, in which case that one is
// returned and sub is not registered.
func (r *subscriptionRegistry) addUnlessDuplicate(sub *subscription) (*subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.order {
		if s.topic == sub.topic && bytes.Equal(s.params, sub.params) && sameListener(s.listener, sub.listener) {
			return s, false
		}
	}
	r.byID[sub.id] = sub
	r.order = append(r.order, sub)
	return sub, true
}

func (r *subscriptionRegistry) get(id string) (*subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	return s, ok
}

func (r *subscriptionRegistry) remove(id string) *subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return nil
	}
	delete(r.byID, id)
	for i, o := range r.order {
		if o == s {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return s
}

// active returns a snapshot of the registered subscriptions in
// registration order.
func (r *subscriptionRegistry) active() []*subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*subscription, len(r.order))
	copy(out, r.order)
	return out
}

func (r *subscriptionRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}
