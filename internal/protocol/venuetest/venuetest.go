// Package venuetest provides an in-process venue speaking the websocket
// request/response protocol, for tests.
package venuetest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/margin-engine/internal/protocol"
)

// Reply is a handler's answer. Drop suppresses the response entirely.
type Reply struct {
	Result *protocol.Result
	Error  string
	Drop   bool
}

// Handler answers one request.
type Handler func(req protocol.Request) Reply

// OK replies with a result of the given type and JSON content.
func OK(typ string, content any) Reply {
	var raw json.RawMessage
	if content != nil {
		if r, ok := content.(json.RawMessage); ok {
			raw = r
		} else {
			raw, _ = json.Marshal(content)
		}
	}
	return Reply{Result: &protocol.Result{Type: typ, Content: raw}}
}

// Reject replies with a venue error.
func Reject(msg string) Reply {
	return Reply{Error: msg}
}

type peer struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (p *peer) write(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ws.WriteJSON(v)
}

// Server is a fake venue.
type Server struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	handlers    map[string]Handler
	peers       map[*peer]struct{}
	requests    []protocol.Request
	connections int
	changed     chan struct{}
}

// NewServer starts a fake venue that acks subscriptions and answers
// getNonce with "0". Other methods reply {"type": method} until a handler
// is installed.
func NewServer() *Server {
	s := &Server{
		handlers: make(map[string]Handler),
		peers:    make(map[*peer]struct{}),
		changed:  make(chan struct{}),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	s.Handle(protocol.MethodSubscribe, func(protocol.Request) Reply { return OK("subscribed", nil) })
	s.Handle(protocol.MethodGetNonce, func(protocol.Request) Reply { return OK("nonce", map[string]string{"nonce": "0"}) })
	s.srv = httptest.NewServer(http.HandlerFunc(s.serveWS))
	return s
}

// URL returns the ws:// address of the venue.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// Handle installs h for method.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	s.handlers[method] = h
	s.mu.Unlock()
}

// Requests returns every request received for method, in arrival order.
// An empty method returns all requests.
func (s *Server) Requests(method string) []protocol.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Request
	for _, r := range s.requests {
		if method == "" || r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

// Connections returns how many connections have been accepted so far.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections
}

// WaitFor blocks until cond holds or timeout elapses, and reports whether
// it held. cond is re-evaluated whenever a request or connection arrives.
func (s *Server) WaitFor(timeout time.Duration, cond func(*Server) bool) bool {
	deadline := time.After(timeout)
	for {
		s.mu.Lock()
		changed := s.changed
		s.mu.Unlock()
		if cond(s) {
			return true
		}
		select {
		case <-changed:
		case <-deadline:
			return cond(s)
		}
	}
}

// SubscriptionIDs returns the distinct subscribe request ids for topic in
// first-seen order.
func (s *Server) SubscriptionIDs(topic string) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, r := range s.Requests(protocol.MethodSubscribe) {
		var p struct {
			Topic string `json:"topic"`
		}
		json.Unmarshal(r.Params, &p)
		if p.Topic == topic && !seen[r.ID] {
			seen[r.ID] = true
			ids = append(ids, r.ID)
		}
	}
	return ids
}

// Publish sends a publication to every connected client.
func (s *Server) Publish(subscriptionID, topic string, content json.RawMessage) {
	s.Send(protocol.NewPublication(subscriptionID, topic, content))
}

// Send writes an arbitrary response envelope to every connected client.
func (s *Server) Send(resp protocol.Response) {
	for _, p := range s.snapshotPeers() {
		p.write(resp)
	}
}

// DropConnections closes every client connection, forcing reconnects.
func (s *Server) DropConnections() {
	for _, p := range s.snapshotPeers() {
		p.ws.Close()
	}
}

// Close shuts the venue down.
func (s *Server) Close() {
	s.DropConnections()
	s.srv.Close()
}

func (s *Server) snapshotPeers() []*peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		out = append(out, p)
	}
	return out
}

// notifyLocked wakes WaitFor callers. s.mu must be held.
func (s *Server) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p := &peer{ws: ws}

	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.connections++
	s.notifyLocked()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
		ws.Close()
	}()

	for {
		var req protocol.Request
		if err := ws.ReadJSON(&req); err != nil {
			return
		}

		s.mu.Lock()
		s.requests = append(s.requests, req)
		h := s.handlers[req.Method]
		s.notifyLocked()
		s.mu.Unlock()

		reply := OK(req.Method, nil)
		if h != nil {
			reply = h(req)
		}
		if reply.Drop {
			continue
		}
		p.write(protocol.Response{ID: req.ID, Result: reply.Result, Error: reply.Error})
	}
}
