package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/btc1-tools/musig2-beacon/pkg/logging"
)

// peerConn is one outbound websocket connection with its own send queue:
// gorilla's *websocket.Conn permits only one writer at a time, so every Send
// for a given peer funnels through the queue to a single sendLoop goroutine
// rather than writing directly from the caller's goroutine.
type peerConn struct {
	conn   *websocket.Conn
	outbox chan []byte
	done   chan struct{}
}

// WebSocketTransport is the real §6 default: a single websocket.Conn per
// peer, one dialed on first Send and reused after, plus an inbound server
// accepting the peers that dial us.
type WebSocketTransport struct {
	selfEndpoint string
	addrs        map[string]string // endpoint -> ws://host:port URL to dial

	mu    sync.Mutex
	conns map[string]*peerConn

	receiverMu sync.Mutex
	receiver   Receiver

	upgrader websocket.Upgrader
	server   *http.Server
	log      *logging.Logger
}

// NewWebSocketTransport creates a transport identified as selfEndpoint,
// with addrs mapping every known peer endpoint to the ws:// URL used to
// dial it.
func NewWebSocketTransport(selfEndpoint string, addrs map[string]string) *WebSocketTransport {
	return &WebSocketTransport{
		selfEndpoint: selfEndpoint,
		addrs:        addrs,
		conns:        make(map[string]*peerConn),
		upgrader:     websocket.Upgrader{},
		log:          logging.GetDefault().Component("transport"),
	}
}

// ListenAndServe starts accepting inbound peer connections on addr. Every
// accepted connection is read from until it closes; inbound messages are
// tagged with the "endpoint" query parameter the dialing peer sent, which
// is this service's trust boundary for From-spoofing (§6): a peer claims
// its identity once, at connect time, not per message.
func (t *WebSocketTransport) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: listening on %s: %w", addr, err)
	}
	return t.Serve(listener)
}

// Serve accepts inbound peer connections on an already-bound listener,
// letting callers (tests in particular) pick an ephemeral port with
// net.Listen("tcp", "127.0.0.1:0") rather than a fixed address.
func (t *WebSocketTransport) Serve(listener net.Listener) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", t.handleInbound)
	t.server = &http.Server{Handler: mux}
	return t.server.Serve(listener)
}

func (t *WebSocketTransport) handleInbound(w http.ResponseWriter, r *http.Request) {
	endpoint := r.URL.Query().Get("endpoint")
	if endpoint == "" {
		http.Error(w, "missing endpoint", http.StatusBadRequest)
		return
	}

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Warn("websocket upgrade failed", "peer", endpoint, "error", err)
		return
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.log.Debug("inbound connection closed", "peer", endpoint, "error", err)
			return
		}
		t.dispatchInbound(endpoint, raw)
	}
}

func (t *WebSocketTransport) dispatchInbound(endpoint string, raw []byte) {
	t.receiverMu.Lock()
	receiver := t.receiver
	t.receiverMu.Unlock()
	if receiver != nil {
		receiver(endpoint, raw)
	}
}

// Receive installs fn as this transport's inbound handler.
func (t *WebSocketTransport) Receive(fn Receiver) {
	t.receiverMu.Lock()
	defer t.receiverMu.Unlock()
	t.receiver = fn
}

// Send enqueues raw for delivery to endpoint, dialing a connection on
// first use and reusing it afterward.
func (t *WebSocketTransport) Send(ctx context.Context, endpoint string, raw []byte) error {
	pc, err := t.connFor(endpoint)
	if err != nil {
		return err
	}
	select {
	case pc.outbox <- raw:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-pc.done:
		return fmt.Errorf("transport: connection to %s closed", endpoint)
	}
}

func (t *WebSocketTransport) connFor(endpoint string) (*peerConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if pc, ok := t.conns[endpoint]; ok {
		return pc, nil
	}

	url, ok := t.addrs[endpoint]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpoint)
	}

	conn, _, err := websocket.DefaultDialer.Dial(url+"?endpoint="+t.selfEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing %s: %w", endpoint, err)
	}

	pc := &peerConn{conn: conn, outbox: make(chan []byte, 64), done: make(chan struct{})}
	t.conns[endpoint] = pc
	go t.sendLoop(endpoint, pc)
	return pc, nil
}

func (t *WebSocketTransport) sendLoop(endpoint string, pc *peerConn) {
	defer close(pc.done)
	for raw := range pc.outbox {
		if err := pc.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			t.log.Warn("websocket send failed", "peer", endpoint, "error", err)
			t.mu.Lock()
			delete(t.conns, endpoint)
			t.mu.Unlock()
			return
		}
	}
}

// Close shuts down the inbound server and every outbound connection.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	for endpoint, pc := range t.conns {
		close(pc.outbox)
		pc.conn.Close()
		delete(t.conns, endpoint)
	}
	t.mu.Unlock()

	if t.server != nil {
		return t.server.Close()
	}
	return nil
}
