package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownEndpoint is returned when Send targets an endpoint that was
// never registered on the network.
var ErrUnknownEndpoint = errors.New("transport: unknown endpoint")

// Network is a shared in-process registry of InMemoryTransport instances,
// keyed by endpoint name. Tests construct one Network and attach every
// role's transport to it, letting roles exchange messages without a real
// socket (§9: "tests instantiate roles in-process and wire their
// transports with in-memory channels").
type Network struct {
	mu    sync.Mutex
	peers map[string]*InMemoryTransport
}

// NewNetwork creates an empty in-memory network.
func NewNetwork() *Network {
	return &Network{peers: make(map[string]*InMemoryTransport)}
}

func (n *Network) register(endpoint string, t *InMemoryTransport) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers[endpoint] = t
}

func (n *Network) lookup(endpoint string) (*InMemoryTransport, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, ok := n.peers[endpoint]
	return t, ok
}

// InMemoryTransport is a Transport backed by direct function calls into
// its peers' receivers, rather than any real wire protocol.
type InMemoryTransport struct {
	endpoint string
	network  *Network

	mu       sync.Mutex
	receiver Receiver
}

// NewInMemoryTransport creates a transport for endpoint and attaches it to
// network, so other transports on the same network can Send to it.
func NewInMemoryTransport(network *Network, endpoint string) *InMemoryTransport {
	t := &InMemoryTransport{endpoint: endpoint, network: network}
	network.register(endpoint, t)
	return t
}

// Send delivers raw synchronously to endpoint's registered receiver.
func (t *InMemoryTransport) Send(ctx context.Context, endpoint string, raw []byte) error {
	peer, ok := t.network.lookup(endpoint)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpoint)
	}
	peer.mu.Lock()
	receiver := peer.receiver
	peer.mu.Unlock()
	if receiver == nil {
		return fmt.Errorf("transport: endpoint %s has no receiver installed", endpoint)
	}
	receiver(t.endpoint, raw)
	return nil
}

// Receive installs fn as this transport's inbound handler.
func (t *InMemoryTransport) Receive(fn Receiver) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receiver = fn
}

// Close is a no-op: there is no connection to release.
func (t *InMemoryTransport) Close() error { return nil }
