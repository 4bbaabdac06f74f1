// Package transport delivers wire envelopes between roles over an
// authenticated point-to-point channel (§5, §6). It never sees an
// envelope's Go types — only the raw JSON message.Encode produces — so a
// role's protocol logic has no dependency on which transport carries it.
package transport

import "context"

// Transport sends raw wire-encoded envelopes to a named endpoint and
// delivers inbound ones to a registered Receiver. "From cannot be spoofed"
// (§6) is a property of the endpoint identity a Transport binds to, not of
// the envelope payload itself: the websocket implementation trusts the
// identity of the connection a message arrived on, not any field inside it.
type Transport interface {
	// Send delivers raw to the peer registered under endpoint.
	Send(ctx context.Context, endpoint string, raw []byte) error
	// Receive installs the function called for every inbound message,
	// tagged with the identity of the peer it arrived from.
	Receive(fn Receiver)
	// Close releases any connections and background goroutines.
	Close() error
}

// Receiver is called once per inbound raw envelope, with from identifying
// the sending peer's endpoint.
type Receiver func(from string, raw []byte)
