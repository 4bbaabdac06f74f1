// Package message defines the typed envelope and message bodies exchanged
// between a coordinator and its participants. It is the wire boundary:
// everything upstream of Decode/Encode deals in typed Go values, never in
// raw maps.
package message

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind is a message type URI, e.g. "https://btc1.tools/musig2/keygen/subscribe".
type Kind string

const prefix = "https://btc1.tools/"

// KeyGen message kinds.
const (
	KindSubscribe       Kind = prefix + "musig2/keygen/subscribe"
	KindSubscribeAccept Kind = prefix + "musig2/keygen/subscribe_accept"
	KindCohortAdvert    Kind = prefix + "musig2/keygen/cohort_advert"
	KindOptIn           Kind = prefix + "musig2/keygen/opt_in"
	KindCohortSet       Kind = prefix + "musig2/keygen/cohort_set"
)

// Signing message kinds.
const (
	KindRequestSignature        Kind = prefix + "musig2/sign/request_signature"
	KindAuthorizationRequest    Kind = prefix + "musig2/sign/authorization_request"
	KindNonceContribution       Kind = prefix + "musig2/sign/nonce_contribution"
	KindAggregatedNonce         Kind = prefix + "musig2/sign/aggregated_nonce"
	KindSignatureAuthorization  Kind = prefix + "musig2/sign/signature_authorization"
)

// ErrDecode is returned when an envelope or its body cannot be parsed, or is
// missing a required field. §7: DecodeError — logged and dropped, never
// advances protocol state.
var ErrDecode = errors.New("message: decode error")

// Body is the typed sum of every message kind this service understands.
// Each concrete body type below implements it; Envelope.Body holds one of
// them after Decode, selected by Envelope.Type — a pattern match via type
// switch, not a string-keyed handler table (see internal/router).
type Body interface {
	Kind() Kind
}

// Envelope is the wire-level message shared by every protocol flow (§4.1,
// §6). ThreadID is used only for keygen request/response correlation
// (§9.4); signing messages that belong to a session carry their
// correlation id as SessionID inside their typed Body instead.
type Envelope struct {
	Type     Kind
	ID       string
	To       string
	From     string
	ThreadID string // optional
	Body     Body
}

// New builds a fresh envelope with a new message id. threadID may be empty.
func New(to, from, threadID string, body Body) *Envelope {
	return &Envelope{
		Type:     body.Kind(),
		ID:       uuid.NewString(),
		To:       to,
		From:     from,
		ThreadID: threadID,
		Body:     body,
	}
}

// wireEnvelope is the JSON shape of an Envelope on the wire (§6).
type wireEnvelope struct {
	Type     Kind            `json:"type"`
	ID       string          `json:"id"`
	To       string          `json:"to"`
	From     string          `json:"from"`
	ThreadID string          `json:"thread_id,omitempty"`
	Body     json.RawMessage `json:"body"`
}

// Encode serializes the envelope to its wire JSON form.
func (e *Envelope) Encode() ([]byte, error) {
	bodyJSON, err := json.Marshal(e.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding body: %v", ErrDecode, err)
	}
	w := wireEnvelope{
		Type:     e.Type,
		ID:       e.ID,
		To:       e.To,
		From:     e.From,
		ThreadID: e.ThreadID,
		Body:     bodyJSON,
	}
	return json.Marshal(w)
}

// Decode parses a raw wire envelope and its typed body. Unknown fields in
// the body are ignored; missing required fields are a decode error. An
// unrecognized Type is a decode error (the message kind is a closed set).
func Decode(raw []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if w.ID == "" || w.To == "" || w.From == "" {
		return nil, fmt.Errorf("%w: missing id/to/from", ErrDecode)
	}

	body, err := decodeBody(w.Type, w.Body)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Type:     w.Type,
		ID:       w.ID,
		To:       w.To,
		From:     w.From,
		ThreadID: w.ThreadID,
		Body:     body,
	}, nil
}

func decodeBody(kind Kind, raw json.RawMessage) (Body, error) {
	switch kind {
	case KindSubscribe:
		return &Subscribe{}, nil
	case KindSubscribeAccept:
		return &SubscribeAccept{}, nil
	case KindCohortAdvert:
		var b CohortAdvert
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("%w: cohort_advert: %v", ErrDecode, err)
		}
		if b.CohortID == "" || b.BTCNetwork == "" || b.CohortSize == 0 {
			return nil, fmt.Errorf("%w: cohort_advert: missing required field", ErrDecode)
		}
		return &b, nil
	case KindOptIn:
		var b OptIn
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("%w: opt_in: %v", ErrDecode, err)
		}
		if b.CohortID == "" || b.ParticipantPK == "" {
			return nil, fmt.Errorf("%w: opt_in: missing required field", ErrDecode)
		}
		if _, err := hex.DecodeString(b.ParticipantPK); err != nil {
			return nil, fmt.Errorf("%w: opt_in: participant_pk not hex: %v", ErrDecode, err)
		}
		return &b, nil
	case KindCohortSet:
		var b CohortSet
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("%w: cohort_set: %v", ErrDecode, err)
		}
		if b.CohortID == "" || b.BeaconAddress == "" || len(b.CohortKeys) == 0 {
			return nil, fmt.Errorf("%w: cohort_set: missing required field", ErrDecode)
		}
		return &b, nil
	case KindRequestSignature:
		var b RequestSignature
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("%w: request_signature: %v", ErrDecode, err)
		}
		if b.CohortID == "" {
			return nil, fmt.Errorf("%w: request_signature: missing cohort_id", ErrDecode)
		}
		return &b, nil
	case KindAuthorizationRequest:
		var b AuthorizationRequest
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("%w: authorization_request: %v", ErrDecode, err)
		}
		if b.SessionID == "" || b.CohortID == "" || b.PendingTx == "" {
			return nil, fmt.Errorf("%w: authorization_request: missing required field", ErrDecode)
		}
		return &b, nil
	case KindNonceContribution:
		var b NonceContribution
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("%w: nonce_contribution: %v", ErrDecode, err)
		}
		if b.SessionID == "" || b.CohortID == "" {
			return nil, fmt.Errorf("%w: nonce_contribution: missing required field", ErrDecode)
		}
		if len(b.NonceContribution) != 2 {
			return nil, fmt.Errorf("%w: nonce_contribution: expected 2 points, got %d", ErrDecode, len(b.NonceContribution))
		}
		return &b, nil
	case KindAggregatedNonce:
		var b AggregatedNonce
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("%w: aggregated_nonce: %v", ErrDecode, err)
		}
		if b.SessionID == "" || b.CohortID == "" {
			return nil, fmt.Errorf("%w: aggregated_nonce: missing required field", ErrDecode)
		}
		if len(b.AggregatedNonce) != 2 {
			return nil, fmt.Errorf("%w: aggregated_nonce: expected 2 points, got %d", ErrDecode, len(b.AggregatedNonce))
		}
		return &b, nil
	case KindSignatureAuthorization:
		var b SignatureAuthorization
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("%w: signature_authorization: %v", ErrDecode, err)
		}
		if b.SessionID == "" || b.CohortID == "" || b.PartialSignature == "" {
			return nil, fmt.Errorf("%w: signature_authorization: missing required field", ErrDecode)
		}
		if raw, err := hex.DecodeString(b.PartialSignature); err != nil || len(raw) != 32 {
			return nil, fmt.Errorf("%w: signature_authorization: partial_signature must be 32-byte hex", ErrDecode)
		}
		return &b, nil
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrDecode, kind)
	}
}
