// Package signing implements the per-session MuSig2 2-round state machine:
// nonce collection, nonce aggregation, partial-signature collection, and
// final signature assembly with verification (§3, §4.4).
package signing

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"

	"github.com/btc1-tools/musig2-beacon/internal/musig2x"
	"github.com/btc1-tools/musig2-beacon/internal/txbuild"
)

// Status is a signing session's position in the 2-round MuSig2 state
// machine (§3).
type Status string

const (
	AwaitingNonceContributions Status = "AWAITING_NONCE_CONTRIBUTIONS"
	NonceContributionsReceived Status = "NONCE_CONTRIBUTIONS_RECEIVED"
	AwaitingPartialSignatures  Status = "AWAITING_PARTIAL_SIGNATURES"
	PartialSignaturesReceived  Status = "PARTIAL_SIGNATURES_RECEIVED"
	SignatureComplete          Status = "SIGNATURE_COMPLETE"
	Failed                     Status = "FAILED"
)

// Sentinel errors returned by Session operations.
var (
	ErrBadState       = errors.New("signing: invalid state for operation")
	ErrNotParticipant = errors.New("signing: sender is not a cohort participant")
	ErrDuplicate      = errors.New("signing: duplicate submission from sender, ignored")
	ErrVerification   = errors.New("signing: final signature failed verification")
	ErrNoLocalNonce   = errors.New("signing: local nonce has not been generated")
)

// Session is a single run of the 2-round MuSig2 protocol over a fixed
// cohort and a fixed transaction. The coordinator holds the authoritative
// instance; each participant holds a shadow created on receipt of
// AUTHORIZATION_REQUEST (§3).
type Session struct {
	ID       string
	CohortID string

	participants []string
	cohortKeys   []*btcec.PublicKey
	merkleRoot   []byte

	PendingTx         *wire.MsgTx
	SigHash           [32]byte
	ProcessedRequests map[string][]byte

	Status Status

	// localNonces is set only on a participant's own shadow session; the
	// coordinator never generates nonces of its own.
	localNonces *musig2x.Nonces

	nonceContributions map[string][musig2.PubNonceSize]byte
	AggregatedNonce     [musig2.PubNonceSize]byte
	aggregatedNonceSet  bool

	partialSignatures map[string]*musig2x.PartialSignature
	FinalSignature    *schnorr.Signature
}

// New creates a coordinator-side signing session for a cohort, snapshotting
// its pending signature requests and the beacon-signal transaction to sign
// (§4.5's start_signing_session).
func New(cohortID string, participants []string, cohortKeys []*btcec.PublicKey, merkleRoot []byte, pendingTx *wire.MsgTx, sigHash [32]byte, processedRequests map[string][]byte) *Session {
	return &Session{
		ID:                  uuid.NewString(),
		CohortID:            cohortID,
		participants:        participants,
		cohortKeys:          cohortKeys,
		merkleRoot:          merkleRoot,
		PendingTx:           pendingTx,
		SigHash:             sigHash,
		ProcessedRequests:   processedRequests,
		Status:              AwaitingNonceContributions,
		nonceContributions:  make(map[string][musig2.PubNonceSize]byte),
		partialSignatures:   make(map[string]*musig2x.PartialSignature),
	}
}

// NewFromAuthorizationRequest creates a participant-side shadow session on
// receipt of an AUTHORIZATION_REQUEST message.
func NewFromAuthorizationRequest(sessionID, cohortID string, participants []string, cohortKeys []*btcec.PublicKey, merkleRoot []byte, pendingTx *wire.MsgTx, sigHash [32]byte) *Session {
	return &Session{
		ID:                  sessionID,
		CohortID:            cohortID,
		participants:        participants,
		cohortKeys:          cohortKeys,
		merkleRoot:          merkleRoot,
		PendingTx:           pendingTx,
		SigHash:             sigHash,
		Status:              AwaitingNonceContributions,
		nonceContributions:  make(map[string][musig2.PubNonceSize]byte),
		partialSignatures:   make(map[string]*musig2x.PartialSignature),
	}
}

func (s *Session) isParticipant(did string) bool {
	for _, p := range s.participants {
		if p == did {
			return true
		}
	}
	return false
}

// GenerateLocalNonce generates this participant's own nonce pair for the
// session and returns its hex-encoded public points to send as a
// NONCE_CONTRIBUTION. Each session gets a fresh pair: callers must never
// cache a Nonces value across two sessions (§8 property 6).
func (s *Session) GenerateLocalNonce(pubKey *btcec.PublicKey) ([]string, error) {
	nonces, err := musig2x.GenerateNonces(pubKey)
	if err != nil {
		return nil, err
	}
	s.localNonces = nonces
	return musig2x.EncodePubNonce(nonces.PubNonce()), nil
}

// AddNonceContribution records sender's nonce contribution. A late
// contribution (status has already advanced) or a duplicate from a sender
// already recorded is rejected with an error the caller can log, and the
// first contribution is kept; neither forces the session to FAILED (§4.4,
// §7). Returns true once every participant has
// contributed and the aggregated nonce has just been computed.
func (s *Session) AddNonceContribution(sender string, points []string) (aggregated bool, err error) {
	if s.Status != AwaitingNonceContributions {
		return false, fmt.Errorf("%w: session %s is %s", ErrBadState, s.ID, s.Status)
	}
	if !s.isParticipant(sender) {
		return false, fmt.Errorf("%w: %s", ErrNotParticipant, sender)
	}
	if _, exists := s.nonceContributions[sender]; exists {
		return false, fmt.Errorf("%w: %s", ErrDuplicate, sender)
	}

	nonce, err := musig2x.DecodePubNonce(points)
	if err != nil {
		return false, err
	}
	s.nonceContributions[sender] = nonce

	if len(s.nonceContributions) < len(s.participants) {
		return false, nil
	}

	pubNonces := make([][musig2.PubNonceSize]byte, 0, len(s.nonceContributions))
	for _, n := range s.nonceContributions {
		pubNonces = append(pubNonces, n)
	}
	combined, err := musig2x.AggregateNonces(pubNonces)
	if err != nil {
		s.Status = Failed
		return false, err
	}

	s.AggregatedNonce = combined
	s.aggregatedNonceSet = true
	s.Status = NonceContributionsReceived
	s.Status = AwaitingPartialSignatures
	return true, nil
}

// SetAggregatedNonce stores the coordinator-broadcast aggregated nonce on a
// participant's shadow session (§4.4 round 2).
func (s *Session) SetAggregatedNonce(points []string) error {
	if s.aggregatedNonceSet {
		return fmt.Errorf("%w: aggregated nonce already set for session %s", ErrBadState, s.ID)
	}
	combined, err := musig2x.DecodePubNonce(points)
	if err != nil {
		return err
	}
	s.AggregatedNonce = combined
	s.aggregatedNonceSet = true
	s.Status = AwaitingPartialSignatures
	return nil
}

// ComputePartialSignature produces this participant's partial signature
// over the session's sighash, using its own local nonce and the session's
// aggregated nonce, and returns it hex-encoded for a
// SIGNATURE_AUTHORIZATION message.
func (s *Session) ComputePartialSignature(privKey *btcec.PrivateKey) (string, error) {
	if s.localNonces == nil {
		return "", ErrNoLocalNonce
	}
	if !s.aggregatedNonceSet {
		return "", fmt.Errorf("%w: aggregated nonce not yet set", ErrBadState)
	}
	sig, err := musig2x.Sign(s.localNonces, privKey, s.AggregatedNonce, s.cohortKeys, s.SigHash, s.merkleRoot)
	if err != nil {
		return "", err
	}
	return musig2x.EncodePartialSignature(sig), nil
}

// AddPartialSignature records sender's partial signature. As with nonce
// contributions, a late or duplicate submission is rejected without
// advancing or failing the session (§4.4, §7). Once every participant has
// contributed, combines and verifies the final signature: on success the
// session moves to SIGNATURE_COMPLETE and the transaction witness is
// finalized; on verification failure it moves to FAILED (terminal, no
// retry — reusing the nonces would leak the signers' keys).
func (s *Session) AddPartialSignature(sender, partialSigHex string, tweakedAggregateKey *btcec.PublicKey) (complete bool, err error) {
	if s.Status != AwaitingPartialSignatures {
		return false, fmt.Errorf("%w: session %s is %s", ErrBadState, s.ID, s.Status)
	}
	if !s.isParticipant(sender) {
		return false, fmt.Errorf("%w: %s", ErrNotParticipant, sender)
	}
	if _, exists := s.partialSignatures[sender]; exists {
		return false, fmt.Errorf("%w: %s", ErrDuplicate, sender)
	}

	sig, err := musig2x.DecodePartialSignature(partialSigHex)
	if err != nil {
		return false, err
	}
	s.partialSignatures[sender] = sig

	if len(s.partialSignatures) < len(s.participants) {
		return false, nil
	}
	s.Status = PartialSignaturesReceived

	partials := make([]*musig2x.PartialSignature, 0, len(s.partialSignatures))
	for _, p := range s.partialSignatures {
		partials = append(partials, p)
	}
	finalSig, err := musig2x.CombinePartialSigs(s.AggregatedNonce, s.cohortKeys, s.SigHash, s.merkleRoot, partials)
	if err != nil {
		s.Status = Failed
		return false, err
	}

	if !musig2x.Verify(finalSig, s.SigHash, tweakedAggregateKey) {
		s.Status = Failed
		return false, ErrVerification
	}

	s.FinalSignature = finalSig
	txbuild.FinalizeWitness(s.PendingTx, finalSig)
	s.Status = SignatureComplete
	return true, nil
}
