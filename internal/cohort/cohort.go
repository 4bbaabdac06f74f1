// Package cohort models the ordered, fixed participant set that jointly
// controls a beacon address, and its key-aggregation state machine (§3,
// §4.3).
package cohort

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/google/uuid"

	"github.com/btc1-tools/musig2-beacon/internal/btcnet"
	"github.com/btc1-tools/musig2-beacon/internal/musig2x"
	"github.com/btc1-tools/musig2-beacon/pkg/helpers"
)

// Status is a cohort's position in the key-aggregation state machine.
type Status string

const (
	Advertised Status = "ADVERTISED"
	OptedIn    Status = "OPTED_IN"
	Set        Status = "COHORT_SET"
	Failed     Status = "FAILED"
)

// Sentinel errors returned by Cohort operations.
var (
	ErrBadState            = errors.New("cohort: invalid state for operation")
	ErrNotEnoughParticipants = errors.New("cohort: fewer opt-ins than min_participants")
	ErrUnknownNetwork      = errors.New("cohort: unknown btc_network")
	ErrValidation          = errors.New("cohort: validation mismatch")
	ErrOwnKeyMissing       = errors.New("cohort: own public key not present in claimed cohort keys")
	ErrDuplicateKey        = errors.New("cohort: public key already opted in by another participant")
)

// Cohort is an ordered, fixed set of participant public keys that jointly
// control a beacon address, plus the bookkeeping needed to get there.
type Cohort struct {
	ID              string
	CoordinatorID   string
	BTCNetwork      btcnet.Network
	MinParticipants int

	Participants []string
	CohortKeys   []*btcec.PublicKey

	Status Status

	BeaconAddress string
	TrMerkleRoot  []byte

	// PendingSignatureRequests is coordinator-side only: requester identity
	// to opaque payload bytes, cleared at the start of each signing session.
	PendingSignatureRequests map[string][]byte
}

// New creates a cohort in ADVERTISED status. minParticipants must be at
// least 2 and network must be one of the four supported Bitcoin networks.
func New(coordinatorID string, minParticipants int, network btcnet.Network) (*Cohort, error) {
	if minParticipants < 2 {
		return nil, fmt.Errorf("%w: min_participants must be >= 2, got %d", ErrBadState, minParticipants)
	}
	if !btcnet.Valid(network) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNetwork, network)
	}
	return &Cohort{
		ID:                       uuid.NewString(),
		CoordinatorID:            coordinatorID,
		BTCNetwork:               network,
		MinParticipants:          minParticipants,
		Status:                   Advertised,
		PendingSignatureRequests: make(map[string][]byte),
	}, nil
}

// indexOf returns the index of did in c.Participants, or -1.
func (c *Cohort) indexOf(did string) int {
	for i, p := range c.Participants {
		if p == did {
			return i
		}
	}
	return -1
}

// AddOptIn appends a participant's opt-in. Idempotent: a repeat opt-in from
// the same participant returns (false, nil) rather than appending again.
// Returns ErrBadState if the cohort has already finalized or failed.
func (c *Cohort) AddOptIn(did string, pk *btcec.PublicKey) (bool, error) {
	if c.Status != Advertised && c.Status != OptedIn {
		return false, fmt.Errorf("%w: cohort %s is %s", ErrBadState, c.ID, c.Status)
	}
	if c.indexOf(did) != -1 {
		return false, nil
	}
	pkBytes := pk.SerializeCompressed()
	for _, existing := range c.CohortKeys {
		if helpers.BytesEqual(existing.SerializeCompressed(), pkBytes) {
			return false, fmt.Errorf("%w: %s", ErrDuplicateKey, did)
		}
	}
	c.Participants = append(c.Participants, did)
	c.CohortKeys = append(c.CohortKeys, pk)
	c.Status = OptedIn
	return true, nil
}

// Finalize freezes the cohort's participant order and key set, computes the
// aggregated beacon address, and transitions to COHORT_SET. Requires at
// least MinParticipants opt-ins and status ADVERTISED or OPTED_IN.
func (c *Cohort) Finalize() error {
	if c.Status != Advertised && c.Status != OptedIn {
		return fmt.Errorf("%w: cohort %s is %s", ErrBadState, c.ID, c.Status)
	}
	if len(c.Participants) < c.MinParticipants {
		return fmt.Errorf("%w: have %d, need %d", ErrNotEnoughParticipants, len(c.Participants), c.MinParticipants)
	}

	addr, root, err := computeBeaconAddress(c.CohortKeys, c.BTCNetwork)
	if err != nil {
		c.Status = Failed
		return err
	}

	c.BeaconAddress = addr
	c.TrMerkleRoot = root
	c.Status = Set
	return nil
}

// Validate is the participant-side counterpart to Finalize: it checks that
// ownPK appears in claimedKeys (in the order given, which the caller must
// not re-sort), recomputes the beacon address from that order, and compares
// it against claimedAddress. On success the cohort adopts the claimed order
// and address and moves to COHORT_SET; on any mismatch it moves to FAILED
// and returns ErrValidation (terminal, per §4.3 and §7).
func (c *Cohort) Validate(ownPK *btcec.PublicKey, claimedKeys []*btcec.PublicKey, claimedParticipants []string, claimedAddress string) error {
	found := false
	ownBytes := ownPK.SerializeCompressed()
	for _, k := range claimedKeys {
		if helpers.BytesEqual(k.SerializeCompressed(), ownBytes) {
			found = true
			break
		}
	}
	if !found {
		c.Status = Failed
		return fmt.Errorf("%w: %w", ErrValidation, ErrOwnKeyMissing)
	}

	addr, root, err := computeBeaconAddress(claimedKeys, c.BTCNetwork)
	if err != nil {
		c.Status = Failed
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if addr != claimedAddress {
		c.Status = Failed
		return fmt.Errorf("%w: recomputed beacon address %q does not match claimed %q", ErrValidation, addr, claimedAddress)
	}

	c.Participants = claimedParticipants
	c.CohortKeys = claimedKeys
	c.BeaconAddress = addr
	c.TrMerkleRoot = root
	c.Status = Set
	return nil
}

// AddSignatureRequest records a REQUEST_SIGNATURE payload from requester
// against the cohort. Does not auto-start a signing session (§4.5).
func (c *Cohort) AddSignatureRequest(requester string, payload []byte) error {
	if c.Status != Set {
		return fmt.Errorf("%w: cohort %s is %s, want %s", ErrBadState, c.ID, c.Status, Set)
	}
	if c.indexOf(requester) == -1 {
		return fmt.Errorf("%w: %s is not a cohort participant", ErrValidation, requester)
	}
	if c.PendingSignatureRequests == nil {
		c.PendingSignatureRequests = make(map[string][]byte)
	}
	c.PendingSignatureRequests[requester] = payload
	return nil
}

// SnapshotAndClearRequests returns the cohort's pending signature requests
// and clears them, for moving into a new signing session (§3, §4.5).
func (c *Cohort) SnapshotAndClearRequests() map[string][]byte {
	snapshot := c.PendingSignatureRequests
	c.PendingSignatureRequests = make(map[string][]byte)
	return snapshot
}

// AggregatedKey recomputes the cohort's untweaked aggregated public key, in
// cohort key order.
func (c *Cohort) AggregatedKey() (*musig2x.AggregateKey, error) {
	return musig2x.AggregateKeys(c.CohortKeys)
}

func computeBeaconAddress(keys []*btcec.PublicKey, network btcnet.Network) (string, []byte, error) {
	netParams, ok := btcnet.Get(network)
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownNetwork, network)
	}

	agg, err := musig2x.AggregateKeys(keys)
	if err != nil {
		return "", nil, err
	}

	merkleRoot, err := musig2x.MerkleRootForCohort(keys)
	if err != nil {
		return "", nil, err
	}
	tweaked := musig2x.TapTweak(agg.FinalKey(), merkleRoot)

	addr, err := musig2x.P2TRAddress(tweaked, netParams.ChainParams)
	if err != nil {
		return "", nil, err
	}

	return addr.String(), merkleRoot, nil
}
