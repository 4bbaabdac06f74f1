// Package participant implements the participant role of §4.6: it trusts a
// fixed set of coordinator endpoints, shadows every cohort it opts into,
// derives one HD child key per cohort, and drives its side of the 2-round
// signing protocol.
package participant

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/tyler-smith/go-bip39"

	"github.com/btc1-tools/musig2-beacon/internal/btcnet"
	"github.com/btc1-tools/musig2-beacon/internal/cohort"
	"github.com/btc1-tools/musig2-beacon/internal/ledger"
	"github.com/btc1-tools/musig2-beacon/internal/message"
	"github.com/btc1-tools/musig2-beacon/internal/router"
	"github.com/btc1-tools/musig2-beacon/internal/signing"
	"github.com/btc1-tools/musig2-beacon/internal/transport"
	"github.com/btc1-tools/musig2-beacon/internal/txbuild"
	"github.com/btc1-tools/musig2-beacon/pkg/logging"
)

// Errors returned by Participant operations.
var (
	ErrUntrustedCoordinator = errors.New("participant: message from an untrusted coordinator")
	ErrUnknownCohort        = errors.New("participant: unknown cohort id")
)

// hdPurpose and hdCoinType pin the derivation path's first two hardened
// levels to a value distinct from any standard BIP-44 coin, since the
// derived keys are cohort signing keys, not payment addresses.
const (
	hdPurpose  = 0x6d75 // "mu"
	hdCoinType = 0x7332 // "s2"
)

// Participant is a role instance: it holds one HD seed, a fixed set of
// trusted coordinator identities, and a shadow of every cohort and signing
// session it has heard about.
type Participant struct {
	id         string
	masterKey  *hdkeychain.ExtendedKey
	transport  transport.Transport
	ledger     ledger.Ledger
	log        *logging.Logger
	coordinators map[string]bool

	mu           sync.Mutex
	cohorts      map[string]*cohort.Cohort
	cohortKeyIdx map[string]uint32
	nextKeyIdx   uint32
	privKeys     map[string]*btcec.PrivateKey // cohort id -> this participant's own key
	sessions     map[string]*signing.Session
}

// New constructs a Participant identified as id, deriving cohort keys from
// seed (a BIP-39 seed, §6's root_hd_seed), trusting only the coordinator
// identities in coordinators, and registers its handlers on r.
func New(id string, seed []byte, coordinators []string, t transport.Transport, r *router.Router, l ledger.Ledger) (*Participant, error) {
	masterKey, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("participant: deriving master key: %w", err)
	}

	trusted := make(map[string]bool, len(coordinators))
	for _, c := range coordinators {
		trusted[c] = true
	}

	p := &Participant{
		id:           id,
		masterKey:    masterKey,
		transport:    t,
		ledger:       l,
		log:          logging.GetDefault().Component("participant"),
		coordinators: trusted,
		cohorts:      make(map[string]*cohort.Cohort),
		cohortKeyIdx: make(map[string]uint32),
		privKeys:     make(map[string]*btcec.PrivateKey),
		sessions:     make(map[string]*signing.Session),
	}
	r.Register(message.KindCohortAdvert, p.handleCohortAdvert)
	r.Register(message.KindCohortSet, p.handleCohortSet)
	r.Register(message.KindAuthorizationRequest, p.handleAuthorizationRequest)
	r.Register(message.KindAggregatedNonce, p.handleAggregatedNonce)
	return p, nil
}

// GenerateRootSeed creates a fresh 24-word BIP-39 mnemonic and derives its
// seed, for bootstrapping a new participant identity's root_hd_seed (§6).
// The mnemonic is returned only so an operator can record it as a backup;
// the seed is what's actually persisted to the role config.
func GenerateRootSeed() (mnemonic string, seed []byte, err error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", nil, fmt.Errorf("participant: generating entropy: %w", err)
	}
	mnemonic, err = bip39.NewMnemonic(entropy)
	if err != nil {
		return "", nil, fmt.Errorf("participant: generating mnemonic: %w", err)
	}
	return mnemonic, bip39.NewSeed(mnemonic, ""), nil
}

// SubscribeToCoordinator sends SUBSCRIBE to a trusted coordinator, opening
// the cohort-advert feed (§4.6).
func (p *Participant) SubscribeToCoordinator(coordinatorID string) error {
	if !p.coordinators[coordinatorID] {
		return fmt.Errorf("%w: %s", ErrUntrustedCoordinator, coordinatorID)
	}
	p.send(coordinatorID, &message.Subscribe{}, "")
	return nil
}

func (p *Participant) send(to string, body message.Body, threadID string) {
	env := message.New(to, p.id, threadID, body)
	raw, err := env.Encode()
	if err != nil {
		p.log.Error("encoding outbound message failed", "to", to, "type", body.Kind(), "error", err)
		return
	}
	if err := p.transport.Send(context.Background(), to, raw); err != nil {
		p.log.Warn("send failed", "to", to, "error", err)
	}
}

func (p *Participant) alreadyProcessed(id string) bool {
	if p.ledger == nil {
		return false
	}
	seen, err := p.ledger.Seen(id)
	if err != nil {
		p.log.Warn("ledger lookup failed, treating as unseen", "id", id, "error", err)
		return false
	}
	return seen
}

func (p *Participant) markProcessed(id string) {
	if p.ledger == nil {
		return
	}
	if err := p.ledger.Record(id); err != nil {
		p.log.Warn("ledger record failed", "id", id, "error", err)
	}
}

// keyIndexForCohort returns the stable derivation index assigned to
// cohortID, assigning the next unused index the first time a cohort is
// seen. The mapping must survive only for this process's lifetime: once a
// cohort reaches COHORT_SET its key is frozen in CohortSet.CohortKeys and
// this participant never needs to re-derive it from cohortID alone.
func (p *Participant) keyIndexForCohort(cohortID string) uint32 {
	if idx, ok := p.cohortKeyIdx[cohortID]; ok {
		return idx
	}
	idx := p.nextKeyIdx
	p.cohortKeyIdx[cohortID] = idx
	p.nextKeyIdx++
	return idx
}

// deriveCohortKey derives this participant's signing key for a cohort at
// m/0x6d75'/0x7332'/0'/0/idx, a fixed non-BIP-44 path reserved for per-cohort
// MuSig2 signing keys (§4.6: "a per-cohort child key from an HD seed,
// deterministic per-cohort index").
func (p *Participant) deriveCohortKey(idx uint32) (*btcec.PrivateKey, error) {
	purposeKey, err := p.masterKey.Derive(hdkeychain.HardenedKeyStart + hdPurpose)
	if err != nil {
		return nil, fmt.Errorf("participant: deriving purpose level: %w", err)
	}
	coinKey, err := purposeKey.Derive(hdkeychain.HardenedKeyStart + hdCoinType)
	if err != nil {
		return nil, fmt.Errorf("participant: deriving coin level: %w", err)
	}
	accountKey, err := coinKey.Derive(hdkeychain.HardenedKeyStart + 0)
	if err != nil {
		return nil, fmt.Errorf("participant: deriving account level: %w", err)
	}
	changeKey, err := accountKey.Derive(0)
	if err != nil {
		return nil, fmt.Errorf("participant: deriving change level: %w", err)
	}
	indexKey, err := changeKey.Derive(idx)
	if err != nil {
		return nil, fmt.Errorf("participant: deriving index level: %w", err)
	}
	return indexKey.ECPrivKey()
}

func (p *Participant) getCohort(id string) (*cohort.Cohort, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.cohorts[id]
	return ch, ok
}

func (p *Participant) handleCohortAdvert(msg *message.Envelope, peer *router.PeerContext, thread *router.ThreadContext) error {
	if !p.coordinators[msg.From] {
		p.log.Warn("cohort advert from untrusted coordinator, dropped", "from", msg.From)
		return nil
	}
	if p.alreadyProcessed(msg.ID) {
		return nil
	}
	body, ok := msg.Body.(*message.CohortAdvert)
	if !ok {
		return fmt.Errorf("participant: cohort_advert body has wrong type")
	}

	network := btcnet.Network(body.BTCNetwork)
	ch, err := cohort.New(msg.From, body.MinParticipants, network)
	if err != nil {
		p.log.WithCohort(body.CohortID).Warn("cohort advert rejected", "error", err)
		return nil
	}
	ch.ID = body.CohortID

	p.mu.Lock()
	if _, exists := p.cohorts[ch.ID]; exists {
		p.mu.Unlock()
		return nil
	}
	idx := p.keyIndexForCohort(ch.ID)
	p.cohorts[ch.ID] = ch
	p.mu.Unlock()

	privKey, err := p.deriveCohortKey(idx)
	if err != nil {
		p.log.WithCohort(ch.ID).Error("deriving cohort key failed", "error", err)
		return nil
	}
	p.mu.Lock()
	p.privKeys[ch.ID] = privKey
	p.mu.Unlock()

	p.markProcessed(msg.ID)
	p.send(msg.From, &message.OptIn{
		CohortID:      ch.ID,
		ParticipantPK: hex.EncodeToString(privKey.PubKey().SerializeCompressed()),
	}, "")
	p.log.WithCohort(ch.ID).Info("opted into cohort", "coordinator", msg.From)
	return nil
}

func (p *Participant) handleCohortSet(msg *message.Envelope, peer *router.PeerContext, thread *router.ThreadContext) error {
	if p.alreadyProcessed(msg.ID) {
		return nil
	}
	body, ok := msg.Body.(*message.CohortSet)
	if !ok {
		return fmt.Errorf("participant: cohort_set body has wrong type")
	}

	ch, ok := p.getCohort(body.CohortID)
	if !ok {
		p.log.WithCohort(body.CohortID).Warn("cohort_set for unknown cohort", "from", msg.From)
		return nil
	}
	p.mu.Lock()
	ownKey, ok := p.privKeys[body.CohortID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCohort, body.CohortID)
	}

	claimedKeys := make([]*btcec.PublicKey, len(body.CohortKeys))
	for i, k := range body.CohortKeys {
		raw, err := hex.DecodeString(k)
		if err != nil {
			p.log.WithCohort(ch.ID).Error("cohort_set key not hex, rejecting cohort", "error", err)
			return nil
		}
		pk, err := btcec.ParsePubKey(raw)
		if err != nil {
			p.log.WithCohort(ch.ID).Error("cohort_set key not a valid point, rejecting cohort", "error", err)
			return nil
		}
		claimedKeys[i] = pk
	}

	if err := ch.Validate(ownKey.PubKey(), claimedKeys, nil, body.BeaconAddress); err != nil {
		p.log.WithCohort(ch.ID).Error("cohort validation failed, cohort FAILED", "error", err)
		return err
	}
	p.markProcessed(msg.ID)
	p.log.WithCohort(ch.ID).Info("cohort validated", "beacon_address", ch.BeaconAddress)
	return nil
}

// RequestCohortSignature asks cohortID's coordinator to start a signing
// session over data (§4.6's request_cohort_signature). Returns false
// without error if the cohort is not yet COHORT_SET.
func (p *Participant) RequestCohortSignature(cohortID, data string) (bool, error) {
	ch, ok := p.getCohort(cohortID)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownCohort, cohortID)
	}
	if ch.Status != cohort.Set {
		return false, nil
	}
	p.send(ch.CoordinatorID, &message.RequestSignature{CohortID: cohortID, Data: data}, "")
	return true, nil
}

func (p *Participant) handleAuthorizationRequest(msg *message.Envelope, peer *router.PeerContext, thread *router.ThreadContext) error {
	if p.alreadyProcessed(msg.ID) {
		return nil
	}
	body, ok := msg.Body.(*message.AuthorizationRequest)
	if !ok {
		return fmt.Errorf("participant: authorization_request body has wrong type")
	}

	ch, ok := p.getCohort(body.CohortID)
	if !ok {
		p.log.WithCohort(body.CohortID).Warn("authorization_request for unknown cohort", "from", msg.From)
		return nil
	}
	if ch.Status != cohort.Set {
		p.log.WithCohort(ch.ID).Warn("authorization_request for cohort not yet set")
		return nil
	}
	p.mu.Lock()
	privKey, ok := p.privKeys[body.CohortID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCohort, body.CohortID)
	}

	tx, err := txbuild.Deserialize(body.PendingTx)
	if err != nil {
		p.log.WithSession(body.SessionID).Error("pending_tx decode failed", "error", err)
		return nil
	}

	prevOutScript, err := beaconOutputScript(ch)
	if err != nil {
		p.log.WithCohort(ch.ID).Error("beacon address script failed", "error", err)
		return nil
	}
	sigHash, err := txbuild.SigHash(tx, prevOutScript, body.FundingAmount)
	if err != nil {
		p.log.WithSession(body.SessionID).Error("sighash computation failed", "error", err)
		return nil
	}

	sess := signing.NewFromAuthorizationRequest(
		body.SessionID,
		body.CohortID,
		append([]string(nil), ch.Participants...),
		append([]*btcec.PublicKey(nil), ch.CohortKeys...),
		ch.TrMerkleRoot,
		tx,
		[32]byte(*sigHash),
	)

	p.mu.Lock()
	p.sessions[sess.ID] = sess
	p.mu.Unlock()
	p.markProcessed(msg.ID)

	points, err := sess.GenerateLocalNonce(privKey.PubKey())
	if err != nil {
		p.log.WithSession(sess.ID).Error("generating local nonce failed", "error", err)
		return nil
	}
	p.send(msg.From, &message.NonceContribution{
		SessionID:         sess.ID,
		CohortID:          sess.CohortID,
		NonceContribution: points,
	}, "")
	p.log.WithSession(sess.ID).Info("nonce contribution sent", "cohort_id", sess.CohortID)
	return nil
}

// beaconOutputScript rebuilds the scriptPubKey for a cohort's beacon
// address, needed to compute the same sighash the coordinator signed over.
func beaconOutputScript(ch *cohort.Cohort) ([]byte, error) {
	netParams, ok := btcnet.Get(ch.BTCNetwork)
	if !ok {
		return nil, fmt.Errorf("participant: cohort has unknown network %s", ch.BTCNetwork)
	}
	addr, err := btcutil.DecodeAddress(ch.BeaconAddress, netParams.ChainParams)
	if err != nil {
		return nil, fmt.Errorf("participant: parsing beacon address: %w", err)
	}
	return txscript.PayToAddrScript(addr)
}

func (p *Participant) getSession(id string) (*signing.Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	return s, ok
}

func (p *Participant) handleAggregatedNonce(msg *message.Envelope, peer *router.PeerContext, thread *router.ThreadContext) error {
	if p.alreadyProcessed(msg.ID) {
		return nil
	}
	body, ok := msg.Body.(*message.AggregatedNonce)
	if !ok {
		return fmt.Errorf("participant: aggregated_nonce body has wrong type")
	}

	sess, ok := p.getSession(body.SessionID)
	if !ok {
		p.log.WithSession(body.SessionID).Warn("aggregated_nonce for unknown session", "from", msg.From)
		return nil
	}
	if err := sess.SetAggregatedNonce(body.AggregatedNonce); err != nil {
		p.log.WithSession(sess.ID).Warn("aggregated_nonce rejected", "error", err)
		return nil
	}

	p.mu.Lock()
	privKey, ok := p.privKeys[sess.CohortID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCohort, sess.CohortID)
	}

	partialSig, err := sess.ComputePartialSignature(privKey)
	if err != nil {
		p.log.WithSession(sess.ID).Error("computing partial signature failed", "error", err)
		return nil
	}
	p.markProcessed(msg.ID)

	p.send(msg.From, &message.SignatureAuthorization{
		SessionID:        sess.ID,
		CohortID:         sess.CohortID,
		PartialSignature: partialSig,
	}, "")
	p.log.WithSession(sess.ID).Info("partial signature sent", "cohort_id", sess.CohortID)
	return nil
}
