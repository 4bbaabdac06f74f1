// Package coordinator implements the coordinator role of §4.5: it
// maintains the subscriber set, advertises and finalizes cohorts, and
// drives signing sessions to completion.
package coordinator

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"

	"github.com/btc1-tools/musig2-beacon/internal/btcnet"
	"github.com/btc1-tools/musig2-beacon/internal/cohort"
	"github.com/btc1-tools/musig2-beacon/internal/ledger"
	"github.com/btc1-tools/musig2-beacon/internal/message"
	"github.com/btc1-tools/musig2-beacon/internal/musig2x"
	"github.com/btc1-tools/musig2-beacon/internal/router"
	"github.com/btc1-tools/musig2-beacon/internal/signing"
	"github.com/btc1-tools/musig2-beacon/internal/transport"
	"github.com/btc1-tools/musig2-beacon/internal/txbuild"
	"github.com/btc1-tools/musig2-beacon/pkg/logging"
)

// Errors returned by Coordinator operations.
var (
	ErrUnknownCohort  = errors.New("coordinator: unknown cohort id")
	ErrUnknownSession = errors.New("coordinator: unknown session id")
)

// Coordinator owns the authoritative Cohort and Session values for every
// cohort it has announced (§3 ownership rule).
type Coordinator struct {
	id        string
	transport transport.Transport
	ledger    ledger.Ledger
	log       *logging.Logger

	mu          sync.Mutex
	subscribers []string
	cohorts     map[string]*cohort.Cohort
	sessions    map[string]*signing.Session

	deriveSMTRoot txbuild.DeriveSMTRoot
}

// New constructs a Coordinator identified as id, registers its handlers on
// r, and wires outbound sends through t.
func New(id string, t transport.Transport, r *router.Router, l ledger.Ledger) *Coordinator {
	c := &Coordinator{
		id:            id,
		transport:     t,
		ledger:        l,
		log:           logging.GetDefault().Component("coordinator"),
		cohorts:       make(map[string]*cohort.Cohort),
		sessions:      make(map[string]*signing.Session),
		deriveSMTRoot: txbuild.RandomSMTRoot,
	}
	r.Register(message.KindSubscribe, c.handleSubscribe)
	r.Register(message.KindOptIn, c.handleOptIn)
	r.Register(message.KindRequestSignature, c.handleRequestSignature)
	r.Register(message.KindNonceContribution, c.handleNonceContribution)
	r.Register(message.KindSignatureAuthorization, c.handleSignatureAuthorization)
	return c
}

// SetDeriveSMTRoot overrides the default random SMT-root derivation.
func (c *Coordinator) SetDeriveSMTRoot(fn txbuild.DeriveSMTRoot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deriveSMTRoot = fn
}

func (c *Coordinator) send(to string, body message.Body, threadID string) {
	env := message.New(to, c.id, threadID, body)
	raw, err := env.Encode()
	if err != nil {
		c.log.Error("encoding outbound message failed", "to", to, "type", body.Kind(), "error", err)
		return
	}
	if err := c.transport.Send(context.Background(), to, raw); err != nil {
		c.log.Warn("send failed, evicting subscriber", "to", to, "error", err)
		c.evictSubscriber(to)
	}
}

func (c *Coordinator) evictSubscriber(did string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.subscribers {
		if s == did {
			c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)
			return
		}
	}
}

func (c *Coordinator) alreadyProcessed(id string) bool {
	if c.ledger == nil {
		return false
	}
	seen, err := c.ledger.Seen(id)
	if err != nil {
		c.log.Warn("ledger lookup failed, treating as unseen", "id", id, "error", err)
		return false
	}
	return seen
}

func (c *Coordinator) markProcessed(id string) {
	if c.ledger == nil {
		return
	}
	if err := c.ledger.Record(id); err != nil {
		c.log.Warn("ledger record failed", "id", id, "error", err)
	}
}

func (c *Coordinator) handleSubscribe(msg *message.Envelope, peer *router.PeerContext, thread *router.ThreadContext) error {
	if c.alreadyProcessed(msg.ID) {
		return nil
	}
	c.mu.Lock()
	found := false
	for _, s := range c.subscribers {
		if s == msg.From {
			found = true
			break
		}
	}
	if !found {
		c.subscribers = append(c.subscribers, msg.From)
	}
	c.mu.Unlock()

	c.markProcessed(msg.ID)
	c.send(msg.From, &message.SubscribeAccept{}, msg.ThreadID)
	return nil
}

// AnnounceNewCohort creates a cohort in ADVERTISED status and sends
// COHORT_ADVERT to every current subscriber. A subscriber the transport
// fails to reach is evicted (§4.5, §7 TransportError policy).
func (c *Coordinator) AnnounceNewCohort(minParticipants int, network btcnet.Network) (*cohort.Cohort, error) {
	ch, err := cohort.New(c.id, minParticipants, network)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cohorts[ch.ID] = ch
	subscribers := append([]string(nil), c.subscribers...)
	c.mu.Unlock()

	advert := &message.CohortAdvert{
		CohortID:        ch.ID,
		BTCNetwork:      string(network),
		CohortSize:      minParticipants,
		MinParticipants: minParticipants,
	}
	for _, sub := range subscribers {
		c.send(sub, advert, "")
	}

	c.log.WithCohort(ch.ID).Info("cohort announced", "min_participants", minParticipants, "network", network)
	return ch, nil
}

func (c *Coordinator) getCohort(id string) (*cohort.Cohort, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.cohorts[id]
	return ch, ok
}

func (c *Coordinator) handleOptIn(msg *message.Envelope, peer *router.PeerContext, thread *router.ThreadContext) error {
	if c.alreadyProcessed(msg.ID) {
		return nil
	}
	body, ok := msg.Body.(*message.OptIn)
	if !ok {
		return fmt.Errorf("coordinator: opt_in body has wrong type")
	}

	ch, ok := c.getCohort(body.CohortID)
	if !ok {
		c.log.WithCohort(body.CohortID).Warn("opt-in for unknown cohort", "from", msg.From)
		return nil
	}

	pkBytes, err := hex.DecodeString(body.ParticipantPK)
	if err != nil {
		c.log.Warn("opt-in participant_pk not hex", "from", msg.From, "error", err)
		return nil
	}
	pk, err := btcec.ParsePubKey(pkBytes)
	if err != nil {
		c.log.Warn("opt-in participant_pk invalid point", "from", msg.From, "error", err)
		return nil
	}

	added, err := ch.AddOptIn(msg.From, pk)
	if err != nil {
		c.log.WithCohort(ch.ID).Warn("opt-in rejected", "from", msg.From, "error", err)
		return nil
	}
	if added {
		c.log.WithCohort(ch.ID).Info("opt-in accepted", "participant", msg.From)
	}
	c.markProcessed(msg.ID)

	if len(ch.Participants) < ch.MinParticipants {
		return nil
	}

	if err := ch.Finalize(); err != nil {
		c.log.WithCohort(ch.ID).Error("cohort finalize failed", "error", err)
		return nil
	}

	keys := make([]string, len(ch.CohortKeys))
	for i, k := range ch.CohortKeys {
		keys[i] = hex.EncodeToString(k.SerializeCompressed())
	}
	cohortSet := &message.CohortSet{
		CohortID:      ch.ID,
		CohortKeys:    keys,
		BeaconAddress: ch.BeaconAddress,
	}
	for _, p := range ch.Participants {
		c.send(p, cohortSet, "")
	}
	c.log.WithCohort(ch.ID).Info("cohort finalized", "beacon_address", ch.BeaconAddress, "participants", len(ch.Participants))
	return nil
}

func (c *Coordinator) handleRequestSignature(msg *message.Envelope, peer *router.PeerContext, thread *router.ThreadContext) error {
	if c.alreadyProcessed(msg.ID) {
		return nil
	}
	body, ok := msg.Body.(*message.RequestSignature)
	if !ok {
		return fmt.Errorf("coordinator: request_signature body has wrong type")
	}

	ch, ok := c.getCohort(body.CohortID)
	if !ok {
		c.log.WithCohort(body.CohortID).Warn("signature request for unknown cohort", "from", msg.From)
		return nil
	}
	if err := ch.AddSignatureRequest(msg.From, []byte(body.Data)); err != nil {
		c.log.WithCohort(ch.ID).Warn("signature request rejected", "from", msg.From, "error", err)
		return nil
	}
	c.markProcessed(msg.ID)
	return nil
}

// StartSigningSession snapshots cohortID's pending signature requests,
// constructs the beacon-signal transaction, creates a session, and sends
// AUTHORIZATION_REQUEST to every cohort member (§4.5).
func (c *Coordinator) StartSigningSession(cohortID string, funding txbuild.FundingOutpoint, refundAmount int64) (*signing.Session, error) {
	ch, ok := c.getCohort(cohortID)
	if !ok {
		return nil, ErrUnknownCohort
	}

	netParams, ok := btcnet.Get(ch.BTCNetwork)
	if !ok {
		return nil, fmt.Errorf("coordinator: cohort has unknown network %s", ch.BTCNetwork)
	}
	addr, err := btcutil.DecodeAddress(ch.BeaconAddress, netParams.ChainParams)
	if err != nil {
		return nil, fmt.Errorf("coordinator: parsing beacon address: %w", err)
	}
	prevOutScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("coordinator: building beacon address script: %w", err)
	}

	snapshot := ch.SnapshotAndClearRequests()
	root, err := c.deriveSMTRoot(snapshot)
	if err != nil {
		return nil, fmt.Errorf("coordinator: deriving smt root: %w", err)
	}

	tx, err := txbuild.Build(txbuild.BuildParams{
		Funding:       funding,
		BeaconAddress: addr,
		RefundAmount:  refundAmount,
		SMTRoot:       root,
	})
	if err != nil {
		return nil, fmt.Errorf("coordinator: building beacon-signal tx: %w", err)
	}

	sigHash, err := txbuild.SigHash(tx, prevOutScript, funding.Amount)
	if err != nil {
		return nil, fmt.Errorf("coordinator: computing sighash: %w", err)
	}

	sess := signing.New(
		ch.ID,
		append([]string(nil), ch.Participants...),
		append([]*btcec.PublicKey(nil), ch.CohortKeys...),
		ch.TrMerkleRoot,
		tx,
		[32]byte(*sigHash),
		snapshot,
	)

	c.mu.Lock()
	c.sessions[sess.ID] = sess
	c.mu.Unlock()

	pendingTxHex, err := txbuild.Serialize(tx)
	if err != nil {
		return nil, fmt.Errorf("coordinator: serializing pending tx: %w", err)
	}
	authReq := &message.AuthorizationRequest{
		SessionID:     sess.ID,
		CohortID:      ch.ID,
		PendingTx:     pendingTxHex,
		FundingAmount: funding.Amount,
	}
	for _, p := range ch.Participants {
		c.send(p, authReq, "")
	}

	c.log.WithSession(sess.ID).Info("signing session started", "cohort_id", ch.ID, "requests", len(snapshot))
	return sess, nil
}

func (c *Coordinator) getSession(id string) (*signing.Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	return s, ok
}

func (c *Coordinator) handleNonceContribution(msg *message.Envelope, peer *router.PeerContext, thread *router.ThreadContext) error {
	if c.alreadyProcessed(msg.ID) {
		return nil
	}
	body, ok := msg.Body.(*message.NonceContribution)
	if !ok {
		return fmt.Errorf("coordinator: nonce_contribution body has wrong type")
	}

	sess, ok := c.getSession(body.SessionID)
	if !ok {
		c.log.WithSession(body.SessionID).Warn("nonce contribution for unknown session", "from", msg.From)
		return nil
	}

	aggregated, err := sess.AddNonceContribution(msg.From, body.NonceContribution)
	if err != nil {
		c.log.WithSession(sess.ID).Warn("nonce contribution rejected", "from", msg.From, "error", err)
		return nil
	}
	c.markProcessed(msg.ID)

	if !aggregated {
		return nil
	}

	ch, ok := c.getCohort(sess.CohortID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCohort, sess.CohortID)
	}
	aggregatedNonce := &message.AggregatedNonce{
		SessionID:       sess.ID,
		CohortID:        sess.CohortID,
		AggregatedNonce: musig2x.EncodePubNonce(sess.AggregatedNonce),
	}
	for _, p := range ch.Participants {
		c.send(p, aggregatedNonce, "")
	}
	c.log.WithSession(sess.ID).Info("aggregated nonce broadcast")
	return nil
}

func (c *Coordinator) handleSignatureAuthorization(msg *message.Envelope, peer *router.PeerContext, thread *router.ThreadContext) error {
	if c.alreadyProcessed(msg.ID) {
		return nil
	}
	body, ok := msg.Body.(*message.SignatureAuthorization)
	if !ok {
		return fmt.Errorf("coordinator: signature_authorization body has wrong type")
	}

	sess, ok := c.getSession(body.SessionID)
	if !ok {
		c.log.WithSession(body.SessionID).Warn("partial signature for unknown session", "from", msg.From)
		return nil
	}
	ch, ok := c.getCohort(sess.CohortID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCohort, sess.CohortID)
	}
	agg, err := ch.AggregatedKey()
	if err != nil {
		return fmt.Errorf("coordinator: recomputing aggregate key: %w", err)
	}
	tweaked := musig2x.TapTweak(agg.FinalKey(), ch.TrMerkleRoot)

	complete, err := sess.AddPartialSignature(msg.From, body.PartialSignature, tweaked)
	if err != nil {
		if errors.Is(err, signing.ErrVerification) {
			c.log.WithSession(sess.ID).Error("final signature verification failed, session FAILED")
			return err
		}
		c.log.WithSession(sess.ID).Warn("partial signature rejected", "from", msg.From, "error", err)
		return nil
	}
	c.markProcessed(msg.ID)

	if complete {
		c.log.WithSession(sess.ID).Info("signature complete", "cohort_id", sess.CohortID)
	}
	return nil
}
