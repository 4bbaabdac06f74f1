package coordinator

import (
	"encoding/hex"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/btc1-tools/musig2-beacon/internal/btcnet"
	"github.com/btc1-tools/musig2-beacon/internal/ledger"
	"github.com/btc1-tools/musig2-beacon/internal/message"
	"github.com/btc1-tools/musig2-beacon/internal/router"
	"github.com/btc1-tools/musig2-beacon/internal/transport"
	"github.com/btc1-tools/musig2-beacon/internal/txbuild"
)

// fakePeer is a minimal stand-in for a participant: it owns one keypair and
// records every envelope the coordinator sends it, without running any
// protocol logic of its own.
type fakePeer struct {
	id       string
	priv     *btcec.PrivateKey
	received []*message.Envelope
	net      *transport.Network
	t        *transport.InMemoryTransport
}

func newFakePeer(t *testing.T, id string, network *transport.Network) *fakePeer {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("generating peer key: %v", err)
	}
	p := &fakePeer{id: id, priv: priv, net: network}
	p.t = transport.NewInMemoryTransport(network, id)
	p.t.Receive(func(from string, raw []byte) {
		env, err := message.Decode(raw)
		if err != nil {
			t.Fatalf("peer %s: decoding inbound: %v", id, err)
		}
		p.received = append(p.received, env)
	})
	return p
}

func (p *fakePeer) lastOfKind(kind message.Kind) *message.Envelope {
	for i := len(p.received) - 1; i >= 0; i-- {
		if p.received[i].Type == kind {
			return p.received[i]
		}
	}
	return nil
}

func (p *fakePeer) send(to string, body message.Body) {
	env := message.New(to, p.id, "", body)
	raw, err := env.Encode()
	if err != nil {
		panic(err)
	}
	if err := p.t.Send(nil, to, raw); err != nil {
		panic(err)
	}
}

func setupCoordinator(t *testing.T, coordinatorID string) (*Coordinator, *transport.Network) {
	network := transport.NewNetwork()
	ct := transport.NewInMemoryTransport(network, coordinatorID)
	r := router.New()
	c := New(coordinatorID, ct, r, ledger.NewInMemoryLedger())
	ct.Receive(func(from string, raw []byte) {
		if err := r.Dispatch(raw); err != nil {
			t.Logf("coordinator dispatch error (may be expected): %v", err)
		}
	})
	return c, network
}

func TestSubscribeAndCohortAdvertFlow(t *testing.T) {
	c, network := setupCoordinator(t, "coordinator")
	alice := newFakePeer(t, "alice", network)
	bob := newFakePeer(t, "bob", network)

	alice.send("coordinator", &message.Subscribe{})
	bob.send("coordinator", &message.Subscribe{})

	if alice.lastOfKind(message.KindSubscribeAccept) == nil {
		t.Fatal("alice did not receive SubscribeAccept")
	}
	if bob.lastOfKind(message.KindSubscribeAccept) == nil {
		t.Fatal("bob did not receive SubscribeAccept")
	}

	ch, err := c.AnnounceNewCohort(2, btcnet.Regtest)
	if err != nil {
		t.Fatalf("AnnounceNewCohort: %v", err)
	}

	advertA := alice.lastOfKind(message.KindCohortAdvert)
	advertB := bob.lastOfKind(message.KindCohortAdvert)
	if advertA == nil || advertB == nil {
		t.Fatal("expected both subscribers to receive CohortAdvert")
	}
	if advertA.Body.(*message.CohortAdvert).CohortID != ch.ID {
		t.Fatal("advert carried wrong cohort id")
	}
}

func TestOptInFinalizesCohortOnceMinParticipantsReached(t *testing.T) {
	c, network := setupCoordinator(t, "coordinator")
	alice := newFakePeer(t, "alice", network)
	bob := newFakePeer(t, "bob", network)

	alice.send("coordinator", &message.Subscribe{})
	bob.send("coordinator", &message.Subscribe{})
	ch, err := c.AnnounceNewCohort(2, btcnet.Regtest)
	if err != nil {
		t.Fatalf("AnnounceNewCohort: %v", err)
	}

	alice.send("coordinator", &message.OptIn{
		CohortID:      ch.ID,
		ParticipantPK: hex.EncodeToString(alice.priv.PubKey().SerializeCompressed()),
	})
	if bob.lastOfKind(message.KindCohortSet) != nil {
		t.Fatal("cohort should not be set with only one opt-in")
	}

	bob.send("coordinator", &message.OptIn{
		CohortID:      ch.ID,
		ParticipantPK: hex.EncodeToString(bob.priv.PubKey().SerializeCompressed()),
	})

	setMsg := bob.lastOfKind(message.KindCohortSet)
	if setMsg == nil {
		t.Fatal("expected CohortSet after second opt-in")
	}
	body := setMsg.Body.(*message.CohortSet)
	if body.BeaconAddress == "" {
		t.Fatal("expected a non-empty beacon address")
	}
	if len(body.CohortKeys) != 2 {
		t.Fatalf("expected 2 cohort keys, got %d", len(body.CohortKeys))
	}
}

func TestDuplicateOptInIsIdempotent(t *testing.T) {
	c, network := setupCoordinator(t, "coordinator")
	alice := newFakePeer(t, "alice", network)
	bob := newFakePeer(t, "bob", network)
	alice.send("coordinator", &message.Subscribe{})
	bob.send("coordinator", &message.Subscribe{})
	ch, err := c.AnnounceNewCohort(2, btcnet.Regtest)
	if err != nil {
		t.Fatalf("AnnounceNewCohort: %v", err)
	}

	optIn := &message.OptIn{CohortID: ch.ID, ParticipantPK: hex.EncodeToString(alice.priv.PubKey().SerializeCompressed())}
	alice.send("coordinator", optIn)
	alice.send("coordinator", optIn)

	got, _ := c.getCohort(ch.ID)
	if len(got.Participants) != 1 {
		t.Fatalf("expected 1 participant after duplicate opt-in, got %d", len(got.Participants))
	}
}

func TestStartSigningSessionBroadcastsAuthorizationRequest(t *testing.T) {
	c, network := setupCoordinator(t, "coordinator")
	alice := newFakePeer(t, "alice", network)
	bob := newFakePeer(t, "bob", network)
	alice.send("coordinator", &message.Subscribe{})
	bob.send("coordinator", &message.Subscribe{})
	ch, err := c.AnnounceNewCohort(2, btcnet.Regtest)
	if err != nil {
		t.Fatalf("AnnounceNewCohort: %v", err)
	}
	alice.send("coordinator", &message.OptIn{CohortID: ch.ID, ParticipantPK: hex.EncodeToString(alice.priv.PubKey().SerializeCompressed())})
	bob.send("coordinator", &message.OptIn{CohortID: ch.ID, ParticipantPK: hex.EncodeToString(bob.priv.PubKey().SerializeCompressed())})

	alice.send("coordinator", &message.RequestSignature{CohortID: ch.ID, Data: "beacon round 1"})

	funding := txbuild.FundingOutpoint{
		PrevTxID: "00000000000000000000000000000000000000000000000000000000000001",
		PrevVout: 0,
		Amount:   100000,
	}
	sess, err := c.StartSigningSession(ch.ID, funding, 90000)
	if err != nil {
		t.Fatalf("StartSigningSession: %v", err)
	}

	req := alice.lastOfKind(message.KindAuthorizationRequest)
	if req == nil {
		t.Fatal("expected AuthorizationRequest sent to alice")
	}
	body := req.Body.(*message.AuthorizationRequest)
	if body.SessionID != sess.ID {
		t.Fatalf("expected session id %s, got %s", sess.ID, body.SessionID)
	}
	if body.FundingAmount != funding.Amount {
		t.Fatalf("expected funding amount %d, got %d", funding.Amount, body.FundingAmount)
	}
}

func TestUnreachableSubscriberIsEvictedFromFutureAdverts(t *testing.T) {
	c, network := setupCoordinator(t, "coordinator")
	alice := newFakePeer(t, "alice", network)
	bob := newFakePeer(t, "bob", network)
	alice.send("coordinator", &message.Subscribe{})
	bob.send("coordinator", &message.Subscribe{})

	// Tear down alice's receiver so sends to her now fail, simulating a
	// disconnected peer, without removing her endpoint from the network.
	alice.t.Receive(nil)

	if _, err := c.AnnounceNewCohort(2, btcnet.Regtest); err != nil {
		t.Fatalf("AnnounceNewCohort: %v", err)
	}

	c.mu.Lock()
	stillSubscribed := false
	for _, s := range c.subscribers {
		if s == "alice" {
			stillSubscribed = true
		}
	}
	c.mu.Unlock()
	if stillSubscribed {
		t.Fatal("expected alice to be evicted after a failed send")
	}

	// The cohort sent to bob must be unaffected by alice's eviction: he
	// still receives his advert.
	if bob.lastOfKind(message.KindCohortAdvert) == nil {
		t.Fatal("expected bob to still receive CohortAdvert")
	}

	// A second AnnounceNewCohort must not attempt to send to alice at all.
	before := len(alice.received)
	if _, err := c.AnnounceNewCohort(2, btcnet.Regtest); err != nil {
		t.Fatalf("AnnounceNewCohort: %v", err)
	}
	if len(alice.received) != before {
		t.Fatal("expected no further sends to an evicted subscriber")
	}
}
