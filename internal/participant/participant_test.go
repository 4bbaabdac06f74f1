package participant

import (
	"crypto/rand"
	"testing"

	"github.com/btc1-tools/musig2-beacon/internal/btcnet"
	"github.com/btc1-tools/musig2-beacon/internal/cohort"
	"github.com/btc1-tools/musig2-beacon/internal/coordinator"
	"github.com/btc1-tools/musig2-beacon/internal/ledger"
	"github.com/btc1-tools/musig2-beacon/internal/router"
	"github.com/btc1-tools/musig2-beacon/internal/signing"
	"github.com/btc1-tools/musig2-beacon/internal/transport"
	"github.com/btc1-tools/musig2-beacon/internal/txbuild"
)

// harness wires one coordinator and n participants over an in-memory
// network, each with its own router and dispatch loop, mirroring how
// cmd/coordinatord and cmd/participantd wire a real websocket transport.
// Because InMemoryTransport.Send calls the peer's receiver synchronously,
// every handshake below runs to completion inline, with no polling needed.
type harness struct {
	network     *transport.Network
	coordinator *coordinator.Coordinator
	members     []*Participant
}

func newHarness(t *testing.T, n int) *harness {
	network := transport.NewNetwork()

	ct := transport.NewInMemoryTransport(network, "coordinator")
	cr := router.New()
	c := coordinator.New("coordinator", ct, cr, ledger.NewInMemoryLedger())
	ct.Receive(func(from string, raw []byte) {
		if err := cr.Dispatch(raw); err != nil {
			t.Logf("coordinator dispatch: %v", err)
		}
	})

	h := &harness{network: network, coordinator: c}
	for i := 0; i < n; i++ {
		id := participantID(i)
		pt := transport.NewInMemoryTransport(network, id)
		pr := router.New()
		seed := make([]byte, 32)
		if _, err := rand.Read(seed); err != nil {
			t.Fatalf("generating seed: %v", err)
		}
		part, err := New(id, seed, []string{"coordinator"}, pt, pr, ledger.NewInMemoryLedger())
		if err != nil {
			t.Fatalf("participant.New: %v", err)
		}
		pt.Receive(func(from string, raw []byte) {
			if err := pr.Dispatch(raw); err != nil {
				t.Logf("participant %s dispatch: %v", id, err)
			}
		})
		h.members = append(h.members, part)
	}
	return h
}

func participantID(i int) string {
	return "participant-" + string(rune('a'+i))
}

// runToCohortSet subscribes every participant, advertises one cohort, opts
// every participant in, and returns the resulting cohort id. By the time it
// returns, every participant has already validated COHORT_SET, since opt-in
// delivery is synchronous.
func (h *harness) runToCohortSet(t *testing.T, minParticipants int) string {
	for _, m := range h.members {
		if err := m.SubscribeToCoordinator("coordinator"); err != nil {
			t.Fatalf("SubscribeToCoordinator: %v", err)
		}
	}
	ch, err := h.coordinator.AnnounceNewCohort(minParticipants, btcnet.Regtest)
	if err != nil {
		t.Fatalf("AnnounceNewCohort: %v", err)
	}
	for _, m := range h.members {
		if _, ok := m.getCohort(ch.ID); !ok {
			t.Fatal("participant never saw cohort advert")
		}
	}
	return ch.ID
}

func TestFullProtocolEndToEndProducesCompletedSession(t *testing.T) {
	h := newHarness(t, 3)
	cohortID := h.runToCohortSet(t, 3)

	for _, m := range h.members {
		ch, ok := m.getCohort(cohortID)
		if !ok {
			t.Fatal("participant lost its cohort shadow")
		}
		if ch.Status != cohort.Set {
			t.Fatalf("expected participant cohort status %s, got %s", cohort.Set, ch.Status)
		}
	}

	ok, err := h.members[0].RequestCohortSignature(cohortID, "round 1 beacon data")
	if err != nil {
		t.Fatalf("RequestCohortSignature: %v", err)
	}
	if !ok {
		t.Fatal("expected RequestCohortSignature to succeed once cohort is set")
	}

	funding := txbuild.FundingOutpoint{
		PrevTxID: "00000000000000000000000000000000000000000000000000000000000002",
		PrevVout: 0,
		Amount:   50000,
	}
	sess, err := h.coordinator.StartSigningSession(cohortID, funding, 40000)
	if err != nil {
		t.Fatalf("StartSigningSession: %v", err)
	}
	if sess.Status != signing.SignatureComplete {
		t.Fatalf("expected coordinator session SIGNATURE_COMPLETE, got %s", sess.Status)
	}
	if sess.FinalSignature == nil {
		t.Fatal("expected coordinator session to have a final signature")
	}

	// Only the coordinator's session transitions to SIGNATURE_COMPLETE
	// (§7: the final verification result is "surfaced to the caller of
	// start_signing_session", not broadcast back out). Each participant's
	// own shadow session stops at AWAITING_PARTIAL_SIGNATURES once it has
	// sent its own partial signature; it never sees the others combined.
	for _, m := range h.members {
		mSess, ok := m.getSession(sess.ID)
		if !ok {
			t.Fatalf("participant never received authorization_request for session %s", sess.ID)
		}
		if mSess.Status == signing.Failed {
			t.Fatalf("participant session unexpectedly FAILED")
		}
	}
}

func TestRequestCohortSignatureFailsBeforeCohortSet(t *testing.T) {
	h := newHarness(t, 2)
	for _, m := range h.members {
		if err := m.SubscribeToCoordinator("coordinator"); err != nil {
			t.Fatalf("SubscribeToCoordinator: %v", err)
		}
	}
	// Both members opt in as soon as the advert arrives, so the cohort asks
	// for one more participant than exist to keep it from finalizing.
	ch, err := h.coordinator.AnnounceNewCohort(3, btcnet.Regtest)
	if err != nil {
		t.Fatalf("AnnounceNewCohort: %v", err)
	}

	ok, err := h.members[0].RequestCohortSignature(ch.ID, "too early")
	if err != nil {
		t.Fatalf("RequestCohortSignature: %v", err)
	}
	if ok {
		t.Fatal("expected RequestCohortSignature to fail before cohort is set")
	}
}

func TestSubscribeToCoordinatorRejectsUntrustedID(t *testing.T) {
	h := newHarness(t, 1)
	if err := h.members[0].SubscribeToCoordinator("someone-else"); err == nil {
		t.Fatal("expected error subscribing to an untrusted coordinator id")
	}
}
