package signing

import (
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"

	"github.com/btc1-tools/musig2-beacon/internal/musig2x"
)

type signer struct {
	did  string
	priv *btcec.PrivateKey
}

func newSigners(t *testing.T, n int) []signer {
	t.Helper()
	signers := make([]signer, n)
	names := []string{"alice", "bob", "carol", "dave"}
	for i := range signers {
		priv, err := btcec.NewPrivateKey()
		if err != nil {
			t.Fatalf("generating key: %v", err)
		}
		signers[i] = signer{did: names[i], priv: priv}
	}
	return signers
}

func pubKeys(signers []signer) []*btcec.PublicKey {
	keys := make([]*btcec.PublicKey, len(signers))
	for i, s := range signers {
		keys[i] = s.priv.PubKey()
	}
	return keys
}

func names(signers []signer) []string {
	out := make([]string, len(signers))
	for i, s := range signers {
		out[i] = s.did
	}
	return out
}

// runFullSession drives one coordinator-side session and one
// participant-side shadow per signer through both rounds and returns the
// coordinator session after completion.
func runFullSession(t *testing.T, n int) (*Session, []signer, *btcec.PublicKey) {
	t.Helper()
	signers := newSigners(t, n)
	keys := pubKeys(signers)

	agg, err := musig2x.AggregateKeys(keys)
	if err != nil {
		t.Fatalf("AggregateKeys: %v", err)
	}
	merkleRoot, err := musig2x.MerkleRootForCohort(keys)
	if err != nil {
		t.Fatalf("MerkleRootForCohort: %v", err)
	}
	tweaked := musig2x.TapTweak(agg.FinalKey(), merkleRoot)

	var sigHash [32]byte
	sigHash[0] = 0xAB

	pendingTx := wire.NewMsgTx(wire.TxVersion)
	pendingTx.AddTxIn(wire.NewTxIn(&wire.OutPoint{}, nil, nil))
	coordSession := New("cohort-1", names(signers), keys, merkleRoot, pendingTx, sigHash, nil)

	shadows := make([]*Session, n)
	for i, s := range signers {
		shadows[i] = NewFromAuthorizationRequest(coordSession.ID, coordSession.CohortID, names(signers), keys, merkleRoot, coordSession.PendingTx, sigHash)
		_ = s
	}

	// Round 1: each participant generates a local nonce and reports it to
	// the coordinator.
	for i, shadow := range shadows {
		points, err := shadow.GenerateLocalNonce(signers[i].priv.PubKey())
		if err != nil {
			t.Fatalf("GenerateLocalNonce: %v", err)
		}
		aggregated, err := coordSession.AddNonceContribution(signers[i].did, points)
		if err != nil {
			t.Fatalf("AddNonceContribution(%s): %v", signers[i].did, err)
		}
		if i < n-1 && aggregated {
			t.Fatalf("aggregated early after %d of %d contributions", i+1, n)
		}
		if i == n-1 && !aggregated {
			t.Fatal("expected aggregation to complete on final contribution")
		}
	}

	aggregatedPoints := musig2x.EncodePubNonce(coordSession.AggregatedNonce)
	for _, shadow := range shadows {
		if err := shadow.SetAggregatedNonce(aggregatedPoints); err != nil {
			t.Fatalf("SetAggregatedNonce: %v", err)
		}
	}

	// Round 2: each participant computes its partial signature and reports
	// it to the coordinator.
	for i, shadow := range shadows {
		partial, err := shadow.ComputePartialSignature(signers[i].priv)
		if err != nil {
			t.Fatalf("ComputePartialSignature: %v", err)
		}
		complete, err := coordSession.AddPartialSignature(signers[i].did, partial, tweaked)
		if err != nil {
			t.Fatalf("AddPartialSignature(%s): %v", signers[i].did, err)
		}
		if i < n-1 && complete {
			t.Fatalf("completed early after %d of %d partial sigs", i+1, n)
		}
		if i == n-1 && !complete {
			t.Fatal("expected session to complete on final partial signature")
		}
	}

	return coordSession, signers, tweaked
}

func TestFullSessionProducesVerifiedSignature(t *testing.T) {
	coordSession, _, _ := runFullSession(t, 3)
	if coordSession.Status != SignatureComplete {
		t.Fatalf("expected SIGNATURE_COMPLETE, got %s", coordSession.Status)
	}
	if coordSession.FinalSignature == nil {
		t.Fatal("expected a final signature")
	}
	if len(coordSession.PendingTx.TxIn[0].Witness) != 1 {
		t.Fatal("expected the pending tx witness to be finalized")
	}
}

func TestAddNonceContributionRejectsNonParticipant(t *testing.T) {
	signers := newSigners(t, 2)
	keys := pubKeys(signers)
	s := New("cohort-1", names(signers), keys, nil, wire.NewMsgTx(wire.TxVersion), [32]byte{}, nil)

	points, err := s.GenerateLocalNonce(keys[0])
	if err != nil {
		t.Fatalf("GenerateLocalNonce: %v", err)
	}
	if _, err := s.AddNonceContribution("mallory", points); err == nil {
		t.Fatal("expected rejection of a non-participant sender")
	}
}

func TestAddNonceContributionRejectsDuplicate(t *testing.T) {
	signers := newSigners(t, 2)
	keys := pubKeys(signers)
	s := New("cohort-1", names(signers), keys, nil, wire.NewMsgTx(wire.TxVersion), [32]byte{}, nil)

	points, err := s.GenerateLocalNonce(keys[0])
	if err != nil {
		t.Fatalf("GenerateLocalNonce: %v", err)
	}
	if _, err := s.AddNonceContribution(signers[0].did, points); err != nil {
		t.Fatalf("first AddNonceContribution: %v", err)
	}
	if _, err := s.AddNonceContribution(signers[0].did, points); err == nil {
		t.Fatal("expected rejection of a duplicate contribution")
	}
	if s.Status == Failed {
		t.Fatal("a duplicate contribution must not fail the session")
	}
}

func TestAddNonceContributionRejectsWrongState(t *testing.T) {
	coordSession, signers, _ := runFullSession(t, 2)
	points, err := coordSession.GenerateLocalNonce(signers[0].priv.PubKey())
	if err != nil {
		t.Fatalf("GenerateLocalNonce: %v", err)
	}
	if _, err := coordSession.AddNonceContribution(signers[0].did, points); err == nil {
		t.Fatal("expected rejection of a late nonce contribution after session completed")
	}
}

func TestAddPartialSignatureRejectsDuplicate(t *testing.T) {
	signers := newSigners(t, 2)
	keys := pubKeys(signers)
	merkleRoot, err := musig2x.MerkleRootForCohort(keys)
	if err != nil {
		t.Fatalf("MerkleRootForCohort: %v", err)
	}
	s := New("cohort-1", names(signers), keys, merkleRoot, wire.NewMsgTx(wire.TxVersion), [32]byte{0x01}, nil)
	shadow := NewFromAuthorizationRequest(s.ID, s.CohortID, names(signers), keys, merkleRoot, s.PendingTx, [32]byte{0x01})

	points, err := shadow.GenerateLocalNonce(keys[0])
	if err != nil {
		t.Fatalf("GenerateLocalNonce: %v", err)
	}
	if _, err := s.AddNonceContribution(signers[0].did, points); err != nil {
		t.Fatalf("AddNonceContribution: %v", err)
	}

	points2, err := NewFromAuthorizationRequest(s.ID, s.CohortID, names(signers), keys, merkleRoot, s.PendingTx, [32]byte{0x01}).GenerateLocalNonce(keys[1])
	if err != nil {
		t.Fatalf("GenerateLocalNonce: %v", err)
	}
	if _, err := s.AddNonceContribution(signers[1].did, points2); err != nil {
		t.Fatalf("AddNonceContribution: %v", err)
	}
	if s.Status != AwaitingPartialSignatures {
		t.Fatalf("expected AWAITING_PARTIAL_SIGNATURES, got %s", s.Status)
	}

	if err := shadow.SetAggregatedNonce(musig2x.EncodePubNonce(s.AggregatedNonce)); err != nil {
		t.Fatalf("SetAggregatedNonce: %v", err)
	}
	partial, err := shadow.ComputePartialSignature(signers[0].priv)
	if err != nil {
		t.Fatalf("ComputePartialSignature: %v", err)
	}

	tweaked := musig2x.TapTweak((mustAggregate(t, keys)).FinalKey(), merkleRoot)
	if _, err := s.AddPartialSignature(signers[0].did, partial, tweaked); err != nil {
		t.Fatalf("first AddPartialSignature: %v", err)
	}
	if _, err := s.AddPartialSignature(signers[0].did, partial, tweaked); err == nil {
		t.Fatal("expected rejection of a duplicate partial signature")
	}
	if s.Status == Failed {
		t.Fatal("a duplicate partial signature must not fail the session")
	}
}

func mustAggregate(t *testing.T, keys []*btcec.PublicKey) *musig2x.AggregateKey {
	t.Helper()
	agg, err := musig2x.AggregateKeys(keys)
	if err != nil {
		t.Fatalf("AggregateKeys: %v", err)
	}
	return agg
}

// TestAddPartialSignatureFailsOnForgedContribution drives a session where
// every participant but the last submits a genuine partial signature and
// the last submits a forged one (a well-formed 32-byte scalar that was
// never produced by ComputePartialSignature). DecodePartialSignature
// performs no cryptographic check of the scalar, so the forgery is only
// caught when the combined signature fails its final BIP-340 verification
// against the tweaked aggregate key (spec.md:131, §7/§8 Scenario F).
func TestAddPartialSignatureFailsOnForgedContribution(t *testing.T) {
	signers := newSigners(t, 3)
	keys := pubKeys(signers)
	merkleRoot, err := musig2x.MerkleRootForCohort(keys)
	if err != nil {
		t.Fatalf("MerkleRootForCohort: %v", err)
	}

	var sigHash [32]byte
	sigHash[0] = 0xCD

	coordSession := New("cohort-1", names(signers), keys, merkleRoot, wire.NewMsgTx(wire.TxVersion), sigHash, nil)
	shadows := make([]*Session, len(signers))
	for i := range signers {
		shadows[i] = NewFromAuthorizationRequest(coordSession.ID, coordSession.CohortID, names(signers), keys, merkleRoot, coordSession.PendingTx, sigHash)
	}

	for i, shadow := range shadows {
		points, err := shadow.GenerateLocalNonce(signers[i].priv.PubKey())
		if err != nil {
			t.Fatalf("GenerateLocalNonce: %v", err)
		}
		if _, err := coordSession.AddNonceContribution(signers[i].did, points); err != nil {
			t.Fatalf("AddNonceContribution(%s): %v", signers[i].did, err)
		}
	}

	aggregatedPoints := musig2x.EncodePubNonce(coordSession.AggregatedNonce)
	for _, shadow := range shadows {
		if err := shadow.SetAggregatedNonce(aggregatedPoints); err != nil {
			t.Fatalf("SetAggregatedNonce: %v", err)
		}
	}

	agg, err := musig2x.AggregateKeys(keys)
	if err != nil {
		t.Fatalf("AggregateKeys: %v", err)
	}
	tweaked := musig2x.TapTweak(agg.FinalKey(), merkleRoot)

	// All but the last participant contribute a genuine partial signature.
	for i := 0; i < len(signers)-1; i++ {
		partial, err := shadows[i].ComputePartialSignature(signers[i].priv)
		if err != nil {
			t.Fatalf("ComputePartialSignature(%s): %v", signers[i].did, err)
		}
		if _, err := coordSession.AddPartialSignature(signers[i].did, partial, tweaked); err != nil {
			t.Fatalf("AddPartialSignature(%s): %v", signers[i].did, err)
		}
	}

	// The final participant submits a forged scalar instead of the real
	// output of ComputePartialSignature.
	forged := "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"
	last := len(signers) - 1
	complete, err := coordSession.AddPartialSignature(signers[last].did, forged, tweaked)
	if complete {
		t.Fatal("expected a forged partial signature not to complete the session")
	}
	if !errors.Is(err, ErrVerification) {
		t.Fatalf("expected ErrVerification, got %v", err)
	}
	if coordSession.Status != Failed {
		t.Fatalf("expected FAILED, got %s", coordSession.Status)
	}
	if coordSession.FinalSignature != nil {
		t.Fatal("expected no final signature after a failed verification")
	}
}

func TestComputePartialSignatureRequiresLocalNonce(t *testing.T) {
	signers := newSigners(t, 2)
	keys := pubKeys(signers)
	shadow := NewFromAuthorizationRequest("sess-1", "cohort-1", names(signers), keys, nil, wire.NewMsgTx(wire.TxVersion), [32]byte{})
	if _, err := shadow.ComputePartialSignature(signers[0].priv); err == nil {
		t.Fatal("expected error computing a partial signature with no local nonce")
	}
}
