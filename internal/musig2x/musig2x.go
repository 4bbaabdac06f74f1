// Package musig2x adapts github.com/btcsuite/btcd/btcec/v2/schnorr/musig2
// to the n-of-n, coordinator-relayed MuSig2 flow used by this service: a
// cohort's key order is frozen at COHORT_SET time and never re-sorted, and
// the coordinator distributes a single aggregated nonce to every
// participant rather than each participant's individual contribution.
//
// This differs from the library's stateful Context/Session helpers, which
// assume direct peer-to-peer nonce exchange between signers. Instead this
// package drives the lower-level, stateless primitives the Session type is
// itself built on: AggregateKeys, AggregateNonces, Sign and CombineSigs.
package musig2x

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// Errors returned by this package's adapter functions.
var (
	ErrNoSigners        = errors.New("musig2x: at least two signer keys are required")
	ErrWrongNonceCount  = errors.New("musig2x: expected exactly two nonce points")
	ErrNotEnoughSigs    = errors.New("musig2x: not enough partial signatures to finalize")
	ErrKeyAggregation   = errors.New("musig2x: key aggregation failed")
)

// AggregateKey is the n-of-n aggregated public key for a cohort, computed
// over the cohort's frozen participant key order.
type AggregateKey struct {
	inner *musig2.AggregateKey
}

// AggregateKeys computes the MuSig2 aggregated key for a cohort's public
// keys. The keys are combined in the exact order given: unlike the 2-party
// happy path a coordinator-mediated cohort already has one canonical key
// order (the order participants appear in CohortSet), so re-sorting here
// would only make verifying which participant contributed which key
// harder. Every participant and the coordinator must pass the same slice
// order for the resulting key to match.
func AggregateKeys(pubKeys []*btcec.PublicKey) (*AggregateKey, error) {
	if len(pubKeys) < 2 {
		return nil, ErrNoSigners
	}
	agg, _, _, err := musig2.AggregateKeys(pubKeys, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyAggregation, err)
	}
	return &AggregateKey{inner: agg}, nil
}

// FinalKey returns the untweaked aggregated public key.
func (a *AggregateKey) FinalKey() *btcec.PublicKey {
	return a.inner.FinalKey
}

// nOfNMultisigScript builds the Tapscript leaf script for an n-of-n
// multisig over cohortKeys, in the order given: the first key is checked
// with OP_CHECKSIG, every subsequent key accumulates onto the same stack
// slot with OP_CHECKSIGADD, and the final count is compared against n with
// OP_NUMEQUAL. This is the script-path fallback alongside the cohort's
// MuSig2 key-path spend — the same role buidl's TapRootMultiSig plays for
// the original implementation.
func nOfNMultisigScript(cohortKeys []*btcec.PublicKey) ([]byte, error) {
	builder := txscript.NewScriptBuilder()
	for i, k := range cohortKeys {
		builder.AddData(schnorr.SerializePubKey(k))
		if i == 0 {
			builder.AddOp(txscript.OP_CHECKSIG)
		} else {
			builder.AddOp(txscript.OP_CHECKSIGADD)
		}
	}
	builder.AddInt64(int64(len(cohortKeys)))
	builder.AddOp(txscript.OP_NUMEQUAL)
	return builder.Script()
}

// MerkleRootForCohort derives the 32-byte Taproot merkle root used to tweak
// a cohort's aggregated key, from the cohort's own ordered key set (§4.2's
// musig_tree(points[]).hash() contract): an n-of-n multisig Tapscript leaf
// over the cohort keys, tree-hashed the same way the teacher builds its
// refund-leaf script tree. Order-dependent, like key aggregation itself:
// two cohorts with the same keys in different orders tweak to different
// beacon addresses.
func MerkleRootForCohort(cohortKeys []*btcec.PublicKey) ([]byte, error) {
	script, err := nOfNMultisigScript(cohortKeys)
	if err != nil {
		return nil, fmt.Errorf("musig2x: building cohort multisig script: %w", err)
	}
	leaf := txscript.NewBaseTapLeaf(script)
	tree := txscript.AssembleTaprootScriptTree(leaf)
	root := tree.RootNode.TapHash()
	return root[:], nil
}

// TapTweak applies the BIP-341 tweak for a cohort's Taproot output key:
// internal key plus the cohort's merkle root.
func TapTweak(aggKey *btcec.PublicKey, merkleRoot []byte) *btcec.PublicKey {
	return txscript.ComputeTaprootOutputKey(aggKey, merkleRoot)
}

// P2TRAddress encodes a tweaked output key as a bech32m P2TR address for
// the given chain.
func P2TRAddress(tweakedKey *btcec.PublicKey, params *chaincfg.Params) (btcutil.Address, error) {
	addr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(tweakedKey), params)
	if err != nil {
		return nil, fmt.Errorf("musig2x: encoding taproot address: %w", err)
	}
	return addr, nil
}

// Nonces is a participant's freshly generated MuSig2 nonce pair, kept in
// memory only long enough to sign once. It must never be reused: signing
// twice with the same nonce leaks the signer's private key.
type Nonces struct {
	inner *musig2.Nonces
}

// GenerateNonces produces a fresh public/secret nonce pair for pubKey.
func GenerateNonces(pubKey *btcec.PublicKey) (*Nonces, error) {
	nonces, err := musig2.GenNonces(musig2.WithPublicKey(pubKey))
	if err != nil {
		return nil, fmt.Errorf("musig2x: generating nonces: %w", err)
	}
	return &Nonces{inner: nonces}, nil
}

// PubNonce returns the 66-byte public nonce to publish as a
// NonceContribution.
func (n *Nonces) PubNonce() [musig2.PubNonceSize]byte {
	return n.inner.PubNonce
}

// EncodePubNonce hex-encodes the nonce's two curve points, matching the
// wire format of message.NonceContribution.NonceContribution.
func EncodePubNonce(pub [musig2.PubNonceSize]byte) []string {
	return []string{
		hex.EncodeToString(pub[:33]),
		hex.EncodeToString(pub[33:]),
	}
}

// DecodePubNonce parses the two-point hex form back into a public nonce.
func DecodePubNonce(points []string) ([musig2.PubNonceSize]byte, error) {
	var out [musig2.PubNonceSize]byte
	if len(points) != 2 {
		return out, ErrWrongNonceCount
	}
	for i, point := range points {
		b, err := hex.DecodeString(point)
		if err != nil {
			return out, fmt.Errorf("musig2x: decoding nonce point %d: %w", i, err)
		}
		if len(b) != 33 {
			return out, fmt.Errorf("musig2x: nonce point %d must be 33 bytes, got %d", i, len(b))
		}
		copy(out[i*33:(i+1)*33], b)
	}
	return out, nil
}

// AggregateNonces sums a set of public nonce contributions into the
// combined nonce every participant signs against. Order does not affect
// the result: BIP-327 nonce aggregation is commutative per-coordinate
// point addition.
func AggregateNonces(pubNonces [][musig2.PubNonceSize]byte) ([musig2.PubNonceSize]byte, error) {
	if len(pubNonces) == 0 {
		return [musig2.PubNonceSize]byte{}, ErrNoSigners
	}
	combined, err := musig2.AggregateNonces(pubNonces)
	if err != nil {
		return [musig2.PubNonceSize]byte{}, fmt.Errorf("musig2x: aggregating nonces: %w", err)
	}
	return combined, nil
}

// PartialSignature is one participant's partial Schnorr signature over a
// session's aggregated nonce.
type PartialSignature struct {
	inner *musig2.PartialSignature
}

// Sign produces a partial signature using the signer's secret nonce, its
// private key, the cohort's aggregated key and the session's combined
// nonce. The keys slice must be the same order used for AggregateKeys;
// mismatched order yields a partial signature that won't combine into a
// valid final signature without ever producing a decode error, so callers
// must keep cohort key order authoritative end to end (see
// internal/cohort).
func Sign(localNonces *Nonces, privKey *btcec.PrivateKey, combinedNonce [musig2.PubNonceSize]byte, signers []*btcec.PublicKey, msg [32]byte, merkleRoot []byte) (*PartialSignature, error) {
	if len(signers) < 2 {
		return nil, ErrNoSigners
	}
	sig, err := musig2.Sign(
		localNonces.inner.SecNonce, privKey, combinedNonce, signers, msg,
		musig2.WithTaprootSignTweak(merkleRoot),
	)
	if err != nil {
		return nil, fmt.Errorf("musig2x: signing: %w", err)
	}
	return &PartialSignature{inner: sig}, nil
}

// EncodePartialSignature hex-encodes a partial signature's scalar as the
// 32-byte lowercase hex carried by message.SignatureAuthorization.
func EncodePartialSignature(sig *PartialSignature) string {
	s := sig.inner.S.Bytes()
	return hex.EncodeToString(s[:])
}

// DecodePartialSignature parses a 32-byte-hex partial signature scalar back
// into the form CombinePartialSigs expects.
func DecodePartialSignature(hexStr string) (*PartialSignature, error) {
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, fmt.Errorf("musig2x: decoding partial signature: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("musig2x: partial signature must be 32 bytes, got %d", len(b))
	}
	var s btcec.ModNScalar
	s.SetByteSlice(b)
	return &PartialSignature{inner: &musig2.PartialSignature{S: &s}}, nil
}

// CombinePartialSigs sums every participant's partial signature into the
// final Schnorr signature over the cohort's aggregated, tweaked key.
func CombinePartialSigs(combinedNonce [musig2.PubNonceSize]byte, signers []*btcec.PublicKey, msg [32]byte, merkleRoot []byte, partials []*PartialSignature) (*schnorr.Signature, error) {
	if len(partials) == 0 {
		return nil, ErrNotEnoughSigs
	}
	inner := make([]*musig2.PartialSignature, len(partials))
	for i, p := range partials {
		inner[i] = p.inner
	}
	sig, err := musig2.CombineSigs(
		nil, inner,
		musig2.WithTaprootTweakedCombine(msg, signers, merkleRoot, false),
		musig2.WithCombinerPubNonce(combinedNonce),
	)
	if err != nil {
		return nil, fmt.Errorf("musig2x: combining partial signatures: %w", err)
	}
	return sig, nil
}

// Verify checks a final signature against the cohort's tweaked key.
func Verify(sig *schnorr.Signature, msg [32]byte, tweakedKey *btcec.PublicKey) bool {
	return sig.Verify(msg[:], tweakedKey)
}
