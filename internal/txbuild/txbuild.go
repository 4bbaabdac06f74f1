// Package txbuild constructs the beacon-signal transaction a cohort signs
// over and finalizes its key-path witness once a session completes (§4.4,
// §6). It is the one place the core touches the Bitcoin wire format; key
// aggregation and nonce math stay in internal/musig2x.
package txbuild

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// BeaconInputIndex is the fixed input a cohort's signature binds to (§4.4).
const BeaconInputIndex = 0

// Errors returned while building or finalizing a beacon-signal transaction.
var (
	ErrNoFundingOutpoint = errors.New("txbuild: funding prev_tx/prev_index is required")
	ErrBadSMTRoot        = errors.New("txbuild: smt root must be 32 bytes")
)

// DeriveSMTRoot computes the 32-byte value carried in the beacon-signal
// transaction's OP_RETURN output from the set of pending signature
// requests. The derivation from request payloads is an open question
// (§9.1); the default implementation fills 32 random bytes, matching the
// observed reference behavior, and callers may substitute a real
// derivation once one is specified.
type DeriveSMTRoot func(requests map[string][]byte) ([32]byte, error)

// RandomSMTRoot is the default DeriveSMTRoot: 32 cryptographically random
// bytes, independent of the request contents.
func RandomSMTRoot(_ map[string][]byte) ([32]byte, error) {
	var root [32]byte
	if _, err := rand.Read(root[:]); err != nil {
		return root, fmt.Errorf("txbuild: generating smt root: %w", err)
	}
	return root, nil
}

// FundingOutpoint identifies the UTXO the beacon-signal transaction spends
// from. Integration with a real wallet/UTXO layer is out of scope (§1,
// §9.2); callers supply this explicitly.
type FundingOutpoint struct {
	PrevTxID string
	PrevVout uint32
	Amount   int64 // satoshis held by the previous output
}

// BuildParams holds everything needed to build a beacon-signal transaction.
type BuildParams struct {
	Funding       FundingOutpoint
	BeaconAddress btcutil.Address
	RefundAmount  int64 // satoshis sent back to the beacon address
	SMTRoot       [32]byte
}

// Build constructs the v1, segwit-enabled beacon-signal transaction: one
// funding input, a refund output back to the beacon address, and an
// OP_RETURN output carrying the 32-byte SMT root, in that order (§4.4).
func Build(params BuildParams) (*wire.MsgTx, error) {
	if params.Funding.PrevTxID == "" {
		return nil, ErrNoFundingOutpoint
	}

	tx := wire.NewMsgTx(wire.TxVersion)

	prevHash, err := chainhash.NewHashFromStr(params.Funding.PrevTxID)
	if err != nil {
		return nil, fmt.Errorf("txbuild: invalid funding prev_tx: %w", err)
	}
	outpoint := wire.NewOutPoint(prevHash, params.Funding.PrevVout)
	tx.AddTxIn(wire.NewTxIn(outpoint, nil, nil))

	refundScript, err := txscript.PayToAddrScript(params.BeaconAddress)
	if err != nil {
		return nil, fmt.Errorf("txbuild: beacon address script: %w", err)
	}
	tx.AddTxOut(wire.NewTxOut(params.RefundAmount, refundScript))

	opReturnScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_RETURN).
		AddData(params.SMTRoot[:]).
		Script()
	if err != nil {
		return nil, fmt.Errorf("txbuild: building op_return script: %w", err)
	}
	tx.AddTxOut(wire.NewTxOut(0, opReturnScript))

	return tx, nil
}

// SigHash computes the BIP-341 key-path SigHashDefault sighash for the
// beacon-signal transaction's funding input. Both coordinator and every
// participant must compute this over the same unmutated pending_tx for
// their partial signatures to combine (§4.4).
func SigHash(tx *wire.MsgTx, prevOutScript []byte, fundingAmount int64) (*chainhash.Hash, error) {
	prevOutFetcher := txscript.NewCannedPrevOutputFetcher(prevOutScript, fundingAmount)
	sigHashes := txscript.NewTxSigHashes(tx, prevOutFetcher)
	sigHash, err := txscript.CalcTaprootSignatureHash(
		sigHashes, txscript.SigHashDefault, tx, BeaconInputIndex, prevOutFetcher,
	)
	if err != nil {
		return nil, fmt.Errorf("txbuild: computing sighash: %w", err)
	}
	return chainhash.NewHash(sigHash)
}

// FinalizeWitness attaches the cohort's final 64-byte Schnorr signature to
// the beacon-signal transaction's key-path input.
func FinalizeWitness(tx *wire.MsgTx, sig *schnorr.Signature) {
	tx.TxIn[BeaconInputIndex].Witness = wire.TxWitness{sig.Serialize()}
}

// Serialize hex-encodes a transaction's full wire serialization, including
// the segwit marker, for the wire envelope's pending_tx field (§6).
func Serialize(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("txbuild: serializing transaction: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// Deserialize parses a transaction from its hex wire serialization.
func Deserialize(hexStr string) (*wire.MsgTx, error) {
	data, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, fmt.Errorf("txbuild: invalid hex: %w", err)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("txbuild: deserializing transaction: %w", err)
	}
	return tx, nil
}
