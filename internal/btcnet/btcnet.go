// Package btcnet maps the beacon signing service's network names to the
// Bitcoin chain parameters needed for Taproot address encoding.
package btcnet

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
)

// Network identifies one of the four Bitcoin networks a cohort can target.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Signet  Network = "signet"
	Regtest Network = "regtest"
)

// Params holds everything needed to encode a beacon address on a given
// network.
type Params struct {
	Network     Network
	Bech32HRP   string
	ChainParams *chaincfg.Params
}

var registry = map[Network]*Params{
	Mainnet: {Network: Mainnet, Bech32HRP: chaincfg.MainNetParams.Bech32HRPSegwit, ChainParams: &chaincfg.MainNetParams},
	Testnet: {Network: Testnet, Bech32HRP: chaincfg.TestNet3Params.Bech32HRPSegwit, ChainParams: &chaincfg.TestNet3Params},
	Signet:  {Network: Signet, Bech32HRP: chaincfg.SigNetParams.Bech32HRPSegwit, ChainParams: &chaincfg.SigNetParams},
	Regtest: {Network: Regtest, Bech32HRP: chaincfg.RegressionNetParams.Bech32HRPSegwit, ChainParams: &chaincfg.RegressionNetParams},
}

// Get returns the chain parameters for a network name, or false if the
// network is not one of the four supported by this service.
func Get(network Network) (*Params, bool) {
	p, ok := registry[network]
	return p, ok
}

// Valid reports whether network is one of {mainnet, testnet, signet, regtest}.
func Valid(network Network) bool {
	_, ok := registry[network]
	return ok
}

// MustGet is like Get but panics on an unknown network; reserved for code
// paths that have already validated the network (e.g. decoding a Cohort
// whose btc_network was checked at creation time).
func MustGet(network Network) *Params {
	p, ok := Get(network)
	if !ok {
		panic(fmt.Sprintf("btcnet: unknown network %q", network))
	}
	return p
}
