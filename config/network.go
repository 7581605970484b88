package config

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
)

var networks = map[string]*chaincfg.Params{
	"":         &chaincfg.MainNetParams,
	"mainnet":  &chaincfg.MainNetParams,
	"testnet":  &chaincfg.TestNet3Params,
	"testnet3": &chaincfg.TestNet3Params,
	"regtest":  &chaincfg.RegressionNetParams,
	"signet":   &chaincfg.SigNetParams,
}

// ChainParams maps Network to the parameters used to decode addresses.
func (c Config) ChainParams() (*chaincfg.Params, error) {
	params, ok := networks[c.Network]
	if !ok {
		return nil, fmt.Errorf("unknown network %q", c.Network)
	}
	return params, nil
}
