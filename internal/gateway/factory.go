package gateway

import (
	"fmt"

	"strategy-engine/internal/credentials"
	exspot "strategy-engine/pkg/exchanges/binance/spot"
	exchange "strategy-engine/pkg/exchanges/common"
	"strategy-engine/pkg/exchanges/paper"
)

// Factory creates a Gateway for resolved credentials.
type Factory func(creds credentials.Credentials) (exchange.Gateway, error)

// FactoryConfig carries venue settings shared by all gateways.
type FactoryConfig struct {
	Testnet    bool    // force testnet for every live credential
	RatePerSec float64 // signed-request throttle per credential
	Paper      paper.Config
}

// NewFactory returns a Factory for the supported venues.
func NewFactory(cfg FactoryConfig) Factory {
	return func(creds credentials.Credentials) (exchange.Gateway, error) {
		switch creds.Exchange {
		case "binance_spot", "binance-spot", "":
			return exspot.New(exspot.Config{
				APIKey:     creds.APIKey,
				APISecret:  creds.APISecret,
				Testnet:    cfg.Testnet || creds.Testnet,
				RatePerSec: cfg.RatePerSec,
			}), nil
		case credentials.PaperRef:
			return paper.New(cfg.Paper), nil
		default:
			return nil, fmt.Errorf("unsupported exchange type: %s", creds.Exchange)
		}
	}
}
