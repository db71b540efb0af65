package settlement

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/execution-hub/paid-dispatch/internal/config"
	"github.com/execution-hub/paid-dispatch/internal/domain/fault"
	"github.com/execution-hub/paid-dispatch/internal/domain/payment"
	"github.com/execution-hub/paid-dispatch/internal/infrastructure/keystore"
	"github.com/execution-hub/paid-dispatch/internal/infrastructure/ledger"
)

// New builds the settler selected by cfg.Payment.Backend. On error the
// returned Settler is nil.
func New(cfg *config.Config, signer *keystore.Signer, logger zerolog.Logger) (payment.Settler, error) {
	switch cfg.Payment.Backend {
	case config.BackendGateway:
		s, err := NewGatewaySettler(cfg.Gateway.URL, cfg.Gateway.Timeout, signer, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.BackendLedger:
		if cfg.Ledger.RPCURL == "" {
			return nil, fault.Wrap(fault.KindConfiguration, "settlement.new", ledger.ErrEndpointRequired)
		}
		client := ledger.NewRPCClient(cfg.Ledger.RPCURL, cfg.Ledger.RPCTimeout)
		s, err := NewLedgerSettler(client, cfg.Ledger, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fault.New(fault.KindConfiguration, "settlement.new",
			fmt.Sprintf("unknown payment backend %q", cfg.Payment.Backend))
	}
}
