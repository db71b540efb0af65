package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/execution-hub/paid-dispatch/internal/config"
	"github.com/execution-hub/paid-dispatch/internal/domain/fault"
	"github.com/execution-hub/paid-dispatch/internal/domain/payment"
	"github.com/execution-hub/paid-dispatch/internal/infrastructure/ledger"
)

// ProviderLedger tags settlements submitted directly to the ledger.
const ProviderLedger = "ledger"

// LedgerSettler pays invoices with an on-chain transfer from a funded key.
type LedgerSettler struct {
	client ledger.Client
	payer  *ledger.Keypair
	cfg    config.LedgerConfig
	logger zerolog.Logger
}

// NewLedgerSettler validates the ledger configuration. Only the native asset
// is supported.
func NewLedgerSettler(client ledger.Client, cfg config.LedgerConfig, logger zerolog.Logger) (*LedgerSettler, error) {
	const op = "settlement.ledger"
	if client == nil {
		return nil, fault.Wrap(fault.KindConfiguration, op, ledger.ErrEndpointRequired)
	}
	if !strings.EqualFold(cfg.Asset, ledger.NativeAsset) {
		return nil, fault.Wrap(fault.KindConfiguration, op, fmt.Errorf("%w: %q", payment.ErrUnsupportedAsset, cfg.Asset))
	}
	payer, err := ledger.ParseKeypair(cfg.SecretKey)
	if err != nil {
		return nil, fault.Wrap(fault.KindConfiguration, op, err)
	}
	if cfg.Commitment == "" {
		cfg.Commitment = ledger.CommitmentConfirmed
	}
	return &LedgerSettler{
		client: client,
		payer:  payer,
		cfg:    cfg,
		logger: logger.With().Str("service", "ledger-settler").Str("payer", payer.PublicKey().String()).Logger(),
	}, nil
}

func (l *LedgerSettler) Provider() string { return ProviderLedger }

// Payer returns the funded account address.
func (l *LedgerSettler) Payer() string { return l.payer.PublicKey().String() }

func (l *LedgerSettler) Settle(ctx context.Context, inv *payment.Invoice) (*payment.Settlement, error) {
	const op = "settlement.ledger"
	if !strings.EqualFold(inv.Asset, ledger.NativeAsset) {
		return nil, fault.Wrap(fault.KindSettlement, op, fmt.Errorf("%w: %q", payment.ErrUnsupportedAsset, inv.Asset))
	}
	to, err := ledger.ParsePublicKey(inv.Receiver)
	if err != nil {
		return nil, fault.Wrap(fault.KindSettlement, op, fmt.Errorf("%w: %v", payment.ErrInvalidReceiver, err))
	}
	lamports, err := ledger.ToLamports(inv.Amount)
	if err != nil || lamports == 0 {
		return nil, fault.Wrap(fault.KindSettlement, op, fmt.Errorf("%w: %v SOL", payment.ErrNonPositiveAmount, inv.Amount))
	}

	blockhash, err := l.client.LatestBlockhash(ctx, l.cfg.Commitment)
	if err != nil {
		return nil, fault.Wrap(fault.KindSettlement, op, fmt.Errorf("failed to fetch blockhash: %w", err))
	}
	tx, err := ledger.BuildTransfer(l.payer, to, lamports, blockhash)
	if err != nil {
		if errors.Is(err, ledger.ErrSelfTransfer) {
			err = fmt.Errorf("%w: %v", payment.ErrInvalidReceiver, err)
		}
		return nil, fault.Wrap(fault.KindSettlement, op, err)
	}

	sig, err := l.client.SendTransaction(ctx, tx.Raw)
	if err != nil {
		return nil, fault.Wrap(fault.KindSettlement, op, fmt.Errorf("failed to submit transfer: %w", err))
	}
	if sig == "" {
		sig = tx.Signature
	}
	log := l.logger.With().Str("signature", sig).Str("reference", inv.Reference).Logger()
	log.Info().Uint64("lamports", lamports).Str("receiver", inv.Receiver).Msg("transfer submitted")

	status, err := ledger.AwaitCommitment(ctx, l.client, sig, l.cfg.Commitment, l.cfg.PollInterval, l.cfg.ConfirmTimeout)
	if err != nil {
		return nil, fault.Wrap(fault.KindSettlement, op, err)
	}
	if l.cfg.MinConfirmations > 0 {
		status, err = ledger.AwaitConfirmations(ctx, l.client, sig, uint64(l.cfg.MinConfirmations), l.cfg.PollInterval, l.cfg.ConfirmTimeout)
		if err != nil {
			return nil, fault.Wrap(fault.KindSettlement, op, err)
		}
	}
	log.Info().Str("commitment", status.ConfirmationStatus).Uint64("slot", status.Slot).Msg("transfer confirmed")

	return &payment.Settlement{
		Provider:    ProviderLedger,
		Reference:   sig,
		Signature:   sig,
		Receiver:    inv.Receiver,
		Amount:      ledger.FromLamports(lamports),
		Asset:       ledger.NativeAsset,
		CompletedAt: time.Now().UTC(),
		Extra: map[string]any{
			"lamports":         lamports,
			"slot":             status.Slot,
			"commitment":       status.ConfirmationStatus,
			"payer":            l.payer.PublicKey().String(),
			"invoiceReference": inv.Reference,
		},
	}, nil
}
