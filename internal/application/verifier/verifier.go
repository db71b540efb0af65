package verifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/execution-hub/paid-dispatch/internal/domain/fault"
	"github.com/execution-hub/paid-dispatch/internal/infrastructure/ledger"
)

const (
	DefaultAttempts   = 5
	DefaultRetryDelay = 2 * time.Second

	// ToleranceLamports absorbs fee and rent accounting on the receiver.
	ToleranceLamports = 10_000
)

// Verdict is the outcome of verifying one client payment.
type Verdict struct {
	Valid     bool    `json:"valid"`
	Reason    string  `json:"reason"`
	Signature string  `json:"signature,omitempty"`
	Slot      uint64  `json:"slot,omitempty"`
	Received  float64 `json:"received,omitempty"`
}

func reject(signature, format string, args ...any) Verdict {
	return Verdict{Signature: signature, Reason: fmt.Sprintf(format, args...)}
}

// Verifier checks client-submitted on-chain payments against ledger state.
type Verifier struct {
	client     ledger.Client
	commitment string
	attempts   int
	delay      time.Duration
	wait       func(ctx context.Context, d time.Duration) error
	logger     zerolog.Logger
}

type Option func(*Verifier)

// WithRetry overrides how often a not-yet-indexed transaction is looked up.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(v *Verifier) {
		if attempts > 0 {
			v.attempts = attempts
		}
		if delay >= 0 {
			v.delay = delay
		}
	}
}

// WithCommitment sets the commitment level used for lookups.
func WithCommitment(commitment string) Option {
	return func(v *Verifier) {
		if commitment != "" {
			v.commitment = commitment
		}
	}
}

// New creates a verifier. A nil client is accepted; Verify then reports a
// configuration error.
func New(client ledger.Client, logger zerolog.Logger, opts ...Option) *Verifier {
	v := &Verifier{
		client:     client,
		commitment: ledger.CommitmentConfirmed,
		attempts:   DefaultAttempts,
		delay:      DefaultRetryDelay,
		wait:       sleepContext,
		logger:     logger.With().Str("service", "payment-verifier").Logger(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks that signature moved amount SOL to receiver. Ordinary
// verification failures are reported in the verdict; an error is returned
// only when the verifier is not configured or ctx ends.
func (v *Verifier) Verify(ctx context.Context, signature, receiver string, amount float64) (Verdict, error) {
	const op = "verifier.verify"
	if v == nil || v.client == nil {
		return Verdict{}, fault.Wrap(fault.KindConfiguration, op, ledger.ErrEndpointRequired)
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return reject(signature, "transaction signature is required"), nil
	}
	if _, err := ledger.ParsePublicKey(receiver); err != nil {
		return reject(signature, "invalid receiver account %q", receiver), nil
	}
	expected, err := ledger.ToLamports(amount)
	if err != nil {
		return reject(signature, "invalid expected amount %v", amount), nil
	}

	log := v.logger.With().Str("signature", signature).Str("receiver", receiver).Logger()
	tx, err := v.lookup(ctx, signature, log)
	if err != nil {
		return Verdict{}, fault.Wrap(fault.KindTransport, op, err)
	}
	if tx == nil {
		return reject(signature, "transaction not found after %d attempts", v.attempts), nil
	}
	if tx.Meta == nil {
		return reject(signature, "transaction metadata unavailable"), nil
	}
	if tx.Meta.Failed() {
		return reject(signature, "transaction failed on-chain: %s", string(tx.Meta.Err)), nil
	}

	delta, ok := tx.BalanceDelta(receiver)
	if !ok {
		return reject(signature, "receiver %s is not part of the transaction", receiver), nil
	}
	diff := delta - int64(expected)
	if diff < 0 {
		diff = -diff
	}
	if diff > ToleranceLamports {
		return reject(signature, "receiver balance changed by %d lamports, expected %d", delta, expected), nil
	}

	log.Info().Int64("delta", delta).Uint64("expected", expected).Uint64("slot", tx.Slot).Msg("client payment verified")
	return Verdict{
		Valid:     true,
		Reason:    "payment verified",
		Signature: signature,
		Slot:      tx.Slot,
		Received:  ledger.FromLamports(uint64(max(delta, 0))),
	}, nil
}

// lookup fetches the transaction, retrying while the ledger has not indexed
// it. A nil transaction means every attempt came back empty.
func (v *Verifier) lookup(ctx context.Context, signature string, log zerolog.Logger) (*ledger.Transaction, error) {
	for attempt := 1; attempt <= v.attempts; attempt++ {
		if attempt > 1 {
			if err := v.wait(ctx, v.delay); err != nil {
				return nil, err
			}
		}
		tx, err := v.client.GetTransaction(ctx, signature, v.commitment)
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("transaction lookup failed")
			continue
		}
		if tx != nil {
			return tx, nil
		}
		log.Debug().Int("attempt", attempt).Msg("transaction not indexed yet")
	}
	return nil, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
