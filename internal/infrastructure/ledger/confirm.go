package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrTransactionFailed = errors.New("transaction failed on-chain")
	ErrConfirmTimeout    = errors.New("timed out waiting for confirmation")
)

// AwaitCommitment polls the signature status until it reaches commitment, the
// transaction fails, or timeout elapses.
func AwaitCommitment(ctx context.Context, client Client, signature, commitment string, poll, timeout time.Duration) (*SignatureStatus, error) {
	return await(ctx, client, signature, poll, timeout, func(s *SignatureStatus) bool {
		return s.Reached(commitment)
	})
}

// AwaitConfirmations polls until the transaction has at least min
// confirmations or is finalized.
func AwaitConfirmations(ctx context.Context, client Client, signature string, min uint64, poll, timeout time.Duration) (*SignatureStatus, error) {
	return await(ctx, client, signature, poll, timeout, func(s *SignatureStatus) bool {
		if s.ConfirmationStatus == CommitmentFinalized {
			return true
		}
		return s.Confirmations != nil && *s.Confirmations >= min
	})
}

func await(ctx context.Context, client Client, signature string, poll, timeout time.Duration, done func(*SignatureStatus) bool) (*SignatureStatus, error) {
	if poll <= 0 {
		poll = time.Second
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	var lastErr error
	for {
		status, err := client.SignatureStatus(ctx, signature)
		switch {
		case err != nil:
			lastErr = err
		case status == nil:
		case status.Failed():
			return status, fmt.Errorf("%w: %s", ErrTransactionFailed, string(status.Err))
		case done(status):
			return status, nil
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, fmt.Errorf("%w: %s: last error: %v", ErrConfirmTimeout, signature, lastErr)
			}
			return nil, fmt.Errorf("%w: %s", ErrConfirmTimeout, signature)
		case <-ticker.C:
		}
	}
}
