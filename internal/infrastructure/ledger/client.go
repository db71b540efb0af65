package ledger

import (
	"context"
	"encoding/json"
	"errors"
)

// Commitment levels in increasing order of durability.
const (
	CommitmentProcessed = "processed"
	CommitmentConfirmed = "confirmed"
	CommitmentFinalized = "finalized"
)

var ErrEndpointRequired = errors.New("ledger RPC endpoint is not configured")

// Client is the subset of the ledger RPC API used for settlement and
// verification.
//
//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_client.go -package=mocks . Client
type Client interface {
	LatestBlockhash(ctx context.Context, commitment string) (string, error)
	SendTransaction(ctx context.Context, raw []byte) (string, error)
	SignatureStatus(ctx context.Context, signature string) (*SignatureStatus, error)
	// GetTransaction returns nil without error when the ledger does not know
	// the signature yet.
	GetTransaction(ctx context.Context, signature, commitment string) (*Transaction, error)
}

// SignatureStatus is the ledger's view of a submitted transaction.
type SignatureStatus struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
}

// Failed reports whether the transaction failed on-chain.
func (s *SignatureStatus) Failed() bool {
	return failed(s.Err)
}

// Reached reports whether the status satisfies commitment.
func (s *SignatureStatus) Reached(commitment string) bool {
	return commitmentRank(s.ConfirmationStatus) >= commitmentRank(commitment)
}

// TransactionMeta carries the execution outcome of a transaction.
type TransactionMeta struct {
	Err          json.RawMessage `json:"err"`
	Fee          uint64          `json:"fee"`
	PreBalances  []uint64        `json:"preBalances"`
	PostBalances []uint64        `json:"postBalances"`
}

// Failed reports whether the transaction failed on-chain.
func (m *TransactionMeta) Failed() bool {
	return failed(m.Err)
}

// Transaction is a confirmed transaction reduced to what payment checks need.
// AccountKeys lists static keys followed by any addresses loaded from lookup
// tables, matching the order of the balance arrays.
type Transaction struct {
	Slot        uint64           `json:"slot"`
	Meta        *TransactionMeta `json:"meta"`
	Transaction struct {
		Message struct {
			AccountKeys []string `json:"accountKeys"`
		} `json:"message"`
		Signatures []string `json:"signatures"`
	} `json:"transaction"`
}

// BalanceDelta returns the lamport change of account, and false when the
// account is not part of the transaction.
func (t *Transaction) BalanceDelta(account string) (int64, bool) {
	if t.Meta == nil {
		return 0, false
	}
	for i, key := range t.Transaction.Message.AccountKeys {
		if key != account {
			continue
		}
		if i >= len(t.Meta.PreBalances) || i >= len(t.Meta.PostBalances) {
			return 0, false
		}
		return int64(t.Meta.PostBalances[i]) - int64(t.Meta.PreBalances[i]), true
	}
	return 0, false
}

func failed(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

func commitmentRank(level string) int {
	switch level {
	case CommitmentProcessed:
		return 1
	case CommitmentConfirmed:
		return 2
	case CommitmentFinalized:
		return 3
	default:
		return 0
	}
}
