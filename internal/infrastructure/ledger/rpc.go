package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// RPCClient adapts the solana-go RPC client to Client.
type RPCClient struct {
	endpoint string
	rpc      *rpc.Client
	timeout  time.Duration
}

// NewRPCClient creates a client. Each call is bounded by timeout.
func NewRPCClient(endpoint string, timeout time.Duration) *RPCClient {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	c := &RPCClient{endpoint: endpoint, timeout: timeout}
	if endpoint != "" {
		c.rpc = rpc.New(endpoint)
	}
	return c
}

func (c *RPCClient) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if c.rpc == nil {
		return nil, nil, ErrEndpointRequired
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	return ctx, cancel, nil
}

func (c *RPCClient) LatestBlockhash(ctx context.Context, commitment string) (string, error) {
	ctx, cancel, err := c.begin(ctx)
	if err != nil {
		return "", err
	}
	defer cancel()

	out, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentType(commitment))
	if err != nil {
		return "", fmt.Errorf("getLatestBlockhash: %w", err)
	}
	if out == nil || out.Value == nil || out.Value.Blockhash == (solana.Hash{}) {
		return "", errors.New("getLatestBlockhash: empty blockhash")
	}
	return out.Value.Blockhash.String(), nil
}

func (c *RPCClient) SendTransaction(ctx context.Context, raw []byte) (string, error) {
	ctx, cancel, err := c.begin(ctx)
	if err != nil {
		return "", err
	}
	defer cancel()

	sig, err := c.rpc.SendRawTransactionWithOpts(ctx, raw, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return "", fmt.Errorf("sendTransaction: %w", err)
	}
	return sig.String(), nil
}

// SignatureStatus returns nil without error for an unknown signature.
func (c *RPCClient) SignatureStatus(ctx context.Context, signature string) (*SignatureStatus, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature %q: %w", signature, err)
	}
	ctx, cancel, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	out, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return nil, fmt.Errorf("getSignatureStatuses: %w", err)
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return nil, nil
	}
	st := out.Value[0]
	return &SignatureStatus{
		Slot:               st.Slot,
		Confirmations:      st.Confirmations,
		Err:                rawErr(st.Err),
		ConfirmationStatus: string(st.ConfirmationStatus),
	}, nil
}

func (c *RPCClient) GetTransaction(ctx context.Context, signature, commitment string) (*Transaction, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature %q: %w", signature, err)
	}
	ctx, cancel, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	version := uint64(0)
	out, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentType(commitment),
		MaxSupportedTransactionVersion: &version,
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getTransaction: %w", err)
	}
	if out == nil {
		return nil, nil
	}
	return convertTransaction(out)
}

func convertTransaction(out *rpc.GetTransactionResult) (*Transaction, error) {
	tx := &Transaction{Slot: out.Slot}
	if out.Transaction != nil {
		decoded, err := out.Transaction.GetTransaction()
		if err != nil {
			return nil, fmt.Errorf("getTransaction: decode: %w", err)
		}
		for _, key := range decoded.Message.AccountKeys {
			tx.Transaction.Message.AccountKeys = append(tx.Transaction.Message.AccountKeys, key.String())
		}
		for _, s := range decoded.Signatures {
			tx.Transaction.Signatures = append(tx.Transaction.Signatures, s.String())
		}
	}
	if out.Meta != nil {
		for _, key := range out.Meta.LoadedAddresses.Writable {
			tx.Transaction.Message.AccountKeys = append(tx.Transaction.Message.AccountKeys, key.String())
		}
		for _, key := range out.Meta.LoadedAddresses.ReadOnly {
			tx.Transaction.Message.AccountKeys = append(tx.Transaction.Message.AccountKeys, key.String())
		}
		tx.Meta = &TransactionMeta{
			Err:          rawErr(out.Meta.Err),
			Fee:          out.Meta.Fee,
			PreBalances:  out.Meta.PreBalances,
			PostBalances: out.Meta.PostBalances,
		}
	}
	return tx, nil
}

// rawErr keeps the node's error object as JSON so callers can log it.
func rawErr(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(fmt.Sprintf("%q", fmt.Sprint(v)))
	}
	return b
}
