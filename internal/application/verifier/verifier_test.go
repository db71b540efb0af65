package verifier

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/execution-hub/paid-dispatch/internal/domain/fault"
	"github.com/execution-hub/paid-dispatch/internal/infrastructure/ledger"
	"github.com/execution-hub/paid-dispatch/internal/infrastructure/ledger/mocks"
)

var receiver = ledger.NewKeypairFromSeed(bytes.Repeat([]byte{2}, ed25519.SeedSize)).PublicKey().String()

func transfer(t *testing.T, to string, lamports uint64, failed bool) *ledger.Transaction {
	t.Helper()
	errField := "null"
	if failed {
		errField = `{"InstructionError":[0,{"Custom":1}]}`
	}
	raw := fmt.Sprintf(`{
		"slot": 77,
		"meta": {"err": %s, "fee": 5000, "preBalances": [2000000000, 1000], "postBalances": [%d, %d]},
		"transaction": {"message": {"accountKeys": ["Payer", %q]}, "signatures": ["SIG"]}
	}`, errField, 2000000000-lamports-5000, 1000+lamports, to)
	var tx ledger.Transaction
	require.NoError(t, json.Unmarshal([]byte(raw), &tx))
	return &tx
}

func newVerifier(client ledger.Client, waits *int) *Verifier {
	v := New(client, zerolog.Nop(), WithRetry(3, time.Second))
	v.wait = func(ctx context.Context, d time.Duration) error {
		*waits++
		return ctx.Err()
	}
	return v
}

func TestVerifyValidPayment(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	client.EXPECT().GetTransaction(gomock.Any(), "SIG", ledger.CommitmentConfirmed).Return(transfer(t, receiver, 100_000_000, false), nil)

	var waits int
	verdict, err := newVerifier(client, &waits).Verify(context.Background(), "SIG", receiver, 0.1)
	require.NoError(t, err)
	assert.True(t, verdict.Valid, verdict.Reason)
	assert.Equal(t, uint64(77), verdict.Slot)
	assert.Equal(t, 0.1, verdict.Received)
	assert.Zero(t, waits)
}

func TestVerifyWithinTolerance(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	client.EXPECT().GetTransaction(gomock.Any(), "SIG", gomock.Any()).Return(transfer(t, receiver, 100_000_000-ToleranceLamports, false), nil)
	client.EXPECT().GetTransaction(gomock.Any(), "SIG2", gomock.Any()).Return(transfer(t, receiver, 100_000_000-ToleranceLamports-1, false), nil)

	var waits int
	v := newVerifier(client, &waits)
	verdict, err := v.Verify(context.Background(), "SIG", receiver, 0.1)
	require.NoError(t, err)
	assert.True(t, verdict.Valid)

	verdict, err = v.Verify(context.Background(), "SIG2", receiver, 0.1)
	require.NoError(t, err)
	assert.False(t, verdict.Valid)
	assert.Contains(t, verdict.Reason, "expected 100000000")
}

func TestVerifyRetriesUntilIndexed(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	gomock.InOrder(
		client.EXPECT().GetTransaction(gomock.Any(), "SIG", gomock.Any()).Return(nil, nil),
		client.EXPECT().GetTransaction(gomock.Any(), "SIG", gomock.Any()).Return(nil, errors.New("node busy")),
		client.EXPECT().GetTransaction(gomock.Any(), "SIG", gomock.Any()).Return(transfer(t, receiver, 5_000_000, false), nil),
	)

	var waits int
	verdict, err := newVerifier(client, &waits).Verify(context.Background(), "SIG", receiver, 0.005)
	require.NoError(t, err)
	assert.True(t, verdict.Valid)
	assert.Equal(t, 2, waits)
}

func TestVerifyNotFoundAfterCeiling(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	client.EXPECT().GetTransaction(gomock.Any(), "SIG", gomock.Any()).Return(nil, nil).Times(3)

	var waits int
	verdict, err := newVerifier(client, &waits).Verify(context.Background(), "SIG", receiver, 0.1)
	require.NoError(t, err)
	assert.False(t, verdict.Valid)
	assert.Contains(t, verdict.Reason, "not found after 3 attempts")
	assert.Equal(t, 2, waits)
}

func TestVerifyRejections(t *testing.T) {
	other := ledger.NewKeypairFromSeed(bytes.Repeat([]byte{3}, ed25519.SeedSize)).PublicKey().String()
	cases := []struct {
		name   string
		tx     func(t *testing.T) *ledger.Transaction
		reason string
	}{
		{"failed on-chain", func(t *testing.T) *ledger.Transaction { return transfer(t, receiver, 100_000_000, true) }, "failed on-chain"},
		{"wrong receiver", func(t *testing.T) *ledger.Transaction { return transfer(t, other, 100_000_000, false) }, "not part of the transaction"},
		{"overpaid", func(t *testing.T) *ledger.Transaction { return transfer(t, receiver, 200_000_000, false) }, "balance changed"},
		{"no meta", func(t *testing.T) *ledger.Transaction { return &ledger.Transaction{Slot: 1} }, "metadata unavailable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			client := mocks.NewMockClient(ctrl)
			client.EXPECT().GetTransaction(gomock.Any(), "SIG", gomock.Any()).Return(tc.tx(t), nil)

			var waits int
			verdict, err := newVerifier(client, &waits).Verify(context.Background(), "SIG", receiver, 0.1)
			require.NoError(t, err)
			assert.False(t, verdict.Valid)
			assert.Contains(t, verdict.Reason, tc.reason)
		})
	}
}

func TestVerifyInputRejectedWithoutLookup(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)

	var waits int
	v := newVerifier(client, &waits)
	verdict, err := v.Verify(context.Background(), " ", receiver, 0.1)
	require.NoError(t, err)
	assert.False(t, verdict.Valid)

	verdict, err = v.Verify(context.Background(), "SIG", "bogus", 0.1)
	require.NoError(t, err)
	assert.Contains(t, verdict.Reason, "invalid receiver")

	verdict, err = v.Verify(context.Background(), "SIG", receiver, -1)
	require.NoError(t, err)
	assert.Contains(t, verdict.Reason, "invalid expected amount")
}

func TestVerifyWithoutLedgerIsConfigurationError(t *testing.T) {
	_, err := New(nil, zerolog.Nop()).Verify(context.Background(), "SIG", receiver, 0.1)
	assert.True(t, fault.Is(err, fault.KindConfiguration))
	assert.ErrorIs(t, err, ledger.ErrEndpointRequired)
}

func TestVerifyCancelledDuringRetry(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	client.EXPECT().GetTransaction(gomock.Any(), "SIG", gomock.Any()).Return(nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var waits int
	_, err := newVerifier(client, &waits).Verify(ctx, "SIG", receiver, 0.1)
	assert.True(t, fault.Is(err, fault.KindTransport))
	assert.ErrorIs(t, err, context.Canceled)
}
