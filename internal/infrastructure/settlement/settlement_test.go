package settlement_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/execution-hub/paid-dispatch/internal/config"
	"github.com/execution-hub/paid-dispatch/internal/domain/fault"
	"github.com/execution-hub/paid-dispatch/internal/domain/payment"
	"github.com/execution-hub/paid-dispatch/internal/infrastructure/keystore"
	"github.com/execution-hub/paid-dispatch/internal/infrastructure/ledger"
	"github.com/execution-hub/paid-dispatch/internal/infrastructure/ledger/mocks"
	"github.com/execution-hub/paid-dispatch/internal/infrastructure/settlement"
)

func testSigner() (*keystore.StaticKeyStore, *keystore.Signer) {
	ks := keystore.New("k1", "00112233445566778899aabbccddeeff")
	return ks, keystore.NewSigner(ks)
}

func TestGatewaySettlerRequiresConfiguration(t *testing.T) {
	_, signer := testSigner()
	_, err := settlement.NewGatewaySettler("", time.Second, signer, zerolog.Nop())
	assert.True(t, fault.Is(err, fault.KindConfiguration))

	_, err = settlement.NewGatewaySettler("http://gw", time.Second, keystore.NewSigner(keystore.New("", "")), zerolog.Nop())
	assert.True(t, fault.Is(err, fault.KindConfiguration))
}

func TestGatewaySettlerSettle(t *testing.T) {
	ks, signer := testSigner()
	var got payment.Invoice
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(body))
		if err := keystore.Verify(r.Context(), ks, r, body); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.Unmarshal(body, &got)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success":     true,
			"transaction": "TX123",
			"network":     "solana-devnet",
		})
	}))
	defer srv.Close()

	g, err := settlement.NewGatewaySettler(srv.URL, time.Second, signer, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, settlement.ProviderGateway, g.Provider())

	inv := &payment.Invoice{Reference: "inv-1", Receiver: "Recv", Amount: 0.1, Asset: "USDC"}
	s, err := g.Settle(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, *inv, got)
	assert.Equal(t, "gateway", s.Provider)
	assert.Equal(t, "TX123", s.Reference)
	assert.Equal(t, "TX123", s.Signature)
	assert.Equal(t, 0.1, s.Amount)
	assert.Equal(t, "USDC", s.Asset)
	assert.Equal(t, "solana-devnet", s.Extra["network"])
}

func TestGatewaySettlerFallsBackToInvoiceReference(t *testing.T) {
	_, signer := testSigner()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	g, err := settlement.NewGatewaySettler(srv.URL, time.Second, signer, zerolog.Nop())
	require.NoError(t, err)
	s, err := g.Settle(context.Background(), &payment.Invoice{Reference: "inv-9", Receiver: "R", Amount: 1, Asset: "SOL"})
	require.NoError(t, err)
	assert.Equal(t, "inv-9", s.Reference)
	assert.Empty(t, s.Signature)
}

func TestGatewaySettlerFailures(t *testing.T) {
	_, signer := testSigner()
	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "insufficient funds", http.StatusPaymentRequired)
		},
		"declined": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"success":false,"errorReason":"invalid_payload"}`))
		},
		"malformed": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`not json`))
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()
			g, err := settlement.NewGatewaySettler(srv.URL, time.Second, signer, zerolog.Nop())
			require.NoError(t, err)
			_, err = g.Settle(context.Background(), &payment.Invoice{Reference: "r", Receiver: "R", Amount: 1, Asset: "SOL"})
			require.Error(t, err)
			assert.True(t, fault.Is(err, fault.KindSettlement))
		})
	}
}

func payerSecret() string {
	return base58.Encode(ed25519.NewKeyFromSeed(bytes.Repeat([]byte{5}, ed25519.SeedSize)))
}

func receiver() string {
	return ledger.NewKeypairFromSeed(bytes.Repeat([]byte{6}, ed25519.SeedSize)).PublicKey().String()
}

func ledgerConfig() config.LedgerConfig {
	cfg := config.Defaults().Ledger
	cfg.RPCURL = "http://rpc"
	cfg.SecretKey = payerSecret()
	cfg.PollInterval = time.Millisecond
	cfg.ConfirmTimeout = time.Second
	return cfg
}

func TestNewLedgerSettlerValidation(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)

	cfg := ledgerConfig()
	cfg.Asset = "USDC"
	_, err := settlement.NewLedgerSettler(client, cfg, zerolog.Nop())
	assert.True(t, fault.Is(err, fault.KindConfiguration))
	assert.ErrorIs(t, err, payment.ErrUnsupportedAsset)

	cfg = ledgerConfig()
	cfg.SecretKey = ""
	_, err = settlement.NewLedgerSettler(client, cfg, zerolog.Nop())
	assert.True(t, fault.Is(err, fault.KindConfiguration))

	_, err = settlement.NewLedgerSettler(nil, ledgerConfig(), zerolog.Nop())
	assert.ErrorIs(t, err, ledger.ErrEndpointRequired)
}

func TestLedgerSettlerSettle(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	l, err := settlement.NewLedgerSettler(client, ledgerConfig(), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, settlement.ProviderLedger, l.Provider())

	blockhash := base58.Encode(bytes.Repeat([]byte{9}, 32))
	var submitted []byte
	gomock.InOrder(
		client.EXPECT().LatestBlockhash(gomock.Any(), ledger.CommitmentConfirmed).Return(blockhash, nil),
		client.EXPECT().SendTransaction(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, raw []byte) (string, error) {
			submitted = raw
			return "SIG1", nil
		}),
		client.EXPECT().SignatureStatus(gomock.Any(), "SIG1").Return(&ledger.SignatureStatus{ConfirmationStatus: "processed"}, nil),
		client.EXPECT().SignatureStatus(gomock.Any(), "SIG1").Return(&ledger.SignatureStatus{Slot: 42, ConfirmationStatus: "confirmed"}, nil),
	)

	inv := &payment.Invoice{Reference: "inv-1", Receiver: receiver(), Amount: 0.1, Asset: "SOL"}
	s, err := l.Settle(context.Background(), inv)
	require.NoError(t, err)
	assert.NotEmpty(t, submitted)
	assert.Equal(t, "ledger", s.Provider)
	assert.Equal(t, "SIG1", s.Reference)
	assert.Equal(t, "SIG1", s.Signature)
	assert.Equal(t, 0.1, s.Amount)
	assert.Equal(t, "SOL", s.Asset)
	assert.Equal(t, uint64(100_000_000), s.Extra["lamports"])
	assert.Equal(t, uint64(42), s.Extra["slot"])
	assert.Equal(t, l.Payer(), s.Extra["payer"])
}

func TestLedgerSettlerWaitsForConfirmations(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	cfg := ledgerConfig()
	cfg.MinConfirmations = 3
	l, err := settlement.NewLedgerSettler(client, cfg, zerolog.Nop())
	require.NoError(t, err)

	one, three := uint64(1), uint64(3)
	client.EXPECT().LatestBlockhash(gomock.Any(), gomock.Any()).Return(base58.Encode(bytes.Repeat([]byte{9}, 32)), nil)
	client.EXPECT().SendTransaction(gomock.Any(), gomock.Any()).Return("SIG2", nil)
	gomock.InOrder(
		client.EXPECT().SignatureStatus(gomock.Any(), "SIG2").Return(&ledger.SignatureStatus{ConfirmationStatus: "confirmed", Confirmations: &one}, nil),
		client.EXPECT().SignatureStatus(gomock.Any(), "SIG2").Return(&ledger.SignatureStatus{ConfirmationStatus: "confirmed", Confirmations: &one}, nil),
		client.EXPECT().SignatureStatus(gomock.Any(), "SIG2").Return(&ledger.SignatureStatus{ConfirmationStatus: "confirmed", Confirmations: &three}, nil),
	)

	s, err := l.Settle(context.Background(), &payment.Invoice{Reference: "r", Receiver: receiver(), Amount: 0.5, Asset: "sol"})
	require.NoError(t, err)
	assert.Equal(t, "SIG2", s.Reference)
}

func TestLedgerSettlerRejectsInvoices(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	l, err := settlement.NewLedgerSettler(client, ledgerConfig(), zerolog.Nop())
	require.NoError(t, err)

	cases := []struct {
		name string
		inv  payment.Invoice
		want error
	}{
		{"asset", payment.Invoice{Receiver: receiver(), Amount: 1, Asset: "USDC"}, payment.ErrUnsupportedAsset},
		{"receiver", payment.Invoice{Receiver: "not-a-key", Amount: 1, Asset: "SOL"}, payment.ErrInvalidReceiver},
		{"zero", payment.Invoice{Receiver: receiver(), Amount: 0, Asset: "SOL"}, payment.ErrNonPositiveAmount},
		{"dust", payment.Invoice{Receiver: receiver(), Amount: 0.0000000001, Asset: "SOL"}, payment.ErrNonPositiveAmount},
		{"negative", payment.Invoice{Receiver: receiver(), Amount: -1, Asset: "SOL"}, payment.ErrNonPositiveAmount},
		{"self", payment.Invoice{Receiver: l.Payer(), Amount: 1, Asset: "SOL"}, payment.ErrInvalidReceiver},
	}
	client.EXPECT().LatestBlockhash(gomock.Any(), gomock.Any()).Return(base58.Encode(bytes.Repeat([]byte{9}, 32)), nil).AnyTimes()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.Settle(context.Background(), &tc.inv)
			assert.ErrorIs(t, err, tc.want)
			assert.True(t, fault.Is(err, fault.KindSettlement))
		})
	}
}

func TestLedgerSettlerOnChainFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	l, err := settlement.NewLedgerSettler(client, ledgerConfig(), zerolog.Nop())
	require.NoError(t, err)

	client.EXPECT().LatestBlockhash(gomock.Any(), gomock.Any()).Return(base58.Encode(bytes.Repeat([]byte{9}, 32)), nil)
	client.EXPECT().SendTransaction(gomock.Any(), gomock.Any()).Return("SIG3", nil)
	client.EXPECT().SignatureStatus(gomock.Any(), "SIG3").
		Return(&ledger.SignatureStatus{Err: json.RawMessage(`{"InstructionError":[0,{"Custom":1}]}`)}, nil)

	_, err = l.Settle(context.Background(), &payment.Invoice{Receiver: receiver(), Amount: 1, Asset: "SOL"})
	assert.ErrorIs(t, err, ledger.ErrTransactionFailed)
	assert.True(t, fault.Is(err, fault.KindSettlement))
}

func TestLedgerSettlerSubmitError(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	l, err := settlement.NewLedgerSettler(client, ledgerConfig(), zerolog.Nop())
	require.NoError(t, err)

	client.EXPECT().LatestBlockhash(gomock.Any(), gomock.Any()).Return("", errors.New("rpc down"))
	_, err = l.Settle(context.Background(), &payment.Invoice{Receiver: receiver(), Amount: 1, Asset: "SOL"})
	assert.True(t, fault.Is(err, fault.KindSettlement))
}

func TestNewFromConfig(t *testing.T) {
	_, signer := testSigner()

	cfg := config.Defaults()
	cfg.Gateway.URL = "http://gw"
	s, err := settlement.New(cfg, signer, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "gateway", s.Provider())

	s, err = settlement.New(cfg, nil, zerolog.Nop())
	assert.True(t, fault.Is(err, fault.KindConfiguration))
	assert.Nil(t, s)

	cfg = config.Defaults()
	cfg.Payment.Backend = config.BackendLedger
	_, err = settlement.New(cfg, signer, zerolog.Nop())
	assert.ErrorIs(t, err, ledger.ErrEndpointRequired)

	cfg.Ledger = ledgerConfig()
	s, err = settlement.New(cfg, signer, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "ledger", s.Provider())

	cfg.Payment.Backend = "paypal"
	_, err = settlement.New(cfg, signer, zerolog.Nop())
	assert.True(t, fault.Is(err, fault.KindConfiguration))
}
