package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/execution-hub/paid-dispatch/internal/domain/fault"
	"github.com/execution-hub/paid-dispatch/internal/domain/payment"
	"github.com/execution-hub/paid-dispatch/internal/infrastructure/keystore"
)

// ProviderGateway tags settlements made through the facilitator.
const ProviderGateway = "gateway"

// GatewaySettler asks an external facilitator to pay invoices.
type GatewaySettler struct {
	client *http.Client
	url    string
	signer *keystore.Signer
	logger zerolog.Logger
}

// NewGatewaySettler requires an endpoint and an outgoing signing key.
func NewGatewaySettler(url string, timeout time.Duration, signer *keystore.Signer, logger zerolog.Logger) (*GatewaySettler, error) {
	const op = "settlement.gateway"
	if url == "" {
		return nil, fault.New(fault.KindConfiguration, op, "gateway URL is not configured")
	}
	if !signer.Enabled() {
		return nil, fault.New(fault.KindConfiguration, op, "gateway settlement requires a protocol signing key")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GatewaySettler{
		client: &http.Client{Timeout: timeout},
		url:    url,
		signer: signer,
		logger: logger.With().Str("service", "gateway-settler").Logger(),
	}, nil
}

func (g *GatewaySettler) Provider() string { return ProviderGateway }

func (g *GatewaySettler) Settle(ctx context.Context, inv *payment.Invoice) (*payment.Settlement, error) {
	const op = "settlement.gateway"
	body, err := json.Marshal(inv)
	if err != nil {
		return nil, fault.Wrap(fault.KindSettlement, op, fmt.Errorf("failed to marshal invoice: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return nil, fault.Wrap(fault.KindConfiguration, op, fmt.Errorf("failed to create gateway request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if err := g.signer.Sign(req, body); err != nil {
		return nil, fault.Wrap(fault.KindConfiguration, op, err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.KindSettlement, op, fmt.Errorf("gateway request failed: %w", err))
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fault.New(fault.KindSettlement, op,
			fmt.Sprintf("gateway returned status %d: %s", resp.StatusCode, string(respBody)))
	}

	var fields map[string]any
	if err := json.Unmarshal(respBody, &fields); err != nil {
		return nil, fault.Wrap(fault.KindSettlement, op, fmt.Errorf("malformed gateway response: %w", err))
	}
	if ok, present := fields["success"].(bool); present && !ok {
		reason := firstString(fields, "errorReason", "error", "message")
		if reason == "" {
			reason = "unspecified"
		}
		return nil, fault.New(fault.KindSettlement, op, "gateway declined settlement: "+reason)
	}

	s := &payment.Settlement{
		Provider:    ProviderGateway,
		Reference:   firstString(fields, "reference", "transaction", "signature"),
		Signature:   firstString(fields, "signature", "transaction"),
		Receiver:    inv.Receiver,
		Amount:      inv.Amount,
		Asset:       inv.Asset,
		CompletedAt: time.Now().UTC(),
		Extra:       fields,
	}
	if s.Reference == "" {
		s.Reference = inv.Reference
	}
	g.logger.Info().
		Str("reference", inv.Reference).
		Str("settlement_reference", s.Reference).
		Float64("amount", inv.Amount).
		Str("asset", inv.Asset).
		Msg("gateway settlement completed")
	return s, nil
}

func firstString(fields map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := fields[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
