package payment

import (
	"encoding/json"
	"fmt"
	"strings"
)

type acceptEntry struct {
	Amount OptionalAmount `json:"amount"`
	Asset  string         `json:"asset"`
	PayTo  string         `json:"payTo"`
	Extra  struct {
		Reference string `json:"reference"`
	} `json:"extra"`
}

type paymentRequiredBody struct {
	ProtocolVersion int           `json:"protocolVersion"`
	Accepts         []acceptEntry `json:"accepts"`

	Reference string         `json:"reference"`
	Receiver  string         `json:"receiver"`
	PayTo     string         `json:"payTo"`
	Amount    OptionalAmount `json:"amount"`
	Asset     string         `json:"asset"`
}

// ParseInvoice normalizes a 402 response body. A body carrying an accepts list
// is read from accepts[0] only; otherwise the legacy top-level fields are used.
// Any missing field yields ErrInvoiceIncomplete.
func ParseInvoice(body []byte) (*Invoice, error) {
	var raw paymentRequiredBody
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvoiceIncomplete, err)
	}

	var inv Invoice
	var amount OptionalAmount
	if len(raw.Accepts) > 0 || raw.ProtocolVersion >= CurrentProtocolVersion {
		if len(raw.Accepts) == 0 {
			return nil, fmt.Errorf("%w: accepts list is empty", ErrInvoiceIncomplete)
		}
		first := raw.Accepts[0]
		inv.Reference = first.Extra.Reference
		inv.Receiver = first.PayTo
		inv.Asset = first.Asset
		amount = first.Amount
	} else {
		inv.Reference = raw.Reference
		inv.Receiver = raw.Receiver
		if inv.Receiver == "" {
			inv.Receiver = raw.PayTo
		}
		inv.Asset = raw.Asset
		amount = raw.Amount
	}

	var missing []string
	if strings.TrimSpace(inv.Reference) == "" {
		missing = append(missing, "reference")
	}
	if strings.TrimSpace(inv.Receiver) == "" {
		missing = append(missing, "receiver")
	}
	if !amount.Set {
		missing = append(missing, "amount")
	}
	if strings.TrimSpace(inv.Asset) == "" {
		missing = append(missing, "asset")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrInvoiceIncomplete, strings.Join(missing, ", "))
	}
	inv.Amount = amount.Value.Float64()
	return &inv, nil
}
