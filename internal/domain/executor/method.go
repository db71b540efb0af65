package executor

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/execution-hub/paid-dispatch/internal/domain/payment"
)

// MethodKind tags the MethodDescriptor union.
type MethodKind string

const (
	MethodSimple   MethodKind = "simple"
	MethodDetailed MethodKind = "detailed"
)

// Pricing is the advertised price of a method.
type Pricing struct {
	Amount               payment.Amount `json:"amount"`
	Asset                string         `json:"asset,omitempty"`
	Receiver             string         `json:"receiver,omitempty"`
	PaymentWindowSeconds int            `json:"paymentWindowSeconds,omitempty"`
}

// MethodDetail is the detailed form of a method descriptor.
type MethodDetail struct {
	Name        string         `json:"name,omitempty"`
	Path        string         `json:"path,omitempty"`
	Method      string         `json:"method,omitempty"`
	Description string         `json:"description,omitempty"`
	Pricing     *Pricing       `json:"pricing,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// MethodDescriptor is either a bare method name or a detailed descriptor.
type MethodDescriptor struct {
	Kind   MethodKind
	Name   string
	Detail *MethodDetail
}

// Simple builds a bare-name descriptor.
func Simple(name string) MethodDescriptor {
	return MethodDescriptor{Kind: MethodSimple, Name: name}
}

// Detailed builds a detailed descriptor.
func Detailed(d MethodDetail) MethodDescriptor {
	return MethodDescriptor{Kind: MethodDetailed, Name: d.Name, Detail: &d}
}

// Clone deep-copies the descriptor.
func (m MethodDescriptor) Clone() MethodDescriptor {
	if m.Detail == nil {
		return m
	}
	d := *m.Detail
	if m.Detail.Pricing != nil {
		p := *m.Detail.Pricing
		d.Pricing = &p
	}
	if m.Detail.Parameters != nil {
		d.Parameters = make(map[string]any, len(m.Detail.Parameters))
		for k, v := range m.Detail.Parameters {
			d.Parameters[k] = v
		}
	}
	m.Detail = &d
	return m
}

// searchable returns the texts an intent token may match.
func (m MethodDescriptor) searchable() []string {
	switch m.Kind {
	case MethodDetailed:
		if m.Detail == nil {
			return nil
		}
		return []string{m.Detail.Name, m.Detail.Path, m.Detail.Description}
	default:
		return []string{m.Name}
	}
}

// Matches reports whether any token is a case-insensitive substring of the
// method's name, path or description.
func (m MethodDescriptor) Matches(tokens []string) bool {
	fields := m.searchable()
	for _, tok := range tokens {
		tok = strings.ToLower(strings.TrimSpace(tok))
		if tok == "" {
			continue
		}
		for _, f := range fields {
			if f != "" && strings.Contains(strings.ToLower(f), tok) {
				return true
			}
		}
	}
	return false
}

// Pricing returns the advertised pricing, or nil for simple methods.
func (m MethodDescriptor) Pricing() *Pricing {
	if m.Kind != MethodDetailed || m.Detail == nil {
		return nil
	}
	return m.Detail.Pricing
}

// IsHealthCheck reports whether the method is the health-check endpoint,
// by exact or suffix match, case-insensitively.
func (m MethodDescriptor) IsHealthCheck(healthPath string) bool {
	hp := strings.ToLower(strings.TrimSpace(healthPath))
	if hp == "" {
		return false
	}
	bare := strings.TrimPrefix(hp, "/")
	for _, f := range m.searchable() {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" {
			continue
		}
		if f == hp || f == bare || strings.HasSuffix(f, hp) {
			return true
		}
	}
	return false
}

// Endpoint resolves the HTTP verb and URL used to invoke the method on address.
func (m MethodDescriptor) Endpoint(address string) (string, string) {
	verb := http.MethodPost
	var path string
	switch m.Kind {
	case MethodDetailed:
		if m.Detail != nil {
			if m.Detail.Method != "" {
				verb = strings.ToUpper(m.Detail.Method)
			}
			path = m.Detail.Path
			if path == "" {
				path = m.Detail.Name
			}
		}
	default:
		path = m.Name
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return verb, path
	}
	return verb, JoinURL(address, path)
}

// JoinURL joins a base address and a path with exactly one slash.
func JoinURL(base, path string) string {
	base = strings.TrimRight(base, "/")
	if path == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(path, "/")
}

func (m MethodDescriptor) MarshalJSON() ([]byte, error) {
	if m.Kind == MethodDetailed && m.Detail != nil {
		return json.Marshal(m.Detail)
	}
	return json.Marshal(m.Name)
}

func (m *MethodDescriptor) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return errors.New("empty method descriptor")
	}
	switch data[0] {
	case '"':
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		*m = Simple(name)
		return nil
	case '{':
		var d MethodDetail
		if err := json.Unmarshal(data, &d); err != nil {
			return err
		}
		*m = Detailed(d)
		return nil
	default:
		return errors.New("method descriptor must be a string or an object")
	}
}
