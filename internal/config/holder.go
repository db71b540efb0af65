package config

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/execution-hub/paid-dispatch/internal/domain/dispatch"
)

// Overrides are the runtime-tunable settings. Nil fields keep their value.
type Overrides struct {
	DefaultStrategy    *dispatch.Strategy `json:"defaultStrategy,omitempty"`
	MarkupPercent      *float64           `json:"markupPercent,omitempty"`
	MaxConfirmAttempts *int               `json:"maxConfirmAttempts,omitempty"`
	ConfirmDelay       *Duration          `json:"confirmDelay,omitempty"`
	CommandTimeout     *Duration          `json:"commandTimeout,omitempty"`
	ProbeTimeout       *Duration          `json:"probeTimeout,omitempty"`
	SelectorWebhookURL *string            `json:"selectorWebhookUrl,omitempty"`
}

// Duration decodes a JSON duration string such as "1500ms".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Change is one audited configuration change.
type Change struct {
	Actor           string    `json:"actor"`
	At              time.Time `json:"at"`
	Fields          []string  `json:"fields"`
	PrevFingerprint string    `json:"prevFingerprint"`
	NextFingerprint string    `json:"nextFingerprint"`
}

// Source yields the configuration snapshot in effect. Components read it per
// operation so an applied override takes effect on the next call.
type Source interface {
	Current() *Config
}

// Static is a Source that never changes.
type Static struct{ Config *Config }

func (s Static) Current() *Config { return s.Config }

// Holder publishes immutable configuration snapshots.
type Holder struct {
	current atomic.Pointer[Config]
	mu      sync.Mutex
	history []Change
	logger  zerolog.Logger
}

// NewHolder wraps the startup configuration.
func NewHolder(cfg *Config, logger zerolog.Logger) *Holder {
	h := &Holder{logger: logger.With().Str("service", "config").Logger()}
	h.current.Store(cfg)
	return h
}

// Current returns the active snapshot. Callers must not modify it.
func (h *Holder) Current() *Config {
	return h.current.Load()
}

// Apply builds a new snapshot from the current one plus overrides, validates
// it, publishes it and records the change.
func (h *Holder) Apply(o Overrides, actor string) (*Config, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	prev := h.current.Load()
	next := prev.Clone()
	var fields []string
	if o.DefaultStrategy != nil {
		next.Selector.DefaultStrategy = *o.DefaultStrategy
		fields = append(fields, "selector.default_strategy")
	}
	if o.MarkupPercent != nil {
		next.Payment.MarkupPercent = *o.MarkupPercent
		fields = append(fields, "payment.markup_percent")
	}
	if o.MaxConfirmAttempts != nil {
		next.Payment.MaxConfirmAttempts = *o.MaxConfirmAttempts
		fields = append(fields, "payment.max_confirm_attempts")
	}
	if o.ConfirmDelay != nil {
		next.Payment.ConfirmDelay = time.Duration(*o.ConfirmDelay)
		fields = append(fields, "payment.confirm_delay")
	}
	if o.CommandTimeout != nil {
		next.Payment.CommandTimeout = time.Duration(*o.CommandTimeout)
		fields = append(fields, "payment.command_timeout")
	}
	if o.ProbeTimeout != nil {
		next.Registry.ProbeTimeout = time.Duration(*o.ProbeTimeout)
		fields = append(fields, "registry.probe_timeout")
	}
	if o.SelectorWebhookURL != nil {
		next.Selector.WebhookURL = *o.SelectorWebhookURL
		fields = append(fields, "selector.webhook_url")
	}
	if len(fields) == 0 {
		return prev, nil
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}

	change := Change{
		Actor:           actor,
		At:              time.Now().UTC(),
		Fields:          fields,
		PrevFingerprint: prev.Fingerprint(),
		NextFingerprint: next.Fingerprint(),
	}
	h.current.Store(next)
	h.history = append(h.history, change)

	h.logger.Info().
		Str("actor", actor).
		Strs("fields", fields).
		Str("prev_fingerprint", change.PrevFingerprint).
		Str("next_fingerprint", change.NextFingerprint).
		Msg("configuration override applied")
	return next, nil
}

// History returns the recorded changes, oldest first.
func (h *Holder) History() []Change {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Change, len(h.history))
	copy(out, h.history)
	return out
}
