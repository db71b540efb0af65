package payment

import (
	"errors"
	"fmt"
	"time"
)

// State is a step of the payment handshake for one command on one executor.
type State string

const (
	StateInitiated       State = "INITIATED"
	StateRequested       State = "REQUESTED"
	StateInvoiceReceived State = "INVOICE_RECEIVED"
	StateSettling        State = "SETTLING"
	StateConfirming      State = "CONFIRMING"
	StateCompleted       State = "COMPLETED"
	StateFailed          State = "FAILED"
)

// Stage names the point a dispatch attempt reached when it terminated.
type Stage string

const (
	StageCompleted           Stage = "completed"
	StageInitial             Stage = "initial"
	StagePaymentInitiation   Stage = "payment_initiation"
	StagePaymentSettlement   Stage = "payment_settlement"
	StagePaymentConfirmation Stage = "payment_confirmation"
	StagePaymentConfirmed    Stage = "payment_confirmed"
)

var ErrInvalidTransition = errors.New("invalid handshake transition")

var transitions = map[State][]State{
	StateInitiated:       {StateRequested, StateFailed},
	StateRequested:       {StateCompleted, StateInvoiceReceived, StateFailed},
	StateInvoiceReceived: {StateSettling, StateFailed},
	StateSettling:        {StateConfirming, StateFailed},
	StateConfirming:      {StateConfirming, StateCompleted, StateFailed},
	StateCompleted:       {},
	StateFailed:          {},
}

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// CanTransitionTo checks the handshake transition table.
func (s State) CanTransitionTo(target State) bool {
	for _, next := range transitions[s] {
		if next == target {
			return true
		}
	}
	return false
}

// Transition is one recorded state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
	Note string    `json:"note,omitempty"`
}

// Handshake tracks the state of one payment handshake.
type Handshake struct {
	State       State        `json:"state"`
	Transitions []Transition `json:"transitions"`
}

// NewHandshake starts a handshake in INITIATED.
func NewHandshake() *Handshake {
	return &Handshake{State: StateInitiated}
}

// Advance moves to target, recording the transition.
func (h *Handshake) Advance(target State, note string) error {
	if !h.State.CanTransitionTo(target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, h.State, target)
	}
	h.Transitions = append(h.Transitions, Transition{
		From: h.State,
		To:   target,
		At:   time.Now().UTC(),
		Note: note,
	})
	h.State = target
	return nil
}
