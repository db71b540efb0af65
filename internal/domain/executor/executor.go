package executor

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// State represents the probed reachability of an executor.
type State string

const (
	StateUnknown     State = "unknown"
	StateReady       State = "ready"
	StateUnreachable State = "unreachable"
)

var (
	ErrNotFound        = errors.New("executor not found")
	ErrInvalidAddress  = errors.New("executor address is required")
	ErrInvalidLocation = errors.New("location out of range")
)

// Location is a planar (lat, lng) position.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate checks coordinate ranges.
func (l Location) Validate() error {
	if math.IsNaN(l.Lat) || math.IsNaN(l.Lng) || l.Lat < -90 || l.Lat > 90 || l.Lng < -180 || l.Lng > 180 {
		return fmt.Errorf("%w: lat=%v lng=%v", ErrInvalidLocation, l.Lat, l.Lng)
	}
	return nil
}

// Distance is the planar Euclidean distance in degree space.
func (l Location) Distance(o Location) float64 {
	dLat := l.Lat - o.Lat
	dLng := l.Lng - o.Lng
	return math.Sqrt(dLat*dLat + dLng*dLng)
}

// Status is the result of the latest probe. It is replaced wholesale on every probe.
type Status struct {
	State            State              `json:"state"`
	Message          string             `json:"message,omitempty"`
	AvailableMethods []MethodDescriptor `json:"availableMethods"`
	Secure           bool               `json:"secure"`
}

// Ready reports whether the executor can receive commands.
func (s Status) Ready() bool { return s.State == StateReady }

// Executor is a remote HTTP worker that runs priced commands.
type Executor struct {
	ID             string     `json:"id"`
	Address        string     `json:"address"`
	Name           string     `json:"name"`
	RequiresSecure bool       `json:"requiresSecure"`
	Status         Status     `json:"status"`
	LastProbedAt   *time.Time `json:"lastProbedAt,omitempty"`
	Location       *Location  `json:"location,omitempty"`
	RegisteredAt   time.Time  `json:"registeredAt"`
	Seq            int64      `json:"-"`
}

// Clone returns a copy that shares no mutable state with e.
func (e *Executor) Clone() *Executor {
	if e == nil {
		return nil
	}
	out := *e
	if e.LastProbedAt != nil {
		t := *e.LastProbedAt
		out.LastProbedAt = &t
	}
	if e.Location != nil {
		loc := *e.Location
		out.Location = &loc
	}
	if e.Status.AvailableMethods != nil {
		out.Status.AvailableMethods = make([]MethodDescriptor, len(e.Status.AvailableMethods))
		for i, m := range e.Status.AvailableMethods {
			out.Status.AvailableMethods[i] = m.Clone()
		}
	}
	return &out
}

// MatchMethod returns the first available method matching any of the intent tokens.
func (e *Executor) MatchMethod(tokens []string) (MethodDescriptor, bool) {
	for _, m := range e.Status.AvailableMethods {
		if m.Matches(tokens) {
			return m, true
		}
	}
	return MethodDescriptor{}, false
}

// PriceFor returns the advertised price of the first method matching tokens.
func (e *Executor) PriceFor(tokens []string) (float64, bool) {
	m, ok := e.MatchMethod(tokens)
	if !ok {
		return 0, false
	}
	p := m.Pricing()
	if p == nil {
		return 0, false
	}
	return p.Amount.Float64(), true
}

// Flags are the registration-time attributes of an executor.
type Flags struct {
	ID             string    `json:"id,omitempty"`
	Name           string    `json:"name,omitempty"`
	RequiresSecure bool      `json:"requiresSecure,omitempty"`
	Location       *Location `json:"location,omitempty"`
}

// MetadataUpdate is an administrative patch. Nil fields are left untouched.
type MetadataUpdate struct {
	Name           *string   `json:"name,omitempty"`
	Address        *string   `json:"address,omitempty"`
	RequiresSecure *bool     `json:"requiresSecure,omitempty"`
	Location       *Location `json:"location,omitempty"`
	ClearLocation  bool      `json:"clearLocation,omitempty"`
}
