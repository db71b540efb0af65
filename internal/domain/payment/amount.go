package payment

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Amount is a decimal asset amount. On the wire it may be a JSON number or a
// numeric string.
type Amount float64

func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == "" {
		*a = 0
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		s = strings.TrimSpace(str)
		if s == "" {
			*a = 0
			return nil
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("invalid amount %q", s)
	}
	*a = Amount(v)
	return nil
}

// OptionalAmount is an amount that may be absent. null and blank strings
// leave it unset.
type OptionalAmount struct {
	Value Amount
	Set   bool
}

func (o *OptionalAmount) UnmarshalJSON(data []byte) error {
	*o = OptionalAmount{}
	if blankAmount(data) {
		return nil
	}
	if err := o.Value.UnmarshalJSON(data); err != nil {
		return err
	}
	o.Set = true
	return nil
}

func blankAmount(data []byte) bool {
	s := strings.TrimSpace(string(data))
	if s == "" || s == "null" {
		return true
	}
	var str string
	if strings.HasPrefix(s, `"`) && json.Unmarshal(data, &str) == nil {
		return strings.TrimSpace(str) == ""
	}
	return false
}

func (a Amount) Float64() float64 { return float64(a) }

func (a Amount) String() string {
	return strconv.FormatFloat(float64(a), 'f', -1, 64)
}

// Round6 rounds v half away from zero to 6 decimal places.
func Round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// SuggestedPrice applies a percentage markup to base.
func SuggestedPrice(base, markupPercent float64) float64 {
	return Round6(base * (1 + markupPercent/100))
}
