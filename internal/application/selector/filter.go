package selector

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Knetic/govaluate"

	"github.com/execution-hub/paid-dispatch/internal/domain/executor"
	"github.com/execution-hub/paid-dispatch/internal/domain/fault"
)

// Filter is a compiled candidate filter expression, for example
// `priced && price <= 0.25 && secure`.
//
// Variables: price, priced, secure, requiresSecure, name, id, lat, lng,
// located, probedAgeSeconds, methods.
type Filter struct {
	expr *govaluate.EvaluableExpression
	now  func() time.Time
}

// CompileFilter parses expression. An empty expression yields a nil Filter
// that accepts every executor.
func CompileFilter(expression string) (*Filter, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, nil
	}
	expr, err := govaluate.NewEvaluableExpression(expression)
	if err != nil {
		return nil, fault.Wrap(fault.KindValidation, "selector.filter", fmt.Errorf("invalid filter: %w", err))
	}
	return &Filter{expr: expr, now: time.Now}, nil
}

// Apply keeps the executors for which the expression is true.
func (f *Filter) Apply(execs []*executor.Executor, tokens []string) ([]*executor.Executor, error) {
	if f == nil {
		return execs, nil
	}
	out := make([]*executor.Executor, 0, len(execs))
	for _, e := range execs {
		ok, err := f.match(e, tokens)
		if err != nil {
			return nil, fault.Wrap(fault.KindValidation, "selector.filter", err)
		}
		if ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *Filter) match(e *executor.Executor, tokens []string) (bool, error) {
	result, err := f.expr.Evaluate(filterParams(e, tokens, f.now()))
	if err != nil {
		return false, err
	}
	switch v := result.(type) {
	case bool:
		return v, nil
	default:
		return false, errors.New("filter did not evaluate to boolean")
	}
}

func filterParams(e *executor.Executor, tokens []string, now time.Time) map[string]interface{} {
	params := map[string]interface{}{
		"id":               e.ID,
		"name":             e.Name,
		"secure":           e.Status.Secure,
		"requiresSecure":   e.RequiresSecure,
		"methods":          float64(len(e.Status.AvailableMethods)),
		"price":            -1.0,
		"priced":           false,
		"lat":              0.0,
		"lng":              0.0,
		"located":          false,
		"probedAgeSeconds": -1.0,
	}
	if p, ok := e.PriceFor(tokens); ok {
		params["price"] = p
		params["priced"] = true
	}
	if e.Location != nil {
		params["lat"] = e.Location.Lat
		params["lng"] = e.Location.Lng
		params["located"] = true
	}
	if e.LastProbedAt != nil {
		params["probedAgeSeconds"] = now.Sub(*e.LastProbedAt).Seconds()
	}
	return params
}
