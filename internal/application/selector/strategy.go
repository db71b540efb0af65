package selector

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/execution-hub/paid-dispatch/internal/domain/dispatch"
	"github.com/execution-hub/paid-dispatch/internal/domain/executor"
	"github.com/execution-hub/paid-dispatch/internal/domain/fault"
)

// Weights of the smart strategy.
const (
	smartPriceWeight        = 0.3
	smartDistanceWeight     = 0.3
	smartAvailabilityWeight = 0.2
	smartReadinessWeight    = 0.2
)

// Request is the input to a selection.
type Request struct {
	Candidates []*executor.Executor
	Intent     dispatch.Intent
	Strategy   dispatch.Strategy
	Target     *executor.Location
	Context    map[string]any
}

// Selection is an ordered list of executors with the metadata that ranked them.
type Selection struct {
	Executors []*executor.Executor
	Meta      []dispatch.SelectionMeta
}

// Len returns the number of selected executors.
func (s Selection) Len() int { return len(s.Executors) }

// Truncate keeps the first n entries. Ranks are preserved.
func (s Selection) Truncate(n int) Selection {
	if n <= 0 || n >= len(s.Executors) {
		return s
	}
	return Selection{Executors: s.Executors[:n], Meta: s.Meta[:n]}
}

type ranked struct {
	exec *executor.Executor
	meta dispatch.SelectionMeta
}

// Rank orders candidates with a built-in strategy. It has no side effects
// apart from consuming randomness for the random strategy.
func Rank(req Request) (Selection, error) {
	tokens := req.Intent.Identifiers()
	items := make([]ranked, len(req.Candidates))
	for i, e := range req.Candidates {
		items[i] = ranked{exec: e, meta: dispatch.SelectionMeta{Strategy: req.Strategy}}
		if p, ok := e.PriceFor(tokens); ok {
			items[i].meta.Price = ptr(p)
		}
	}

	switch req.Strategy {
	case dispatch.StrategyLowestPrice:
		sortByPrice(items, false)
	case dispatch.StrategyHighestPrice:
		sortByPrice(items, true)
	case dispatch.StrategySequential:
	case dispatch.StrategyRandom:
		shuffle(items)
	case dispatch.StrategyClosest:
		var err error
		items, err = closest(items, req.Target)
		if err != nil {
			return Selection{}, err
		}
	case dispatch.StrategySmart:
		smart(items, tokens, req.Target)
	case dispatch.StrategyFastest:
		fastest(items)
	default:
		return Selection{}, fault.Wrap(fault.KindValidation, "selector.rank",
			fmt.Errorf("%w: %q", dispatch.ErrInvalidStrategy, req.Strategy))
	}

	sel := Selection{
		Executors: make([]*executor.Executor, len(items)),
		Meta:      make([]dispatch.SelectionMeta, len(items)),
	}
	for i, it := range items {
		it.meta.Rank = i + 1
		sel.Executors[i] = it.exec
		sel.Meta[i] = it.meta
	}
	return sel, nil
}

// sortByPrice is a stable sort with unpriced executors last.
func sortByPrice(items []ranked, descending bool) {
	sort.SliceStable(items, func(i, j int) bool {
		pi, pj := items[i].meta.Price, items[j].meta.Price
		switch {
		case pi == nil:
			return false
		case pj == nil:
			return true
		case descending:
			return *pi > *pj
		default:
			return *pi < *pj
		}
	})
}

// shuffle is an in-place Fisher-Yates shuffle. Order is not reproducible.
func shuffle(items []ranked) {
	for i := len(items) - 1; i > 0; i-- {
		j := rand.IntN(i + 1)
		items[i], items[j] = items[j], items[i]
	}
}

func closest(items []ranked, target *executor.Location) ([]ranked, error) {
	const op = "selector.closest"
	if target == nil {
		return nil, fault.New(fault.KindValidation, op, "closest strategy requires a target location")
	}
	located := make([]ranked, 0, len(items))
	for _, it := range items {
		if it.exec.Location == nil {
			continue
		}
		it.meta.Distance = ptr(it.exec.Location.Distance(*target))
		located = append(located, it)
	}
	if len(located) == 0 {
		return nil, fault.New(fault.KindIndeterminate, op, "no candidate executor reports a location")
	}
	sort.SliceStable(located, func(i, j int) bool {
		return *located[i].meta.Distance < *located[j].meta.Distance
	})
	return located, nil
}

func smart(items []ranked, tokens []string, target *executor.Location) {
	minP, maxP := math.Inf(1), math.Inf(-1)
	for _, it := range items {
		if it.meta.Price != nil {
			minP = math.Min(minP, *it.meta.Price)
			maxP = math.Max(maxP, *it.meta.Price)
		}
	}
	minD, maxD := math.Inf(1), math.Inf(-1)
	if target != nil {
		for i := range items {
			if loc := items[i].exec.Location; loc != nil {
				d := loc.Distance(*target)
				items[i].meta.Distance = ptr(d)
				minD = math.Min(minD, d)
				maxD = math.Max(maxD, d)
			}
		}
	}

	for i := range items {
		it := &items[i]
		score := 0.0
		if it.meta.Price != nil {
			score += smartPriceWeight * normalizeInverse(*it.meta.Price, minP, maxP)
		}
		if it.meta.Distance != nil {
			score += smartDistanceWeight * normalizeInverse(*it.meta.Distance, minD, maxD)
		}
		if _, ok := it.exec.MatchMethod(tokens); ok {
			score += smartAvailabilityWeight
		}
		if it.exec.Status.Ready() {
			score += smartReadinessWeight
		}
		it.meta.Score = ptr(score)
		it.meta.Confidence = ptr(math.Max(0, math.Min(1, score)))
	}
	sort.SliceStable(items, func(i, j int) bool {
		return *items[i].meta.Score > *items[j].meta.Score
	})
}

// normalizeInverse maps v in [lo, hi] to [0, 1] with lo scoring 1.
func normalizeInverse(v, lo, hi float64) float64 {
	if hi <= lo {
		return 1
	}
	return (hi - v) / (hi - lo)
}

// fastest puts the most recently probed executor first.
func fastest(items []ranked) {
	sort.SliceStable(items, func(i, j int) bool {
		ti, tj := items[i].exec.LastProbedAt, items[j].exec.LastProbedAt
		switch {
		case ti == nil:
			return false
		case tj == nil:
			return true
		default:
			return ti.After(*tj)
		}
	})
}

func ptr(v float64) *float64 { return &v }
