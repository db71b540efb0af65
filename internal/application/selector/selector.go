package selector

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/execution-hub/paid-dispatch/internal/domain/dispatch"
	"github.com/execution-hub/paid-dispatch/internal/domain/executor"
	"github.com/execution-hub/paid-dispatch/internal/infrastructure/metrics"
)

// Selector ranks candidates, consulting an external scorer first when one is
// enabled.
type Selector struct {
	scorer  Scorer
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// New builds a Selector. scorer may be nil.
func New(scorer Scorer, m *metrics.Metrics, logger zerolog.Logger) *Selector {
	return &Selector{
		scorer:  scorer,
		metrics: m,
		logger:  logger.With().Str("service", "selector").Logger(),
	}
}

// Select returns candidates in dispatch order. When the scorer picks a known
// executor it goes first and the rest follow in built-in order.
func (s *Selector) Select(ctx context.Context, req Request) (Selection, error) {
	if s.scorer == nil || !s.scorer.Enabled() || len(req.Candidates) == 0 {
		sel, err := Rank(req)
		if err == nil {
			s.metrics.ObserveSelection(string(req.Strategy), false)
		}
		return sel, err
	}

	verdict, scoreErr := s.scorer.Score(ctx, req)
	if scoreErr == nil {
		scoreErr = checkVerdict(verdict, req.Candidates)
	}

	builtIn, err := Rank(req)
	if scoreErr != nil {
		s.logger.Warn().Err(scoreErr).Str("strategy", string(req.Strategy)).Msg("external scorer failed, using built-in strategy")
		if err != nil {
			return Selection{}, err
		}
		for i := range builtIn.Meta {
			builtIn.Meta[i].Fallback = true
		}
		s.metrics.ObserveSelection(string(req.Strategy), false)
		return builtIn, nil
	}

	// The scorer's pick stands even when the built-in strategy could not rank
	// (for example closest with no located executors).
	var picked *executor.Executor
	for _, e := range req.Candidates {
		if e.ID == verdict.ExecutorID {
			picked = e
			break
		}
	}
	head := dispatch.SelectionMeta{
		Strategy:   req.Strategy,
		Rank:       1,
		Reason:     verdict.Reason,
		Delegated:  true,
		Confidence: clampConfidence(verdict.Confidence),
	}
	if p, ok := picked.PriceFor(req.Intent.Identifiers()); ok {
		head.Price = ptr(p)
	}
	sel := Selection{
		Executors: []*executor.Executor{picked},
		Meta:      []dispatch.SelectionMeta{head},
	}
	if err == nil {
		for i, e := range builtIn.Executors {
			if e.ID == picked.ID {
				continue
			}
			meta := builtIn.Meta[i]
			meta.Rank = len(sel.Executors) + 1
			sel.Executors = append(sel.Executors, e)
			sel.Meta = append(sel.Meta, meta)
		}
	}
	s.metrics.ObserveSelection(string(req.Strategy), true)
	return sel, nil
}

func checkVerdict(v *Verdict, candidates []*executor.Executor) error {
	if v == nil {
		return fmt.Errorf("scorer returned no verdict")
	}
	for _, e := range candidates {
		if e.ID == v.ExecutorID {
			return nil
		}
	}
	return fmt.Errorf("scorer selected unknown executor %q", v.ExecutorID)
}

func clampConfidence(c *float64) *float64 {
	if c == nil || math.IsNaN(*c) {
		return nil
	}
	return ptr(math.Max(0, math.Min(1, *c)))
}
