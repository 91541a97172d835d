package rules

import (
	"context"
	"fmt"
	"time"

	"canopy/internal/criteria"
	"canopy/internal/domain"
)

// Evaluator runs the automated criteria attached to a task. A failing,
// panicking, timed-out, or unknown criterion never aborts the batch; it
// yields a zero-score failed result and the remaining checks still run.
type Evaluator struct {
	Registry *criteria.Registry
	Weights  map[string]float64
	Timeout  time.Duration
	Now      func() time.Time
}

func (e Evaluator) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Evaluate produces one CriterionResult per id in criteriaIDs, in order.
func (e Evaluator) Evaluate(ctx context.Context, criteriaIDs []string, sub *domain.Submission) []domain.CriterionResult {
	results := make([]domain.CriterionResult, 0, len(criteriaIDs))
	for _, id := range criteriaIDs {
		results = append(results, e.evaluateOne(ctx, id, sub))
	}
	return results
}

func (e Evaluator) evaluateOne(ctx context.Context, id string, sub *domain.Submission) domain.CriterionResult {
	ts := e.now().UTC().Format(time.RFC3339)
	crit, ok := e.Registry.Get(id)
	if !ok {
		return failed(id, ts, fmt.Sprintf("criterion %s not registered", id))
	}

	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res domain.CriterionResult
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("criterion panicked: %v", r)}
			}
		}()
		res, err := crit.Evaluate(cctx, sub)
		ch <- outcome{res: res, err: err}
	}()

	select {
	case <-cctx.Done():
		return failed(id, ts, "criterion evaluation timed out")
	case out := <-ch:
		if out.err != nil {
			return failed(id, ts, out.err.Error())
		}
		res := out.res
		res.Criterion = id
		res.Timestamp = ts
		if res.EvaluatorID == "" {
			res.EvaluatorID = "builtin/" + id
		}
		return res
	}
}

func failed(id, ts, reason string) domain.CriterionResult {
	return domain.CriterionResult{
		Criterion:   id,
		Passed:      false,
		Score:       0,
		Confidence:  0,
		Evidence:    map[string]any{"error": reason},
		EvaluatorID: "builtin/" + id,
		Timestamp:   ts,
	}
}

// Aggregate computes the weighted mean of the given results, renormalizing
// the weights over the subset actually present. An empty input yields 0.
func (e Evaluator) Aggregate(results []domain.CriterionResult) float64 {
	var weighted, total float64
	for _, r := range results {
		w, ok := e.Weights[r.Criterion]
		if !ok {
			continue
		}
		weighted += r.Score * w
		total += w
	}
	if total == 0 {
		return 0
	}
	return weighted / total
}
