// Package evaluator decides a verdict for every rule against a parsed
// configuration. Built-in rules run their typed Check; rules without one go
// through the Heuristic.
package evaluator

import (
	"context"
	"io"
	"time"

	"github.com/PiotrMackowski/ClosedSTIG/internal/finding"
	"github.com/PiotrMackowski/ClosedSTIG/internal/parser"
	"github.com/PiotrMackowski/ClosedSTIG/internal/rules"
	"github.com/sirupsen/logrus"
)

// Evaluator runs rules against a configuration. It holds no per-job state
// and is safe for concurrent use.
type Evaluator struct {
	logger    *logrus.Logger
	heuristic *Heuristic
	now       func() time.Time
}

// New creates an Evaluator. A nil logger discards output.
func New(logger *logrus.Logger) *Evaluator {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Evaluator{
		logger:    logger,
		heuristic: NewHeuristic(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Evaluate returns exactly one result per rule, in input order.
func (e *Evaluator) Evaluate(rs []rules.Rule, cfg *parser.ParsedConfig) []finding.Result {
	results, _ := e.EvaluateContext(context.Background(), rs, cfg)
	return results
}

// EvaluateContext is Evaluate with cooperative cancellation: the rule in
// flight when ctx is cancelled finishes, the rest are skipped and ctx.Err()
// is returned alongside the partial results.
func (e *Evaluator) EvaluateContext(ctx context.Context, rs []rules.Rule, cfg *parser.ParsedConfig) ([]finding.Result, error) {
	if cfg == nil {
		cfg = parser.NewParsedConfig("", "")
	}
	results := make([]finding.Result, 0, len(rs))
	for _, r := range rs {
		if err := ctx.Err(); err != nil {
			e.logger.WithFields(logrus.Fields{
				"evaluated": len(results),
				"total":     len(rs),
			}).Warn("Evaluation cancelled")
			return results, err
		}
		results = append(results, e.evaluateRule(r, cfg))
	}

	summary := finding.NewSummary(results)
	e.logger.WithFields(logrus.Fields{
		"platform": cfg.Platform,
		"total":    summary.TotalChecks,
		"passed":   summary.Passed,
		"failed":   summary.Failed,
	}).Info("Configuration analysis complete")

	return results, nil
}

// evaluateRule never panics: a failure inside a check becomes an ERROR
// result for that rule alone.
func (e *Evaluator) evaluateRule(r rules.Rule, cfg *parser.ParsedConfig) (res finding.Result) {
	res = finding.Result{
		RuleID:    r.ID,
		Title:     r.Title,
		Severity:  finding.ParseSeverity(string(r.Severity)),
		CheckedAt: e.now(),
	}

	defer func() {
		if p := recover(); p != nil {
			e.logger.WithFields(logrus.Fields{
				"rule_id": r.ID,
				"panic":   p,
			}).Error("Rule evaluation panicked")
			res.Status = finding.StatusError
			res.FindingDetails = "Error evaluating rule: check aborted"
		}
		res.Normalize()
	}()

	if r.Check != nil {
		res.Status, res.FindingDetails = NewCheck(*r.Check).Evaluate(cfg)
	} else {
		res.Status, res.FindingDetails = e.heuristic.Evaluate(r, cfg)
	}
	return res
}
