// Package analyzer runs the parse, resolve and evaluate pipeline for one
// configuration.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/PiotrMackowski/ClosedSTIG/internal/collector"
	"github.com/PiotrMackowski/ClosedSTIG/internal/evaluator"
	"github.com/PiotrMackowski/ClosedSTIG/internal/finding"
	"github.com/PiotrMackowski/ClosedSTIG/internal/parser"
	"github.com/PiotrMackowski/ClosedSTIG/internal/resolver"
	"github.com/PiotrMackowski/ClosedSTIG/internal/rules"
	"github.com/sirupsen/logrus"
)

// ParseErrorRuleID identifies the synthetic result emitted when a
// configuration cannot be parsed.
const ParseErrorRuleID = "CONFIG-PARSE-ERROR"

// Resolver supplies the rule list for a platform.
type Resolver interface {
	Resolve(ctx context.Context, platform parser.Platform, ref resolver.Reference) (resolver.Resolution, error)
}

// Input is one configuration to analyze.
type Input struct {
	Content   string
	Platform  parser.Platform
	Reference resolver.Reference
}

// Output is what the pipeline produced. Config is nil when parsing failed.
type Output struct {
	Platform parser.Platform
	Config   *parser.ParsedConfig
	Source   rules.Source
	Rules    []rules.Rule
	Results  []finding.Result
}

// Analyzer wires a parser, a resolver and an evaluator together.
type Analyzer struct {
	resolver   Resolver
	evaluator  *evaluator.Evaluator
	maxXMLSize int64
	logger     *logrus.Logger
}

// New creates an Analyzer. maxXMLSize caps XML-based configurations; zero
// uses the parser default.
func New(res Resolver, ev *evaluator.Evaluator, maxXMLSize int64, logger *logrus.Logger) *Analyzer {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	if ev == nil {
		ev = evaluator.New(logger)
	}
	return &Analyzer{resolver: res, evaluator: ev, maxXMLSize: maxXMLSize, logger: logger}
}

// Resolve exposes the resolver so callers can build results without a
// configuration, e.g. when the device could not be reached.
func (a *Analyzer) Resolve(ctx context.Context, platform parser.Platform, ref resolver.Reference) (resolver.Resolution, error) {
	return a.resolver.Resolve(ctx, platform, ref)
}

// Analyze parses in.Content, resolves the rules and evaluates them. A
// configuration that cannot be parsed yields a single CONFIG-PARSE-ERROR
// result rather than an error so the job still completes with a visible
// diagnostic. Resolver failures and cancellation are returned as errors.
func (a *Analyzer) Analyze(ctx context.Context, in Input) (*Output, error) {
	out := &Output{Platform: in.Platform}

	cfg, err := parser.Parse(in.Content, in.Platform, parser.Options{
		MaxXMLSize: a.maxXMLSize,
		Logger:     a.logger,
	})
	if err != nil {
		a.logger.WithError(err).WithField("platform", in.Platform).Error("Configuration parsing failed")
		out.Results = []finding.Result{ParseError(in.Platform, err)}
		return out, nil
	}
	out.Config = cfg
	a.logger.WithFields(logrus.Fields{
		"platform":   in.Platform,
		"hostname":   cfg.Hostname,
		"interfaces": len(cfg.Interfaces),
	}).Info("Configuration parsed")

	res, err := a.resolver.Resolve(ctx, in.Platform, in.Reference)
	if err != nil {
		return nil, err
	}
	out.Source = res.Source
	out.Rules = res.Rules

	out.Results, err = a.evaluator.EvaluateContext(ctx, res.Rules, cfg)
	if err != nil {
		return out, err
	}
	return out, nil
}

// ParseError builds the synthetic result for an unparseable configuration.
// The details name the kind of failure only; callers log err itself.
func ParseError(platform parser.Platform, err error) finding.Result {
	r := finding.Result{
		RuleID:    ParseErrorRuleID,
		Severity:  finding.High,
		Status:    finding.StatusError,
		CheckedAt: time.Now().UTC(),
	}
	if errors.Is(err, parser.ErrNoParser) {
		r.Title = fmt.Sprintf("No parser available for platform: %s", platform)
		r.FindingDetails = fmt.Sprintf("Configuration analysis is not supported for %s", platform)
		return r
	}
	r.Title = "Configuration parsing failed"
	var limitErr *parser.LimitError
	if errors.As(err, &limitErr) {
		r.FindingDetails = fmt.Sprintf("Failed to parse configuration: %d bytes exceeds the %d byte limit", limitErr.Size, limitErr.Limit)
	} else {
		r.FindingDetails = "Failed to parse configuration: content could not be read as " + string(platform)
	}
	return r
}

// Unreachable marks every rule as ERROR because the configuration could
// not be fetched. Only the kind of cause is recorded.
func Unreachable(rs []rules.Rule, cause error) []finding.Result {
	now := time.Now().UTC()
	details := "device unreachable: " + collector.Describe(cause)
	out := make([]finding.Result, len(rs))
	for i, r := range rs {
		out[i] = finding.Result{
			RuleID:         r.ID,
			Title:          r.Title,
			Severity:       finding.ParseSeverity(string(r.Severity)),
			Status:         finding.StatusError,
			FindingDetails: details,
			CheckedAt:      now,
		}
	}
	return out
}
