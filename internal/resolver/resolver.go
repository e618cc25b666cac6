// Package resolver picks the rule list a job evaluates. Sources are tried
// in strict priority order: rules stored for the definition, then the XCCDF
// library, then the built-in table for the platform.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/PiotrMackowski/ClosedSTIG/internal/parser"
	"github.com/PiotrMackowski/ClosedSTIG/internal/rules"
	"github.com/PiotrMackowski/ClosedSTIG/internal/xccdf"
	"github.com/sirupsen/logrus"
)

// RuleStore returns the rules imported into the database for a definition.
type RuleStore interface {
	DefinitionRules(ctx context.Context, definitionID string) ([]rules.Rule, error)
}

// Library is the XCCDF rule cache.
type Library interface {
	GetOrLoad(benchmarkID string) ([]rules.Rule, error)
}

// Reference names the rule sources a job may draw from. Either field may
// be empty.
type Reference struct {
	DefinitionID string
	BenchmarkID  string
}

// Resolution is the chosen rule list and where it came from. Source is
// empty when no source had rules.
type Resolution struct {
	Rules  []rules.Rule
	Source rules.Source
}

// Resolver implements the priority order. Any source may be nil.
type Resolver struct {
	store   RuleStore
	library Library
	builtin *rules.Catalog
	logger  *logrus.Logger
}

// New creates a Resolver.
func New(store RuleStore, library Library, builtin *rules.Catalog, logger *logrus.Logger) *Resolver {
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Resolver{store: store, library: library, builtin: builtin, logger: logger}
}

// Resolve returns the first non-empty source. A store failure is returned
// because the job cannot know which rules it should have run; a library
// failure is logged and the library is skipped.
func (r *Resolver) Resolve(ctx context.Context, platform parser.Platform, ref Reference) (Resolution, error) {
	log := r.logger.WithFields(logrus.Fields{
		"platform":      platform,
		"definition_id": ref.DefinitionID,
		"benchmark_id":  ref.BenchmarkID,
	})

	if r.store != nil && ref.DefinitionID != "" {
		rs, err := r.store.DefinitionRules(ctx, ref.DefinitionID)
		if err != nil {
			return Resolution{}, fmt.Errorf("loading rules for definition %s: %w", ref.DefinitionID, err)
		}
		if rs = dedupe(rs); len(rs) > 0 {
			return r.chosen(log, rs, rules.SourceDatabase), nil
		}
	}

	if r.library != nil && ref.BenchmarkID != "" {
		rs, err := r.library.GetOrLoad(ref.BenchmarkID)
		switch {
		case errors.Is(err, xccdf.ErrUnknownBenchmark):
			log.Debug("Benchmark not in XCCDF library")
		case err != nil:
			log.WithError(err).Warn("XCCDF library unavailable, falling back")
		default:
			if rs = dedupe(rs); len(rs) > 0 {
				return r.chosen(log, rs, rules.SourceXCCDF), nil
			}
		}
	}

	if r.builtin != nil {
		if rs := dedupe(r.builtin.ForPlatform(platform)); len(rs) > 0 {
			return r.chosen(log, rs, rules.SourceBuiltin), nil
		}
	}

	log.Warn("No rules found for platform")
	return Resolution{}, nil
}

func (r *Resolver) chosen(log *logrus.Entry, rs []rules.Rule, src rules.Source) Resolution {
	log.WithFields(logrus.Fields{
		"source": src,
		"rules":  len(rs),
	}).Info("Resolved rule source")
	return Resolution{Rules: rs, Source: src}
}

// dedupe drops rules with an empty id and later duplicates of an id.
func dedupe(rs []rules.Rule) []rules.Rule {
	seen := make(map[string]bool, len(rs))
	out := rs[:0:0]
	for _, r := range rs {
		if r.ID == "" || seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		out = append(out, r)
	}
	return out
}
