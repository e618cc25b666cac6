package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PiotrMackowski/ClosedSTIG/internal/parser"
	"github.com/PiotrMackowski/ClosedSTIG/internal/rules"
	"github.com/PiotrMackowski/ClosedSTIG/internal/xccdf"
	"github.com/google/uuid"
)

// CreateTarget registers a device. New targets are active.
func (s *Service) CreateTarget(ctx context.Context, t Target) (*Target, error) {
	if t.Name == "" {
		return nil, invalid("name", errors.New("is required"))
	}
	p, err := parser.ParsePlatform(string(t.Platform))
	if err != nil {
		return nil, invalid("platform", err)
	}
	if t.IPAddress == "" && t.ConfigPath == "" {
		return nil, invalid("ip_address", errors.New("or config_path is required"))
	}
	t.ID = uuid.NewString()
	t.Platform = p
	t.IsActive = true
	t.CreatedAt = time.Now().UTC()
	if err := s.store.CreateTarget(ctx, &t); err != nil {
		return nil, fmt.Errorf("creating target: %w", err)
	}
	return &t, nil
}

// Targets lists every target.
func (s *Service) Targets(ctx context.Context) ([]Target, error) {
	return s.store.ListTargets(ctx)
}

// Assign enables or disables a definition for a target.
func (s *Service) Assign(ctx context.Context, a Assignment) error {
	if _, err := s.store.GetTarget(ctx, a.TargetID); err != nil {
		return err
	}
	if _, err := s.store.GetDefinition(ctx, a.DefinitionID); err != nil {
		return err
	}
	return s.store.SetAssignment(ctx, a)
}

// ImportDefinition stores an extracted benchmark as a definition with its
// rules, making them the highest-priority rule source for jobs that use it.
func (s *Service) ImportDefinition(ctx context.Context, b *xccdf.Benchmark, rs []rules.Rule) (*Definition, error) {
	if b == nil || b.ID == "" {
		return nil, invalid("benchmark", xccdf.ErrNoBenchmarkID)
	}
	def := &Definition{
		ID:          uuid.NewString(),
		STIGID:      b.ID,
		Title:       b.Title,
		Version:     fmt.Sprintf("V%sR%d", b.Version, b.Release),
		ReleaseDate: b.ReleaseDate,
		Description: b.Description,
		CreatedAt:   time.Now().UTC(),
	}
	for i := range rs {
		rs[i].Source = rules.SourceDatabase
	}
	if err := s.store.CreateDefinition(ctx, def, rs); err != nil {
		return nil, fmt.Errorf("importing definition %s: %w", b.ID, err)
	}
	return def, nil
}

// CreateDefinition registers a definition without rules. Jobs against it
// draw rules from the XCCDF library or the built-in tables.
func (s *Service) CreateDefinition(ctx context.Context, d Definition) (*Definition, error) {
	if d.STIGID == "" {
		return nil, invalid("stig_id", errors.New("is required"))
	}
	if d.Title == "" {
		d.Title = d.STIGID
	}
	d.ID = uuid.NewString()
	d.CreatedAt = time.Now().UTC()
	if err := s.store.CreateDefinition(ctx, &d, nil); err != nil {
		return nil, fmt.Errorf("creating definition: %w", err)
	}
	return &d, nil
}

// Definitions lists every definition.
func (s *Service) Definitions(ctx context.Context) ([]Definition, error) {
	return s.store.ListDefinitions(ctx)
}
