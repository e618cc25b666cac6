package audit

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/PiotrMackowski/ClosedSTIG/internal/finding"
	"github.com/PiotrMackowski/ClosedSTIG/internal/rules"
	"github.com/google/uuid"
)

// memStore is an in-memory Store with the same conditional-transition
// semantics as the SQL store.
type memStore struct {
	mu          sync.Mutex
	targets     map[string]Target
	defs        map[string]Definition
	defRules    map[string][]rules.Rule
	assignments []Assignment
	jobs        map[string]Job
	groups      map[string]Group
	results     map[string][]finding.Result

	// beforeComplete runs inside CompleteJob before the status check.
	beforeComplete func(jobID string)
}

func newMemStore() *memStore {
	return &memStore{
		targets:  map[string]Target{},
		defs:     map[string]Definition{},
		defRules: map[string][]rules.Rule{},
		jobs:     map[string]Job{},
		groups:   map[string]Group{},
		results:  map[string][]finding.Result{},
	}
}

func notFound(kind, id string) error { return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound) }

func (m *memStore) CreateTarget(_ context.Context, t *Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[t.ID] = *t
	return nil
}

func (m *memStore) GetTarget(_ context.Context, id string) (*Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.targets[id]
	if !ok {
		return nil, notFound("target", id)
	}
	return &t, nil
}

func (m *memStore) ListTargets(context.Context) ([]Target, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Target
	for _, t := range m.targets {
		out = append(out, t)
	}
	return out, nil
}

func (m *memStore) CreateDefinition(_ context.Context, d *Definition, rs []rules.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defs[d.ID] = *d
	m.defRules[d.ID] = rs
	return nil
}

func (m *memStore) GetDefinition(_ context.Context, id string) (*Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.defs[id]
	if !ok {
		return nil, notFound("definition", id)
	}
	return &d, nil
}

func (m *memStore) ListDefinitions(context.Context) ([]Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Definition
	for _, d := range m.defs {
		out = append(out, d)
	}
	return out, nil
}

func (m *memStore) DefinitionRules(_ context.Context, id string) ([]rules.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.defRules[id], nil
}

func (m *memStore) SetAssignment(_ context.Context, a Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.assignments {
		if existing.TargetID == a.TargetID && existing.DefinitionID == a.DefinitionID {
			m.assignments[i] = a
			return nil
		}
	}
	m.assignments = append(m.assignments, a)
	return nil
}

func (m *memStore) ListAssignments(_ context.Context, targetID string) ([]Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Assignment
	for _, a := range m.assignments {
		if a.TargetID == targetID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) CreateJob(_ context.Context, j *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = *j
	return nil
}

func (m *memStore) GetJob(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, notFound("job", id)
	}
	return &j, nil
}

func (m *memStore) ListJobs(_ context.Context, targetID string) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Job
	for _, j := range m.jobs {
		if targetID == "" || j.TargetID == targetID {
			out = append(out, j)
		}
	}
	return out, nil
}

func (m *memStore) TransitionJob(_ context.Context, id string, from []JobStatus, to JobStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return notFound("job", id)
	}
	if !slices.Contains(from, j.Status) || !CanTransition(j.Status, to) {
		return ErrInvalidTransition
	}
	now := time.Now().UTC()
	j.Status = to
	switch {
	case to == JobRunning:
		j.StartedAt = &now
	case to.Terminal():
		j.CompletedAt = &now
	}
	if to == JobFailed {
		j.ErrorMessage = errMsg
	}
	m.jobs[id] = j
	return nil
}

func (m *memStore) CompleteJob(_ context.Context, jobID string, results []finding.Result) error {
	if m.beforeComplete != nil {
		m.beforeComplete(jobID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[jobID]
	if !ok || j.Status != JobRunning {
		return ErrJobNotRunning
	}
	now := time.Now().UTC()
	j.Status = JobCompleted
	j.CompletedAt = &now
	m.jobs[jobID] = j
	stored := make([]finding.Result, len(results))
	for i, r := range results {
		r.ID = uuid.NewString()
		r.JobID = jobID
		stored[i] = r
	}
	m.results[jobID] = stored
	if t, ok := m.targets[j.TargetID]; ok {
		t.LastAuditAt = &now
		m.targets[j.TargetID] = t
	}
	return nil
}

func (m *memStore) CreateGroup(_ context.Context, g *Group, jobs []*Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[g.ID] = *g
	for _, j := range jobs {
		m.jobs[j.ID] = *j
	}
	return nil
}

func (m *memStore) GetGroup(_ context.Context, id string) (*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return nil, notFound("group", id)
	}
	return &g, nil
}

func (m *memStore) ListGroupJobs(_ context.Context, groupID string) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Job
	for _, j := range m.jobs {
		if j.GroupID == groupID {
			out = append(out, j)
		}
	}
	slices.SortFunc(out, func(a, b Job) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out, nil
}

func (m *memStore) ListResults(_ context.Context, jobID string) ([]finding.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.results[jobID]), nil
}

func (m *memStore) AddResultComment(_ context.Context, resultID, comment string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for jobID, rs := range m.results {
		for i := range rs {
			if rs[i].ID == resultID {
				if rs[i].Comments != "" {
					rs[i].Comments += "\n"
				}
				rs[i].Comments += comment
				m.results[jobID] = rs
				return nil
			}
		}
	}
	return notFound("result", resultID)
}

func (m *memStore) Close() error { return nil }
