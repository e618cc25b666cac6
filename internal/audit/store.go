package audit

import (
	"context"

	"github.com/PiotrMackowski/ClosedSTIG/internal/finding"
	"github.com/PiotrMackowski/ClosedSTIG/internal/rules"
)

// Store persists audit state. Lookups of missing rows return an error
// wrapping ErrNotFound.
type Store interface {
	CreateTarget(ctx context.Context, t *Target) error
	GetTarget(ctx context.Context, id string) (*Target, error)
	ListTargets(ctx context.Context) ([]Target, error)

	// CreateDefinition stores a definition together with its imported rules
	// in one transaction.
	CreateDefinition(ctx context.Context, d *Definition, rs []rules.Rule) error
	GetDefinition(ctx context.Context, id string) (*Definition, error)
	ListDefinitions(ctx context.Context) ([]Definition, error)
	DefinitionRules(ctx context.Context, definitionID string) ([]rules.Rule, error)

	SetAssignment(ctx context.Context, a Assignment) error
	ListAssignments(ctx context.Context, targetID string) ([]Assignment, error)

	CreateJob(ctx context.Context, j *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, targetID string) ([]Job, error)

	// TransitionJob moves a job to `to` only if its current status is one
	// of from, stamping started_at, completed_at and error_message as the
	// target state requires. It returns ErrInvalidTransition otherwise.
	TransitionJob(ctx context.Context, id string, from []JobStatus, to JobStatus, errMsg string) error

	// CompleteJob atomically flips RUNNING → COMPLETED, inserts results and
	// stamps the target's last_audit_at. If the job is no longer RUNNING
	// nothing is written and ErrJobNotRunning is returned.
	CompleteJob(ctx context.Context, jobID string, results []finding.Result) error

	// CreateGroup inserts the group and all its jobs in one transaction.
	CreateGroup(ctx context.Context, g *Group, jobs []*Job) error
	GetGroup(ctx context.Context, id string) (*Group, error)
	ListGroupJobs(ctx context.Context, groupID string) ([]Job, error)

	ListResults(ctx context.Context, jobID string) ([]finding.Result, error)
	// AddResultComment appends to a result's comments.
	AddResultComment(ctx context.Context, resultID, comment string) error

	Close() error
}
