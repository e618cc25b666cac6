package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/PiotrMackowski/ClosedSTIG/internal/finding"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// GroupRequest asks for an audit of a target against every enabled
// assignment.
type GroupRequest struct {
	TargetID  string
	Name      string
	CreatedBy string
}

// StartGroup creates one job per enabled assignment, all in one
// transaction, then dispatches each. A failed dispatch fails only that job.
func (s *Service) StartGroup(ctx context.Context, req GroupRequest) (*GroupView, error) {
	if req.TargetID == "" {
		return nil, invalid("target_id", fmt.Errorf("is required"))
	}
	target, err := s.store.GetTarget(ctx, req.TargetID)
	if err != nil {
		return nil, err
	}
	if !target.IsActive {
		return nil, invalid("target_id", ErrTargetInactive)
	}

	assignments, err := s.store.ListAssignments(ctx, target.ID)
	if err != nil {
		return nil, err
	}
	var defs []*Definition
	for _, a := range assignments {
		if !a.Enabled {
			continue
		}
		def, err := s.store.GetDefinition(ctx, a.DefinitionID)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	if len(defs) == 0 {
		return nil, invalid("target_id", ErrNoAssignments)
	}

	now := time.Now().UTC()
	name := req.Name
	if name == "" {
		name = fmt.Sprintf("Audit All: %s", target.Name)
	}
	group := &Group{
		ID:        uuid.NewString(),
		Name:      name,
		TargetID:  target.ID,
		TotalJobs: len(defs),
		CreatedBy: req.CreatedBy,
		CreatedAt: now,
	}
	jobs := make([]*Job, len(defs))
	for i, def := range defs {
		jobs[i] = &Job{
			ID:           uuid.NewString(),
			Name:         fmt.Sprintf("%s - %s", target.Name, def.Title),
			TargetID:     target.ID,
			DefinitionID: def.ID,
			Status:       JobPending,
			GroupID:      group.ID,
			CreatedBy:    req.CreatedBy,
			CreatedAt:    now,
		}
	}
	if err := s.store.CreateGroup(ctx, group, jobs); err != nil {
		return nil, fmt.Errorf("creating audit group: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"group_id":  group.ID,
		"target_id": target.ID,
		"jobs":      len(jobs),
	}).Info("Audit group created")

	for _, job := range jobs {
		s.dispatch(ctx, job)
	}
	return s.GroupView(ctx, group.ID)
}

// GroupView returns a group with its status derived from its members.
func (s *Service) GroupView(ctx context.Context, groupID string) (*GroupView, error) {
	group, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	jobs, err := s.store.ListGroupJobs(ctx, groupID)
	if err != nil {
		return nil, err
	}
	status, completed := DeriveGroupStatus(jobs)
	if jobs == nil {
		jobs = []Job{}
	}
	return &GroupView{Group: *group, Status: status, CompletedJobs: completed, Jobs: jobs}, nil
}

// GroupSummary sums the summaries of the group's completed jobs.
func (s *Service) GroupSummary(ctx context.Context, groupID string) (*finding.GroupSummary, error) {
	group, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}
	jobs, err := s.store.ListGroupJobs(ctx, groupID)
	if err != nil {
		return nil, err
	}

	entries := make([]finding.JobSummary, 0, len(jobs))
	for _, j := range jobs {
		entry := finding.JobSummary{JobID: j.ID, Name: j.Name, Completed: j.Status == JobCompleted}
		if def, err := s.store.GetDefinition(ctx, j.DefinitionID); err == nil {
			entry.STIGID = def.STIGID
			entry.Title = def.Title
		}
		if entry.Completed {
			results, err := s.store.ListResults(ctx, j.ID)
			if err != nil {
				return nil, err
			}
			entry.Summary = finding.NewSummary(results)
		}
		entries = append(entries, entry)
	}

	summary := finding.NewGroupSummary(group.ID, group.TotalJobs, entries)
	return &summary, nil
}
