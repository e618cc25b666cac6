// Package audit owns the audit job lifecycle: validating requests,
// creating and dispatching jobs, executing them against a device
// configuration, cancellation, and the aggregated views over jobs and
// groups.
package audit

import (
	"time"

	"github.com/PiotrMackowski/ClosedSTIG/internal/parser"
)

// JobStatus is the lifecycle state of an audit job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// CanTransition reports whether from → to is an allowed transition.
func CanTransition(from, to JobStatus) bool {
	switch to {
	case JobRunning:
		return from == JobPending
	case JobCompleted, JobFailed:
		return from == JobRunning
	case JobCancelled:
		return from == JobPending || from == JobRunning
	}
	return false
}

// Job is one audit of one target against one definition.
type Job struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	TargetID     string     `json:"target_id"`
	DefinitionID string     `json:"definition_id"`
	Status       JobStatus  `json:"status"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	GroupID      string     `json:"group_id,omitempty"`
	CreatedBy    string     `json:"created_by,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Group is a set of jobs started together for every enabled assignment of
// a target. TotalJobs is frozen at creation.
type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	TargetID  string    `json:"target_id"`
	TotalJobs int       `json:"total_jobs"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// GroupView is a Group with its status derived from the member jobs.
type GroupView struct {
	Group
	Status        JobStatus `json:"status"`
	CompletedJobs int       `json:"completed_jobs"`
	Jobs          []Job     `json:"jobs"`
}

// DeriveGroupStatus computes a group's status from its members: running
// while any member is pending or running, completed when all completed,
// failed otherwise.
func DeriveGroupStatus(jobs []Job) (status JobStatus, completed int) {
	if len(jobs) == 0 {
		return JobPending, 0
	}
	active := false
	for _, j := range jobs {
		switch j.Status {
		case JobCompleted:
			completed++
		case JobPending, JobRunning:
			active = true
		}
	}
	switch {
	case active:
		return JobRunning, completed
	case completed == len(jobs):
		return JobCompleted, completed
	default:
		return JobFailed, completed
	}
}

// Target is a device under audit.
type Target struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	IPAddress   string          `json:"ip_address,omitempty"`
	Platform    parser.Platform `json:"platform"`
	Port        int             `json:"port,omitempty"`
	Username    string          `json:"username,omitempty"`
	ConfigPath  string          `json:"config_path,omitempty"`
	IsActive    bool            `json:"is_active"`
	LastAuditAt *time.Time      `json:"last_audit_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Definition is a STIG the service can audit against. STIGID doubles as
// the XCCDF benchmark id.
type Definition struct {
	ID          string     `json:"id"`
	STIGID      string     `json:"stig_id"`
	Title       string     `json:"title"`
	Version     string     `json:"version"`
	ReleaseDate *time.Time `json:"release_date,omitempty"`
	Description string     `json:"description,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Assignment links a target to a definition it should be audited against.
type Assignment struct {
	TargetID     string `json:"target_id"`
	DefinitionID string `json:"definition_id"`
	Enabled      bool   `json:"enabled"`
}
