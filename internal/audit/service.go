package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/PiotrMackowski/ClosedSTIG/internal/analyzer"
	"github.com/PiotrMackowski/ClosedSTIG/internal/collector"
	"github.com/PiotrMackowski/ClosedSTIG/internal/finding"
	"github.com/PiotrMackowski/ClosedSTIG/internal/parser"
	"github.com/PiotrMackowski/ClosedSTIG/internal/resolver"
	"github.com/PiotrMackowski/ClosedSTIG/internal/rules"
	"github.com/PiotrMackowski/ClosedSTIG/internal/upload"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultFetchTimeout bounds configuration collection for one job.
const DefaultFetchTimeout = 60 * time.Second

// Dispatcher hands a job to whatever executes it.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

// Analyzer runs the parse, resolve and evaluate pipeline.
type Analyzer interface {
	Analyze(ctx context.Context, in analyzer.Input) (*analyzer.Output, error)
	Resolve(ctx context.Context, platform parser.Platform, ref resolver.Reference) (resolver.Resolution, error)
}

// Options configures a Service.
type Options struct {
	Store        Store
	Analyzer     Analyzer
	Collector    collector.Collector
	Dispatcher   Dispatcher
	Uploads      upload.Policy
	FetchTimeout time.Duration
	Logger       *logrus.Logger
}

// Service implements the audit job state machine on top of a Store.
type Service struct {
	store        Store
	analyzer     Analyzer
	collector    collector.Collector
	dispatcher   Dispatcher
	uploads      upload.Policy
	fetchTimeout time.Duration
	logger       *logrus.Logger
	running      *running
}

// NewService creates a Service.
func NewService(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetOutput(io.Discard)
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.Collector == nil {
		opts.Collector = collector.FileCollector{MaxSize: opts.Uploads.MaxSize}
	}
	return &Service{
		store:        opts.Store,
		analyzer:     opts.Analyzer,
		collector:    opts.Collector,
		dispatcher:   opts.Dispatcher,
		uploads:      opts.Uploads,
		fetchTimeout: opts.FetchTimeout,
		logger:       opts.Logger,
		running:      newRunning(),
	}
}

// SetDispatcher replaces the dispatcher. The inline dispatcher needs the
// service to exist first.
func (s *Service) SetDispatcher(d Dispatcher) {
	s.dispatcher = d
}

// Store returns the underlying store.
func (s *Service) Store() Store { return s.store }

// StartRequest asks for one audit of a target against a definition.
type StartRequest struct {
	TargetID     string
	DefinitionID string
	Name         string
	CreatedBy    string
}

// StartAudit validates the request, creates a PENDING job and dispatches
// it. Validation failures create nothing. A dispatch failure leaves the
// job FAILED and is reported through the returned job, not as an error.
func (s *Service) StartAudit(ctx context.Context, req StartRequest) (*Job, error) {
	target, def, err := s.validate(ctx, req.TargetID, req.DefinitionID)
	if err != nil {
		return nil, err
	}

	name := req.Name
	if name == "" {
		name = fmt.Sprintf("%s - %s", target.Name, def.Title)
	}
	job := &Job{
		ID:           uuid.NewString(),
		Name:         name,
		TargetID:     target.ID,
		DefinitionID: def.ID,
		Status:       JobPending,
		CreatedBy:    req.CreatedBy,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"job_id":        job.ID,
		"target_id":     target.ID,
		"definition_id": def.ID,
	}).Info("Audit job created")

	s.dispatch(ctx, job)
	return s.store.GetJob(ctx, job.ID)
}

func (s *Service) validate(ctx context.Context, targetID, definitionID string) (*Target, *Definition, error) {
	if targetID == "" {
		return nil, nil, invalid("target_id", errors.New("is required"))
	}
	if definitionID == "" {
		return nil, nil, invalid("definition_id", errors.New("is required"))
	}
	target, err := s.store.GetTarget(ctx, targetID)
	if err != nil {
		return nil, nil, err
	}
	if !target.IsActive {
		return nil, nil, invalid("target_id", ErrTargetInactive)
	}
	def, err := s.store.GetDefinition(ctx, definitionID)
	if err != nil {
		return nil, nil, err
	}
	return target, def, nil
}

func (s *Service) dispatch(ctx context.Context, job *Job) {
	if s.dispatcher == nil {
		s.fail(ctx, job.ID, JobPending, "failed to submit: no dispatcher configured")
		return
	}
	if err := s.dispatcher.Dispatch(ctx, job.ID); err != nil {
		s.logger.WithError(err).WithField("job_id", job.ID).Error("Failed to dispatch audit job")
		s.fail(ctx, job.ID, JobPending, "failed to submit: "+err.Error())
	}
}

// fail moves a job to FAILED from the given state. A job that moved on in
// the meantime is left alone.
func (s *Service) fail(ctx context.Context, jobID string, from JobStatus, msg string) {
	err := s.store.TransitionJob(ctx, jobID, []JobStatus{from}, JobFailed, msg)
	if err != nil && !errors.Is(err, ErrInvalidTransition) {
		s.logger.WithError(err).WithField("job_id", jobID).Error("Failed to mark job failed")
	}
}

// Abandon fails a job that was dispatched but will never be executed,
// keeping reason as its error message. Jobs that already left PENDING are
// left alone.
func (s *Service) Abandon(ctx context.Context, jobID, reason string) error {
	err := s.store.TransitionJob(ctx, jobID, []JobStatus{JobPending}, JobFailed, reason)
	if errors.Is(err, ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("abandoning job: %w", err)
	}
	s.logger.WithField("job_id", jobID).WithField("reason", reason).Warn("Audit job abandoned")
	return nil
}

// Execute runs a dispatched job. It is the worker entry point and is safe
// to call for jobs that were cancelled before they started.
func (s *Service) Execute(ctx context.Context, jobID string) error {
	log := s.logger.WithField("job_id", jobID)

	if err := s.store.TransitionJob(ctx, jobID, []JobStatus{JobPending}, JobRunning, ""); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			log.Info("Job is no longer pending, skipping")
			return nil
		}
		return fmt.Errorf("starting job: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.running.add(jobID, cancel)
	defer func() {
		s.running.remove(jobID)
		cancel()
	}()

	log.Info("Audit job started")
	results, err := s.run(runCtx, jobID)
	if err != nil {
		if runCtx.Err() != nil && ctx.Err() == nil {
			log.Info("Audit job cancelled")
			return nil
		}
		log.WithError(err).Error("Audit job failed")
		s.fail(context.WithoutCancel(ctx), jobID, JobRunning, err.Error())
		return err
	}

	if err := s.store.CompleteJob(ctx, jobID, results); err != nil {
		if errors.Is(err, ErrJobNotRunning) {
			log.Info("Job left running state before completion, discarding results")
			return nil
		}
		log.WithError(err).Error("Failed to store audit results")
		s.fail(context.WithoutCancel(ctx), jobID, JobRunning, err.Error())
		return err
	}

	summary := finding.NewSummary(results)
	log.WithFields(logrus.Fields{
		"total":            summary.TotalChecks,
		"passed":           summary.Passed,
		"failed":           summary.Failed,
		"compliance_score": summary.ComplianceScore,
	}).Info("Audit job completed")
	return nil
}

func (s *Service) run(ctx context.Context, jobID string) ([]finding.Result, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	target, err := s.store.GetTarget(ctx, job.TargetID)
	if err != nil {
		return nil, err
	}
	ref, err := s.reference(ctx, job.DefinitionID)
	if err != nil {
		return nil, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	snap, fetchErr := s.collector.Collect(fetchCtx, collector.Request{
		Platform:   target.Platform,
		Host:       target.IPAddress,
		Port:       target.Port,
		Username:   target.Username,
		ConfigPath: target.ConfigPath,
	})
	cancel()

	var results []finding.Result
	if fetchErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.WithError(fetchErr).WithField("job_id", jobID).Warn("Device unreachable")
		res, err := s.analyzer.Resolve(ctx, target.Platform, ref)
		if err != nil {
			return nil, err
		}
		results = analyzer.Unreachable(res.Rules, fetchErr)
	} else {
		out, err := s.analyzer.Analyze(ctx, analyzer.Input{
			Content:   snap.Content,
			Platform:  target.Platform,
			Reference: ref,
		})
		if err != nil {
			return nil, err
		}
		results = out.Results
	}

	for i := range results {
		results[i].JobID = jobID
	}
	return results, nil
}

func (s *Service) reference(ctx context.Context, definitionID string) (resolver.Reference, error) {
	if definitionID == "" {
		return resolver.Reference{}, nil
	}
	def, err := s.store.GetDefinition(ctx, definitionID)
	if err != nil {
		return resolver.Reference{}, err
	}
	return resolver.Reference{DefinitionID: def.ID, BenchmarkID: def.STIGID}, nil
}

// Cancel stops a pending or running job. Finished jobs return
// ErrNotCancellable. A job executing in this process has its context
// cancelled; elsewhere the conditional completion discards its results.
func (s *Service) Cancel(ctx context.Context, jobID string) (*Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return nil, fmt.Errorf("job %s is %s: %w", jobID, job.Status, ErrNotCancellable)
	}

	err = s.store.TransitionJob(ctx, jobID, []JobStatus{JobPending, JobRunning}, JobCancelled, "")
	if errors.Is(err, ErrInvalidTransition) {
		return nil, fmt.Errorf("job %s finished before it could be cancelled: %w", jobID, ErrNotCancellable)
	}
	if err != nil {
		return nil, fmt.Errorf("cancelling job: %w", err)
	}

	local := s.running.cancel(jobID)
	s.logger.WithFields(logrus.Fields{
		"job_id": jobID,
		"local":  local,
	}).Info("Audit job cancelled")
	return s.store.GetJob(ctx, jobID)
}

// Job returns one job.
func (s *Service) Job(ctx context.Context, jobID string) (*Job, error) {
	return s.store.GetJob(ctx, jobID)
}

// Results returns a job's results filtered by status and severity.
func (s *Service) Results(ctx context.Context, jobID string, status finding.Status, severity finding.Severity) ([]finding.Result, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	results, err := s.store.ListResults(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return finding.FilterResults(results, status, severity), nil
}

// Summary derives the compliance summary from the persisted results.
func (s *Service) Summary(ctx context.Context, jobID string) (*finding.Summary, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	results, err := s.store.ListResults(ctx, jobID)
	if err != nil {
		return nil, err
	}
	summary := finding.NewSummary(results)
	return &summary, nil
}

// RuleDetails returns the descriptive text of the rules a job evaluated,
// keyed by rule id, for reports.
func (s *Service) RuleDetails(ctx context.Context, job *Job) (map[string]rules.Detail, error) {
	target, err := s.store.GetTarget(ctx, job.TargetID)
	if err != nil {
		return nil, err
	}
	ref, err := s.reference(ctx, job.DefinitionID)
	if err != nil {
		return nil, err
	}
	res, err := s.analyzer.Resolve(ctx, target.Platform, ref)
	if err != nil {
		return nil, err
	}
	return rules.Details(res.Rules), nil
}

// AddComment appends a reviewer comment to a result.
func (s *Service) AddComment(ctx context.Context, resultID, comment string) error {
	comment = strings.TrimSpace(comment)
	if comment == "" {
		return invalid("comment", errors.New("is required"))
	}
	return s.store.AddResultComment(ctx, resultID, comment)
}

// UploadRequest is an ad hoc configuration to analyze.
type UploadRequest struct {
	Filename    string
	Content     io.Reader
	Platform    string
	BenchmarkID string
}

// UploadAnalysis is the outcome of AnalyzeUpload. Nothing is persisted.
type UploadAnalysis struct {
	Platform parser.Platform  `json:"platform"`
	Source   rules.Source     `json:"rule_source,omitempty"`
	Results  []finding.Result `json:"results"`
	Summary  finding.Summary  `json:"summary"`
}

// AnalyzeUpload validates and analyzes an uploaded configuration
// synchronously.
func (s *Service) AnalyzeUpload(ctx context.Context, req UploadRequest) (*UploadAnalysis, error) {
	content, err := s.uploads.Read(req.Filename, req.Content)
	if err != nil {
		return nil, err
	}
	platform, err := parser.Resolve(req.Platform, content)
	if err != nil {
		return nil, invalid("platform", err)
	}

	out, err := s.analyzer.Analyze(ctx, analyzer.Input{
		Content:   content,
		Platform:  platform,
		Reference: resolver.Reference{BenchmarkID: req.BenchmarkID},
	})
	if err != nil {
		return nil, err
	}
	return &UploadAnalysis{
		Platform: platform,
		Source:   out.Source,
		Results:  out.Results,
		Summary:  finding.NewSummary(out.Results),
	}, nil
}

// TargetUploadRequest is a configuration uploaded for a known target.
type TargetUploadRequest struct {
	TargetID     string
	DefinitionID string
	Filename     string
	Content      io.Reader
	CreatedBy    string
}

// AnalyzeTargetConfig analyzes an uploaded configuration against a target
// and definition, recording it as a completed job.
func (s *Service) AnalyzeTargetConfig(ctx context.Context, req TargetUploadRequest) (*Job, *finding.Summary, error) {
	target, def, err := s.validate(ctx, req.TargetID, req.DefinitionID)
	if err != nil {
		return nil, nil, err
	}
	content, err := s.uploads.Read(req.Filename, req.Content)
	if err != nil {
		return nil, nil, err
	}

	job := &Job{
		ID:           uuid.NewString(),
		Name:         fmt.Sprintf("Config Analysis: %s - %s", target.Name, req.Filename),
		TargetID:     target.ID,
		DefinitionID: def.ID,
		Status:       JobPending,
		CreatedBy:    req.CreatedBy,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, nil, fmt.Errorf("creating job: %w", err)
	}
	if err := s.store.TransitionJob(ctx, job.ID, []JobStatus{JobPending}, JobRunning, ""); err != nil {
		return nil, nil, fmt.Errorf("starting job: %w", err)
	}

	out, err := s.analyzer.Analyze(ctx, analyzer.Input{
		Content:   content,
		Platform:  target.Platform,
		Reference: resolver.Reference{DefinitionID: def.ID, BenchmarkID: def.STIGID},
	})
	if err != nil {
		s.fail(context.WithoutCancel(ctx), job.ID, JobRunning, err.Error())
		return nil, nil, err
	}
	for i := range out.Results {
		out.Results[i].JobID = job.ID
	}
	if err := s.store.CompleteJob(ctx, job.ID, out.Results); err != nil {
		s.fail(context.WithoutCancel(ctx), job.ID, JobRunning, err.Error())
		return nil, nil, err
	}

	done, err := s.store.GetJob(ctx, job.ID)
	if err != nil {
		return nil, nil, err
	}
	summary := finding.NewSummary(out.Results)
	return done, &summary, nil
}
