// Package queue hands audit jobs from the API to whatever executes them:
// an asynq worker pool backed by Redis when one is reachable, otherwise a
// bounded in-process runner.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// TypeRunAudit is the asynq task type for one audit job.
const TypeRunAudit = "audit:run"

// DefaultQueue is the asynq queue audit tasks are enqueued on.
const DefaultQueue = "audits"

const (
	probeTimeout   = 3 * time.Second
	abandonTimeout = 5 * time.Second
)

// AbandonedReason is recorded on jobs the inline runner never started.
const AbandonedReason = "runner stopped before job started"

// Executor runs one job to completion. audit.Service implements it.
type Executor interface {
	Execute(ctx context.Context, jobID string) error
}

// Abandoner is implemented by executors that can settle a job which will
// never be executed. The inline runner uses it on shutdown.
type Abandoner interface {
	Abandon(ctx context.Context, jobID, reason string) error
}

type payload struct {
	JobID string `json:"job_id"`
}

// NewRunAuditTask builds the task for jobID. Jobs are never retried: a
// failed job stays FAILED until someone starts a new one.
func NewRunAuditTask(jobID string) (*asynq.Task, error) {
	if jobID == "" {
		return nil, errors.New("job id is required")
	}
	data, err := json.Marshal(payload{JobID: jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeRunAudit, data, asynq.MaxRetry(0), asynq.Queue(DefaultQueue)), nil
}

// Probe reports whether Redis at url answers a PING.
func Probe(ctx context.Context, url string) error {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// AsynqDispatcher enqueues jobs on Redis.
type AsynqDispatcher struct {
	client *asynq.Client
	logger *logrus.Logger
}

// NewAsynqDispatcher connects a dispatcher to the Redis at url.
func NewAsynqDispatcher(url string, logger *logrus.Logger) (*AsynqDispatcher, error) {
	opt, err := asynq.ParseRedisURI(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &AsynqDispatcher{client: asynq.NewClient(opt), logger: orDiscard(logger)}, nil
}

// Dispatch enqueues jobID.
func (d *AsynqDispatcher) Dispatch(ctx context.Context, jobID string) error {
	task, err := NewRunAuditTask(jobID)
	if err != nil {
		return err
	}
	info, err := d.client.EnqueueContext(ctx, task)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	d.logger.WithFields(logrus.Fields{
		"job_id":  jobID,
		"task_id": info.ID,
		"queue":   info.Queue,
	}).Debug("Audit job enqueued")
	return nil
}

// Close releases the Redis connection.
func (d *AsynqDispatcher) Close() error {
	return d.client.Close()
}

// Worker consumes audit tasks from Redis.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

// NewWorker creates a worker running up to concurrency jobs at once.
func NewWorker(url string, concurrency int, exec Executor, logger *logrus.Logger) (*Worker, error) {
	opt, err := asynq.ParseRedisURI(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	logger = orDiscard(logger)
	if concurrency <= 0 {
		concurrency = 1
	}
	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{DefaultQueue: 1},
		Logger:      logger,
	})
	mux := asynq.NewServeMux()
	mux.Handle(TypeRunAudit, Handler(exec, logger))
	return &Worker{server: server, mux: mux}, nil
}

// Run processes tasks until ctx is cancelled, then drains in-flight jobs.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return err
	}
	<-ctx.Done()
	w.server.Shutdown()
	return nil
}

// Handler adapts an Executor to an asynq handler.
func Handler(exec Executor, logger *logrus.Logger) asynq.Handler {
	logger = orDiscard(logger)
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		var p payload
		if err := json.Unmarshal(t.Payload(), &p); err != nil || p.JobID == "" {
			logger.WithField("payload", string(t.Payload())).Error("Malformed audit task")
			return fmt.Errorf("malformed audit task: %w", asynq.SkipRetry)
		}
		if err := exec.Execute(ctx, p.JobID); err != nil {
			return fmt.Errorf("job %s: %w", p.JobID, err)
		}
		return nil
	})
}

// InlineDispatcher runs jobs in this process, at most limit at a time. It
// is the fallback when no queue is reachable; Dispatch never blocks.
type InlineDispatcher struct {
	exec   Executor
	ctx    context.Context
	sem    chan struct{}
	wg     sync.WaitGroup
	logger *logrus.Logger
}

// NewInlineDispatcher creates a dispatcher whose jobs live as long as ctx.
func NewInlineDispatcher(ctx context.Context, exec Executor, limit int, logger *logrus.Logger) *InlineDispatcher {
	if limit <= 0 {
		limit = 1
	}
	return &InlineDispatcher{
		exec:   exec,
		ctx:    ctx,
		sem:    make(chan struct{}, limit),
		logger: orDiscard(logger),
	}
}

// Dispatch starts jobID in the background. The request context is not
// used for execution: the job outlives the request that created it. A job
// still waiting for a slot when the runner stops is abandoned.
func (d *InlineDispatcher) Dispatch(_ context.Context, jobID string) error {
	if err := d.ctx.Err(); err != nil {
		return fmt.Errorf("inline runner stopped: %w", err)
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		select {
		case d.sem <- struct{}{}:
			defer func() { <-d.sem }()
		case <-d.ctx.Done():
		}
		if d.ctx.Err() != nil {
			d.abandon(jobID)
			return
		}

		if err := d.exec.Execute(d.ctx, jobID); err != nil {
			d.logger.WithError(err).WithField("job_id", jobID).Error("Inline audit job failed")
		}
	}()
	return nil
}

func (d *InlineDispatcher) abandon(jobID string) {
	log := d.logger.WithField("job_id", jobID)
	a, ok := d.exec.(Abandoner)
	if !ok {
		log.Warn("Runner stopped before job started")
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(d.ctx), abandonTimeout)
	defer cancel()
	if err := a.Abandon(ctx, jobID, AbandonedReason); err != nil {
		log.WithError(err).Error("Failed to abandon job")
		return
	}
	log.Warn("Runner stopped before job started, job abandoned")
}

// Wait blocks until every dispatched job has returned.
func (d *InlineDispatcher) Wait() {
	d.wg.Wait()
}

func orDiscard(logger *logrus.Logger) *logrus.Logger {
	if logger != nil {
		return logger
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
