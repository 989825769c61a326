// Package report owns the manuscript-generation job lifecycle: the
// pending → processing → completed/failed state machine, the detached
// background execution of each job, and the live progress table polled by
// status requests while a job runs.
package report

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"velvet/pkg/ai"
	"velvet/pkg/domain"
	"velvet/pkg/store"
)

// ErrNotOwner is returned when a submitted upload belongs to another user.
var ErrNotOwner = errors.New("upload does not belong to user")

// Progress is one live progress observation for a running job.
type Progress struct {
	Fraction float64
	Stage    string
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Store     store.Store
	Generator ai.TextGenerator
	ReportDir string
	// GenTimeout bounds the generative-text call. Zero means 10 minutes.
	GenTimeout time.Duration
	// MaxOutputTokens caps manuscript length. Zero means 8000.
	MaxOutputTokens int
}

// Orchestrator runs generation jobs as detached goroutines and tracks their
// live progress. The live table is instance-owned so tests can run isolated
// orchestrators side by side.
type Orchestrator struct {
	store           store.Store
	gen             ai.TextGenerator
	reportDir       string
	genTimeout      time.Duration
	maxOutputTokens int

	mu   sync.RWMutex
	live map[string]Progress
}

// New constructs an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Generator == nil {
		return nil, errors.New("text generator required")
	}
	if cfg.ReportDir == "" {
		return nil, errors.New("report dir required")
	}
	timeout := cfg.GenTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	maxTokens := cfg.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 8000
	}
	return &Orchestrator{
		store:           cfg.Store,
		gen:             cfg.Generator,
		reportDir:       cfg.ReportDir,
		genTimeout:      timeout,
		maxOutputTokens: maxTokens,
		live:            make(map[string]Progress),
	}, nil
}

// Submit creates a pending job for the upload and launches generation in the
// background. It returns as soon as the job row exists; the caller learns the
// outcome by polling. The background work is independent of the submitting
// request's lifetime.
func (o *Orchestrator) Submit(user domain.User, upload domain.Upload) (domain.Job, error) {
	if upload.UserID != user.ID {
		return domain.Job{}, ErrNotOwner
	}
	job := domain.Job{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		UploadID:  upload.ID,
		Status:    domain.JobPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.store.CreateJob(job); err != nil {
		return domain.Job{}, err
	}
	go o.run(job, upload)
	return job, nil
}

// LiveProgress returns the in-memory progress of a running job. Absence means
// the job is not running here; callers fall back to the stored row.
func (o *Orchestrator) LiveProgress(jobID string) (Progress, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.live[jobID]
	return p, ok
}

// run executes the full stage sequence for one job and writes the terminal
// state. Stage progress flows through an events channel consumed by a single
// goroutine that owns both the live table entry and the durable processing
// writes, keeping stage logic free of persistence timing.
func (o *Orchestrator) run(job domain.Job, upload domain.Upload) {
	events := make(chan Progress, 16)
	consumerDone := make(chan float64, 1)
	go o.consumeProgress(job.ID, events, consumerDone)

	emit := func(fraction float64, stage string) {
		events <- Progress{Fraction: fraction, Stage: stage}
	}
	reportPath, err := o.generate(job, upload, emit)

	close(events)
	lastProgress := <-consumerDone

	if err != nil {
		msg := err.Error()
		update := store.JobUpdate{
			Status:   domain.JobFailed,
			Progress: &lastProgress,
			Error:    &msg,
		}
		if storeErr := o.store.UpdateJobStatus(job.ID, update); storeErr != nil {
			slog.Error("persist failed job", "job_id", job.ID, "err", storeErr)
		}
		slog.Warn("generation job failed", "job_id", job.ID, "err", msg, "progress", lastProgress)
	} else {
		done := 1.0
		update := store.JobUpdate{
			Status:     domain.JobCompleted,
			Progress:   &done,
			ReportPath: &reportPath,
		}
		if storeErr := o.store.UpdateJobStatus(job.ID, update); storeErr != nil {
			slog.Error("persist completed job", "job_id", job.ID, "err", storeErr)
		}
		slog.Info("generation job completed", "job_id", job.ID, "report_path", reportPath)
	}

	// Remove the live entry only after the terminal row is durable, so a
	// poller that misses the entry always sees the terminal status.
	o.mu.Lock()
	delete(o.live, job.ID)
	o.mu.Unlock()
}

// consumeProgress applies events in order. Fractions never move backwards;
// they are clamped against the last observed value before being published to
// pollers or flushed to the store.
func (o *Orchestrator) consumeProgress(jobID string, events <-chan Progress, done chan<- float64) {
	last := 0.0
	for ev := range events {
		if ev.Fraction < last {
			ev.Fraction = last
		}
		last = ev.Fraction

		o.mu.Lock()
		o.live[jobID] = ev
		o.mu.Unlock()

		fraction := ev.Fraction
		update := store.JobUpdate{
			Status:   domain.JobProcessing,
			Progress: &fraction,
		}
		if err := o.store.UpdateJobStatus(jobID, update); err != nil {
			slog.Error("persist job progress", "job_id", jobID, "err", err)
		}
	}
	done <- last
}

func (o *Orchestrator) generationContext() (context.Context, context.CancelFunc) {
	// Detached from the submitting request on purpose: the job must outlive
	// a caller that closes its connection.
	return context.WithTimeout(context.Background(), o.genTimeout)
}
