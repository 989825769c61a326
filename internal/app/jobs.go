package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"velvet/pkg/domain"
)

// JobView is a job row merged with the live in-memory progress of a running
// job. Stage is empty once the job reaches a terminal state.
type JobView struct {
	domain.Job
	Stage string `json:"stage,omitempty"`
}

// SubmitJob starts manuscript generation for one of the user's uploads and
// returns the pending job immediately.
func (a *App) SubmitJob(user domain.User, uploadID string) (domain.Job, error) {
	upload, err := a.GetUpload(user, uploadID)
	if err != nil {
		return domain.Job{}, err
	}
	job, err := a.jobs.Submit(user, upload)
	if err != nil {
		return domain.Job{}, fmt.Errorf("submit job: %w", err)
	}
	return job, nil
}

// GetJob returns one of the user's jobs. For a running job the stored row is
// overlaid with the orchestrator's live progress, which is at least as fresh.
func (a *App) GetJob(user domain.User, jobID string) (JobView, error) {
	job, ok, err := a.store.GetJob(jobID)
	if err != nil {
		return JobView{}, fmt.Errorf("fetch job: %w", err)
	}
	if !ok || job.UserID != user.ID {
		return JobView{}, ErrNotFound
	}
	view := JobView{Job: job}
	if !job.Status.Terminal() {
		if live, running := a.jobs.LiveProgress(job.ID); running {
			if live.Fraction > view.Progress {
				view.Progress = live.Fraction
			}
			view.Status = domain.JobProcessing
			view.Stage = live.Stage
		}
	}
	return view, nil
}

// ListJobs returns the user's jobs, newest first, with live progress merged
// into any still running.
func (a *App) ListJobs(user domain.User) ([]JobView, error) {
	jobs, err := a.store.ListJobsByUser(user.ID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	views := make([]JobView, 0, len(jobs))
	for _, job := range jobs {
		view := JobView{Job: job}
		if !job.Status.Terminal() {
			if live, running := a.jobs.LiveProgress(job.ID); running {
				if live.Fraction > view.Progress {
					view.Progress = live.Fraction
				}
				view.Status = domain.JobProcessing
				view.Stage = live.Stage
			}
		}
		views = append(views, view)
	}
	return views, nil
}

// RegenerateJob starts a fresh job against the upload behind an existing job.
// The old job row and its report are left untouched.
func (a *App) RegenerateJob(user domain.User, jobID string) (domain.Job, error) {
	job, ok, err := a.store.GetJob(jobID)
	if err != nil {
		return domain.Job{}, fmt.Errorf("fetch job: %w", err)
	}
	if !ok || job.UserID != user.ID {
		return domain.Job{}, ErrNotFound
	}
	return a.SubmitJob(user, job.UploadID)
}

// ReportFile returns the on-disk path of a completed job's manuscript.
func (a *App) ReportFile(user domain.User, jobID string) (string, error) {
	job, ok, err := a.store.GetJob(jobID)
	if err != nil {
		return "", fmt.Errorf("fetch job: %w", err)
	}
	if !ok || job.UserID != user.ID {
		return "", ErrNotFound
	}
	if job.Status != domain.JobCompleted || job.ReportPath == "" {
		return "", ErrReportNotReady
	}
	if _, err := os.Stat(job.ReportPath); err != nil {
		return "", ErrReportNotReady
	}
	return job.ReportPath, nil
}

// SubmitFeedback records a section approval or rejection for one of the
// user's jobs.
func (a *App) SubmitFeedback(user domain.User, jobID, section string, approved bool, comments string) (domain.Feedback, error) {
	section = strings.TrimSpace(section)
	if section == "" {
		return domain.Feedback{}, ErrFeedbackSectionRequired
	}
	job, ok, err := a.store.GetJob(jobID)
	if err != nil {
		return domain.Feedback{}, fmt.Errorf("fetch job: %w", err)
	}
	if !ok || job.UserID != user.ID {
		return domain.Feedback{}, ErrNotFound
	}
	feedback := domain.Feedback{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		Section:   section,
		Approved:  approved,
		Comments:  strings.TrimSpace(comments),
		CreatedAt: time.Now().UTC(),
	}
	if err := a.store.SaveFeedback(feedback); err != nil {
		return domain.Feedback{}, fmt.Errorf("save feedback: %w", err)
	}
	return feedback, nil
}

// ListFeedback returns the feedback recorded against one of the user's jobs.
func (a *App) ListFeedback(user domain.User, jobID string) ([]domain.Feedback, error) {
	job, ok, err := a.store.GetJob(jobID)
	if err != nil {
		return nil, fmt.Errorf("fetch job: %w", err)
	}
	if !ok || job.UserID != user.ID {
		return nil, ErrNotFound
	}
	return a.store.ListFeedbackByJob(job.ID)
}
