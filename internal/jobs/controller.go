package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ProcessQuery returns the status of the processes in a process group.
type ProcessQuery interface {
	ProcessStatus(ctx context.Context, group int) ([]ProcessStatus, error)
}

// ProcessQueryFunc adapts a function to the ProcessQuery interface.
type ProcessQueryFunc func(ctx context.Context, group int) ([]ProcessStatus, error)

func (f ProcessQueryFunc) ProcessStatus(ctx context.Context, group int) ([]ProcessStatus, error) {
	return f(ctx, group)
}

// RunningJob is a running Job with the status of its process.
type RunningJob struct {
	Job
	Status ProcessStatus
}

// Controller reads job files from a directory and queries their processes.
type Controller struct {
	query  ProcessQuery
	jobDir string
}

func NewController(query ProcessQuery, jobDir string) *Controller {
	return &Controller{query: query, jobDir: jobDir}
}

// Jobs parses every regular file in the job directory. Files that are not
// valid job files are skipped.
func (c *Controller) Jobs() ([]Job, error) {
	entries, err := os.ReadDir(c.jobDir)
	if err != nil {
		return nil, fmt.Errorf("read job dir: %w", err)
	}

	var jobs []Job

	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}

		content, err := os.ReadFile(filepath.Join(c.jobDir, entry.Name()))
		if err != nil {
			continue
		}

		job, err := ParseJob(string(content))
		if err != nil {
			continue
		}

		jobs = append(jobs, job)
	}

	return jobs, nil
}

// StatusFor returns the status of the process of job, or nil when job is not
// running or its process is gone.
func (c *Controller) StatusFor(ctx context.Context, job Job) (*ProcessStatus, error) {
	if job.PID == nil {
		return nil, nil
	}

	statuses, err := c.query.ProcessStatus(ctx, *job.PID)
	if err != nil {
		return nil, err
	}

	for _, status := range statuses {
		if status.PID == *job.PID {
			return &status, nil
		}
	}

	return nil, nil
}

// Overview returns the running jobs whose process could be found and the
// completed jobs. Failed status queries are joined into the error while the
// remaining jobs are still returned.
func (c *Controller) Overview(ctx context.Context) ([]RunningJob, []Job, error) {
	all, err := c.Jobs()
	if err != nil {
		return nil, nil, err
	}

	running, completed := SplitRunningCompleted(all)

	var (
		withStatus []RunningJob
		errs       []error
	)

	for _, job := range running {
		status, err := c.StatusFor(ctx, job)
		if err != nil {
			errs = append(errs, fmt.Errorf("status for pid %d: %w", *job.PID, err))
			continue
		}

		if status != nil {
			withStatus = append(withStatus, RunningJob{Job: job, Status: *status})
		}
	}

	return withStatus, completed, errors.Join(errs...)
}

// SplitRunningCompleted partitions jobs into running and completed ones.
func SplitRunningCompleted(jobs []Job) (running []Job, completed []Job) {
	for _, job := range jobs {
		if job.IsRunning() {
			running = append(running, job)
		}

		if job.IsCompleted() {
			completed = append(completed, job)
		}
	}

	return running, completed
}
