// Package jobs reads the job files written by the OCR-D controller and
// queries the resource consumption of running jobs.
package jobs

import (
	"bufio"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

var ErrInvalidJob = errors.New("invalid job file")

// KitodoProcess identifies the Kitodo.Production process and task a job was
// started for.
type KitodoProcess struct {
	ProcessID  int
	TaskID     int
	ProcessDir string
}

// Job is a snapshot of a job file. PID is set while the job runs and
// ReturnCode once it has completed.
type Job struct {
	Kitodo            KitodoProcess
	WorkDir           string
	WorkflowFile      string
	RemoteDir         string
	ControllerAddress string

	PID        *int
	ReturnCode *int
}

func (j Job) IsRunning() bool {
	return j.PID != nil
}

func (j Job) IsCompleted() bool {
	return j.ReturnCode != nil
}

// Workflow returns the file name of the workflow script.
func (j Job) Workflow() string {
	return filepath.Base(j.WorkflowFile)
}

// ParseJob parses a job file of KEY=VALUE lines. Unknown keys are ignored.
func ParseJob(content string) (Job, error) {
	var (
		job  Job
		seen = make(map[string]bool)
	)

	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return Job{}, fmt.Errorf("%w: malformed line %q", ErrInvalidJob, line)
		}

		if err := job.set(key, value); err != nil {
			return Job{}, err
		}

		seen[key] = true
	}

	if err := scanner.Err(); err != nil {
		return Job{}, fmt.Errorf("read job file: %w", err)
	}

	for _, key := range []string{
		"PROCESS_ID",
		"TASK_ID",
		"PROCESS_DIR",
		"WORKDIR",
		"WORKFLOW",
		"REMOTEDIR",
		"CONTROLLER",
	} {
		if !seen[key] {
			return Job{}, fmt.Errorf("%w: missing %s", ErrInvalidJob, key)
		}
	}

	return job, nil
}

func (j *Job) set(key, value string) error {
	atoi := func() (int, error) {
		n, err := strconv.Atoi(value)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %w", ErrInvalidJob, key, err)
		}

		return n, nil
	}

	var err error

	switch key {
	case "PID":
		var pid int
		pid, err = atoi()
		j.PID = &pid
	case "RETVAL":
		var rc int
		rc, err = atoi()
		j.ReturnCode = &rc
	case "PROCESS_ID":
		j.Kitodo.ProcessID, err = atoi()
	case "TASK_ID":
		j.Kitodo.TaskID, err = atoi()
	case "PROCESS_DIR":
		j.Kitodo.ProcessDir = value
	case "WORKDIR":
		j.WorkDir = value
	case "WORKFLOW":
		j.WorkflowFile = value
	case "REMOTEDIR":
		j.RemoteDir = value
	case "CONTROLLER":
		j.ControllerAddress = value
	}

	return err
}
