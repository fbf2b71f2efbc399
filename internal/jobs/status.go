package jobs

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PSCommand lists the processes of a process group with their resource
// consumption.
const PSCommand = "ps -g %d -o pid,state,%%cpu,rss,cputime --no-headers"

type ProcessState string

const (
	StateRunning  ProcessState = "R"
	StateSleeping ProcessState = "S"
	StateStopped  ProcessState = "T"
	StateZombie   ProcessState = "Z"
	StateUnknown  ProcessState = "?"
)

func (s ProcessState) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateSleeping:
		return "SLEEPING"
	case StateStopped:
		return "STOPPED"
	case StateZombie:
		return "ZOMBIE"
	default:
		return "UNKNOWN"
	}
}

// ProcessStatus is one line of ps output. Memory is the resident set size
// in KiB.
type ProcessStatus struct {
	PID        int
	State      ProcessState
	PercentCPU float64
	Memory     int
	CPUTime    time.Duration
}

// PSCommandFor returns the ps command for the process group.
func PSCommandFor(group int) string {
	return fmt.Sprintf(PSCommand, group)
}

// ParseProcessStatus parses the output of PSCommand. Empty output and ps
// errors yield no statuses.
func ParseProcessStatus(output string) ([]ProcessStatus, error) {
	output = strings.TrimSpace(output)
	if output == "" || strings.HasPrefix(output, "error:") {
		return nil, nil
	}

	var statuses []ProcessStatus

	for line := range strings.Lines(output) {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		if len(fields) < 5 {
			return nil, fmt.Errorf("parse ps line %q: want 5 fields, got %d", line, len(fields))
		}

		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("parse pid: %w", err)
		}

		cpu, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return nil, fmt.Errorf("parse %%cpu: %w", err)
		}

		rss, err := strconv.Atoi(fields[3])
		if err != nil {
			return nil, fmt.Errorf("parse rss: %w", err)
		}

		cpuTime, err := parseCPUTime(fields[4])
		if err != nil {
			return nil, err
		}

		statuses = append(statuses, ProcessStatus{
			PID:        pid,
			State:      parseState(fields[1]),
			PercentCPU: cpu,
			Memory:     rss,
			CPUTime:    cpuTime,
		})
	}

	return statuses, nil
}

func parseState(state string) ProcessState {
	switch s := ProcessState(state[:1]); s {
	case StateRunning, StateSleeping, StateStopped, StateZombie:
		return s
	default:
		return StateUnknown
	}
}

// parseCPUTime parses [DD-]HH:MM:SS.
func parseCPUTime(value string) (time.Duration, error) {
	var days int

	if d, rest, ok := strings.Cut(value, "-"); ok {
		n, err := strconv.Atoi(d)
		if err != nil {
			return 0, fmt.Errorf("parse cputime %q: %w", value, err)
		}

		days = n
		value = rest
	}

	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("parse cputime %q: want HH:MM:SS", value)
	}

	var total time.Duration

	for i, unit := range []time.Duration{time.Hour, time.Minute, time.Second} {
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			return 0, fmt.Errorf("parse cputime %q: %w", value, err)
		}

		total += time.Duration(n) * unit
	}

	return total + time.Duration(days)*24*time.Hour, nil
}
