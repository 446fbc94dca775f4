package reaper

import (
	"context"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Process is the view of an OS process the sweeps need.
type Process interface {
	PID() int32
	Name(ctx context.Context) (string, error)
	CreateTime(ctx context.Context) (time.Time, error)
	Cmdline(ctx context.Context) (string, error)
	Kill(ctx context.Context) error
}

// ProcessLister enumerates the process table.
type ProcessLister interface {
	Processes(ctx context.Context) ([]Process, error)
}

// SystemProcesses reads the real process table through gopsutil.
type SystemProcesses struct{}

func (SystemProcesses) Processes(ctx context.Context) ([]Process, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Process, 0, len(procs))
	for _, p := range procs {
		out = append(out, systemProcess{p: p})
	}
	return out, nil
}

type systemProcess struct {
	p *process.Process
}

func (s systemProcess) PID() int32 { return s.p.Pid }

func (s systemProcess) Name(ctx context.Context) (string, error) {
	return s.p.NameWithContext(ctx)
}

// CreateTime converts gopsutil's epoch milliseconds.
func (s systemProcess) CreateTime(ctx context.Context) (time.Time, error) {
	ms, err := s.p.CreateTimeWithContext(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

func (s systemProcess) Cmdline(ctx context.Context) (string, error) {
	args, err := s.p.CmdlineSliceWithContext(ctx)
	if err != nil {
		return "", err
	}
	return strings.Join(args, " "), nil
}

func (s systemProcess) Kill(ctx context.Context) error {
	return s.p.KillWithContext(ctx)
}
