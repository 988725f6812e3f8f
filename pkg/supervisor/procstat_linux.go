//go:build linux

package supervisor

import (
	"fmt"

	"github.com/prometheus/procfs"

	"github.com/3leaps/expvisor/pkg/experiment"
)

func processUsage(pid int) (*experiment.ProcessInfo, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	p, err := fs.Proc(pid)
	if err != nil {
		return nil, fmt.Errorf("read process %d: %w", pid, err)
	}
	stat, err := p.Stat()
	if err != nil {
		return nil, fmt.Errorf("read process %d stat: %w", pid, err)
	}
	return &experiment.ProcessInfo{
		CPUSeconds: stat.CPUTime(),
		RSSBytes:   int64(stat.ResidentMemory()),
		Threads:    stat.NumThreads,
		State:      stat.State,
	}, nil
}
