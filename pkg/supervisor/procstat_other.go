//go:build !linux

package supervisor

import "github.com/3leaps/expvisor/pkg/experiment"

func processUsage(int) (*experiment.ProcessInfo, error) {
	return nil, ErrUsageUnsupported
}
