//go:build !unix

package supervisor

import (
	"errors"
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

func signalGroup(pid int, _ bool) error {
	if pid <= 0 {
		return errors.New("no pid")
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	// No graceful termination without process groups; kill outright.
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}
