package wakelock

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
)

// SystemdInhibitor blocks idle and sleep through systemd-inhibit for as long as
// it is inhibited.
type SystemdInhibitor struct {
	mu  sync.Mutex
	cmd *exec.Cmd
}

// NewSystemdInhibitor returns nil when systemd-inhibit is not installed.
func NewSystemdInhibitor() *SystemdInhibitor {
	if _, err := exec.LookPath("systemd-inhibit"); err != nil {
		return nil
	}
	return &SystemdInhibitor{}
}

func (s *SystemdInhibitor) Inhibit(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return nil
	}

	cmd := exec.Command("systemd-inhibit", "--what=idle:sleep", "--who=uploader", "--why=Upload in progress", "--mode=block", "sleep", "infinity")
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start systemd-inhibit: %w", err)
	}
	s.cmd = cmd
	go func() { _ = cmd.Wait() }()
	return nil
}

func (s *SystemdInhibitor) Allow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return
	}
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	s.cmd = nil
}
