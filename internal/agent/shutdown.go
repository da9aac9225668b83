package agent

import (
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"sync"
	"time"
)

// Shutdowner powers the host off.
type Shutdowner interface {
	Shutdown() error
}

// ShutdownFunc adapts a function to Shutdowner.
type ShutdownFunc func() error

func (f ShutdownFunc) Shutdown() error { return f() }

// SystemShutdowner invokes the platform shutdown command.
type SystemShutdowner struct{}

func (SystemShutdowner) Shutdown() error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "windows":
		cmd = exec.Command("shutdown", "/s", "/t", "0")
	default:
		cmd = exec.Command("shutdown", "-h", "now")
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("shutdown command failed: %w: %s", err, out)
	}
	return nil
}

// shutdownScheduler keeps at most one shutdown pending; scheduling again
// replaces the earlier one.
type shutdownScheduler struct {
	mu         sync.Mutex
	timer      *time.Timer
	at         time.Time
	shutdowner Shutdowner
}

func newShutdownScheduler(s Shutdowner) *shutdownScheduler {
	return &shutdownScheduler{shutdowner: s}
}

func (s *shutdownScheduler) schedule(delay time.Duration) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil && s.timer.Stop() {
		slog.Info("Replacing pending shutdown", "previous_at", s.at)
	}

	s.at = time.Now().Add(delay)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.timer != timer {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.mu.Unlock()

		slog.Warn("Shutting down host")
		if err := s.shutdowner.Shutdown(); err != nil {
			slog.Error("Failed to shut down host", "error", err)
		}
	})
	s.timer = timer

	slog.Info("Shutdown scheduled", "delay", delay, "scheduled_at", s.at)
	return s.at
}

func (s *shutdownScheduler) cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer == nil {
		return false
	}
	stopped := s.timer.Stop()
	s.timer = nil
	if stopped {
		slog.Info("Pending shutdown cancelled", "scheduled_at", s.at)
	}
	return stopped
}

func (s *shutdownScheduler) pending() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.at, s.timer != nil
}
