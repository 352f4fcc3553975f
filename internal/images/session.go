package images

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/schaermu/stickersync/internal/retry"
)

// Session tracks the state of one preparation run that an interrupt handler
// needs: whether the run was interrupted and which output file may be half
// written.
type Session struct {
	mu          sync.Mutex // guards pending
	pending     string     // output path of the conversion in flight
	interrupted atomic.Bool

	cleanup retry.Policy
	remove  func(string) error
	logger  *slog.Logger
}

// NewSession creates a session whose cleanup retries a busy file 5 times,
// one second apart
func NewSession(logger *slog.Logger) *Session {
	return &Session{
		cleanup: retry.Policy{Attempts: 5, Delay: time.Second},
		remove:  os.Remove,
		logger:  logger,
	}
}

// Track marks path as possibly incomplete until Done is called
func (s *Session) Track(path string) {
	s.mu.Lock()
	s.pending = path
	s.mu.Unlock()
}

// Done clears the possibly-incomplete slot
func (s *Session) Done() {
	s.mu.Lock()
	s.pending = ""
	s.mu.Unlock()
}

// Pending returns the output path currently being written, if any
func (s *Session) Pending() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// Interrupted reports whether Interrupt has been called
func (s *Session) Interrupted() bool {
	return s.interrupted.Load()
}

// Interrupt stops further conversions and deletes the possibly incomplete
// output so a truncated file is never taken for a finished conversion on the
// next run. It is safe to call from a signal handler goroutine.
func (s *Session) Interrupt() {
	s.interrupted.Store(true)

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.pending
	if path == "" {
		return
	}

	name := filepath.Base(path)
	s.logger.Warn("interrupted during conversion", "file", name)

	err := retry.Do(context.Background(), s.cleanup, func() error {
		s.logger.Warn("deleting possibly incomplete output", "file", name)
		return s.remove(path)
	}, func(err error) bool {
		if errors.Is(err, syscall.EBUSY) {
			s.logger.Warn("file busy, retrying after IO completes", "file", name)
			return true
		}
		return false
	})

	switch {
	case err == nil:
		s.pending = ""
	case errors.Is(err, os.ErrNotExist):
		s.logger.Warn("incomplete output not created yet", "file", name)
		s.pending = ""
	default:
		s.logger.Error("failed to delete possibly incomplete output", "file", name, "error", err)
	}
}
