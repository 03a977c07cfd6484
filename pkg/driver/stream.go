package driver

import (
	"context"
	"io"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

type outcome int

const (
	outcomeSucceeded outcome = iota
	outcomeFailed
	outcomeTimedOut
	outcomeCanceled
)

// Stream delivers one execution's output to a single consumer, line by line
// as the child writes it. The last line is the exit marker (see
// FormatExitMarker). The stream owns the timeout clock, which starts when
// the stream is created.
//
// A Stream must be closed; Close before the marker terminates the child.
type Stream struct {
	id      string
	proc    *Process // nil when the spawn failed
	q       *eventQueue
	log     *zap.SugaredLogger
	grace   time.Duration
	poll    time.Duration
	timeout time.Duration
	started time.Time

	workerDone <-chan struct{}

	// mu serializes Next; everything below it is only touched by Next.
	mu       sync.Mutex
	err      error
	terminal *Terminal

	finished  atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once

	reportOnce sync.Once
	report     func(outcome)
}

// ID is the execution id.
func (s *Stream) ID() string { return s.id }

// Process returns the managed child, or nil if it never started.
func (s *Stream) Process() *Process { return s.proc }

// Terminal returns the exit record once Next has delivered it.
func (s *Stream) Terminal() (Terminal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal == nil {
		return Terminal{}, false
	}
	return *s.terminal, true
}

// Next returns the next output line, waiting at most one poll interval at a
// time. After the exit marker it returns io.EOF. Timeouts, spawn and read
// failures are returned as errors and repeat on every later call.
// Cancelling ctx abandons the stream: the child is terminated before Next
// returns ctx.Err().
func (s *Stream) Next(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		if s.closed.Load() {
			s.err = ErrStreamClosed
			return "", s.err
		}
		// Checked before every pop so a child that outpaces its reader
		// cannot keep the queue non-empty past the budget.
		if s.expired() {
			return "", s.expire()
		}
		if ev, ok := s.q.pop(); ok {
			if ev.terminal == nil {
				return ev.line, nil
			}
			return s.observe(*ev.terminal)
		}

		wait := s.pollWait()
		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			timer.Reset(wait)
		}
		select {
		case <-s.q.wait():
		case <-timer.C:
		case <-ctx.Done():
			s.abandon(context.Cause(ctx))
			s.err = ctx.Err()
			return "", s.err
		}
	}
}

// Lines adapts the stream to a range-over-func sequence. A failure is
// yielded once as ("", err) and ends the sequence. Breaking out of the loop
// closes the stream, which terminates a still running child.
func (s *Stream) Lines(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		defer s.Close()
		for {
			line, err := s.Next(ctx)
			if err == io.EOF {
				return
			}
			if err != nil {
				yield("", err)
				return
			}
			if !yield(line, nil) {
				return
			}
		}
	}
}

// Close releases the stream. If the exit marker has not been delivered yet
// the child is terminated (SIGTERM, grace, SIGKILL) before Close returns.
// Cleanup problems are logged, never returned.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.abandon(ErrStreamClosed)
		s.closed.Store(true)
	})
	return nil
}

func (s *Stream) observe(t Terminal) (string, error) {
	s.finished.Store(true)
	s.terminal = &t
	if t.Err != nil {
		s.err = t.Err
		s.reportOutcome(outcomeFailed)
		return "", t.Err
	}
	s.err = io.EOF
	if t.Success {
		s.reportOutcome(outcomeSucceeded)
	} else {
		s.log.Warnw("exec.nonzero_exit", "exec_id", s.id, "exit_code", t.ExitCode)
		s.reportOutcome(outcomeFailed)
	}
	return FormatExitMarker(t.ExitCode), nil
}

// expired is true once the budget is spent while the child still runs. A
// child that already exited is never timed out, however slowly its output
// is drained.
func (s *Stream) expired() bool {
	if s.timeout <= 0 || time.Since(s.started) < s.timeout {
		return false
	}
	select {
	case <-s.workerDone:
		return false
	default:
		return true
	}
}

func (s *Stream) expire() error {
	s.finished.Store(true)
	s.log.Errorw("exec.timeout", "exec_id", s.id, "timeout", s.timeout)
	s.stopProcess()
	s.err = &TimeoutError{Timeout: s.timeout}
	s.reportOutcome(outcomeTimedOut)
	return s.err
}

func (s *Stream) abandon(cause error) {
	if !s.finished.CompareAndSwap(false, true) {
		return
	}
	s.log.Warnw("exec.abandoned", "exec_id", s.id, "cause", cause)
	s.stopProcess()
	s.reportOutcome(outcomeCanceled)
}

// stopProcess runs the termination protocol and waits for the worker.
func (s *Stream) stopProcess() {
	if s.proc != nil {
		if err := s.proc.Terminate(s.grace); err != nil {
			s.log.Errorw("exec.terminate_failed", "exec_id", s.id, "error", err)
		}
	}
	select {
	case <-s.workerDone:
	case <-time.After(reapTimeout):
		s.log.Errorw("exec.worker_stuck", "exec_id", s.id)
	}
}

func (s *Stream) pollWait() time.Duration {
	wait := s.poll
	if s.timeout > 0 {
		if left := s.timeout - time.Since(s.started); left < wait {
			wait = left
		}
	}
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

func (s *Stream) reportOutcome(o outcome) {
	s.reportOnce.Do(func() {
		if s.report != nil {
			s.report(o)
		}
	})
}
