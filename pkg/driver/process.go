package driver

import (
	"fmt"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

// reapTimeout bounds how long a kill waits for the worker to reap the child.
const reapTimeout = 5 * time.Second

// ProcessState is the lifecycle of a managed process.
type ProcessState int32

const (
	StateSpawned ProcessState = iota
	StateRunning
	StateTerminating
	StateTerminated
)

func (s ProcessState) String() string {
	switch s {
	case StateSpawned:
		return "spawned"
	case StateRunning:
		return "running"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Handle is what the Registry needs from a process: a way to stop it. The
// registry never owns or reaps the process behind it.
type Handle interface {
	Pid() int
	Terminate(grace time.Duration) error
	Kill() error
}

// Process wraps one spawned child. Only the worker that spawned it calls
// Wait; everybody else may only signal it.
type Process struct {
	id  string
	cmd *exec.Cmd
	log *zap.SugaredLogger

	// mu orders signal delivery against the move to Terminated after the
	// reap.
	mu    sync.Mutex
	state ProcessState
	done  chan struct{}
}

func newProcess(id string, cmd *exec.Cmd, log *zap.SugaredLogger) *Process {
	return &Process{
		id:    id,
		cmd:   cmd,
		log:   log,
		state: StateSpawned,
		done:  make(chan struct{}),
	}
}

// ID is the execution id the process was spawned for.
func (p *Process) ID() string { return p.id }

// Pid of the child; it leads its own process group on Unix.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// State returns the current lifecycle state.
func (p *Process) State() ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Done is closed once the child has been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether the child has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Process) markRunning() {
	p.mu.Lock()
	if p.state == StateSpawned {
		p.state = StateRunning
	}
	p.mu.Unlock()
}

// reap runs cmd.Wait and moves the process to Terminated.
func (p *Process) reap() error {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.state = StateTerminated
	close(p.done)
	p.mu.Unlock()
	return err
}

// signal delivers term (graceful) or kill to the process group unless the
// child is already reaped. Delivery failures are logged and dropped.
func (p *Process) signal(graceful bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateTerminated {
		return
	}
	p.state = StateTerminating

	send, name := killGroup, "SIGKILL"
	if graceful {
		send, name = termGroup, "SIGTERM"
	}
	if err := send(p.cmd.Process); err != nil {
		if processGone(err) {
			p.log.Debugw("process already gone", "exec_id", p.id, "signal", name)
			return
		}
		p.log.Warnw("signal delivery failed", "exec_id", p.id, "pid", p.cmd.Process.Pid, "signal", name, "error", err)
	}
}

// Terminate runs the two-phase protocol: SIGTERM, wait up to grace, SIGKILL.
// It is a no-op on an exited process and safe to call concurrently. The
// error is non-nil only if the child is still not reaped afterwards.
func (p *Process) Terminate(grace time.Duration) error {
	if p.Exited() {
		return nil
	}
	p.signal(true)

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		p.log.Infow("process terminated", "exec_id", p.id, "graceful", true)
		return nil
	case <-timer.C:
	}

	p.log.Warnw("process ignored SIGTERM, killing", "exec_id", p.id, "grace", grace)
	return p.Kill()
}

// Kill sends SIGKILL without a grace period and waits for the reap.
func (p *Process) Kill() error {
	if p.Exited() {
		return nil
	}
	p.signal(false)

	timer := time.NewTimer(reapTimeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
		return fmt.Errorf("exec %s: pid %d not reaped %s after SIGKILL", p.id, p.cmd.Process.Pid, reapTimeout)
	}
}
