package driver

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"hackohio/execstream/pkg/command"
)

const (
	defaultMaxConcurrency   = 4
	defaultTerminationGrace = 3 * time.Second
	defaultPollInterval     = 100 * time.Millisecond
)

// Config controls the behavior of ExecDriver.
type Config struct {
	// Concurrency control; number of executions with a live child. A slot is
	// taken before spawning and released when the child is reaped.
	MaxConcurrency int

	// Grace period between SIGTERM and SIGKILL. Default 3s.
	TerminationGrace time.Duration

	// Upper bound on a single queue poll in Stream.Next. Default 100ms.
	PollInterval time.Duration

	// Applied when ExecReq.Timeout is zero; zero means no timeout.
	DefaultTimeout time.Duration

	// Working directory when ExecReq.Dir is empty.
	DefaultDir string

	// Optional allowlist for argv[0], by base name or absolute path. Empty
	// allows anything.
	AllowedBinaries []string

	// Nil logs nowhere.
	Logger *zap.Logger

	// Shared registry; a private one is created when nil.
	Registry *Registry
}

// ExecDriver spawns commands and streams their output.
type ExecDriver struct {
	cfg    Config
	sema   chan struct{}
	reg    *Registry
	log    *zap.SugaredLogger
	closed atomic.Bool

	// metrics
	mActive    int64 // gauge
	mStarted   uint64
	mSucceeded uint64
	mFailed    uint64
	mTimedOut  uint64
	mCanceled  uint64
	mDuration  struct { // naive histogram: sum and count
		sumMicros uint64
		count     uint64
	}
}

var _ Driver = (*ExecDriver)(nil)

// NewExecDriver creates a Driver that runs local commands.
func NewExecDriver(cfg Config) *ExecDriver {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}
	if cfg.TerminationGrace <= 0 {
		cfg.TerminationGrace = defaultTerminationGrace
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry(cfg.Logger, cfg.TerminationGrace)
	}
	return &ExecDriver{
		cfg:  cfg,
		sema: make(chan struct{}, cfg.MaxConcurrency),
		reg:  cfg.Registry,
		log:  cfg.Logger.Sugar().Named("exec"),
	}
}

// Registry exposes the driver's process registry.
func (d *ExecDriver) Registry() *Registry { return d.reg }

// ExecuteStream validates req, spawns the command and returns a stream of
// its output. Precondition failures (missing directory, empty command,
// disallowed binary, id already running, driver shut down) are returned
// here and nothing is spawned. A spawn failure surfaces from the stream's
// first Next.
func (d *ExecDriver) ExecuteStream(ctx context.Context, req ExecReq) (*Stream, error) {
	if d.closed.Load() {
		return nil, ErrDriverClosed
	}

	dir := req.Dir
	if dir == "" {
		dir = d.cfg.DefaultDir
	}
	prep, err := command.Prepare(req.Command, dir)
	if err != nil {
		return nil, err
	}
	if !d.isAllowedBinary(prep.Argv[0]) {
		return nil, fmt.Errorf("%w: %s", ErrBinaryNotAllowed, prep.Argv[0])
	}

	id := req.ExecutionID
	if id == "" {
		id = uuid.NewString()
	}
	if _, busy := d.reg.Lookup(id); busy {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateExecution, id)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.cfg.DefaultTimeout
	}

	// Concurrency gate
	select {
	case d.sema <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	release := func() { <-d.sema }

	s := &Stream{
		id:      id,
		q:       newEventQueue(),
		log:     d.log,
		grace:   d.cfg.TerminationGrace,
		poll:    d.cfg.PollInterval,
		timeout: timeout,
		started: time.Now(),
		report:  d.record,
	}

	d.log.Infow("exec.start",
		"exec_id", id,
		"argv0", prep.Argv[0],
		"args_len", len(prep.Argv)-1,
		"dir", prep.Dir,
		"shell", prep.UseShell,
		"timeout_secs", int(timeout/time.Second),
	)

	cmd, out, err := spawn(id, prep)
	if err != nil {
		release()
		d.log.Errorw("exec.spawn_error", "exec_id", id, "error", err)
		done := make(chan struct{})
		close(done)
		s.workerDone = done
		s.q.pushTerminal(Terminal{ExitCode: -1, Err: err})
		return s, nil
	}

	proc := newProcess(id, cmd, d.log)
	if !d.reg.TryRegister(id, proc) {
		// Lost a race with another execution under the same id.
		_ = killGroup(cmd.Process)
		out.Close()
		_ = cmd.Wait()
		release()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateExecution, id)
	}
	s.proc = proc

	atomic.AddInt64(&d.mActive, 1)
	atomic.AddUint64(&d.mStarted, 1)

	done := make(chan struct{})
	s.workerDone = done
	w := &worker{
		proc:    proc,
		out:     out,
		q:       s.q,
		reg:     d.reg,
		log:     d.log,
		started: s.started,
		onExit: func(t Terminal, elapsed time.Duration) {
			atomic.AddInt64(&d.mActive, -1)
			atomic.AddUint64(&d.mDuration.count, 1)
			atomic.AddUint64(&d.mDuration.sumMicros, uint64(elapsed/time.Microsecond))
			release()
			d.log.Infow("exec.finish",
				"exec_id", id,
				"exit_code", t.ExitCode,
				"duration_ms", int(elapsed/time.Millisecond),
				"error", errString(t.Err),
			)
		},
	}
	go w.run(done)

	return s, nil
}

// Execute runs req to completion and returns all of its output. A nonzero
// exit is reported in ExecResp, not as an error.
func (d *ExecDriver) Execute(ctx context.Context, req ExecReq) (ExecResp, error) {
	start := time.Now()
	s, err := d.ExecuteStream(ctx, req)
	if err != nil {
		return ExecResp{}, err
	}

	var lines []string
	for line, err := range s.Lines(ctx) {
		if err != nil {
			return ExecResp{
				ExecutionID: s.ID(),
				ExitCode:    -1,
				Output:      strings.Join(lines, "\n"),
				Duration:    time.Since(start),
			}, err
		}
		lines = append(lines, line)
	}

	resp := ExecResp{
		ExecutionID: s.ID(),
		ExitCode:    -1,
		Output:      strings.Join(lines, "\n"),
		Duration:    time.Since(start),
	}
	if t, ok := s.Terminal(); ok {
		resp.ExitCode = t.ExitCode
		resp.Success = t.Success
	}
	return resp, nil
}

// Stop terminates one execution by id; see Registry.Stop.
func (d *ExecDriver) Stop(id string) (bool, error) {
	return d.reg.Stop(id)
}

// StopAll kills every running execution.
func (d *ExecDriver) StopAll() {
	d.reg.StopAll()
}

// Shutdown refuses new executions and kills the running ones.
func (d *ExecDriver) Shutdown() {
	if d.closed.Swap(true) {
		return
	}
	d.log.Infow("exec.shutdown", "running", d.reg.Len())
	d.reg.StopAll()
}

func (d *ExecDriver) isAllowedBinary(argv0 string) bool {
	if len(d.cfg.AllowedBinaries) == 0 {
		return true
	}

	// Normalize path to compare against allowlist entries
	resolved := argv0
	if !filepath.IsAbs(argv0) {
		if p, err := exec.LookPath(argv0); err == nil {
			resolved = p
		}
	}
	if rp, err := filepath.EvalSymlinks(resolved); err == nil {
		resolved = rp
	}

	base := filepath.Base(argv0)
	for _, allowed := range d.cfg.AllowedBinaries {
		if allowed == base || allowed == argv0 || allowed == resolved {
			return true
		}
	}
	return false
}

func (d *ExecDriver) record(o outcome) {
	switch o {
	case outcomeSucceeded:
		atomic.AddUint64(&d.mSucceeded, 1)
	case outcomeFailed:
		atomic.AddUint64(&d.mFailed, 1)
	case outcomeTimedOut:
		atomic.AddUint64(&d.mTimedOut, 1)
	case outcomeCanceled:
		atomic.AddUint64(&d.mCanceled, 1)
	}
}

// Metrics exposes a snapshot of internal counters.
type Metrics struct {
	Active            int64
	Started           uint64
	Succeeded         uint64
	Failed            uint64
	TimedOut          uint64
	Canceled          uint64
	DurationCount     uint64
	DurationSumMicros uint64
}

func (d *ExecDriver) Metrics() Metrics {
	return Metrics{
		Active:            atomic.LoadInt64(&d.mActive),
		Started:           atomic.LoadUint64(&d.mStarted),
		Succeeded:         atomic.LoadUint64(&d.mSucceeded),
		Failed:            atomic.LoadUint64(&d.mFailed),
		TimedOut:          atomic.LoadUint64(&d.mTimedOut),
		Canceled:          atomic.LoadUint64(&d.mCanceled),
		DurationCount:     atomic.LoadUint64(&d.mDuration.count),
		DurationSumMicros: atomic.LoadUint64(&d.mDuration.sumMicros),
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
