package driver

import (
	"bufio"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"hackohio/execstream/pkg/command"
)

const (
	// readerBufferSize sizes the line reader; longer lines still come through
	// whole, just in several reads.
	readerBufferSize = 64 * 1024

	// EnvExecutionID is set in the child's environment.
	EnvExecutionID = "EXECSTREAM_EXECUTION_ID"
)

// spawn starts prep with stdout and stderr sharing a single pipe, so the
// interleaving the child produced is the order lines are read in.
func spawn(id string, prep *command.Prepared) (*exec.Cmd, *os.File, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, &SpawnError{Argv0: prep.Argv[0], Err: err}
	}

	cmd := exec.Command(prep.Name(), prep.Args()...)
	cmd.Dir = prep.Dir
	cmd.Env = append(os.Environ(), EnvExecutionID+"="+id)
	cmd.Stdout = w
	cmd.Stderr = w
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, nil, &SpawnError{Argv0: prep.Argv[0], Err: err}
	}
	// The child holds its own copy; ours must go so EOF arrives on exit.
	w.Close()
	return cmd, r, nil
}

// worker owns one child from spawn to reap and feeds its output into q.
type worker struct {
	proc    *Process
	out     *os.File
	q       *eventQueue
	reg     *Registry
	log     *zap.SugaredLogger
	started time.Time

	// onExit runs once the child is reaped, before the terminal is queued.
	onExit func(t Terminal, elapsed time.Duration)
}

// run is the worker goroutine body. It always queues exactly one Terminal
// and closes done last.
func (w *worker) run(done chan<- struct{}) {
	defer close(done)

	w.proc.markRunning()
	readErr := w.readLines()
	w.out.Close()
	if readErr != nil {
		// Nobody drains the pipe any more; make sure Wait can return.
		w.log.Errorw("exec.read_error", "exec_id", w.proc.id, "error", readErr)
		w.proc.signal(false)
	}

	waitErr := w.proc.reap()
	code := exitCode(w.proc.cmd.ProcessState)

	// Unregister before publishing so that a consumer that has seen the
	// terminal never finds the id still registered.
	w.reg.unregisterHandle(w.proc.id, w.proc)

	t := Terminal{ExitCode: code, Success: code == 0}
	var exitErr *exec.ExitError
	switch {
	case readErr != nil:
		t.Success = false
		t.Err = readErr
	case waitErr != nil && !errors.As(waitErr, &exitErr):
		t.Success = false
		t.Err = waitErr
	}
	if w.onExit != nil {
		w.onExit(t, time.Since(w.started))
	}
	w.q.pushTerminal(t)
}

// readLines pushes every line until EOF. Lines are not truncated; only the
// trailing terminator is stripped.
func (w *worker) readLines() error {
	br := bufio.NewReaderSize(w.out, readerBufferSize)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			w.q.pushLine(normalizeLine(line))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func normalizeLine(line string) string {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return strings.ToValidUTF8(line, "\uFFFD")
}
