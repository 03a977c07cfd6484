// Package command turns a command line or argument vector into something
// ready to hand to os/exec, without spawning anything.
package command

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/shlex"
)

var (
	// ErrEmptyCommand is returned when a spec has no program to run.
	ErrEmptyCommand = errors.New("empty command")

	// ErrDirectoryNotFound is returned when the working directory is missing
	// or is not a directory.
	ErrDirectoryNotFound = errors.New("working directory not found")
)

// shellLaunchers are front-ends shipped as batch scripts on Windows; they
// cannot be exec'd directly and must go through cmd.exe.
var shellLaunchers = map[string]struct{}{
	"mvn":    {},
	"npm":    {},
	"gradle": {},
	"yarn":   {},
	"pnpm":   {},
	"npx":    {},
}

// Spec is a command given either as one shell-like line or as a pre-split
// argument vector. Args takes precedence when both are set.
type Spec struct {
	Line string
	Args []string
}

// FromLine builds a Spec from a single command line such as `mvn clean install`.
func FromLine(line string) Spec {
	return Spec{Line: line}
}

// FromArgs builds a Spec from an argument vector; args[0] is the program.
func FromArgs(args ...string) Spec {
	return Spec{Args: args}
}

// String renders the spec for logs.
func (s Spec) String() string {
	if len(s.Args) > 0 {
		return strings.Join(s.Args, " ")
	}
	return s.Line
}

// Prepared is a canonical argument vector plus the decision whether it has to
// be run through the platform command interpreter.
type Prepared struct {
	Argv     []string
	Dir      string
	UseShell bool
}

// Name is the program to exec.
func (p *Prepared) Name() string {
	if p.UseShell {
		return "cmd.exe"
	}
	return p.Argv[0]
}

// Args are the arguments passed after Name.
func (p *Prepared) Args() []string {
	if p.UseShell {
		return []string{"/C", strings.Join(p.Argv, " ")}
	}
	return p.Argv[1:]
}

// Tokenize splits a command line honouring quotes and backslash escapes, so
// `run "-D x=1"` yields ["run", "-D x=1"].
func Tokenize(line string) ([]string, error) {
	argv, err := shlex.Split(line)
	if err != nil {
		return nil, fmt.Errorf("tokenize command: %w", err)
	}
	return argv, nil
}

// Prepare validates spec and dir for the current platform.
func Prepare(spec Spec, dir string) (*Prepared, error) {
	return prepare(spec, dir, runtime.GOOS)
}

func prepare(spec Spec, dir, goos string) (*Prepared, error) {
	var argv []string
	if len(spec.Args) > 0 {
		argv = append([]string(nil), spec.Args...)
	} else {
		toks, err := Tokenize(spec.Line)
		if err != nil {
			return nil, err
		}
		argv = toks
	}
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return nil, ErrEmptyCommand
	}

	if dir != "" {
		fi, err := os.Stat(dir)
		if err != nil || !fi.IsDir() {
			return nil, fmt.Errorf("%w: %s", ErrDirectoryNotFound, dir)
		}
	}

	return &Prepared{
		Argv:     argv,
		Dir:      dir,
		UseShell: NeedsShell(goos, argv[0]),
	}, nil
}

// NeedsShell reports whether argv0 names a launcher that goos can only run
// through its command interpreter. It has no side effects.
func NeedsShell(goos, argv0 string) bool {
	if goos != "windows" {
		return false
	}
	base := strings.ToLower(filepath.Base(argv0))
	_, ok := shellLaunchers[base]
	return ok
}
