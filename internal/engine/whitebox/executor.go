// Package whitebox runs the terrain operations through the WhiteboxTools
// command line executable.
package whitebox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/banshee-data/terrain.covariates/internal/engine"
)

// Logger defines the interface for debug logging. *zap.SugaredLogger satisfies it.
type Logger interface {
	Debugf(format string, args ...interface{})
}

// nopLogger is a no-op logger implementation.
type nopLogger struct{}

func (nopLogger) Debugf(format string, args ...interface{}) {}

// Runner executes one process and reports its output and exit code.
type Runner interface {
	Run(ctx context.Context, dir string, env []string, name string, args ...string) (stdout, stderr []byte, exitCode int, err error)
}

// ExecRunner executes commands on the local host.
type ExecRunner struct{}

// Run starts name with args in dir and waits for it. A binary that cannot be
// started reports exit code 127.
func (ExecRunner) Run(ctx context.Context, dir string, env []string, name string, args ...string) ([]byte, []byte, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), stderr.Bytes(), 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.Bytes(), stderr.Bytes(), exitErr.ExitCode(), err
	}
	exitCode := 1
	var execErr *exec.Error
	if errors.As(err, &execErr) || errors.Is(err, os.ErrNotExist) {
		exitCode = 127
	}
	return stdout.Bytes(), stderr.Bytes(), exitCode, err
}

// Executor invokes WhiteboxTools tools with the shared engine settings.
type Executor struct {
	Config engine.Config
	Runner Runner
	Logger Logger
}

// NewExecutor creates an executor backed by ExecRunner.
func NewExecutor(cfg engine.Config) *Executor {
	return &Executor{Config: cfg, Runner: ExecRunner{}, Logger: nopLogger{}}
}

// SetLogger sets the debug logger for the executor.
func (e *Executor) SetLogger(logger Logger) {
	if logger != nil {
		e.Logger = logger
	}
}

// Args builds the full argument list for a tool invocation.
func (e *Executor) Args(tool string, toolArgs ...string) []string {
	args := []string{"--run=" + tool}
	if e.Config.WorkingDir != "" {
		args = append(args, "--wd="+e.Config.WorkingDir)
	}
	if e.Config.MaxProcs != 0 {
		args = append(args, fmt.Sprintf("--max_procs=%d", e.Config.MaxProcs))
	}
	args = append(args, fmt.Sprintf("--compress_rasters=%t", e.Config.Compress))
	if e.Config.Verbose {
		args = append(args, "-v")
	}
	return append(args, toolArgs...)
}

// RunTool executes one tool and returns its standard output.
func (e *Executor) RunTool(ctx context.Context, tool string, toolArgs ...string) (string, error) {
	return e.run(ctx, tool, e.Args(tool, toolArgs...))
}

func (e *Executor) run(ctx context.Context, label string, args []string) (string, error) {
	if e.Config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Config.Timeout)
		defer cancel()
	}

	binary := e.Config.Binary
	if binary == "" {
		binary = "whitebox_tools"
	}
	e.Logger.Debugf("Executing: %s %s", binary, strings.Join(args, " "))

	stdout, stderr, code, err := e.Runner.Run(ctx, e.Config.WorkingDir, e.Config.Env, binary, args...)
	if err == nil {
		return string(stdout), nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", fmt.Errorf("%s interrupted: %w", label, ctxErr)
	}
	if code == 127 {
		return "", fmt.Errorf("%w: %s: %v", engine.ErrEngineUnavailable, binary, err)
	}
	e.Logger.Debugf("Command failed: %v, output: %s", err, tail(string(stdout), 20))
	msg := tail(string(stderr), 5)
	if msg == "" {
		msg = tail(string(stdout), 5)
	}
	return "", &engine.ToolError{Tool: label, ExitCode: code, Stderr: msg, Err: err}
}

// tail returns at most the last n non-empty lines of s.
func tail(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	kept := make([]string, 0, n)
	for i := len(lines) - 1; i >= 0 && len(kept) < n; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			kept = append([]string{l}, kept...)
		}
	}
	return strings.Join(kept, "\n")
}
