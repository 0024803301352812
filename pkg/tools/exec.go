package tools

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// DefaultTimeout is the per-invocation wall-clock budget when the caller
// doesn't supply one.
const DefaultTimeout = 5 * time.Minute

// maxCapturedOutput truncates captured stdout/stderr for logging; tool output
// on a big library can reach megabytes.
const maxCapturedOutput = 64 * 1024

// killGrace is how long a subprocess gets to exit after SIGTERM before it is
// force-killed.
const killGrace = 10 * time.Second

// Result captures one subprocess invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// environment allow-list: subprocesses inherit nothing else.
var passEnv = []string{"PATH", "HOME", "TZ", "LANG", "LC_ALL", "CALIBRE_TEMP_DIR"}

// Run executes bin with args under the given timeout. Exit code > 0 is
// returned as an error with the Result still populated so callers can log
// the captured output.
func Run(ctx context.Context, timeout time.Duration, bin string, args ...string) (*Result, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, args...)

	env := make([]string, 0, len(passEnv))
	for _, key := range passEnv {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	cmd.Env = env

	// Graceful termination first; the kernel reaps stragglers after the
	// grace window.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	result := &Result{
		Stdout: truncate(stdout.Bytes()),
		Stderr: truncate(stderr.Bytes()),
	}

	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			if ctx.Err() != nil {
				return result, errors.Wrapf(ctx.Err(), "%s timed out", bin)
			}
			return result, errors.Wrapf(runErr, "%s exited with code %d", bin, result.ExitCode)
		}
		return result, errors.Wrapf(runErr, "failed to execute %s", bin)
	}

	return result, nil
}

func truncate(b []byte) string {
	if len(b) <= maxCapturedOutput {
		return string(b)
	}
	return string(b[:maxCapturedOutput]) + "\n[truncated]"
}
