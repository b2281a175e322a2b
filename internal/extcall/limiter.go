// Package extcall bounds how many calls into external tooling run at once and
// how long each may take.
package extcall

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrTimeout is returned when a call exceeds its deadline.
var ErrTimeout = errors.New("external call timed out")

// Limiter is a weighted semaphore plus a per-call timeout.
type Limiter struct {
	sem     *semaphore.Weighted
	timeout time.Duration
}

// NewLimiter allows maxConcurrent calls in flight, each bounded by timeout.
func NewLimiter(maxConcurrent int, timeout time.Duration) *Limiter {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Limiter{
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		timeout: timeout,
	}
}

// Do waits for a slot (honouring ctx), then runs fn under the call timeout.
func (l *Limiter) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("wait for external call slot: %w", err)
	}
	defer l.sem.Release(1)

	callCtx := ctx
	if l.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	err := fn(callCtx)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w after %s: %v", ErrTimeout, l.timeout, err)
	}
	return err
}

// Result is the captured outcome of a command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes a command and captures its output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// InputRunner is a Runner that can also feed data to the command's stdin.
// Secrets go this way so they never appear in the process argument list.
type InputRunner interface {
	Runner
	RunWithInput(ctx context.Context, stdin string, name string, args ...string) (Result, error)
}

// ExecRunner runs commands through os/exec, gated by a Limiter.
type ExecRunner struct {
	limiter *Limiter
}

// NewExecRunner creates a runner that funnels every command through limiter.
func NewExecRunner(limiter *Limiter) *ExecRunner {
	return &ExecRunner{limiter: limiter}
}

// Run executes name with args. A non-zero exit returns the captured output
// together with an *exec.ExitError.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	return r.run(ctx, nil, name, args...)
}

// RunWithInput is Run with stdin connected to the given text.
func (r *ExecRunner) RunWithInput(ctx context.Context, stdin string, name string, args ...string) (Result, error) {
	return r.run(ctx, strings.NewReader(stdin), name, args...)
}

func (r *ExecRunner) run(ctx context.Context, stdin io.Reader, name string, args ...string) (Result, error) {
	var res Result
	err := r.limiter.Do(ctx, func(ctx context.Context) error {
		var stdout, stderr bytes.Buffer
		cmd := exec.CommandContext(ctx, name, args...)
		if stdin != nil {
			cmd.Stdin = stdin
		}
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		cmd.WaitDelay = time.Second

		runErr := cmd.Run()
		res.Stdout = stdout.String()
		res.Stderr = strings.TrimSpace(stderr.String())
		if cmd.ProcessState != nil {
			res.ExitCode = cmd.ProcessState.ExitCode()
		}
		return runErr
	})
	return res, err
}

// Diagnostic picks the most useful text to surface for a failed command.
func (r Result) Diagnostic(err error) string {
	if r.Stderr != "" {
		return r.Stderr
	}
	if out := strings.TrimSpace(r.Stdout); out != "" {
		return out
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
