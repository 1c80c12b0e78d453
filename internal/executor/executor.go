// Package executor runs single commands on an open session. Commands are
// polled rather than waited on, which is what lets callers enforce timeouts
// and stop cooperatively.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tastythames/ssh-fleet/internal/sshclient"
)

var (
	ErrTimeout = errors.New("command timed out")
	// ErrStopped is returned when the context is cancelled while the command
	// is still running. The remote process may keep running.
	ErrStopped = errors.New("execution stopped")
)

// CommandError is a command that exited with a non-zero status.
type CommandError struct {
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("exit status %d", e.ExitCode)
	}
	return fmt.Sprintf("exit status %d: %s", e.ExitCode, msg)
}

type Options struct {
	// Timeout is the wall-clock budget. Zero disables it.
	Timeout time.Duration
	// PollInterval is the pause between completion checks. Defaults to 200ms.
	PollInterval time.Duration
}

// Run executes cmd and returns its output once it exits with status zero.
func Run(ctx context.Context, s sshclient.Session, cmd string, opts Options) (sshclient.Result, error) {
	p, err := s.Start(cmd, sshclient.StartOptions{})
	if err != nil {
		return sshclient.Result{}, err
	}
	return poll(ctx, p, opts)
}

// Stream runs cmd on a pseudo-terminal and copies its output to stdout and
// stderr as it arrives. It reports whether the command exited with status
// zero.
func Stream(ctx context.Context, s sshclient.Session, cmd string, stdout, stderr io.Writer, opts Options) (bool, error) {
	p, err := s.Start(cmd, sshclient.StartOptions{PTY: true, Stdout: stdout, Stderr: stderr})
	if err != nil {
		return false, err
	}

	_, err = poll(ctx, p, opts)
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func poll(ctx context.Context, p sshclient.Process, opts Options) (sshclient.Result, error) {
	defer p.Close()

	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}

	var deadline <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	for {
		done, status, err := p.Exited()
		if done {
			if err != nil {
				return sshclient.Result{}, err
			}
			res := sshclient.Result{Status: status, Stdout: p.Stdout(), Stderr: p.Stderr()}
			if status != 0 {
				return res, &CommandError{ExitCode: status, Stderr: res.Stderr}
			}
			return res, nil
		}

		select {
		case <-ctx.Done():
			_ = p.Kill()
			return sshclient.Result{}, fmt.Errorf("%w: %w", ErrStopped, ctx.Err())
		case <-deadline:
			_ = p.Kill()
			return sshclient.Result{}, fmt.Errorf("%w after %s", ErrTimeout, opts.Timeout)
		case <-ticker.C:
		}
	}
}
