package sshclient

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"
)

// OSKind is the operating system family of a remote node.
type OSKind int

const (
	Windows OSKind = iota
	Posix
)

func (k OSKind) String() string {
	if k == Posix {
		return "posix"
	}
	return "windows"
}

// Target is everything needed to open a session on a node.
type Target struct {
	Host string
	Port int
	User string

	// KeyPath takes precedence over password credentials.
	KeyPath     string
	Password    string
	PasswordEnv string // e.g. SSH_PASS_NODE1
}

func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// password resolves the password credential, reading PasswordEnv when no
// literal password is configured.
func (t Target) password() string {
	if t.Password != "" {
		return t.Password
	}
	if t.PasswordEnv != "" {
		return os.Getenv(t.PasswordEnv)
	}
	return ""
}

// StartOptions tune how a remote command is started.
type StartOptions struct {
	// PTY requests a pseudo-terminal for the command.
	PTY bool

	// Stdout and Stderr, when set, receive output as it arrives in
	// addition to it being captured.
	Stdout io.Writer
	Stderr io.Writer
}

// Session is an open remote-shell session on one node.
type Session interface {
	// Start launches cmd and returns without waiting for it to finish.
	Start(cmd string, opts StartOptions) (Process, error)

	// Put uploads a local file to remotePath.
	Put(localPath, remotePath string) error

	// Chmod changes the mode of a remote file.
	Chmod(remotePath string, mode os.FileMode) error

	Close() error
}

// Process is a command started on a session. It is polled rather than waited
// on so callers can enforce timeouts and react to cancellation.
type Process interface {
	// Exited reports whether the command has finished. When it has, status
	// is its exit status; err is set if the session broke before an exit
	// status was received.
	Exited() (done bool, status int, err error)

	Stdout() string
	Stderr() string

	// Kill asks the remote side to terminate the command. Best effort.
	Kill() error

	Close() error
}

// Result is the captured outcome of a finished command.
type Result struct {
	Status int
	Stdout string
	Stderr string
}

const outputPoll = 50 * time.Millisecond

// Output runs cmd to completion and returns its captured output. A non-zero
// exit status is not an error.
func Output(ctx context.Context, s Session, cmd string) (Result, error) {
	p, err := s.Start(cmd, StartOptions{})
	if err != nil {
		return Result{}, fmt.Errorf("start %q: %w", cmd, err)
	}
	defer p.Close()

	ticker := time.NewTicker(outputPoll)
	defer ticker.Stop()

	for {
		done, status, err := p.Exited()
		if done {
			if err != nil {
				return Result{}, err
			}
			return Result{Status: status, Stdout: p.Stdout(), Stderr: p.Stderr()}, nil
		}

		select {
		case <-ctx.Done():
			_ = p.Kill()
			return Result{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
