// Package sshtest provides scripted in-memory sessions for testing code that
// drives remote nodes.
package sshtest

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/tastythames/ssh-fleet/internal/sshclient"
)

// Reply is the scripted outcome of a command.
type Reply struct {
	Status int
	Stdout string
	Stderr string

	// Delay keeps the process running before it exits.
	Delay time.Duration
	// Err simulates the session breaking before an exit status arrives.
	Err error
	// Hang keeps the process running until it is killed or closed.
	Hang bool
}

// Handler produces the reply for a command run on the named host.
type Handler func(host, cmd string) Reply

// Host is one fake remote node.
type Host struct {
	mu sync.Mutex

	Handler Handler
	// Files holds remote paths that exist, with their mode.
	Files map[string]os.FileMode
	// Uploads records Put calls as remote -> local.
	Uploads map[string]string

	commands []string
	sessions int
	running  int
	peak     int
}

func NewHost(h Handler) *Host {
	return &Host{
		Handler: h,
		Files:   make(map[string]os.FileMode),
		Uploads: make(map[string]string),
	}
}

// Commands returns every command started on the host.
func (h *Host) Commands() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.commands...)
}

// Sessions returns the number of sessions opened on the host.
func (h *Host) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions
}

// Peak returns the highest number of commands running at once.
func (h *Host) Peak() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peak
}

// HasFile reports whether a remote path exists.
func (h *Host) HasFile(p string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.Files[p]
	return ok
}

// Mode returns the mode of a remote file.
func (h *Host) Mode(p string) os.FileMode {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Files[p]
}

// Network is a set of fake hosts keyed by host name.
type Network struct {
	mu      sync.Mutex
	hosts   map[string]*Host
	dialErr map[string]error
	dials   map[string]int
}

func NewNetwork() *Network {
	return &Network{
		hosts:   make(map[string]*Host),
		dialErr: make(map[string]error),
		dials:   make(map[string]int),
	}
}

// Add registers a host.
func (n *Network) Add(name string, h *Host) *Host {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.hosts[name] = h
	return h
}

// SetDialErr makes dials to host fail with err. A nil err clears it.
func (n *Network) SetDialErr(host string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err == nil {
		delete(n.dialErr, host)
		return
	}
	n.dialErr[host] = err
}

// Dials returns the number of dial attempts made to host.
func (n *Network) Dials(host string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dials[host]
}

// Probe implements sshclient.ProbeFunc. Known hosts are reachable.
func (n *Network) Probe(_ context.Context, addr string, _ time.Duration) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.hosts[addrHost(addr)]
	return ok
}

// Dial implements sshclient.DialFunc.
func (n *Network) Dial(_ context.Context, t sshclient.Target) (sshclient.Session, error) {
	n.mu.Lock()
	n.dials[t.Host]++
	err := n.dialErr[t.Host]
	h, ok := n.hosts[t.Host]
	n.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &sshclient.Error{Kind: sshclient.KindUnreachable, Addr: t.Addr(), Err: errors.New("no such host")}
	}

	h.mu.Lock()
	h.sessions++
	h.mu.Unlock()
	return &Session{host: t.Host, h: h}, nil
}

func addrHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// Session is a fake sshclient.Session.
type Session struct {
	host string
	h    *Host

	mu     sync.Mutex
	closed bool
}

func (s *Session) Start(cmd string, opts sshclient.StartOptions) (sshclient.Process, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, errors.New("session closed")
	}

	s.h.mu.Lock()
	s.h.commands = append(s.h.commands, cmd)
	s.h.running++
	if s.h.running > s.h.peak {
		s.h.peak = s.h.running
	}
	handler := s.h.Handler
	s.h.mu.Unlock()

	var r Reply
	if handler != nil {
		r = handler(s.host, cmd)
	}

	p := &Process{h: s.h, reply: r, killed: make(chan struct{})}
	if opts.Stdout != nil && r.Stdout != "" {
		_, _ = io.WriteString(opts.Stdout, r.Stdout)
	}
	if opts.Stderr != nil && r.Stderr != "" {
		_, _ = io.WriteString(opts.Stderr, r.Stderr)
	}

	switch {
	case r.Hang:
	case r.Delay > 0:
		time.AfterFunc(r.Delay, p.finish)
	default:
		p.finish()
	}
	return p, nil
}

func (s *Session) Put(localPath, remotePath string) error {
	if _, err := os.Stat(localPath); err != nil {
		return err
	}
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	s.h.Uploads[remotePath] = localPath
	s.h.Files[remotePath] = 0o644
	return nil
}

func (s *Session) Chmod(remotePath string, mode os.FileMode) error {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	if _, ok := s.h.Files[remotePath]; !ok {
		return os.ErrNotExist
	}
	s.h.Files[remotePath] = mode
	return nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Process is a fake sshclient.Process.
type Process struct {
	h     *Host
	reply Reply

	mu     sync.Mutex
	done   bool
	killed chan struct{}
	once   sync.Once
}

func (p *Process) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done {
		return
	}
	p.done = true
	p.h.mu.Lock()
	p.h.running--
	p.h.mu.Unlock()
}

func (p *Process) Exited() (bool, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.done {
		return false, 0, nil
	}
	return true, p.reply.Status, p.reply.Err
}

func (p *Process) Stdout() string { return p.reply.Stdout }
func (p *Process) Stderr() string { return p.reply.Stderr }

// Killed is closed once Kill has been called.
func (p *Process) Killed() <-chan struct{} { return p.killed }

func (p *Process) Kill() error {
	p.once.Do(func() { close(p.killed) })
	return nil
}

func (p *Process) Close() error {
	p.finish()
	return nil
}
