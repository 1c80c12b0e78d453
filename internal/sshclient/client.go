package sshclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DialFunc opens a session on a target.
type DialFunc func(ctx context.Context, t Target) (Session, error)

// Dialer opens real SSH sessions.
type Dialer struct {
	cfg Config
}

func NewDialer(cfg Config) *Dialer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Dialer{cfg: cfg}
}

func (d *Dialer) authMethods(t Target) ([]ssh.AuthMethod, error) {
	if t.KeyPath != "" {
		b, err := os.ReadFile(t.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(b)
		if err != nil {
			return nil, fmt.Errorf("parse key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}

	password := t.password()
	if password == "" {
		return nil, fmt.Errorf("no key or password configured")
	}
	return []ssh.AuthMethod{
		ssh.Password(password),
		ssh.KeyboardInteractive(func(_user, _instruction string, questions []string, _echos []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range questions {
				answers[i] = password
			}
			return answers, nil
		}),
	}, nil
}

func (d *Dialer) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if d.cfg.KnownHostsFile == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	return knownhosts.New(d.cfg.KnownHostsFile)
}

// Dial connects and authenticates. Failures are returned as *Error.
func (d *Dialer) Dial(ctx context.Context, t Target) (Session, error) {
	addr := t.Addr()
	if t.User == "" {
		return nil, &Error{Kind: KindAuthenticationFailed, Addr: addr, Err: errors.New("ssh user is empty")}
	}

	auth, err := d.authMethods(t)
	if err != nil {
		return nil, &Error{Kind: KindAuthenticationFailed, Addr: addr, Err: err}
	}
	hk, err := d.hostKeyCallback()
	if err != nil {
		return nil, &Error{Kind: KindProtocolError, Addr: addr, Err: err}
	}

	sshCfg := &ssh.ClientConfig{
		User:            t.User,
		HostKeyCallback: hk,
		Timeout:         d.cfg.Timeout,
		Auth:            auth,
	}

	dialer := net.Dialer{Timeout: d.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &Error{Kind: KindUnreachable, Addr: addr, Err: err}
	}

	// The handshake can hang without a deadline. Cleared afterwards so
	// long-running commands are not cut off.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(d.cfg.Timeout))
	}

	cconn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshCfg)
	if err != nil {
		_ = conn.Close()
		return nil, &Error{Kind: handshakeKind(err), Addr: addr, Err: err}
	}
	_ = conn.SetDeadline(time.Time{})

	return &sshSession{client: ssh.NewClient(cconn, chans, reqs)}, nil
}

func handshakeKind(err error) Kind {
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain") {
		return KindAuthenticationFailed
	}
	return KindProtocolError
}

type sshSession struct {
	client *ssh.Client

	mu   sync.Mutex
	sftp *sftp.Client
}

func (s *sshSession) Start(cmd string, opts StartOptions) (Process, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return nil, &Error{Kind: KindProtocolError, Addr: s.client.RemoteAddr().String(), Err: err}
	}

	p := &sshProcess{sess: sess}
	sess.Stdout = teeTo(&p.stdout, opts.Stdout)
	sess.Stderr = teeTo(&p.stderr, opts.Stderr)

	if opts.PTY {
		modes := ssh.TerminalModes{
			ssh.ECHO:          0,
			ssh.TTY_OP_ISPEED: 14400,
			ssh.TTY_OP_OSPEED: 14400,
		}
		if err := sess.RequestPty("xterm", 40, 200, modes); err != nil {
			_ = sess.Close()
			return nil, &Error{Kind: KindProtocolError, Addr: s.client.RemoteAddr().String(), Err: err}
		}
	}

	if err := sess.Start(cmd); err != nil {
		_ = sess.Close()
		return nil, &Error{Kind: KindProtocolError, Addr: s.client.RemoteAddr().String(), Err: err}
	}

	go p.wait()
	return p, nil
}

func (s *sshSession) sftpClient() (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sftp != nil {
		return s.sftp, nil
	}
	c, err := sftp.NewClient(s.client)
	if err != nil {
		return nil, &Error{Kind: KindProtocolError, Addr: s.client.RemoteAddr().String(), Err: fmt.Errorf("open sftp: %w", err)}
	}
	s.sftp = c
	return c, nil
}

func (s *sshSession) Put(localPath, remotePath string) error {
	c, err := s.sftpClient()
	if err != nil {
		return err
	}

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local file: %w", err)
	}
	defer src.Close()

	dst, err := c.Create(sftpPath(remotePath))
	if err != nil {
		return fmt.Errorf("create remote file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("upload %s: %w", localPath, err)
	}
	return nil
}

func (s *sshSession) Chmod(remotePath string, mode os.FileMode) error {
	c, err := s.sftpClient()
	if err != nil {
		return err
	}
	return c.Chmod(sftpPath(remotePath), mode)
}

func (s *sshSession) Close() error {
	s.mu.Lock()
	if s.sftp != nil {
		_ = s.sftp.Close()
		s.sftp = nil
	}
	s.mu.Unlock()
	return s.client.Close()
}

// sftpPath converts Windows separators, which the sftp subsystem does not
// accept.
func sftpPath(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func teeTo(buf *syncBuffer, w io.Writer) io.Writer {
	if w == nil {
		return buf
	}
	return io.MultiWriter(buf, w)
}

type sshProcess struct {
	sess   *ssh.Session
	stdout syncBuffer
	stderr syncBuffer

	mu     sync.Mutex
	done   bool
	status int
	err    error
}

func (p *sshProcess) wait() {
	err := p.sess.Wait()

	status := 0
	var exitErr *ssh.ExitError
	var missing *ssh.ExitMissingError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		status = exitErr.ExitStatus()
		err = nil
	case errors.As(err, &missing):
		status = -1
		err = fmt.Errorf("connection closed without exit status: %w", err)
	}

	p.mu.Lock()
	p.done, p.status, p.err = true, status, err
	p.mu.Unlock()
}

func (p *sshProcess) Exited() (bool, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done, p.status, p.err
}

func (p *sshProcess) Stdout() string { return p.stdout.String() }
func (p *sshProcess) Stderr() string { return p.stderr.String() }

func (p *sshProcess) Kill() error {
	return p.sess.Signal(ssh.SIGKILL)
}

func (p *sshProcess) Close() error {
	err := p.sess.Close()
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
