package sshclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/tastythames/ssh-fleet/internal/cache"
)

// ProbeFunc checks plain TCP reachability of addr.
type ProbeFunc func(ctx context.Context, addr string, timeout time.Duration) bool

// DeploySearch lists where DeployExecutable looks for a local executable.
type DeploySearch struct {
	// Names are candidate file names. When empty, the base name of the
	// remote path is used.
	Names []string
	// Dirs are searched in order before falling back to $PATH.
	Dirs []string
}

type GatewayOptions struct {
	Config Config
	Logger *slog.Logger

	// Dial defaults to a real SSH Dialer built from Config.
	Dial DialFunc
	// Probe defaults to a TCP dial.
	Probe ProbeFunc
	// OS caches detected OS families keyed by node.
	OS cache.Cache[OSKind]

	// RetryPause is the pause between path existence attempts.
	RetryPause time.Duration
	// PathAttempts is the number of path existence attempts.
	PathAttempts int

	Deploy DeploySearch
}

// Gateway opens and validates sessions on remote nodes. Its methods report
// failures through return values and never panic across the boundary.
type Gateway struct {
	cfg    Config
	log    *slog.Logger
	dial   DialFunc
	probe  ProbeFunc
	os     cache.Cache[OSKind]
	pause  time.Duration
	tries  int
	deploy DeploySearch
}

func NewGateway(opts GatewayOptions) *Gateway {
	if opts.Config.Port <= 0 {
		opts.Config.Port = 22
	}
	if opts.Config.Timeout <= 0 {
		opts.Config.Timeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Dial == nil {
		opts.Dial = NewDialer(opts.Config).Dial
	}
	if opts.Probe == nil {
		opts.Probe = tcpProbe
	}
	if opts.OS == nil {
		opts.OS = cache.NewMemCache[OSKind]()
	}
	if opts.RetryPause <= 0 {
		opts.RetryPause = 500 * time.Millisecond
	}
	if opts.PathAttempts <= 0 {
		opts.PathAttempts = 3
	}
	if len(opts.Deploy.Dirs) == 0 {
		opts.Deploy.Dirs = defaultDeployDirs()
	}

	return &Gateway{
		cfg:    opts.Config,
		log:    opts.Logger,
		dial:   opts.Dial,
		probe:  opts.Probe,
		os:     opts.OS,
		pause:  opts.RetryPause,
		tries:  opts.PathAttempts,
		deploy: opts.Deploy,
	}
}

func defaultDeployDirs() []string {
	dirs := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, "bin"), filepath.Join(home, ".local", "bin"))
	}
	return append(dirs, "/usr/local/bin", "/opt/local/bin", "/usr/bin")
}

func tcpProbe(ctx context.Context, addr string, timeout time.Duration) bool {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Config returns the effective connection settings.
func (g *Gateway) Config() Config { return g.cfg }

// TestConnectivity is a transport-level reachability probe. No handshake is
// attempted.
func (g *Gateway) TestConnectivity(ctx context.Context, host string, port int, timeout time.Duration) bool {
	if port <= 0 {
		port = g.cfg.Port
	}
	if timeout <= 0 {
		timeout = g.cfg.Timeout
	}
	addr := Target{Host: host, Port: port}.Addr()
	ok := g.probe(ctx, addr, timeout)
	if !ok {
		g.log.Warn("node unreachable", "addr", addr)
	}
	return ok
}

// OpenSession performs the SSH handshake. Key credentials win over password
// credentials when both are configured. On failure the error is a *Error
// carrying the cause.
func (g *Gateway) OpenSession(ctx context.Context, t Target) (Session, error) {
	if t.Port <= 0 {
		t.Port = g.cfg.Port
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	s, err := g.dial(ctx, t)
	if err != nil {
		var gerr *Error
		if !errors.As(err, &gerr) {
			err = &Error{Kind: KindProtocolError, Addr: t.Addr(), Err: err}
		}
		g.log.Warn("open session failed", "addr", t.Addr(), "cause", KindOf(err).String(), "error", err)
		return nil, err
	}
	return s, nil
}

// DetectOS probes the remote shell. When neither probe is conclusive the
// node is assumed to run Windows.
func (g *Gateway) DetectOS(ctx context.Context, s Session) OSKind {
	if r, err := Output(ctx, s, cmdPosixProbe); err == nil && isPosixOutput(r.Stdout) {
		return Posix
	}
	if r, err := Output(ctx, s, cmdWindowsProbe); err == nil && isWindowsOutput(r.Stdout+r.Stderr) {
		return Windows
	}
	g.log.Debug("os detection inconclusive, assuming windows")
	return Windows
}

// NodeOS is DetectOS with the result cached under key.
func (g *Gateway) NodeOS(ctx context.Context, key string, s Session) OSKind {
	if r, ok := g.os.Get(key); ok {
		return r.Value
	}
	kind := g.DetectOS(ctx, s)
	g.os.Set(key, kind)
	return kind
}

var errPathMissing = errors.New("path missing")

// PathExists runs the existence checks for the OS family, retrying a few
// times with a short pause before giving up.
func (g *Gateway) PathExists(ctx context.Context, s Session, kind OSKind, path string) bool {
	checks := existsChecks(kind, path)

	b := retry.WithMaxRetries(uint64(g.tries-1), retry.NewConstant(g.pause))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		for _, c := range checks {
			r, err := Output(ctx, s, c.cmd)
			if err != nil {
				continue
			}
			if c.ok(r) {
				return nil
			}
		}
		return retry.RetryableError(errPathMissing)
	})
	return err == nil
}

// EnsureDir creates dir and its parents on the remote node.
func (g *Gateway) EnsureDir(ctx context.Context, s Session, kind OSKind, dir string) error {
	if dir == "" || dir == "/" || dir == "." {
		return nil
	}
	r, err := Output(ctx, s, mkdirCommand(kind, dir))
	if err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	if r.Status != 0 {
		return fmt.Errorf("mkdir %s: exit %d: %s", dir, r.Status, strings.TrimSpace(r.Stderr))
	}
	return nil
}

// TransferFile uploads localPath to remotePath, creating the remote parent
// directory first.
func (g *Gateway) TransferFile(ctx context.Context, s Session, kind OSKind, localPath, remotePath string) error {
	if err := g.EnsureDir(ctx, s, kind, remoteDir(kind, remotePath)); err != nil {
		return err
	}
	if err := s.Put(localPath, remotePath); err != nil {
		return fmt.Errorf("put %s: %w", remotePath, err)
	}
	g.log.Debug("file transferred", "local", localPath, "remote", remotePath)
	return nil
}

// FindExecutable returns the first local candidate for remotePath.
func (g *Gateway) FindExecutable(kind OSKind, remotePath string) (string, bool) {
	names := g.deploy.Names
	if len(names) == 0 {
		base := remoteBase(remotePath)
		names = []string{base}
		if kind == Windows && !strings.HasSuffix(strings.ToLower(base), ".exe") {
			names = append(names, base+".exe")
		} else if kind == Posix && strings.HasSuffix(strings.ToLower(base), ".exe") {
			names = append(names, base[:len(base)-4])
		}
	}

	for _, dir := range g.deploy.Dirs {
		for _, name := range names {
			p := filepath.Join(dir, name)
			if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
				return p, true
			}
		}
	}
	for _, name := range names {
		if p, err := exec.LookPath(name); err == nil {
			return p, true
		}
	}
	return "", false
}

// DeployExecutable uploads a local executable to remotePath and marks it
// executable on POSIX nodes.
func (g *Gateway) DeployExecutable(ctx context.Context, s Session, kind OSKind, remotePath string) error {
	local, ok := g.FindExecutable(kind, remotePath)
	if !ok {
		return &Error{Kind: KindPathNotFound, Addr: remotePath, Err: errors.New("no local executable to deploy")}
	}

	if err := g.TransferFile(ctx, s, kind, local, remotePath); err != nil {
		return err
	}
	if kind == Posix {
		if err := s.Chmod(remotePath, 0o755); err != nil {
			return fmt.Errorf("chmod %s: %w", remotePath, err)
		}
	}
	g.log.Info("executable deployed", "local", local, "remote", remotePath)
	return nil
}
