// Package registry keeps the durable set of remote nodes and validates new
// nodes before they are persisted.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/tastythames/ssh-fleet/internal/inventory"
	"github.com/tastythames/ssh-fleet/internal/sshclient"
)

var (
	ErrDuplicateNode = errors.New("node already exists")
	ErrNodeNotFound  = errors.New("node not found")
	ErrNoCredentials = errors.New("neither key_path nor password configured")
	ErrValidation    = errors.New("node validation failed")
)

// Validator is the part of the session gateway the registry drives.
type Validator interface {
	TestConnectivity(ctx context.Context, host string, port int, timeout time.Duration) bool
	OpenSession(ctx context.Context, t sshclient.Target) (sshclient.Session, error)
	NodeOS(ctx context.Context, key string, s sshclient.Session) sshclient.OSKind
	PathExists(ctx context.Context, s sshclient.Session, kind sshclient.OSKind, path string) bool
	DeployExecutable(ctx context.Context, s sshclient.Session, kind sshclient.OSKind, remotePath string) error
}

// Registry is the persisted node table. Nodes keep insertion order.
type Registry struct {
	path         string
	v            Validator
	log          *slog.Logger
	probeTimeout time.Duration

	mu    sync.Mutex
	nodes []inventory.Node
}

type Options struct {
	// Path is the YAML file holding the node set.
	Path      string
	Validator Validator
	Logger    *slog.Logger
	// ProbeTimeout bounds the connectivity probe. Defaults to 5s.
	ProbeTimeout time.Duration
}

func New(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	return &Registry{
		path:         opts.Path,
		v:            opts.Validator,
		log:          opts.Logger,
		probeTimeout: opts.ProbeTimeout,
	}
}

// Load replaces the in-memory node set with the persisted one. A missing file
// yields an empty set. A corrupt file also yields an empty set; the returned
// error is a diagnostic and the registry stays usable.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nodes = nil

	inv, err := inventory.Load(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		r.log.Warn("node set unreadable, starting empty", "path", r.path, "error", err)
		return err
	}

	seen := make(map[string]bool, len(inv.Nodes))
	for _, n := range inv.Nodes {
		if seen[n.Name] {
			r.log.Warn("duplicate node in node set, ignored", "node", n.Name)
			continue
		}
		seen[n.Name] = true
		r.nodes = append(r.nodes, n)
	}
	return nil
}

// Save persists the full node set.
func (r *Registry) Save() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveLocked()
}

func (r *Registry) saveLocked() error {
	return inventory.Save(r.path, &inventory.Inventory{Nodes: r.nodes})
}

// List returns all nodes in insertion order.
func (r *Registry) List() []inventory.Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]inventory.Node(nil), r.nodes...)
}

// Enabled returns the enabled nodes in insertion order.
func (r *Registry) Enabled() []inventory.Node {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []inventory.Node
	for _, n := range r.nodes {
		if n.Enabled {
			out = append(out, n)
		}
	}
	return out
}

func (r *Registry) Get(name string) (inventory.Node, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(name)
	if i < 0 {
		return inventory.Node{}, false
	}
	return r.nodes[i], true
}

func (r *Registry) indexLocked(name string) int {
	for i, n := range r.nodes {
		if n.Name == name {
			return i
		}
	}
	return -1
}

// Add validates n against the live node and persists it on success. Progress
// of each validation stage is reported to progress, which may be nil.
func (r *Registry) Add(ctx context.Context, n inventory.Node, progress ProgressFunc) error {
	n.Normalize()

	r.mu.Lock()
	exists := r.indexLocked(n.Name) >= 0
	r.mu.Unlock()
	if exists {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, n.Name)
	}

	if err := r.Validate(ctx, n, progress); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Validation does not hold the lock, so check again.
	if r.indexLocked(n.Name) >= 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, n.Name)
	}
	r.nodes = append(r.nodes, n)
	if err := r.saveLocked(); err != nil {
		r.nodes = r.nodes[:len(r.nodes)-1]
		return fmt.Errorf("persist node %s: %w", n.Name, err)
	}

	r.log.Info("node added", "node", n.Name, "host", n.Host, "auth", n.AuthMode())
	return nil
}

// Check runs the validation pipeline against an existing node.
func (r *Registry) Check(ctx context.Context, name string, progress ProgressFunc) error {
	n, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, name)
	}
	return r.Validate(ctx, n, progress)
}

// Remove deletes the node and persists the result.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(name)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, name)
	}

	prev := r.nodes
	r.nodes = append(append([]inventory.Node(nil), prev[:i]...), prev[i+1:]...)
	if err := r.saveLocked(); err != nil {
		r.nodes = prev
		return fmt.Errorf("persist node set: %w", err)
	}

	r.log.Info("node removed", "node", name)
	return nil
}

// SetEnabled toggles whether the node takes part in runs.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(name)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, name)
	}
	if r.nodes[i].Enabled == enabled {
		return nil
	}

	r.nodes[i].Enabled = enabled
	if err := r.saveLocked(); err != nil {
		r.nodes[i].Enabled = !enabled
		return fmt.Errorf("persist node set: %w", err)
	}
	return nil
}
