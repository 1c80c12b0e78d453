package inventory

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tastythames/ssh-fleet/internal/sshclient"
	"gopkg.in/yaml.v3"
)

const DefaultPort = 22

type Inventory struct {
	Nodes []Node `yaml:"nodes"`
}

// Node is a persisted remote target.
type Node struct {
	Name                 string `yaml:"name"`
	Host                 string `yaml:"host"`
	User                 string `yaml:"user"`
	RemoteExecutablePath string `yaml:"remote_executable_path"`
	KeyPath              string `yaml:"key_path,omitempty"`
	Password             string `yaml:"password,omitempty"`
	PasswordEnv          string `yaml:"password_env,omitempty"` // e.g. SSH_PASS_NODE1
	Port                 int    `yaml:"port"`
	MaxJobs              int    `yaml:"max_jobs"`
	Enabled              bool   `yaml:"enabled"`
}

// HasCredentials reports whether a key or a password source is configured.
func (n Node) HasCredentials() bool {
	return n.KeyPath != "" || n.Password != "" || n.PasswordEnv != ""
}

// AuthMode names the credential that will be used: key wins over password.
func (n Node) AuthMode() string {
	switch {
	case n.KeyPath != "":
		return "key"
	case n.Password != "":
		return "password"
	case n.PasswordEnv != "":
		return "password_env"
	default:
		return "none"
	}
}

// Target returns the connection details for the node.
func (n Node) Target() sshclient.Target {
	t := sshclient.Target{
		Host: n.Host,
		Port: n.Port,
		User: n.User,
	}
	if n.KeyPath != "" {
		t.KeyPath = n.KeyPath
		return t
	}
	t.Password = n.Password
	t.PasswordEnv = n.PasswordEnv
	return t
}

// Normalize fills defaults for fields left empty.
func (n *Node) Normalize() {
	if n.Port <= 0 {
		n.Port = DefaultPort
	}
	if n.MaxJobs < 1 {
		n.MaxJobs = 1
	}
}

func Load(path string) (*Inventory, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}

	var inv Inventory
	if err := yaml.Unmarshal(b, &inv); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}

	// normalize defaults
	for i := range inv.Nodes {
		inv.Nodes[i].Normalize()
	}

	return &inv, nil
}

// Save writes the inventory to a temporary file next to path and renames it
// into place, so a crash mid-write leaves the previous file intact.
func Save(path string, inv *Inventory) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(inv); err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create inventory dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp inventory: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write inventory: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync inventory: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close inventory: %w", err)
	}
	// the file may hold passwords
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("chmod inventory: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace inventory: %w", err)
	}
	return nil
}
