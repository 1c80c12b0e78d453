package inventory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.yaml")
	in := &Inventory{Nodes: []Node{
		{Name: "zeta", Host: "10.0.0.9", User: "root", RemoteExecutablePath: "/opt/bin/solver", KeyPath: "/keys/id_ed25519", Port: 2222, MaxJobs: 4, Enabled: true},
		{Name: "alpha", Host: "10.0.0.1", User: "runner", RemoteExecutablePath: `C:\tools\solver.exe`, Password: "secret", Port: 22, MaxJobs: 1},
		{Name: "mid", Host: "node-mid", User: "runner", RemoteExecutablePath: "/usr/bin/solver", PasswordEnv: "SSH_PASS_MID", Port: 22, MaxJobs: 2, Enabled: true},
	}}

	require.NoError(t, Save(path, in))
	got, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, in, got)
}

func TestSave_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nodes.yaml")

	require.NoError(t, Save(path, &Inventory{Nodes: []Node{{Name: "a", Host: "h", Port: 22, MaxJobs: 1}}}))
	require.NoError(t, Save(path, &Inventory{}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLoad_NormalizesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.yaml")
	data := "nodes:\n  - name: a\n    host: 10.0.0.1\n    user: root\n    password: x\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	inv, err := Load(path)

	require.NoError(t, err)
	require.Len(t, inv.Nodes, 1)
	assert.Equal(t, 22, inv.Nodes[0].Port)
	assert.Equal(t, 1, inv.Nodes[0].MaxJobs)
}

func TestLoad_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nodes: [ {name: "), 0o600))

	_, err := Load(path)

	assert.Error(t, err)
}

func TestNode_Target(t *testing.T) {
	n := Node{Host: "h", Port: 22, User: "u", KeyPath: "/k", Password: "p"}

	tgt := n.Target()

	assert.Equal(t, "/k", tgt.KeyPath)
	assert.Empty(t, tgt.Password)
	assert.Equal(t, "key", n.AuthMode())
}

func TestNode_HasCredentials(t *testing.T) {
	assert.False(t, Node{}.HasCredentials())
	assert.True(t, Node{PasswordEnv: "X"}.HasCredentials())
	assert.Equal(t, "password_env", Node{PasswordEnv: "X"}.AuthMode())
}
