package sshclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("SSH_TIMEOUT_SECONDS", "12")
	t.Setenv("SSH_PORT", "2222")
	t.Setenv("SSH_KNOWN_HOSTS", "/etc/ssh/known_hosts")

	cfg := LoadConfig()

	assert.Equal(t, 12*time.Second, cfg.Timeout)
	assert.Equal(t, 2222, cfg.Port)
	assert.Equal(t, "/etc/ssh/known_hosts", cfg.KnownHostsFile)
}

func TestLoadConfig_IgnoresInvalid(t *testing.T) {
	t.Setenv("SSH_TIMEOUT_SECONDS", "soon")
	t.Setenv("SSH_PORT", "-1")
	t.Setenv("SSH_KNOWN_HOSTS", "")

	cfg := LoadConfig()

	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, 22, cfg.Port)
	assert.Empty(t, cfg.KnownHostsFile)
}
