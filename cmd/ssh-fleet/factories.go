package main

import (
	"io"
	"log/slog"

	"github.com/tastythames/ssh-fleet/internal/logger"
	"github.com/tastythames/ssh-fleet/internal/registry"
	"github.com/tastythames/ssh-fleet/internal/sshclient"
	"github.com/urfave/cli/v2"
)

// env holds what every command shares.
type env struct {
	log    *slog.Logger
	gw     *sshclient.Gateway
	reg    *registry.Registry
	closer io.Closer
}

func (e *env) Close() error {
	return e.closer.Close()
}

// newEnv opens the event log and loads the node set. A corrupt node file is
// reported and treated as empty.
func newEnv(c *cli.Context) (*env, error) {
	log, closer, err := logger.Open(c.String(flagLogFile), logger.ParseLevel(c.String(flagLogLevel)))
	if err != nil {
		return nil, err
	}

	cfg := sshclient.LoadConfig()
	log.Info("config", "nodes_file", c.String(flagNodesFile), "ssh_timeout", cfg.Timeout.String(), "ssh_port", cfg.Port)

	gw := sshclient.NewGateway(sshclient.GatewayOptions{
		Config: cfg,
		Logger: log,
	})
	reg := registry.New(registry.Options{
		Path:         c.String(flagNodesFile),
		Validator:    gw,
		Logger:       log,
		ProbeTimeout: cfg.Timeout,
	})
	if err := reg.Load(); err != nil {
		_, _ = io.WriteString(c.App.ErrWriter, "warning: "+err.Error()+"\n")
	}

	return &env{log: log, gw: gw, reg: reg, closer: closer}, nil
}
