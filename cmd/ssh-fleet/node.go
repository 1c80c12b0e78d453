package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/tastythames/ssh-fleet/internal/inventory"
	"github.com/tastythames/ssh-fleet/internal/registry"
	"github.com/urfave/cli/v2"
)

func printStep(c *cli.Context) registry.ProgressFunc {
	return func(s registry.Step) {
		mark := "ok"
		if !s.OK {
			mark = "FAIL"
		}
		line := fmt.Sprintf("[%4s] %s", mark, s.Stage)
		if s.Detail != "" {
			line += ": " + s.Detail
		}
		if s.Err != nil {
			line += ": " + s.Err.Error()
		}
		fmt.Fprintln(c.App.Writer, line)
	}
}

func nameArg(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", cli.Exit("expected exactly one node name", 2)
	}
	return c.Args().First(), nil
}

func runNodeAdd(c *cli.Context) error {
	e, err := newEnv(c)
	if err != nil {
		return err
	}
	defer e.Close()

	n := inventory.Node{
		Name:                 c.String(flagName),
		Host:                 c.String(flagHost),
		User:                 c.String(flagUser),
		Port:                 c.Int(flagPort),
		KeyPath:              c.String(flagKeyPath),
		Password:             c.String(flagPassword),
		PasswordEnv:          c.String(flagPasswdEnv),
		RemoteExecutablePath: c.String(flagRemotePath),
		MaxJobs:              c.Int(flagMaxJobs),
		Enabled:              true,
	}
	if err := e.reg.Add(c.Context, n, printStep(c)); err != nil {
		return cli.Exit(fmt.Sprintf("node %s not added: %v", n.Name, err), 1)
	}

	fmt.Fprintf(c.App.Writer, "node %s added\n", n.Name)
	return nil
}

func runNodeRemove(c *cli.Context) error {
	name, err := nameArg(c)
	if err != nil {
		return err
	}
	e, err := newEnv(c)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.reg.Remove(name); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	fmt.Fprintf(c.App.Writer, "node %s removed\n", name)
	return nil
}

func runNodeList(c *cli.Context) error {
	e, err := newEnv(c)
	if err != nil {
		return err
	}
	defer e.Close()

	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tUSER\tAUTH\tMAX JOBS\tENABLED\tEXECUTABLE")
	for _, n := range e.reg.List() {
		fmt.Fprintf(tw, "%s\t%s:%d\t%s\t%s\t%d\t%t\t%s\n",
			n.Name, n.Host, n.Port, n.User, n.AuthMode(), n.MaxJobs, n.Enabled, n.RemoteExecutablePath)
	}
	return tw.Flush()
}

func runNodeCheck(c *cli.Context) error {
	name, err := nameArg(c)
	if err != nil {
		return err
	}
	e, err := newEnv(c)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.reg.Check(c.Context, name, printStep(c)); err != nil {
		if errors.Is(err, registry.ErrNodeNotFound) {
			return cli.Exit(err.Error(), 1)
		}
		return cli.Exit(fmt.Sprintf("node %s failed validation: %v", name, err), 1)
	}
	fmt.Fprintf(c.App.Writer, "node %s ok\n", name)
	return nil
}

func runNodeSetEnabled(c *cli.Context, enabled bool) error {
	name, err := nameArg(c)
	if err != nil {
		return err
	}
	e, err := newEnv(c)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := e.reg.SetEnabled(name, enabled); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	fmt.Fprintf(c.App.Writer, "node %s %s\n", name, state)
	return nil
}
