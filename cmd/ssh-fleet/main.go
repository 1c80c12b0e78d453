package main

import (
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

import _ "github.com/joho/godotenv/autoload"

const (
	flagNodesFile = "nodes-file"
	flagLogFile   = "log-file"
	flagLogLevel  = "log-level"

	flagName       = "name"
	flagHost       = "host"
	flagUser       = "user"
	flagPort       = "port"
	flagKeyPath    = "key"
	flagPassword   = "password"
	flagPasswdEnv  = "password-env"
	flagRemotePath = "remote-path"
	flagMaxJobs    = "max-jobs"

	flagRetries = "retries"
	flagTimeout = "timeout"
	flagListen  = "listen"
	flagStage   = "stage"
	flagFile    = "file"
	flagNode    = "node"
)

var version = "dev"

var commonFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    flagNodesFile,
		Usage:   "The YAML file holding the node set.",
		Value:   "nodes.yaml",
		EnvVars: []string{"FLEET_NODES_FILE"},
	},
	&cli.StringFlag{
		Name:    flagLogFile,
		Usage:   "The file structured events are appended to.",
		Value:   "logs/ssh-fleet.log",
		EnvVars: []string{"FLEET_LOG_FILE"},
	},
	&cli.StringFlag{
		Name:    flagLogLevel,
		Usage:   "The event level (debug, info, warn, error).",
		Value:   "info",
		EnvVars: []string{"FLEET_LOG_LEVEL"},
	},
}

var nodeFlags = []cli.Flag{
	&cli.StringFlag{Name: flagName, Usage: "The unique node name.", Required: true},
	&cli.StringFlag{Name: flagHost, Usage: "The node address.", Required: true},
	&cli.StringFlag{Name: flagUser, Usage: "The SSH user.", Required: true},
	&cli.IntFlag{Name: flagPort, Usage: "The SSH port.", Value: 22},
	&cli.StringFlag{Name: flagKeyPath, Usage: "The private key file."},
	&cli.StringFlag{Name: flagPassword, Usage: "The SSH password."},
	&cli.StringFlag{Name: flagPasswdEnv, Usage: "The environment variable holding the SSH password."},
	&cli.StringFlag{Name: flagRemotePath, Usage: "Where the executable must exist on the node.", Required: true},
	&cli.IntFlag{Name: flagMaxJobs, Usage: "Commands the node may run at once.", Value: 1},
}

var commands = []*cli.Command{
	{
		Name:  "node",
		Usage: "Manage the node set",
		Subcommands: []*cli.Command{
			{
				Name:   "add",
				Usage:  "Validate and register a node",
				Flags:  append(nodeFlags, commonFlags...),
				Action: runNodeAdd,
			},
			{
				Name:      "remove",
				Usage:     "Remove a node",
				ArgsUsage: "<name>",
				Flags:     commonFlags,
				Action:    runNodeRemove,
			},
			{
				Name:   "list",
				Usage:  "List registered nodes",
				Flags:  commonFlags,
				Action: runNodeList,
			},
			{
				Name:      "check",
				Usage:     "Re-run validation against a registered node",
				ArgsUsage: "<name>",
				Flags:     commonFlags,
				Action:    runNodeCheck,
			},
			{
				Name:      "enable",
				Usage:     "Make a node eligible for scheduling",
				ArgsUsage: "<name>",
				Flags:     commonFlags,
				Action:    func(c *cli.Context) error { return runNodeSetEnabled(c, true) },
			},
			{
				Name:      "disable",
				Usage:     "Exclude a node from scheduling",
				ArgsUsage: "<name>",
				Flags:     commonFlags,
				Action:    func(c *cli.Context) error { return runNodeSetEnabled(c, false) },
			},
		},
	},
	{
		Name:      "run",
		Usage:     "Run commands across the enabled nodes",
		ArgsUsage: "[command...]",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:  flagFile,
				Usage: "A file with one command per line.",
			},
			&cli.IntFlag{
				Name:    flagRetries,
				Usage:   "How many times a failed task is retried.",
				Value:   2,
				EnvVars: []string{"FLEET_RETRIES"},
			},
			&cli.DurationFlag{
				Name:    flagTimeout,
				Usage:   "Per-attempt timeout. Zero means none.",
				EnvVars: []string{"FLEET_TIMEOUT"},
			},
			&cli.StringFlag{
				Name:    flagListen,
				Usage:   "Serve /metrics and /health on this address during the run.",
				EnvVars: []string{"FLEET_LISTEN"},
			},
			&cli.StringSliceFlag{
				Name:  flagStage,
				Usage: "A local=remote file to copy to every node first.",
			},
		}, commonFlags...),
		Action: runRun,
	},
	{
		Name:      "stage",
		Usage:     "Copy files to every enabled node",
		ArgsUsage: "<local=remote>...",
		Flags:     commonFlags,
		Action:    runStage,
	},
	{
		Name:      "exec",
		Usage:     "Run one command on a node with its output streamed",
		ArgsUsage: "<command>",
		Flags: append([]cli.Flag{
			&cli.StringFlag{Name: flagNode, Usage: "The node to run on.", Required: true},
			&cli.DurationFlag{Name: flagTimeout, Usage: "Timeout. Zero means none.", EnvVars: []string{"FLEET_TIMEOUT"}},
		}, commonFlags...),
		Action: runExec,
	},
}

func newApp() *cli.App {
	return &cli.App{
		Name:     "ssh-fleet",
		Usage:    "Distribute shell commands over SSH nodes",
		Version:  version,
		Commands: commands,
	}
}

func main() {
	app := newApp()

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
