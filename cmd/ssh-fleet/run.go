package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/tastythames/ssh-fleet/internal/executor"
	"github.com/tastythames/ssh-fleet/internal/metrics"
	"github.com/tastythames/ssh-fleet/internal/scheduler"
	"github.com/tastythames/ssh-fleet/internal/staging"
	"github.com/urfave/cli/v2"
)

func runRun(c *cli.Context) error {
	cmds, err := readCommands(c)
	if err != nil {
		return err
	}
	if len(cmds) == 0 {
		return cli.Exit("no commands given", 2)
	}
	files, err := parseFiles(c.StringSlice(flagStage))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	e, err := newEnv(c)
	if err != nil {
		return err
	}
	defer e.Close()

	nodes := e.reg.Enabled()
	if len(files) > 0 {
		printStaged(c, staging.Distribute(c.Context, e.gw, nodes, files, staging.Options{Logger: e.log}))
	}

	sched, err := scheduler.New(scheduler.Options{
		Nodes:       nodes,
		Opener:      e.gw,
		Logger:      e.log,
		RetryBudget: c.Int(flagRetries),
		Timeout:     c.Duration(flagTimeout),
	})
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	sched.Submit(cmds...)

	if addr := c.String(flagListen); addr != "" {
		srv := serveMetrics(addr, metrics.NewRenderer(sched), e)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)
	go func() {
		if _, ok := <-sig; ok {
			e.log.Warn("shutdown requested")
			sched.Stop()
		}
	}()

	rep, err := sched.Run(c.Context)
	rep.Write(c.App.Writer)

	switch {
	case errors.Is(err, scheduler.ErrInterrupted):
		return cli.Exit("run interrupted", 130)
	case err != nil:
		return err
	case !rep.OK():
		return cli.Exit("", 1)
	}
	return nil
}

func serveMetrics(addr string, r *metrics.Renderer, e *env) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		r.Write(w)
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		e.log.Info("metrics listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Error("metrics listener failed", "error", err)
		}
	}()
	return srv
}

// readCommands takes commands from the arguments and, if given, the file.
// Blank lines and lines starting with # are skipped.
func readCommands(c *cli.Context) ([]string, error) {
	cmds := append([]string(nil), c.Args().Slice()...)

	path := c.String(flagFile)
	if path == "" {
		return cmds, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open commands: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cmds = append(cmds, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read commands: %w", err)
	}
	return cmds, nil
}

func parseFiles(args []string) ([]staging.File, error) {
	files := make([]staging.File, 0, len(args))
	for _, a := range args {
		f, err := staging.ParseFile(a)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

func printStaged(c *cli.Context, res []staging.Result) int {
	failed := 0
	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tFILES\tSTATUS")
	for _, r := range res {
		status := "ok"
		if r.Err != nil {
			status = r.Err.Error()
			failed++
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\n", r.Node, r.Transferred, status)
	}
	_ = tw.Flush()
	return failed
}

func runStage(c *cli.Context) error {
	files, err := parseFiles(c.Args().Slice())
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	if len(files) == 0 {
		return cli.Exit("no files given", 2)
	}

	e, err := newEnv(c)
	if err != nil {
		return err
	}
	defer e.Close()

	nodes := e.reg.Enabled()
	if len(nodes) == 0 {
		return cli.Exit(scheduler.ErrNoNodes.Error(), 1)
	}
	if failed := printStaged(c, staging.Distribute(c.Context, e.gw, nodes, files, staging.Options{Logger: e.log})); failed > 0 {
		return cli.Exit(fmt.Sprintf("%d node(s) not staged", failed), 1)
	}
	return nil
}

func runExec(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("no command given", 2)
	}
	cmd := strings.Join(c.Args().Slice(), " ")

	e, err := newEnv(c)
	if err != nil {
		return err
	}
	defer e.Close()

	n, ok := e.reg.Get(c.String(flagNode))
	if !ok {
		return cli.Exit(fmt.Sprintf("node %s not found", c.String(flagNode)), 1)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := e.gw.OpenSession(ctx, n.Target())
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer sess.Close()

	ok, err = executor.Stream(ctx, sess, cmd, c.App.Writer, c.App.ErrWriter, executor.Options{Timeout: c.Duration(flagTimeout)})
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if !ok {
		return cli.Exit("", 1)
	}
	return nil
}
