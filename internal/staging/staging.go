// Package staging copies input files to every node before a run starts.
// Failures here are reported per node and never disable a node.
package staging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tastythames/ssh-fleet/internal/inventory"
	"github.com/tastythames/ssh-fleet/internal/sshclient"
	"golang.org/x/sync/errgroup"
)

// File is a local file and its destination on each node.
type File struct {
	Local  string
	Remote string
}

// ParseFile parses "local=remote".
func ParseFile(s string) (File, error) {
	local, remote, ok := strings.Cut(s, "=")
	if !ok || local == "" || remote == "" {
		return File{}, fmt.Errorf("invalid file pair %q, want local=remote", s)
	}
	return File{Local: local, Remote: remote}, nil
}

// Gateway is the part of the session gateway staging needs.
type Gateway interface {
	OpenSession(ctx context.Context, t sshclient.Target) (sshclient.Session, error)
	NodeOS(ctx context.Context, key string, s sshclient.Session) sshclient.OSKind
	TransferFile(ctx context.Context, s sshclient.Session, kind sshclient.OSKind, localPath, remotePath string) error
}

// Result is the outcome for one node.
type Result struct {
	Node        string
	Transferred int
	Err         error
}

type Options struct {
	Logger *slog.Logger
	// Parallel bounds how many nodes are staged at once. Defaults to 4.
	Parallel int
}

// Distribute uploads files to every node. Results are in node order.
func Distribute(ctx context.Context, gw Gateway, nodes []inventory.Node, files []File, opts Options) []Result {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Parallel <= 0 {
		opts.Parallel = 4
	}

	results := make([]Result, len(nodes))

	var g errgroup.Group
	g.SetLimit(opts.Parallel)
	for i, n := range nodes {
		g.Go(func() error {
			results[i] = stageNode(ctx, gw, n, files, opts.Logger)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func stageNode(ctx context.Context, gw Gateway, n inventory.Node, files []File, log *slog.Logger) Result {
	res := Result{Node: n.Name}

	sess, err := gw.OpenSession(ctx, n.Target())
	if err != nil {
		res.Err = err
		log.Warn("stage skipped", "node", n.Name, "error", err)
		return res
	}
	defer sess.Close()

	kind := gw.NodeOS(ctx, n.Name, sess)
	for _, f := range files {
		if err := gw.TransferFile(ctx, sess, kind, f.Local, f.Remote); err != nil {
			res.Err = fmt.Errorf("%s -> %s: %w", f.Local, f.Remote, err)
			log.Warn("stage failed", "node", n.Name, "local", f.Local, "remote", f.Remote, "error", err)
			return res
		}
		res.Transferred++
	}

	log.Info("node staged", "node", n.Name, "files", res.Transferred)
	return res
}
