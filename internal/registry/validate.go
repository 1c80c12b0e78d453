package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/tastythames/ssh-fleet/internal/inventory"
	"github.com/tastythames/ssh-fleet/internal/sshclient"
)

// Stage is one step of the node validation pipeline.
type Stage string

const (
	StageConfig       Stage = "config"
	StageConnectivity Stage = "connectivity"
	StageSession      Stage = "session"
	StageOS           Stage = "os"
	StagePath         Stage = "path"
	StageDeploy       Stage = "deploy"
)

// Step reports the outcome of a single stage.
type Step struct {
	Stage  Stage
	OK     bool
	Detail string
	Err    error
}

// ProgressFunc receives each step as it completes.
type ProgressFunc func(Step)

// Validate runs network connectivity, session open and path existence checks
// for n. A missing executable is repaired once by deploying a local copy.
func (r *Registry) Validate(ctx context.Context, n inventory.Node, progress ProgressFunc) error {
	report := func(s Step) {
		if progress != nil {
			progress(s)
		}
	}
	fail := func(stage Stage, err error) error {
		report(Step{Stage: stage, Err: err})
		return fmt.Errorf("%w: %s: %s: %w", ErrValidation, n.Name, stage, err)
	}

	if err := checkConfig(n); err != nil {
		return fail(StageConfig, err)
	}
	report(Step{Stage: StageConfig, OK: true, Detail: "auth=" + n.AuthMode()})

	if !r.v.TestConnectivity(ctx, n.Host, n.Port, r.probeTimeout) {
		return fail(StageConnectivity, &sshclient.Error{Kind: sshclient.KindUnreachable, Addr: n.Target().Addr()})
	}
	report(Step{Stage: StageConnectivity, OK: true, Detail: n.Target().Addr()})

	sess, err := r.v.OpenSession(ctx, n.Target())
	if err != nil {
		return fail(StageSession, err)
	}
	defer sess.Close()
	report(Step{Stage: StageSession, OK: true})

	kind := r.v.NodeOS(ctx, n.Name, sess)
	report(Step{Stage: StageOS, OK: true, Detail: kind.String()})

	if r.v.PathExists(ctx, sess, kind, n.RemoteExecutablePath) {
		report(Step{Stage: StagePath, OK: true, Detail: n.RemoteExecutablePath})
		return nil
	}
	report(Step{Stage: StagePath, Detail: n.RemoteExecutablePath, Err: &sshclient.Error{Kind: sshclient.KindPathNotFound, Addr: n.RemoteExecutablePath}})

	if err := r.v.DeployExecutable(ctx, sess, kind, n.RemoteExecutablePath); err != nil {
		return fail(StageDeploy, err)
	}
	if !r.v.PathExists(ctx, sess, kind, n.RemoteExecutablePath) {
		return fail(StageDeploy, &sshclient.Error{Kind: sshclient.KindPathNotFound, Addr: n.RemoteExecutablePath, Err: errors.New("still missing after deploy")})
	}
	report(Step{Stage: StageDeploy, OK: true, Detail: n.RemoteExecutablePath})
	return nil
}

func checkConfig(n inventory.Node) error {
	switch {
	case n.Name == "":
		return errors.New("name is empty")
	case n.Host == "":
		return errors.New("host is empty")
	case n.User == "":
		return errors.New("user is empty")
	case n.RemoteExecutablePath == "":
		return errors.New("remote_executable_path is empty")
	case !n.HasCredentials():
		return ErrNoCredentials
	}
	return nil
}
