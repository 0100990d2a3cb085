package runner

import (
	"context"
	"fmt"

	"isoforge/internal/worker/chroot"
	"isoforge/internal/worker/joblog"
	"isoforge/internal/worker/model"
	appErr "isoforge/pkg/errors"
)

// IsoBuilder builds bootable installer images by running a live-build
// recipe inside a disposable chroot.
type IsoBuilder struct {
	provider chroot.Provider
	opts     ScriptOptions

	configured bool
	workspace  string
	jobData    map[string]string
	chrootName string
}

// NewIsoBuilder returns an unconfigured ISO runner backed by the given
// sandbox provider.
func NewIsoBuilder(provider chroot.Provider, opts ScriptOptions) *IsoBuilder {
	return &IsoBuilder{
		provider: provider,
		opts:     opts,
	}
}

// Configure validates the job descriptor. The suite and architecture
// select the chroot template; liveBuildGit is checked later by the build
// itself. Fields are bound only after all checks pass.
func (b *IsoBuilder) Configure(job *model.BuildJob, workspace string) bool {
	if job == nil || len(job.Data) == 0 {
		return false
	}

	suite := job.Data[model.DataKeySuite]
	if suite == "" {
		return false
	}
	if job.Architecture == "" {
		return false
	}

	b.workspace = workspace
	b.jobData = job.Data
	b.chrootName = fmt.Sprintf("%s-%s", suite, job.Architecture)
	b.configured = true
	return true
}

// ChrootName reports the chroot template the configured job builds in.
// Empty before a successful Configure.
func (b *IsoBuilder) ChrootName() string {
	return b.chrootName
}

// Run executes the configured build. ok is false for any expected build
// failure (package installs, the recipe itself); err is reserved for
// sandbox infrastructure faults.
func (b *IsoBuilder) Run(ctx context.Context, jlog *joblog.JobLog) (ok bool, err error) {
	if !b.configured {
		return false, appErr.New(appErr.RunnerUnconfigured).WithMessage("iso runner used before configure")
	}

	sb, err := b.provider.Acquire(ctx, b.chrootName, jlog.JobID())
	if err != nil {
		return false, appErr.Wrapf(err, appErr.ChrootAcquireFailed, "acquire chroot %s failed", b.chrootName)
	}
	defer func() {
		if relErr := sb.Release(); relErr != nil && err == nil {
			ok = false
			err = appErr.Wrap(relErr, appErr.ChrootReleaseFailed)
		}
	}()

	// Bring the base system up to date. The build does not depend on the
	// upgrade succeeding.
	sb.Upgrade(ctx, jlog)

	status, err := sb.RunLogged(ctx, jlog, []string{
		"apt-get", "install", "-y", "git", "ca-certificates",
	}, "root")
	if err != nil {
		return false, appErr.Wrap(err, appErr.ChrootExecFailed)
	}
	if status != 0 {
		return false, nil
	}

	status, err = sb.RunLogged(ctx, jlog, []string{
		"apt-get", "install", "-y", "live-build",
	}, "root")
	if err != nil {
		return false, appErr.Wrap(err, appErr.ChrootExecFailed)
	}
	if status != 0 {
		return false, nil
	}

	commands := BuildScript(sb.WorkDir(), sb.ResultsDir(), b.jobData, b.opts)

	scriptPath, cleanup, err := chroot.WriteCommandFile(jlog.JobID(), commands)
	if err != nil {
		return false, err
	}
	defer cleanup()

	if err := sb.CopyIn(ctx, scriptPath, scriptPath); err != nil {
		return false, appErr.Wrap(err, appErr.ChrootCopyFailed)
	}

	status, err = sb.RunLogged(ctx, jlog, []string{"sh", "-e", scriptPath}, "root")
	if err != nil {
		return false, appErr.Wrap(err, appErr.ChrootExecFailed)
	}
	if status != 0 {
		return false, nil
	}

	return true, nil
}
