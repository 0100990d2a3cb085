// Package runner holds the job runner variants of the worker. A runner
// translates one validated job descriptor into an ordered command script and
// drives it through a sandbox environment.
package runner

import (
	"context"

	"isoforge/internal/worker/joblog"
	"isoforge/internal/worker/model"
)

// Runner is one job-runner variant. A runner instance serves exactly one
// job: construct, Configure once, Run once, discard.
type Runner interface {
	// Configure validates the job descriptor and binds it to the runner.
	// It returns false, with no observable state change, when the
	// descriptor is unusable; the instance must then be discarded.
	Configure(job *model.BuildJob, workspace string) bool

	// Run executes the job. ok reports the build outcome (a failed install
	// or build script is an expected, recoverable result); err carries
	// only infrastructure faults such as failure to acquire the sandbox.
	// Run is valid only after a successful Configure.
	Run(ctx context.Context, jlog *joblog.JobLog) (ok bool, err error)
}
