// Package chroot defines the sandbox environment boundary the job runners
// drive: scoped acquisition of a disposable build environment, logged
// command execution inside it, and file transfer into it. The isolation
// technology itself lives behind this interface.
package chroot

import (
	"context"
	"io"
)

// Provider hands out scoped sandbox environments keyed by a chroot template
// name (for example "stable-amd64").
type Provider interface {
	// Acquire opens a session of the named chroot for one job. The caller
	// must call Release on the returned sandbox on every exit path.
	Acquire(ctx context.Context, chrootName, jobID string) (Sandbox, error)
}

// Sandbox is one acquired, exclusively owned build environment.
type Sandbox interface {
	// WorkDir is the scratch directory path as seen from inside the sandbox.
	WorkDir() string

	// ResultsDir is the artifact collection directory path as seen from
	// inside the sandbox. Its contents survive Release.
	ResultsDir() string

	// HostPath translates a path inside the sandbox to the path where the
	// same file is reachable on the host.
	HostPath(remote string) string

	// Upgrade refreshes the package index and upgrades the installed
	// system. Best effort: failures are logged and otherwise ignored.
	Upgrade(ctx context.Context, log io.Writer)

	// RunLogged executes argv inside the sandbox as the given user,
	// streaming combined output to log. The int result is the command's
	// exit status; a non-nil error means the command could not be run
	// at all.
	RunLogged(ctx context.Context, log io.Writer, argv []string, user string) (int, error)

	// CopyIn copies a host file into the sandbox at the given path.
	CopyIn(ctx context.Context, localPath, remotePath string) error

	// Release ends the session and tears the environment down. Safe to
	// call exactly once; the runner defers it at acquisition.
	Release() error
}
