package chroot

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/shlex"

	appErr "isoforge/pkg/errors"
)

// SchrootConfig configures the schroot-backed provider.
type SchrootConfig struct {
	// Command is the schroot invocation prefix, tokenized shell-style.
	// Defaults to "schroot"; set e.g. "sudo schroot" when the worker runs
	// unprivileged.
	Command string `yaml:"command"`

	// MountRoot is where schroot mounts session filesystems on the host.
	MountRoot string `yaml:"mountRoot"`

	// BuildRoot is the scratch directory root inside the chroot.
	BuildRoot string `yaml:"buildRoot"`

	// ResultsRoot is the artifact directory root. The chroot profile must
	// bind-mount it at the same path so collected artifacts survive the
	// session teardown.
	ResultsRoot string `yaml:"resultsRoot"`
}

const (
	defaultMountRoot   = "/var/lib/schroot/mount"
	defaultBuildRoot   = "/srv/build"
	defaultResultsRoot = "/var/lib/isoforge/results"
)

// SchrootProvider acquires sandboxes by driving the schroot CLI: session
// begin, per-command run, session end.
type SchrootProvider struct {
	argv        []string
	mountRoot   string
	buildRoot   string
	resultsRoot string
}

// NewSchrootProvider creates a provider from config, applying defaults.
func NewSchrootProvider(cfg SchrootConfig) (*SchrootProvider, error) {
	command := cfg.Command
	if command == "" {
		command = "schroot"
	}
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InvalidParams, "parse schroot command failed")
	}
	if len(argv) == 0 {
		return nil, appErr.New(appErr.InvalidParams).WithMessage("schroot command is empty")
	}

	p := &SchrootProvider{
		argv:        argv,
		mountRoot:   cfg.MountRoot,
		buildRoot:   cfg.BuildRoot,
		resultsRoot: cfg.ResultsRoot,
	}
	if p.mountRoot == "" {
		p.mountRoot = defaultMountRoot
	}
	if p.buildRoot == "" {
		p.buildRoot = defaultBuildRoot
	}
	if p.resultsRoot == "" {
		p.resultsRoot = defaultResultsRoot
	}
	return p, nil
}

// Acquire begins a schroot session for the named chroot and prepares the
// job's scratch and results directories.
func (p *SchrootProvider) Acquire(ctx context.Context, chrootName, jobID string) (Sandbox, error) {
	if chrootName == "" {
		return nil, appErr.ValidationError("chroot_name", "required")
	}
	if jobID == "" {
		return nil, appErr.ValidationError("job_id", "required")
	}

	argv := append(append([]string{}, p.argv...), "-b", "-c", chrootName)
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).Output()
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ChrootAcquireFailed, "begin schroot session for %s failed", chrootName)
	}
	sessionID := strings.TrimSpace(string(out))
	if sessionID == "" {
		return nil, appErr.Newf(appErr.ChrootAcquireFailed, "schroot returned no session id for %s", chrootName)
	}

	s := &schrootSession{
		provider:   p,
		sessionID:  sessionID,
		hostRoot:   filepath.Join(p.mountRoot, sessionID),
		workDir:    path.Join(p.buildRoot, jobID),
		resultsDir: path.Join(p.resultsRoot, jobID),
	}

	for _, dir := range []string{s.HostPath(s.workDir), s.resultsHostDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			_ = s.Release()
			return nil, appErr.Wrapf(err, appErr.ChrootAcquireFailed, "prepare job directories failed")
		}
	}
	return s, nil
}

type schrootSession struct {
	provider   *SchrootProvider
	sessionID  string
	hostRoot   string
	workDir    string
	resultsDir string

	releaseOnce sync.Once
	releaseErr  error
}

func (s *schrootSession) WorkDir() string {
	return s.workDir
}

func (s *schrootSession) ResultsDir() string {
	return s.resultsDir
}

// HostPath maps a sandbox path onto the host. The results directory is
// bind-mounted at an identical path, everything else lives under the
// session mount.
func (s *schrootSession) HostPath(remote string) string {
	if strings.HasPrefix(remote, s.provider.resultsRoot) {
		return remote
	}
	return filepath.Join(s.hostRoot, remote)
}

func (s *schrootSession) resultsHostDir() string {
	return s.resultsDir
}

func (s *schrootSession) Upgrade(ctx context.Context, log io.Writer) {
	// Deliberately best-effort: a stale mirror must not fail the build.
	for _, argv := range [][]string{
		{"apt-get", "update"},
		{"apt-get", "-y", "dist-upgrade"},
	} {
		if _, err := s.RunLogged(ctx, log, argv, "root"); err != nil {
			fmt.Fprintf(log, "chroot upgrade step failed: %v\n", err)
			return
		}
	}
}

func (s *schrootSession) RunLogged(ctx context.Context, log io.Writer, argv []string, user string) (int, error) {
	if len(argv) == 0 {
		return -1, appErr.ValidationError("argv", "required")
	}
	full := s.runArgv(argv, user)
	fmt.Fprintf(log, "+ %s\n", strings.Join(argv, " "))

	cmd := exec.CommandContext(ctx, full[0], full[1:]...)
	cmd.Stdout = log
	cmd.Stderr = log
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return -1, appErr.Wrapf(err, appErr.ChrootExecFailed, "run command in chroot failed")
	}
	return 0, nil
}

// runArgv builds the full schroot argv for one in-session command.
func (s *schrootSession) runArgv(argv []string, user string) []string {
	full := append([]string{}, s.provider.argv...)
	full = append(full, "-r", "-c", s.sessionID, "-d", "/")
	if user != "" {
		full = append(full, "-u", user)
	}
	full = append(full, "--")
	return append(full, argv...)
}

func (s *schrootSession) CopyIn(ctx context.Context, localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return appErr.Wrapf(err, appErr.ChrootCopyFailed, "open %s failed", localPath)
	}
	defer src.Close()

	target := s.HostPath(remotePath)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return appErr.Wrapf(err, appErr.ChrootCopyFailed, "create target directory failed")
	}
	dst, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0755)
	if err != nil {
		return appErr.Wrapf(err, appErr.ChrootCopyFailed, "create %s failed", target)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return appErr.Wrapf(err, appErr.ChrootCopyFailed, "copy into chroot failed")
	}
	return nil
}

func (s *schrootSession) Release() error {
	s.releaseOnce.Do(func() {
		argv := append(append([]string{}, s.provider.argv...), "-e", "-c", s.sessionID)
		if err := exec.Command(argv[0], argv[1:]...).Run(); err != nil {
			s.releaseErr = appErr.Wrapf(err, appErr.ChrootReleaseFailed, "end schroot session %s failed", s.sessionID)
		}
	})
	return s.releaseErr
}
