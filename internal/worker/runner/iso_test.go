package runner_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"isoforge/internal/worker/chroot"
	"isoforge/internal/worker/joblog"
	"isoforge/internal/worker/model"
	"isoforge/internal/worker/runner"
)

type fakeSandbox struct {
	workDir    string
	resultsDir string

	upgrades int
	runs     [][]string
	users    []string
	copies   [][2]string
	releases int

	// exit status per non-script command, consumed in order.
	statuses []int
	// status of the sh -e invocation.
	scriptStatus int
	runErr       error
	copyErr      error
	releaseErr   error
}

func (f *fakeSandbox) WorkDir() string    { return f.workDir }
func (f *fakeSandbox) ResultsDir() string { return f.resultsDir }
func (f *fakeSandbox) HostPath(remote string) string {
	return remote
}
func (f *fakeSandbox) Upgrade(ctx context.Context, log io.Writer) {
	f.upgrades++
}
func (f *fakeSandbox) RunLogged(ctx context.Context, log io.Writer, argv []string, user string) (int, error) {
	f.runs = append(f.runs, argv)
	f.users = append(f.users, user)
	if f.runErr != nil {
		return -1, f.runErr
	}
	if argv[0] == "sh" {
		return f.scriptStatus, nil
	}
	if len(f.statuses) == 0 {
		return 0, nil
	}
	status := f.statuses[0]
	f.statuses = f.statuses[1:]
	return status, nil
}
func (f *fakeSandbox) CopyIn(ctx context.Context, localPath, remotePath string) error {
	f.copies = append(f.copies, [2]string{localPath, remotePath})
	return f.copyErr
}
func (f *fakeSandbox) Release() error {
	f.releases++
	return f.releaseErr
}

type fakeProvider struct {
	sandbox    *fakeSandbox
	acquireErr error

	chrootName string
	jobID      string
}

func (f *fakeProvider) Acquire(ctx context.Context, chrootName, jobID string) (chroot.Sandbox, error) {
	f.chrootName = chrootName
	f.jobID = jobID
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	return f.sandbox, nil
}

func validJob() *model.BuildJob {
	return &model.BuildJob{
		JobID:        "job-42",
		Architecture: "amd64",
		Data: map[string]string{
			model.DataKeySuite:        "stable",
			model.DataKeyLiveBuildGit: "https://example.org/recipe.git",
		},
	}
}

func newRunner(p chroot.Provider) *runner.IsoBuilder {
	return runner.NewIsoBuilder(p, runner.DefaultScriptOptions())
}

func TestConfigureRejectsBadDescriptors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		job  *model.BuildJob
	}{
		{"nil job", nil},
		{"no data", &model.BuildJob{JobID: "j", Architecture: "amd64"}},
		{"missing suite", &model.BuildJob{
			JobID:        "j",
			Architecture: "amd64",
			Data:         map[string]string{model.DataKeyLiveBuildGit: "https://x"},
		}},
		{"missing architecture", &model.BuildJob{
			JobID: "j",
			Data:  map[string]string{model.DataKeySuite: "stable"},
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			iso := newRunner(&fakeProvider{})
			if iso.Configure(c.job, t.TempDir()) {
				t.Fatalf("expected configure to fail")
			}
			if iso.ChrootName() != "" {
				t.Fatalf("chroot name set after failed configure: %s", iso.ChrootName())
			}
		})
	}
}

func TestConfigureBuildsChrootName(t *testing.T) {
	t.Parallel()
	iso := newRunner(&fakeProvider{})
	if !iso.Configure(validJob(), t.TempDir()) {
		t.Fatalf("configure failed for valid job")
	}
	if iso.ChrootName() != "stable-amd64" {
		t.Fatalf("unexpected chroot name: %s", iso.ChrootName())
	}
}

func TestRunBeforeConfigureErrors(t *testing.T) {
	t.Parallel()
	iso := newRunner(&fakeProvider{})
	ok, err := iso.Run(context.Background(), joblog.New("job-42"))
	if ok || err == nil {
		t.Fatalf("expected run without configure to error, got ok=%v err=%v", ok, err)
	}
}

func TestRunAcquireFaultPropagates(t *testing.T) {
	t.Parallel()
	p := &fakeProvider{acquireErr: errors.New("no such chroot")}
	iso := newRunner(p)
	if !iso.Configure(validJob(), t.TempDir()) {
		t.Fatalf("configure failed")
	}
	ok, err := iso.Run(context.Background(), joblog.New("job-42"))
	if ok || err == nil {
		t.Fatalf("expected acquire fault, got ok=%v err=%v", ok, err)
	}
	if p.chrootName != "stable-amd64" || p.jobID != "job-42" {
		t.Fatalf("acquire called with %s/%s", p.chrootName, p.jobID)
	}
}

func TestRunInstallFailureShortCircuits(t *testing.T) {
	t.Parallel()
	sb := &fakeSandbox{workDir: "/srv/build/job-42", resultsDir: "/results/job-42", statuses: []int{1}}
	iso := newRunner(&fakeProvider{sandbox: sb})
	if !iso.Configure(validJob(), t.TempDir()) {
		t.Fatalf("configure failed")
	}
	ok, err := iso.Run(context.Background(), joblog.New("job-42"))
	if err != nil {
		t.Fatalf("install failure must not be an error: %v", err)
	}
	if ok {
		t.Fatalf("expected run to report failure")
	}
	if sb.upgrades != 1 {
		t.Fatalf("expected one upgrade, got %d", sb.upgrades)
	}
	if len(sb.runs) != 1 {
		t.Fatalf("expected only the first install, got %d commands", len(sb.runs))
	}
	if len(sb.copies) != 0 {
		t.Fatalf("script must not be copied after install failure")
	}
	if sb.releases != 1 {
		t.Fatalf("expected exactly one release, got %d", sb.releases)
	}
}

func TestRunSecondInstallFailure(t *testing.T) {
	t.Parallel()
	sb := &fakeSandbox{workDir: "/srv/build/job-42", resultsDir: "/results/job-42", statuses: []int{0, 1}}
	iso := newRunner(&fakeProvider{sandbox: sb})
	if !iso.Configure(validJob(), t.TempDir()) {
		t.Fatalf("configure failed")
	}
	ok, err := iso.Run(context.Background(), joblog.New("job-42"))
	if ok || err != nil {
		t.Fatalf("got ok=%v err=%v", ok, err)
	}
	if len(sb.runs) != 2 {
		t.Fatalf("expected two installs, got %d commands", len(sb.runs))
	}
	if sb.releases != 1 {
		t.Fatalf("expected exactly one release, got %d", sb.releases)
	}
}

func TestRunSuccess(t *testing.T) {
	t.Parallel()
	sb := &fakeSandbox{workDir: "/srv/build/job-42", resultsDir: "/results/job-42"}
	iso := newRunner(&fakeProvider{sandbox: sb})
	if !iso.Configure(validJob(), t.TempDir()) {
		t.Fatalf("configure failed")
	}
	ok, err := iso.Run(context.Background(), joblog.New("job-42"))
	if !ok || err != nil {
		t.Fatalf("expected success, got ok=%v err=%v", ok, err)
	}

	if len(sb.runs) != 3 {
		t.Fatalf("expected installs plus script, got %d commands", len(sb.runs))
	}
	first, second, script := sb.runs[0], sb.runs[1], sb.runs[2]
	if strings.Join(first, " ") != "apt-get install -y git ca-certificates" {
		t.Fatalf("unexpected first install: %q", first)
	}
	if strings.Join(second, " ") != "apt-get install -y live-build" {
		t.Fatalf("unexpected second install: %q", second)
	}
	if len(script) != 3 || script[0] != "sh" || script[1] != "-e" {
		t.Fatalf("script must run under sh -e, got %q", script)
	}
	for _, user := range sb.users {
		if user != "root" {
			t.Fatalf("all commands must run as root, got %q", sb.users)
		}
	}

	if len(sb.copies) != 1 {
		t.Fatalf("expected one script copy, got %d", len(sb.copies))
	}
	if sb.copies[0][0] != sb.copies[0][1] {
		t.Fatalf("script must be copied to the same path: %v", sb.copies[0])
	}
	if sb.copies[0][1] != script[2] {
		t.Fatalf("executed path %s differs from copied path %s", script[2], sb.copies[0][1])
	}
	if sb.releases != 1 {
		t.Fatalf("expected exactly one release, got %d", sb.releases)
	}
}

func TestRunScriptFailure(t *testing.T) {
	t.Parallel()
	sb := &fakeSandbox{workDir: "/w", resultsDir: "/r", scriptStatus: 2}
	iso := newRunner(&fakeProvider{sandbox: sb})
	if !iso.Configure(validJob(), t.TempDir()) {
		t.Fatalf("configure failed")
	}
	ok, err := iso.Run(context.Background(), joblog.New("job-42"))
	if ok || err != nil {
		t.Fatalf("got ok=%v err=%v", ok, err)
	}
	if sb.releases != 1 {
		t.Fatalf("expected exactly one release, got %d", sb.releases)
	}
}

func TestRunExecFaultPropagates(t *testing.T) {
	t.Parallel()
	sb := &fakeSandbox{workDir: "/w", resultsDir: "/r", runErr: errors.New("session gone")}
	iso := newRunner(&fakeProvider{sandbox: sb})
	if !iso.Configure(validJob(), t.TempDir()) {
		t.Fatalf("configure failed")
	}
	ok, err := iso.Run(context.Background(), joblog.New("job-42"))
	if ok || err == nil {
		t.Fatalf("expected exec fault, got ok=%v err=%v", ok, err)
	}
	if sb.releases != 1 {
		t.Fatalf("expected exactly one release, got %d", sb.releases)
	}
}

func TestRunReleaseFaultSurfacesOnSuccess(t *testing.T) {
	t.Parallel()
	sb := &fakeSandbox{workDir: "/w", resultsDir: "/r", releaseErr: errors.New("unmount busy")}
	iso := newRunner(&fakeProvider{sandbox: sb})
	if !iso.Configure(validJob(), t.TempDir()) {
		t.Fatalf("configure failed")
	}
	ok, err := iso.Run(context.Background(), joblog.New("job-42"))
	if ok || err == nil {
		t.Fatalf("release fault must surface, got ok=%v err=%v", ok, err)
	}
}
