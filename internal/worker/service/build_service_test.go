package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"isoforge/internal/common/cache"
	"isoforge/internal/common/mq"
	"isoforge/internal/common/storage"
	"isoforge/internal/worker/artifacts"
	"isoforge/internal/worker/chroot"
	"isoforge/internal/worker/joblog"
	"isoforge/internal/worker/model"
	"isoforge/internal/worker/repository"
	"isoforge/internal/worker/service"
)

type stubSandbox struct {
	workDir    string
	resultsDir string
	releases   int
}

func (s *stubSandbox) WorkDir() string                { return s.workDir }
func (s *stubSandbox) ResultsDir() string             { return s.resultsDir }
func (s *stubSandbox) HostPath(remote string) string  { return remote }
func (s *stubSandbox) Upgrade(context.Context, io.Writer) {}
func (s *stubSandbox) RunLogged(ctx context.Context, log io.Writer, argv []string, user string) (int, error) {
	fmt.Fprintf(log, "+ %v\n", argv)
	return 0, nil
}
func (s *stubSandbox) CopyIn(ctx context.Context, localPath, remotePath string) error { return nil }
func (s *stubSandbox) Release() error {
	s.releases++
	return nil
}

type stubProvider struct {
	sandbox    *stubSandbox
	acquireErr error
}

func (p *stubProvider) Acquire(ctx context.Context, chrootName, jobID string) (chroot.Sandbox, error) {
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	return p.sandbox, nil
}

type nullStorage struct{}

func (nullStorage) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, ct string) error {
	_, err := io.Copy(io.Discard, r)
	return err
}
func (nullStorage) GetObject(ctx context.Context, bucket, key string) (storage.ObjectReader, error) {
	return nil, fmt.Errorf("not found")
}
func (nullStorage) StatObject(ctx context.Context, bucket, key string) (storage.ObjectStat, error) {
	return storage.ObjectStat{}, fmt.Errorf("not found")
}
func (nullStorage) ListObjects(ctx context.Context, bucket, prefix string) <-chan storage.ObjectInfo {
	ch := make(chan storage.ObjectInfo)
	close(ch)
	return ch
}
func (nullStorage) RemoveObjects(ctx context.Context, bucket string, keys []string) error { return nil }

func newStatusRepo(t *testing.T) *repository.StatusRepository {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("init cache failed: %v", err)
	}
	return repository.NewStatusRepository(c, nil, time.Minute, nil)
}

func buildMessage(t *testing.T, msg model.BuildMessage) *mq.Message {
	t.Helper()
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal message failed: %v", err)
	}
	return mq.NewMessage(body)
}

func newService(t *testing.T, provider chroot.Provider, repo *repository.StatusRepository, resultsRoot string) *service.BuildService {
	t.Helper()
	return service.NewBuildService(service.Config{
		Provider:           provider,
		StatusRepo:         repo,
		Collector:          artifacts.NewCollector(nullStorage{}, "artifacts"),
		Hub:                joblog.NewHub(),
		WorkRoot:           t.TempDir(),
		ResultsRoot:        resultsRoot,
		MachineName:        "builder-test",
		PoolSize:           1,
		RequireISOArtifact: true,
	})
}

func validMessage() model.BuildMessage {
	return model.BuildMessage{
		JobID:        "job-100",
		Kind:         model.KindISOImage,
		Architecture: "amd64",
		Data: map[string]string{
			model.DataKeySuite:        "stable",
			model.DataKeyLiveBuildGit: "https://example.org/recipe.git",
		},
	}
}

func TestHandleMessageSuccess(t *testing.T) {
	t.Parallel()
	resultsRoot := t.TempDir()
	resultsDir := filepath.Join(resultsRoot, "job-100")
	if err := os.MkdirAll(resultsDir, 0755); err != nil {
		t.Fatalf("prepare results dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(resultsDir, "image.iso"), []byte("iso"), 0644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}

	sb := &stubSandbox{workDir: "/srv/build/job-100", resultsDir: resultsDir}
	repo := newStatusRepo(t)
	svc := newService(t, &stubProvider{sandbox: sb}, repo, resultsRoot)

	if err := svc.HandleMessage(context.Background(), buildMessage(t, validMessage())); err != nil {
		t.Fatalf("handle message failed: %v", err)
	}

	status, err := repo.Get(context.Background(), "job-100")
	if err != nil {
		t.Fatalf("get status failed: %v", err)
	}
	if status.Status != model.StatusFinished {
		t.Fatalf("expected finished, got %s (%s)", status.Status, status.ErrorMessage)
	}
	if status.ChrootName != "stable-amd64" {
		t.Fatalf("unexpected chroot name: %s", status.ChrootName)
	}
	if status.Machine != "builder-test" {
		t.Fatalf("unexpected machine: %s", status.Machine)
	}
	if len(status.Artifacts) != 1 || status.Artifacts[0].Name != "image.iso" {
		t.Fatalf("unexpected artifacts: %+v", status.Artifacts)
	}
	if status.LogKey == "" {
		t.Fatalf("log key missing")
	}
	if sb.releases != 1 {
		t.Fatalf("sandbox released %d times", sb.releases)
	}
}

func TestHandleMessageInvalidDescriptor(t *testing.T) {
	t.Parallel()
	repo := newStatusRepo(t)
	svc := newService(t, &stubProvider{}, repo, t.TempDir())

	msg := validMessage()
	msg.JobID = "job-101"
	delete(msg.Data, model.DataKeySuite)

	if err := svc.HandleMessage(context.Background(), buildMessage(t, msg)); err != nil {
		t.Fatalf("invalid descriptor must not requeue: %v", err)
	}
	status, err := repo.Get(context.Background(), "job-101")
	if err != nil {
		t.Fatalf("get status failed: %v", err)
	}
	if status.Status != model.StatusFailed {
		t.Fatalf("expected failed, got %s", status.Status)
	}
}

func TestHandleMessageInfraFaultRequeues(t *testing.T) {
	t.Parallel()
	repo := newStatusRepo(t)
	svc := newService(t, &stubProvider{acquireErr: errors.New("chroot missing")}, repo, t.TempDir())

	msg := validMessage()
	msg.JobID = "job-102"
	if err := svc.HandleMessage(context.Background(), buildMessage(t, msg)); err == nil {
		t.Fatalf("infrastructure fault must propagate for retry")
	}
	status, err := repo.Get(context.Background(), "job-102")
	if err != nil {
		t.Fatalf("get status failed: %v", err)
	}
	if status.Status != model.StatusFailed {
		t.Fatalf("expected failed, got %s", status.Status)
	}
	if status.ErrorCode == 0 {
		t.Fatalf("error code missing")
	}
}

// blockingSandbox holds its first RunLogged call open until unblocked, so a
// test can keep one build occupying its pool slot.
type blockingSandbox struct {
	stubSandbox
	startOnce sync.Once
	started   chan struct{}
	unblock   chan struct{}
}

func (s *blockingSandbox) RunLogged(ctx context.Context, log io.Writer, argv []string, user string) (int, error) {
	s.startOnce.Do(func() { close(s.started) })
	select {
	case <-s.unblock:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return s.stubSandbox.RunLogged(ctx, log, argv, user)
}

type mappedProvider struct {
	byJob map[string]chroot.Sandbox
}

func (p *mappedProvider) Acquire(ctx context.Context, chrootName, jobID string) (chroot.Sandbox, error) {
	sb, ok := p.byJob[jobID]
	if !ok {
		return nil, fmt.Errorf("no sandbox for %s", jobID)
	}
	return sb, nil
}

func TestHandleMessageBoundsConcurrentBuilds(t *testing.T) {
	t.Parallel()
	resultsRoot := t.TempDir()
	for _, id := range []string{"job-110", "job-111"} {
		if err := os.MkdirAll(filepath.Join(resultsRoot, id), 0755); err != nil {
			t.Fatalf("prepare results dir: %v", err)
		}
	}

	sbA := &blockingSandbox{
		stubSandbox: stubSandbox{workDir: "/srv/build/job-110", resultsDir: filepath.Join(resultsRoot, "job-110")},
		started:     make(chan struct{}),
		unblock:     make(chan struct{}),
	}
	sbB := &stubSandbox{workDir: "/srv/build/job-111", resultsDir: filepath.Join(resultsRoot, "job-111")}

	repo := newStatusRepo(t)
	svc := newService(t, &mappedProvider{byJob: map[string]chroot.Sandbox{
		"job-110": sbA,
		"job-111": sbB,
	}}, repo, resultsRoot)

	msgA := validMessage()
	msgA.JobID = "job-110"
	msgB := validMessage()
	msgB.JobID = "job-111"

	rawA := buildMessage(t, msgA)
	rawB := buildMessage(t, msgB)

	errA := make(chan error, 1)
	errB := make(chan error, 1)
	go func() { errA <- svc.HandleMessage(context.Background(), rawA) }()
	<-sbA.started
	go func() { errB <- svc.HandleMessage(context.Background(), rawB) }()

	// The second job is marked pending before admission, so once its
	// status appears it must be waiting on the pool, not running.
	deadline := time.Now().Add(5 * time.Second)
	for {
		status, err := repo.Get(context.Background(), "job-111")
		if err == nil {
			if status.Status != model.StatusPending {
				t.Fatalf("second build admitted while pool full: %s", status.Status)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("second job never recorded: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if sbB.releases != 0 {
		t.Fatalf("second sandbox touched while pool full")
	}

	close(sbA.unblock)
	for _, ch := range []chan error{errA, errB} {
		select {
		case err := <-ch:
			if err != nil {
				t.Fatalf("handle message failed: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("build did not finish after slot freed")
		}
	}

	for _, id := range []string{"job-110", "job-111"} {
		status, err := repo.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get status %s failed: %v", id, err)
		}
		if status.Status != model.StatusFinished {
			t.Fatalf("%s: expected finished, got %s (%s)", id, status.Status, status.ErrorMessage)
		}
	}
}

func TestHandleMessageDropsGarbage(t *testing.T) {
	t.Parallel()
	svc := newService(t, &stubProvider{}, newStatusRepo(t), t.TempDir())
	if err := svc.HandleMessage(context.Background(), mq.NewMessage([]byte("{not json"))); err != nil {
		t.Fatalf("garbage must be dropped, got %v", err)
	}
}

func TestHandleMessageDropsUnknownKind(t *testing.T) {
	t.Parallel()
	repo := newStatusRepo(t)
	svc := newService(t, &stubProvider{}, repo, t.TempDir())

	msg := validMessage()
	msg.JobID = "job-103"
	msg.Kind = "container-image"
	if err := svc.HandleMessage(context.Background(), buildMessage(t, msg)); err != nil {
		t.Fatalf("unknown kind must be dropped, got %v", err)
	}
	if _, err := repo.Get(context.Background(), "job-103"); err == nil {
		t.Fatalf("no status should be recorded for unknown kind")
	}
}
