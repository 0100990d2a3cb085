package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"isoforge/internal/common/cache"
	"isoforge/internal/worker/model"
	"isoforge/internal/worker/repository"
	appErr "isoforge/pkg/errors"
)

type fakePublisher struct {
	called int
	last   model.JobStatusResponse
	err    error
}

func (f *fakePublisher) PublishFinalStatus(ctx context.Context, status model.JobStatusResponse) error {
	f.called++
	f.last = status
	return f.err
}

type fakeJobsModel struct {
	rows map[string]string
}

func (f *fakeJobsModel) UpsertFinalStatus(ctx context.Context, jobID, payload string, finishedAt time.Time) error {
	if f.rows == nil {
		f.rows = make(map[string]string)
	}
	f.rows[jobID] = payload
	return nil
}

func (f *fakeJobsModel) FindFinalStatus(ctx context.Context, jobID string) (string, error) {
	payload, ok := f.rows[jobID]
	if !ok {
		return "", repository.ErrNotFound
	}
	return payload, nil
}

func newTestCache(t *testing.T) *cache.RedisCache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("init cache failed: %v", err)
	}
	return c
}

func TestStatusRoundTripThroughCache(t *testing.T) {
	t.Parallel()
	repo := repository.NewStatusRepository(newTestCache(t), nil, time.Minute, nil)

	status := model.JobStatusResponse{
		JobID:      "job-1",
		Status:     model.StatusRunning,
		ChrootName: "stable-amd64",
		Machine:    "builder-1",
		Timestamps: model.Timestamps{ReceivedAt: 100, StartedAt: 101},
	}
	if err := repo.Save(context.Background(), status); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := repo.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != model.StatusRunning || got.ChrootName != "stable-amd64" {
		t.Fatalf("unexpected status: %+v", got)
	}
}

func TestSavePublishesTerminalStatus(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{}
	repo := repository.NewStatusRepository(newTestCache(t), nil, time.Minute, pub)

	if err := repo.Save(context.Background(), model.JobStatusResponse{
		JobID:  "job-2",
		Status: model.StatusFinished,
	}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if pub.called != 1 || pub.last.JobID != "job-2" {
		t.Fatalf("publisher not invoked for terminal status: called=%d", pub.called)
	}
}

func TestSaveSkipsPublishForLiveStatus(t *testing.T) {
	t.Parallel()
	pub := &fakePublisher{}
	repo := repository.NewStatusRepository(newTestCache(t), nil, time.Minute, pub)

	if err := repo.Save(context.Background(), model.JobStatusResponse{
		JobID:  "job-3",
		Status: model.StatusRunning,
	}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if pub.called != 0 {
		t.Fatalf("publisher must not run for live status, called=%d", pub.called)
	}
}

func TestGetFallsBackToDatabase(t *testing.T) {
	t.Parallel()
	jobs := &fakeJobsModel{}
	repo := repository.NewStatusRepository(newTestCache(t), jobs, time.Minute, nil)

	final := model.JobStatusResponse{
		JobID:      "job-4",
		Status:     model.StatusFinished,
		Timestamps: model.Timestamps{FinishedAt: time.Now().Unix()},
	}
	if err := repo.PersistFinalStatus(context.Background(), final); err != nil {
		t.Fatalf("persist failed: %v", err)
	}

	got, err := repo.Get(context.Background(), "job-4")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != model.StatusFinished {
		t.Fatalf("unexpected status from db: %+v", got)
	}
}

func TestGetUnknownJob(t *testing.T) {
	t.Parallel()
	repo := repository.NewStatusRepository(newTestCache(t), &fakeJobsModel{}, time.Minute, nil)
	if _, err := repo.Get(context.Background(), "missing"); !appErr.Is(err, appErr.JobNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPersistRejectsLiveStatus(t *testing.T) {
	t.Parallel()
	repo := repository.NewStatusRepository(nil, &fakeJobsModel{}, time.Minute, nil)
	err := repo.PersistFinalStatus(context.Background(), model.JobStatusResponse{
		JobID:  "job-5",
		Status: model.StatusRunning,
	})
	if err == nil {
		t.Fatalf("expected validation error for live status")
	}
}
