// Package service wires queue intake to the job runners: decode, admit,
// run, collect, and publish status for every build message.
package service

import (
	"context"
	"encoding/json"
	"path/filepath"
	"time"

	"isoforge/internal/common/mq"
	"isoforge/internal/worker/artifacts"
	"isoforge/internal/worker/chroot"
	"isoforge/internal/worker/joblog"
	"isoforge/internal/worker/model"
	"isoforge/internal/worker/repository"
	"isoforge/internal/worker/runner"
	appErr "isoforge/pkg/errors"
	"isoforge/pkg/utils/contextkey"
	"isoforge/pkg/utils/logger"
)

const defaultPoolSize = 1

// Config carries the collaborators and tuning of the build service.
type Config struct {
	Provider   chroot.Provider
	StatusRepo *repository.StatusRepository
	Collector  *artifacts.Collector
	Hub        *joblog.Hub

	// WorkRoot is the workspace path handed to runners.
	WorkRoot string
	// ResultsRoot is the host directory under which each job's results
	// directory appears. Must match the sandbox provider's results root.
	ResultsRoot string
	// MachineName identifies this worker in published statuses.
	MachineName string
	// PoolSize bounds concurrently running builds.
	PoolSize int
	// RunTimeout bounds one build; zero means no timeout.
	RunTimeout time.Duration
	// RequireISOArtifact makes a build without an image artifact fail.
	RequireISOArtifact bool
}

// BuildService consumes build messages and runs them to completion.
type BuildService struct {
	cfg   Config
	slots chan struct{}
}

// NewBuildService creates a build service.
func NewBuildService(cfg Config) *BuildService {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
	return &BuildService{
		cfg:   cfg,
		slots: make(chan struct{}, cfg.PoolSize),
	}
}

// HandleMessage processes one queue message. A returned error signals the
// queue layer to retry; expected build failures are absorbed into the job
// status instead.
func (s *BuildService) HandleMessage(ctx context.Context, message *mq.Message) error {
	var msg model.BuildMessage
	if err := json.Unmarshal(message.Body, &msg); err != nil {
		logger.Errorf(ctx, "decode build message failed: %v", err)
		// Undecodable messages never become valid. Drop, do not retry.
		return nil
	}
	if msg.JobID == "" {
		logger.Errorf(ctx, "build message without job_id dropped")
		return nil
	}
	if msg.Kind != model.KindISOImage {
		logger.Warnf(ctx, "unsupported job kind %q job_id=%s", msg.Kind, msg.JobID)
		return nil
	}

	ctx = context.WithValue(ctx, contextkey.JobID, msg.JobID)
	receivedAt := time.Now().Unix()

	s.saveStatus(ctx, model.JobStatusResponse{
		JobID:      msg.JobID,
		Status:     model.StatusPending,
		Machine:    s.cfg.MachineName,
		Timestamps: model.Timestamps{ReceivedAt: receivedAt},
	})

	if err := s.acquireSlot(ctx); err != nil {
		logger.Warnf(ctx, "admission cancelled job_id=%s: %v", msg.JobID, err)
		return err
	}
	defer func() { <-s.slots }()

	return s.runJob(ctx, &msg, receivedAt)
}

func (s *BuildService) runJob(ctx context.Context, msg *model.BuildMessage, receivedAt int64) error {
	job := model.FromMessage(*msg)

	iso := runner.NewIsoBuilder(s.cfg.Provider, s.scriptOptions())
	if !iso.Configure(job, s.cfg.WorkRoot) {
		logger.Errorf(ctx, "job descriptor rejected job_id=%s", job.JobID)
		s.finish(ctx, s.baseStatus(job.JobID, "", receivedAt, 0), model.StatusFailed,
			appErr.New(appErr.JobInvalid).WithMessage("job descriptor rejected"))
		return nil
	}

	startedAt := time.Now().Unix()
	status := s.baseStatus(job.JobID, iso.ChrootName(), receivedAt, startedAt)
	status.Status = model.StatusRunning
	s.saveStatus(ctx, status)

	runCtx := ctx
	if s.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.RunTimeout)
		defer cancel()
	}

	jlog := joblog.New(job.JobID, s.cfg.Hub.Writer(job.JobID))

	ok, err := iso.Run(runCtx, jlog)
	if err != nil {
		logger.Errorf(ctx, "build infrastructure fault job_id=%s: %v", job.JobID, err)
		s.finish(ctx, status, model.StatusFailed, err)
		return err
	}
	if !ok {
		logger.Infof(ctx, "build failed job_id=%s", job.JobID)
		s.uploadLog(ctx, &status, jlog)
		s.finish(ctx, status, model.StatusFailed,
			appErr.New(appErr.BuildScriptFailed).WithMessage("build did not complete"))
		return nil
	}

	if err := s.collect(ctx, &status, jlog); err != nil {
		logger.Errorf(ctx, "collect artifacts failed job_id=%s: %v", job.JobID, err)
		s.finish(ctx, status, model.StatusFailed, err)
		return err
	}

	s.finish(ctx, status, model.StatusFinished, nil)
	logger.Infof(ctx, "build finished job_id=%s artifacts=%d", job.JobID, len(status.Artifacts))
	return nil
}

func (s *BuildService) collect(ctx context.Context, status *model.JobStatusResponse, jlog *joblog.JobLog) error {
	if s.cfg.Collector == nil {
		return nil
	}
	infos, err := s.cfg.Collector.Collect(ctx, status.JobID, filepath.Join(s.cfg.ResultsRoot, status.JobID))
	if err != nil {
		return err
	}
	status.Artifacts = infos
	s.uploadLog(ctx, status, jlog)
	return nil
}

func (s *BuildService) scriptOptions() runner.ScriptOptions {
	opts := runner.DefaultScriptOptions()
	opts.RequireISOArtifact = s.cfg.RequireISOArtifact
	return opts
}

// acquireSlot blocks until a build slot frees or the context ends. Intake
// may run more handlers than slots; surplus handlers wait here while
// undelivered messages stay queued in the broker.
func (s *BuildService) acquireSlot(ctx context.Context) error {
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *BuildService) baseStatus(jobID, chrootName string, receivedAt, startedAt int64) model.JobStatusResponse {
	return model.JobStatusResponse{
		JobID:      jobID,
		ChrootName: chrootName,
		Machine:    s.cfg.MachineName,
		Timestamps: model.Timestamps{ReceivedAt: receivedAt, StartedAt: startedAt},
	}
}

func (s *BuildService) finish(ctx context.Context, status model.JobStatusResponse, final model.Status, cause error) {
	status.Status = final
	status.Timestamps.FinishedAt = time.Now().Unix()
	if cause != nil {
		status.ErrorCode = int(appErr.GetCode(cause))
		status.ErrorMessage = cause.Error()
	}
	s.saveStatus(ctx, status)
}

func (s *BuildService) saveStatus(ctx context.Context, status model.JobStatusResponse) {
	if s.cfg.StatusRepo == nil {
		return
	}
	if err := s.cfg.StatusRepo.Save(ctx, status); err != nil {
		logger.Errorf(ctx, "save status failed job_id=%s: %v", status.JobID, err)
	}
}

func (s *BuildService) uploadLog(ctx context.Context, status *model.JobStatusResponse, jlog *joblog.JobLog) {
	if s.cfg.Collector == nil {
		return
	}
	key, err := s.cfg.Collector.UploadLog(ctx, status.JobID, jlog.Transcript())
	if err != nil {
		logger.Errorf(ctx, "upload build log failed job_id=%s: %v", status.JobID, err)
		return
	}
	status.LogKey = key
}
