// Package sweeper removes finished jobs and their artifacts once they age
// past the retention window.
package sweeper

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"replaymill/internal/job"
	"replaymill/internal/jobstore"
	"replaymill/internal/metrics"
	"replaymill/internal/pkg/errors"
	"replaymill/internal/pkg/logger"
	"replaymill/internal/ports"
)

// Queue lets the sweeper pull a queued job id back out of the intake list
// before its record disappears.
type Queue interface {
	Remove(ctx context.Context, jobID string) error
}

type Deps struct {
	Store   jobstore.Store
	Queue   Queue
	Storage ports.StorageProvider
	InfoDir string
	Log     *logger.Logger
}

type Sweeper struct {
	store     jobstore.Store
	queue     Queue
	storage   ports.StorageProvider
	infoDir   string
	log       *logger.Logger
	retention time.Duration

	cron *cron.Cron
}

func New(retention time.Duration, d Deps) *Sweeper {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	return &Sweeper{
		store:     d.Store,
		queue:     d.Queue,
		storage:   d.Storage,
		infoDir:   d.InfoDir,
		log:       log.WithComponent("sweeper"),
		retention: retention,
	}
}

// Start schedules Sweep on the given cron expression (descriptors like
// "@hourly" work too) and runs one sweep immediately.
func (s *Sweeper) Start(schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		if _, err := s.Sweep(context.Background()); err != nil {
			s.log.Error("scheduled sweep failed", "error", err.Error())
		}
	})
	if err != nil {
		return errors.Wrap(err, "sweeper.start", "invalid sweep schedule")
	}

	s.cron = c
	c.Start()

	go func() {
		if _, err := s.Sweep(context.Background()); err != nil {
			s.log.Error("initial sweep failed", "error", err.Error())
		}
	}()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep deletes every terminal job whose completed_at is older than the
// retention window. Per-job failures are logged and skipped so one bad
// record cannot stall the sweep.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.retention)
	expired, err := s.store.List(ctx, jobstore.ListFilter{CompletedBefore: cutoff})
	if err != nil {
		return 0, errors.Wrap(err, "sweeper.sweep", "failed to list expired jobs")
	}

	swept := 0
	for _, j := range expired {
		if err := s.DeleteJob(ctx, j.ID); err != nil {
			s.log.WithJobID(j.ID).Warn("failed to sweep job", "error", err.Error())
			continue
		}
		swept++
	}

	if swept > 0 {
		metrics.JobsSweptTotal.Add(float64(swept))
		s.log.Info("sweep completed", "swept", swept, "cutoff", cutoff.UTC().Format(time.RFC3339))
	}
	return swept, nil
}

// DeleteJob removes a job record and every artifact it owns: the stored
// video, the player-info JSON and the uploaded replay. Processing jobs are
// refused; a queued job is pulled from the intake list first so no slot can
// claim it mid-delete. Artifact removal is best effort.
func (s *Sweeper) DeleteJob(ctx context.Context, id string) error {
	j, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}

	if j.Status == job.StatusProcessing {
		return errors.Conflict("job is processing and cannot be deleted").WithField("id", id)
	}

	if j.Status == job.StatusQueued && s.queue != nil {
		if err := s.queue.Remove(ctx, id); err != nil {
			return errors.Wrap(err, "sweeper.delete", "failed to remove job from queue")
		}
	}

	if j.OutputPath != "" {
		if err := s.storage.DeleteObject(ctx, j.OutputPath); err != nil && !os.IsNotExist(err) {
			s.log.WithJobID(id).Warn("failed to delete stored video", "object_key", j.OutputPath, "error", err.Error())
		}
	}

	s.removeFile(id, filepath.Join(s.infoDir, id+".json"))
	if j.SourcePath != "" {
		s.removeFile(id, j.SourcePath)
	}

	return s.store.Delete(ctx, id)
}

// DeleteAll removes every job that is not currently processing.
func (s *Sweeper) DeleteAll(ctx context.Context) (int, error) {
	all, err := s.store.List(ctx, jobstore.ListFilter{})
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, j := range all {
		if j.Status == job.StatusProcessing {
			continue
		}
		if err := s.DeleteJob(ctx, j.ID); err != nil {
			s.log.WithJobID(j.ID).Warn("failed to delete job", "error", err.Error())
			continue
		}
		deleted++
	}
	return deleted, nil
}

func (s *Sweeper) removeFile(jobID, path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.log.WithJobID(jobID).Warn("failed to remove file", "path", path, "error", err.Error())
	}
}
