// Package worker runs the fixed-size pool of render slots: claim the oldest
// queued job, invoke the renderer, commit the terminal transition, release
// the slot. Failures stay local to their job; a slot is never lost.
package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"replaymill/internal/job"
	"replaymill/internal/jobstore"
	"replaymill/internal/metrics"
	"replaymill/internal/pkg/errors"
	"replaymill/internal/pkg/logger"
	"replaymill/internal/ports"
	"replaymill/internal/render"
)

// JobQueue is the pool's view of the submission queue.
type JobQueue interface {
	Pop(ctx context.Context, timeout time.Duration) (string, error)
}

// Completion is the one-shot message emitted after a job's completed
// transition commits. The notifier consumes these; rendering never waits on
// notification delivery.
type Completion struct {
	Job          *job.Job
	Participants []job.Participant
}

type Deps struct {
	Store   jobstore.Store
	Queue   JobQueue
	Invoker render.Invoker
	// Storage receives the finished video under key outputs/<id>.mp4.
	Storage ports.StorageProvider
	// InfoDir is where the renderer's player-info JSON is kept, one
	// <id>.json per completed job.
	InfoDir string
	Log     *logger.Logger
}

type Pool struct {
	store   jobstore.Store
	queue   JobQueue
	invoker render.Invoker
	storage ports.StorageProvider
	infoDir string
	log     *logger.Logger

	slots       int
	popTimeout  time.Duration
	events      chan Completion
	interrupted string
}

const (
	defaultPopTimeout      = 5 * time.Second
	terminalPersistRetries = 3
	terminalPersistBackoff = 500 * time.Millisecond
)

func NewPool(slots int, d Deps) *Pool {
	if slots < 1 {
		slots = 1
	}
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	return &Pool{
		store:       d.Store,
		queue:       d.Queue,
		invoker:     d.Invoker,
		storage:     d.Storage,
		infoDir:     d.InfoDir,
		log:         log.WithComponent("pool"),
		slots:       slots,
		popTimeout:  defaultPopTimeout,
		events:      make(chan Completion, 64),
		interrupted: "interrupted by restart",
	}
}

// Completions is the stream of committed completions. Closed when Run
// returns.
func (p *Pool) Completions() <-chan Completion {
	return p.events
}

// Run recovers orphaned jobs, then blocks driving the slots until ctx is
// canceled. Failure to reach the store here is fatal: a pool that cannot
// record outcomes must not start claiming work.
func (p *Pool) Run(ctx context.Context) error {
	orphans, err := p.store.FailOrphaned(ctx, p.interrupted)
	if err != nil {
		return errors.Wrap(err, "pool.run", "failed to recover orphaned jobs")
	}
	if orphans > 0 {
		p.log.Warn("failed orphaned processing jobs from previous run", "count", orphans)
	}

	p.log.Info("starting worker pool", "slots", p.slots)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.slots; i++ {
		slot := i
		g.Go(func() error { return p.runSlot(ctx, slot) })
	}
	err = g.Wait()
	close(p.events)
	p.log.Info("worker pool stopped")
	return err
}

func (p *Pool) runSlot(ctx context.Context, slot int) error {
	log := p.log.WithFields(map[string]any{"slot": slot})
	log.Debug("slot started")

	for {
		select {
		case <-ctx.Done():
			log.Debug("slot stopping")
			return ctx.Err()
		default:
		}

		id, err := p.queue.Pop(ctx, p.popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("queue pop failed, retrying", "error", err.Error())
			time.Sleep(time.Second)
			continue
		}
		if id == "" {
			continue
		}

		p.process(ctx, log, id)
	}
}

// process takes one claimed job to a terminal state. It returns normally in
// every case so the slot is released no matter how the render went.
func (p *Pool) process(ctx context.Context, log *logger.Logger, id string) {
	j, err := p.store.Claim(ctx, id)
	if err != nil {
		// Deleted before a slot got to it, or already claimed.
		log.Debug("skipping unclaimable job", "job_id", id, "error", err.Error())
		return
	}
	log = log.WithJobID(j.ID)
	log.Info("job claimed", "replay", j.Filename)

	if err := p.store.SetMessage(ctx, j.ID, "rendering"); err != nil {
		log.Debug("failed to set progress message", "error", err.Error())
	}

	metrics.BusySlots.Inc()
	defer metrics.BusySlots.Dec()

	start := time.Now()
	res := p.invoker.Render(ctx, render.Request{
		JobID:      j.ID,
		SourcePath: j.SourcePath,
		Config:     j.Config,
	})
	metrics.RenderDuration.Observe(time.Since(start).Seconds())

	if !res.OK {
		p.fail(ctx, log, j, res.Detail)
		return
	}

	outputKey, infoPath, err := p.storeOutputs(ctx, j, res)
	if err != nil {
		log.Error("failed to store render output", "error", err.Error())
		p.fail(ctx, log, j, "failed to store render output: "+err.Error())
		return
	}

	if err := p.persist(ctx, func(ctx context.Context) error {
		return p.store.MarkCompleted(ctx, j.ID, outputKey, time.Now().UTC())
	}); err != nil {
		log.Error("failed to persist completion", "error", err.Error())
		p.fail(ctx, log, j, "failed to persist completion: "+err.Error())
		return
	}

	j.Status = job.StatusCompleted
	j.OutputPath = outputKey
	now := time.Now().UTC()
	j.CompletedAt = &now

	metrics.JobsCompletedTotal.Inc()
	log.Info("job completed", "output", outputKey, "duration", time.Since(start).String())

	if j.Config.WebhookURL != "" {
		p.emit(ctx, Completion{Job: j, Participants: render.LoadParticipants(infoPath)})
	}
}

// fail commits the failed transition. Terminal persistence gets a bounded
// retry; if the store stays unreachable the error is logged and the slot is
// still released.
func (p *Pool) fail(ctx context.Context, log *logger.Logger, j *job.Job, msg string) {
	metrics.JobsFailedTotal.Inc()
	log.Warn("job failed", "reason", job.TruncateMessage(msg))

	if err := p.persist(ctx, func(ctx context.Context) error {
		return p.store.MarkFailed(ctx, j.ID, msg, time.Now().UTC())
	}); err != nil {
		log.Error("failed to persist job failure", "error", err.Error())
	}
	p.cleanupStrays(j)
}

// storeOutputs uploads the video to the storage provider and files the
// player-info JSON under InfoDir. Returns the video's object key.
func (p *Pool) storeOutputs(ctx context.Context, j *job.Job, res render.Result) (string, string, error) {
	f, err := os.Open(res.OutputPath)
	if err != nil {
		return "", "", fmt.Errorf("open output: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return "", "", fmt.Errorf("stat output: %w", err)
	}

	key := "outputs/" + j.ID + ".mp4"
	out, err := p.storage.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   key,
		ContentType: "video/mp4",
		Reader:      f,
		Size:        st.Size(),
	})
	if err != nil {
		return "", "", fmt.Errorf("store output: %w", err)
	}
	_ = os.Remove(res.OutputPath)

	infoPath := ""
	if res.InfoPath != "" {
		infoPath = filepath.Join(p.infoDir, j.ID+".json")
		if err := moveFile(res.InfoPath, infoPath); err != nil {
			// Player info is optional; losing it is not a job failure.
			p.log.WithJobID(j.ID).Warn("failed to keep player info", "error", err.Error())
			infoPath = ""
		}
	}

	return out.ObjectKey, infoPath, nil
}

// persist runs a terminal-transition write with a bounded retry. Conflicts
// and missing rows are permanent; only transient store errors are retried.
// The write is shielded from shutdown cancellation so an already-finished
// render still gets recorded.
func (p *Pool) persist(ctx context.Context, op func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()

	b := retry.WithMaxRetries(terminalPersistRetries, retry.NewConstant(terminalPersistBackoff))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := op(ctx)
		if err == nil || errors.IsConflict(err) || errors.IsNotFound(err) {
			return err
		}
		return retry.RetryableError(err)
	})
}

// cleanupStrays removes renderer leftovers next to the replay after a
// failure so a resubmission starts clean.
func (p *Pool) cleanupStrays(j *job.Job) {
	if j.SourcePath == "" {
		return
	}
	stem := j.SourcePath[:len(j.SourcePath)-len(filepath.Ext(j.SourcePath))]
	_ = os.Remove(stem + ".mp4")
	_ = os.Remove(stem + ".json")
}

func (p *Pool) emit(ctx context.Context, c Completion) {
	select {
	case p.events <- c:
	case <-ctx.Done():
	}
}

// moveFile renames src to dst, falling back to copy+remove across devices.
func moveFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
