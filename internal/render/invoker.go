// Package render supervises one execution of the external replay renderer
// as a child process: builds the command line from the job config, bounds
// the run with a wall-clock timeout, captures a tail of combined output,
// and classifies every outcome as success or a typed failure.
package render

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"replaymill/internal/job"
	"replaymill/internal/pkg/logger"
)

// FailureKind classifies why a render did not produce a video.
type FailureKind string

const (
	FailureNone          FailureKind = ""
	FailureStart         FailureKind = "start"          // process could not be spawned
	FailureExit          FailureKind = "exit"           // non-zero exit status
	FailureTimeout       FailureKind = "timeout"        // killed after the deadline
	FailureCanceled      FailureKind = "canceled"       // killed by orchestrator shutdown
	FailureMissingOutput FailureKind = "missing_output" // exit 0 but no artifact
	FailureInternal      FailureKind = "internal"       // invoker fault
)

// Request names one render to perform.
type Request struct {
	JobID      string
	SourcePath string
	Config     job.Config
}

// Result is the outcome of one invocation. Exactly one of OK or Kind is
// meaningful: OK carries OutputPath (and maybe InfoPath), a failure carries
// Kind and a bounded Detail.
type Result struct {
	OK         bool
	OutputPath string
	// InfoPath is the renderer's optional player-info JSON, empty when the
	// renderer did not produce one.
	InfoPath string
	Kind     FailureKind
	Detail   string
}

func failure(kind FailureKind, detail string) Result {
	return Result{Kind: kind, Detail: job.TruncateMessage(detail)}
}

// Invoker runs one render to a classified Result. Implementations must not
// panic out: every invocation path resolves to success or a failure.
type Invoker interface {
	Render(ctx context.Context, req Request) Result
}

// Engine invokes the renderer executable. The renderer writes the video
// next to the replay file as <stem>.mp4 and, when it can extract them,
// player details as <stem>.json.
type Engine struct {
	// Command is the renderer argv prefix, e.g. ["python3", "-m", "render"].
	Command []string
	// WorkDir is the directory the renderer must run from.
	WorkDir string
	// Timeout bounds one render wall-clock.
	Timeout time.Duration
	// TailBytes bounds the captured stdout/stderr tail.
	TailBytes int

	Log *logger.Logger
}

var _ Invoker = (*Engine)(nil)

const defaultTailBytes = 4096

// Render runs the renderer for req. The child gets its own process group so
// that a timeout or shutdown kills it and all of its descendants.
func (e *Engine) Render(ctx context.Context, req Request) (res Result) {
	log := e.Log.WithJobID(req.JobID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("render invoker panicked", "panic", fmt.Sprint(r))
			res = failure(FailureInternal, fmt.Sprintf("internal render error: %v", r))
		}
	}()

	if len(e.Command) == 0 {
		return failure(FailureStart, "renderer command not configured")
	}

	src, err := filepath.Abs(req.SourcePath)
	if err != nil {
		return failure(FailureStart, "resolve replay path: "+err.Error())
	}

	args := append(append([]string{}, e.Command[1:]...), e.buildArgs(src, req.Config)...)
	cmd := exec.Command(e.Command[0], args...)
	cmd.Dir = e.WorkDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	tailLimit := e.TailBytes
	if tailLimit <= 0 {
		tailLimit = defaultTailBytes
	}
	tail := newTailWriter(tailLimit)
	cmd.Stdout = tail
	cmd.Stderr = tail

	timeout := e.Timeout
	if timeout <= 0 {
		timeout = time.Hour
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log.Info("starting render",
		"command", e.Command[0],
		"replay", filepath.Base(src),
		"fps", req.Config.FPS,
		"quality", req.Config.Quality,
	)
	start := time.Now()

	if err := cmd.Start(); err != nil {
		return failure(FailureStart, "start renderer: "+err.Error())
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-waitCh:
	case <-runCtx.Done():
		e.killGroup(cmd)
		<-waitCh // reap; the group kill guarantees exit
		if ctx.Err() != nil {
			log.Warn("render canceled by shutdown", "elapsed", time.Since(start).String())
			return failure(FailureCanceled, "render canceled by shutdown")
		}
		log.Warn("render timed out", "timeout", timeout.String())
		return failure(FailureTimeout, fmt.Sprintf("render exceeded %s timeout", timeout))
	}

	if waitErr != nil {
		detail := strings.TrimSpace(tail.String())
		if detail == "" {
			detail = waitErr.Error()
		}
		log.Warn("renderer failed",
			"exit", exitCode(waitErr),
			"elapsed", time.Since(start).String(),
		)
		return failure(FailureExit, fmt.Sprintf("renderer exited %d: %s", exitCode(waitErr), detail))
	}

	stem := strings.TrimSuffix(src, filepath.Ext(src))
	output := stem + ".mp4"
	if !fileExists(output) {
		log.Error("renderer exited 0 but produced no output", "expected", output)
		return failure(FailureMissingOutput, "output file not found after rendering")
	}

	res = Result{OK: true, OutputPath: output}
	if info := stem + ".json"; fileExists(info) {
		res.InfoPath = info
	}
	log.Info("render finished", "elapsed", time.Since(start).String())
	return res
}

// buildArgs maps the immutable job config onto the renderer's flags.
func (e *Engine) buildArgs(src string, cfg job.Config) []string {
	args := []string{"--replay", src}
	if cfg.Anonymize {
		args = append(args, "--anon")
	}
	if cfg.NoChat {
		args = append(args, "--no-chat")
	}
	if cfg.NoLogs {
		args = append(args, "--no-logs")
	}
	if cfg.TeamTracers {
		args = append(args, "--team-tracers")
	}
	args = append(args, "--fps", strconv.Itoa(cfg.FPS))
	args = append(args, "--quality", strconv.Itoa(cfg.Quality))
	return args
}

// killGroup sends SIGKILL to the child's process group, taking down the
// renderer and any encoder processes it forked.
func (e *Engine) killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		_ = cmd.Process.Kill()
		return
	}
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}

func exitCode(err error) int {
	if exit, ok := err.(*exec.ExitError); ok {
		return exit.ExitCode()
	}
	return -1
}
