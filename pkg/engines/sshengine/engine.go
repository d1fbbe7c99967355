// Package sshengine runs runnables as detached shell jobs on a remote host.
// Each job lives in its own directory under the configured work dir:
//
//	<work_dir>/<handle>/runnable.json   the submitted runnable
//	<work_dir>/<handle>/run.sh          the generated job script
//	<work_dir>/<handle>/pid             the job's process id
//	<work_dir>/<handle>/output.log      combined stdout and stderr
//	<work_dir>/<handle>/exit_code       written when the job ends
package sshengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/runplane/runplane/pkg/engine"
)

const (
	fileRunnable = "runnable.json"
	fileScript   = "run.sh"
	filePID      = "pid"
	fileOutput   = "output.log"
	fileExitCode = "exit_code"

	// exitCancelled is recorded for jobs stopped through Cancel.
	exitCancelled = 143

	outputTail = 1024
)

var handlePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Engine implements engine.EngineClient on top of a Remote.
type Engine struct {
	cfg     Config
	remote  Remote
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// New validates cfg and creates an engine that dials the host on first use.
func New(cfg Config, logger zerolog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, engine.NewValidationError("invalid ssh engine config", err)
	}
	logger = logger.With().Str("component", "ssh-engine").Str("host", cfg.Host).Logger()
	return NewWithRemote(cfg, newSSHRemote(cfg, logger), logger), nil
}

// NewWithRemote creates an engine over an existing Remote.
func NewWithRemote(cfg Config, remote Remote, logger zerolog.Logger) *Engine {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &Engine{
		cfg:     cfg,
		remote:  remote,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

func (e *Engine) Name() string { return "ssh" }

// Close releases the connection to the host.
func (e *Engine) Close() error {
	return e.remote.Close()
}

func (e *Engine) dir(handle string) string {
	return path.Join(e.cfg.WorkDir, handle)
}

// Submit uploads the runnable and its script and starts the script in the
// background. The runnable id is the job handle, so a resubmission of a job
// that already started is answered with its current status.
func (e *Engine) Submit(ctx context.Context, runnable *engine.Runnable) (*engine.JobStatus, error) {
	if runnable == nil || !handlePattern.MatchString(runnable.ID) {
		return nil, engine.NewExternalEngineFatalError("runnable id is not a valid job handle", nil)
	}
	if err := e.wait(ctx); err != nil {
		return nil, err
	}

	handle := runnable.ID
	dir := e.dir(handle)
	logger := e.logger.With().Str("handle", handle).Str("run_id", runnable.RunID).Logger()

	if _, err := e.remote.ReadFile(ctx, path.Join(dir, filePID)); err == nil {
		logger.Debug().Msg("Job already started")
		return e.status(ctx, handle)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, classify("check job", err)
	}

	data, err := json.MarshalIndent(runnable, "", "  ")
	if err != nil {
		return nil, engine.NewExternalEngineFatalError("cannot encode runnable", err)
	}
	if err := e.remote.WriteFile(ctx, path.Join(dir, fileRunnable), data, 0o600); err != nil {
		return nil, classify("upload runnable", err)
	}

	script, err := renderScript(dir, e.cfg.ContainerRuntime, runnable)
	if err != nil {
		return nil, err
	}
	if err := e.remote.WriteFile(ctx, path.Join(dir, fileScript), []byte(script), 0o700); err != nil {
		return nil, classify("upload script", err)
	}

	start := fmt.Sprintf("cd %s && nohup sh %s > %s 2>&1 < /dev/null & echo $! > %s",
		quote(dir), fileScript, fileOutput, quote(path.Join(dir, filePID)))
	if _, err := e.remote.Run(ctx, start); err != nil {
		return nil, classify("start job", err)
	}

	logger.Info().Msg("Job started")
	return &engine.JobStatus{State: engine.JobStatePending, Handle: handle, Message: "started"}, nil
}

// Status reads the job's exit code file. No file means the job is still
// running, 0 means it completed and anything else means it failed.
func (e *Engine) Status(ctx context.Context, handle string) (*engine.JobStatus, error) {
	if !handlePattern.MatchString(handle) {
		return nil, engine.NewExternalEngineFatalError(fmt.Sprintf("invalid job handle %q", handle), nil)
	}
	if err := e.wait(ctx); err != nil {
		return nil, err
	}
	return e.status(ctx, handle)
}

func (e *Engine) status(ctx context.Context, handle string) (*engine.JobStatus, error) {
	dir := e.dir(handle)

	raw, err := e.remote.ReadFile(ctx, path.Join(dir, fileExitCode))
	if errors.Is(err, fs.ErrNotExist) {
		if _, err := e.remote.ReadFile(ctx, path.Join(dir, filePID)); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, engine.NewExternalEngineFatalError(fmt.Sprintf("unknown job %s", handle), nil)
			}
			return nil, classify("read pid", err)
		}
		return &engine.JobStatus{State: engine.JobStateRunning, Handle: handle, Message: "running"}, nil
	}
	if err != nil {
		return nil, classify("read exit code", err)
	}

	text := strings.TrimSpace(string(raw))
	code, err := strconv.Atoi(text)
	if err != nil {
		// The job may be writing the file right now.
		return nil, engine.NewExternalEngineError(fmt.Sprintf("unreadable exit code %q", text), err)
	}

	st := &engine.JobStatus{
		Handle: handle,
		Raw:    map[string]interface{}{"exit_code": code},
	}
	if code == 0 {
		st.State = engine.JobStateCompleted
		st.Message = "completed"
		return st, nil
	}

	st.State = engine.JobStateFailed
	st.Message = fmt.Sprintf("exit code %d", code)
	if code == exitCancelled {
		st.Message = "cancelled"
	}
	if out, err := e.remote.ReadFile(ctx, path.Join(dir, fileOutput)); err == nil {
		tail := strings.TrimSpace(string(out))
		if len(tail) > outputTail {
			tail = tail[len(tail)-outputTail:]
		}
		st.Raw["output"] = tail
		if tail != "" {
			st.Message += ": " + lastLine(tail)
		}
	}
	return st, nil
}

// Cancel kills the job's script and records the cancellation. A job that
// already ended is left alone.
func (e *Engine) Cancel(ctx context.Context, handle string) error {
	if !handlePattern.MatchString(handle) {
		return engine.NewExternalEngineFatalError(fmt.Sprintf("invalid job handle %q", handle), nil)
	}
	if err := e.wait(ctx); err != nil {
		return err
	}

	dir := e.dir(handle)
	cmd := fmt.Sprintf("cd %s && test -f %s || { kill -TERM $(cat %s) 2>/dev/null; echo %d > %s; }",
		quote(dir), fileExitCode, filePID, exitCancelled, fileExitCode)
	if _, err := e.remote.Run(ctx, cmd); err != nil {
		return classify("cancel job", err)
	}
	e.logger.Info().Str("handle", handle).Msg("Job cancelled")
	return nil
}

func (e *Engine) wait(ctx context.Context) error {
	if err := e.limiter.Wait(ctx); err != nil {
		return engine.NewExternalEngineError("rate limiter", err)
	}
	return nil
}

// classify keeps classified remote errors and treats the rest, such as a
// failing remote command, as fatal.
func classify(op string, err error) error {
	var ee *engine.EngineError
	if errors.As(err, &ee) {
		return err
	}
	return engine.NewExternalEngineFatalError(op, err)
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
