package sshengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runplane/runplane/pkg/engine"
)

// fakeRemote keeps files in memory and records commands. Failing commands
// and broken connections are scripted.
type fakeRemote struct {
	mu       sync.Mutex
	files    map[string][]byte
	modes    map[string]os.FileMode
	commands []string
	down     bool
	failCmd  error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{files: make(map[string][]byte), modes: make(map[string]os.FileMode)}
}

func (f *fakeRemote) Run(_ context.Context, cmd string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return "", engine.NewExternalEngineError("ssh connect", errors.New("connection refused"))
	}
	f.commands = append(f.commands, cmd)
	return "", f.failCmd
}

func (f *fakeRemote) WriteFile(_ context.Context, p string, data []byte, mode os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return engine.NewExternalEngineError("ssh connect", errors.New("connection refused"))
	}
	f.files[p] = append([]byte(nil), data...)
	f.modes[p] = mode
	return nil
}

func (f *fakeRemote) ReadFile(_ context.Context, p string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, engine.NewExternalEngineError("ssh connect", errors.New("connection refused"))
	}
	data, ok := f.files[p]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", p, fs.ErrNotExist)
	}
	return data, nil
}

func (f *fakeRemote) Close() error { return nil }

func (f *fakeRemote) put(p, data string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[p] = []byte(data)
}

func testConfig() Config {
	cfg := DefaultConfig("runner.example.com", "runplane")
	cfg.WorkDir = "/srv/jobs"
	cfg.RateLimit = 0
	return cfg
}

func testRunnable() *engine.Runnable {
	return &engine.Runnable{
		ID:      "rn-1",
		RunID:   "r1",
		Image:   "python:3.12",
		Command: []string{"python", "train.py"},
		Args:    []string{"--epochs", "3"},
		Env:     map[string]string{"RUNPLANE_RUN_ID": "r1", "GREETING": "it's"},
	}
}

func TestSubmitUploadsAndStarts(t *testing.T) {
	remote := newFakeRemote()
	e := NewWithRemote(testConfig(), remote, zerolog.Nop())

	st, err := e.Submit(context.Background(), testRunnable())
	require.NoError(t, err)
	assert.Equal(t, "rn-1", st.Handle)
	assert.Equal(t, engine.JobStatePending, st.State)

	var uploaded engine.Runnable
	require.NoError(t, json.Unmarshal(remote.files["/srv/jobs/rn-1/runnable.json"], &uploaded))
	assert.Equal(t, "r1", uploaded.RunID)

	script := string(remote.files["/srv/jobs/rn-1/run.sh"])
	assert.Equal(t, os.FileMode(0o700), remote.modes["/srv/jobs/rn-1/run.sh"])
	assert.Contains(t, script, `'docker' 'run' '--rm' '--name' 'runplane-rn-1' '-v' '/srv/jobs/rn-1:/runplane'`)
	assert.Contains(t, script, `'-e' 'GREETING=it'\''s'`)
	assert.Contains(t, script, `'python:3.12' 'python' 'train.py' '--epochs' '3'`)
	assert.Contains(t, script, `mv '/srv/jobs/rn-1/exit_code.tmp' '/srv/jobs/rn-1/exit_code'`)

	require.Len(t, remote.commands, 1)
	assert.Contains(t, remote.commands[0], "nohup sh run.sh > output.log 2>&1")
	assert.Contains(t, remote.commands[0], "echo $! > '/srv/jobs/rn-1/pid'")
}

func TestSubmitWithoutContainerRuntime(t *testing.T) {
	cfg := testConfig()
	cfg.ContainerRuntime = ""
	remote := newFakeRemote()
	e := NewWithRemote(cfg, remote, zerolog.Nop())

	_, err := e.Submit(context.Background(), testRunnable())
	require.NoError(t, err)

	script := string(remote.files["/srv/jobs/rn-1/run.sh"])
	assert.Contains(t, script, "export RUNPLANE_RUN_ID='r1'")
	assert.Contains(t, script, "\n'python' 'train.py' '--epochs' '3'\n")
	assert.NotContains(t, script, "docker")
}

func TestSubmitIsIdempotent(t *testing.T) {
	remote := newFakeRemote()
	e := NewWithRemote(testConfig(), remote, zerolog.Nop())
	remote.put("/srv/jobs/rn-1/pid", "4242\n")

	st, err := e.Submit(context.Background(), testRunnable())
	require.NoError(t, err)
	assert.Equal(t, engine.JobStateRunning, st.State)
	assert.Empty(t, remote.commands)
}

func TestSubmitRejectsBadRunnables(t *testing.T) {
	e := NewWithRemote(testConfig(), newFakeRemote(), zerolog.Nop())

	_, err := e.Submit(context.Background(), &engine.Runnable{ID: "../etc", RunID: "r1"})
	assert.ErrorIs(t, err, engine.ErrExternalEngineFatal)

	_, err = e.Submit(context.Background(), &engine.Runnable{ID: "rn-2", RunID: "r2"})
	assert.ErrorIs(t, err, engine.ErrExternalEngineFatal)

	r := testRunnable()
	r.Env["BAD NAME"] = "x"
	_, err = e.Submit(context.Background(), r)
	assert.ErrorIs(t, err, engine.ErrExternalEngineFatal)
}

func TestStatusFromExitCode(t *testing.T) {
	remote := newFakeRemote()
	e := NewWithRemote(testConfig(), remote, zerolog.Nop())
	ctx := context.Background()

	_, err := e.Status(ctx, "rn-1")
	assert.ErrorIs(t, err, engine.ErrExternalEngineFatal, "unknown job")

	remote.put("/srv/jobs/rn-1/pid", "4242\n")
	st, err := e.Status(ctx, "rn-1")
	require.NoError(t, err)
	assert.Equal(t, engine.JobStateRunning, st.State)

	remote.put("/srv/jobs/rn-1/exit_code", "0\n")
	st, err = e.Status(ctx, "rn-1")
	require.NoError(t, err)
	assert.Equal(t, engine.JobStateCompleted, st.State)

	remote.put("/srv/jobs/rn-1/exit_code", "137\n")
	remote.put("/srv/jobs/rn-1/output.log", "epoch 1\nKilled\n")
	st, err = e.Status(ctx, "rn-1")
	require.NoError(t, err)
	assert.Equal(t, engine.JobStateFailed, st.State)
	assert.Equal(t, "exit code 137: Killed", st.Message)
	assert.Equal(t, 137, st.Raw["exit_code"])

	remote.put("/srv/jobs/rn-1/exit_code", "")
	_, err = e.Status(ctx, "rn-1")
	assert.ErrorIs(t, err, engine.ErrExternalEngine)
}

func TestConnectionErrorsAreTransient(t *testing.T) {
	remote := newFakeRemote()
	remote.down = true
	e := NewWithRemote(testConfig(), remote, zerolog.Nop())

	_, err := e.Submit(context.Background(), testRunnable())
	assert.True(t, engine.IsTransient(err))

	_, err = e.Status(context.Background(), "rn-1")
	assert.True(t, engine.IsTransient(err))
}

func TestCancel(t *testing.T) {
	remote := newFakeRemote()
	e := NewWithRemote(testConfig(), remote, zerolog.Nop())

	require.NoError(t, e.Cancel(context.Background(), "rn-1"))
	require.Len(t, remote.commands, 1)
	assert.True(t, strings.HasPrefix(remote.commands[0], "cd '/srv/jobs/rn-1' && test -f exit_code ||"))
	assert.Contains(t, remote.commands[0], "echo 143 > exit_code")

	remote.failCmd = errors.New("Process exited with status 1")
	assert.ErrorIs(t, e.Cancel(context.Background(), "rn-1"), engine.ErrExternalEngineFatal)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{}, zerolog.Nop())
	assert.ErrorIs(t, err, engine.ErrValidation)
}

func TestScriptPath(t *testing.T) {
	e := NewWithRemote(testConfig(), newFakeRemote(), zerolog.Nop())
	assert.Equal(t, path.Join("/srv/jobs", "rn-1"), e.dir("rn-1"))
}
