package sshengine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sync"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/runplane/runplane/pkg/engine"
)

// Remote is the host the engine runs jobs on.
type Remote interface {
	// Run executes cmd and returns its stdout. A non-zero exit status is
	// reported as *ssh.ExitError (or an equivalent error in fakes).
	Run(ctx context.Context, cmd string) (string, error)

	// WriteFile creates or truncates the file at p, creating parent directories.
	WriteFile(ctx context.Context, p string, data []byte, mode os.FileMode) error

	// ReadFile returns an error wrapping fs.ErrNotExist for a missing file.
	ReadFile(ctx context.Context, p string) ([]byte, error)

	Close() error
}

// sshRemote is a Remote over one lazily dialed SSH connection. A broken
// connection is dropped and redialed on the next call.
type sshRemote struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	client *ssh.Client
	sftp   *sftp.Client
}

func newSSHRemote(cfg Config, logger zerolog.Logger) *sshRemote {
	return &sshRemote{cfg: cfg, logger: logger}
}

func (r *sshRemote) connect(ctx context.Context) (*ssh.Client, *sftp.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		return r.client, r.sftp, nil
	}

	clientConfig, err := r.cfg.clientConfig()
	if err != nil {
		return nil, nil, engine.NewExternalEngineFatalError("invalid ssh credentials", err)
	}

	type result struct {
		client *ssh.Client
		err    error
	}
	dialed := make(chan result, 1)
	go func() {
		c, err := ssh.Dial("tcp", r.cfg.Address(), clientConfig)
		dialed <- result{c, err}
	}()

	var client *ssh.Client
	select {
	case <-ctx.Done():
		go func() {
			if res := <-dialed; res.client != nil {
				_ = res.client.Close()
			}
		}()
		return nil, nil, engine.NewExternalEngineError("ssh connect interrupted", ctx.Err())
	case res := <-dialed:
		if res.err != nil {
			return nil, nil, engine.NewExternalEngineError(fmt.Sprintf("ssh connect %s", r.cfg.Address()), res.err)
		}
		client = res.client
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		return nil, nil, engine.NewExternalEngineError("sftp session", err)
	}

	r.client, r.sftp = client, sftpClient
	r.logger.Info().Str("address", r.cfg.Address()).Msg("SSH connection established")
	return client, sftpClient, nil
}

// drop discards the connection after a transport failure.
func (r *sshRemote) drop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sftp != nil {
		_ = r.sftp.Close()
	}
	if r.client != nil {
		_ = r.client.Close()
	}
	r.client, r.sftp = nil, nil
}

func (r *sshRemote) Run(ctx context.Context, cmd string) (string, error) {
	client, _, err := r.connect(ctx)
	if err != nil {
		return "", err
	}

	session, err := client.NewSession()
	if err != nil {
		r.drop()
		return "", engine.NewExternalEngineError("failed to create session", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	ctx, cancel := context.WithTimeout(ctx, r.cfg.CommandTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return "", engine.NewExternalEngineError("remote command timed out", ctx.Err())
	case err := <-done:
		if err == nil {
			return stdout.String(), nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), fmt.Errorf("%w: %s", err, bytes.TrimSpace(stderr.Bytes()))
		}
		r.drop()
		return "", engine.NewExternalEngineError("remote command", err)
	}
}

func (r *sshRemote) WriteFile(ctx context.Context, p string, data []byte, mode os.FileMode) error {
	_, sc, err := r.connect(ctx)
	if err != nil {
		return err
	}
	if err := sc.MkdirAll(path.Dir(p)); err != nil {
		return r.sftpError("mkdir "+path.Dir(p), err)
	}
	f, err := sc.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return r.sftpError("open "+p, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return r.sftpError("write "+p, err)
	}
	if err := f.Chmod(mode); err != nil {
		return r.sftpError("chmod "+p, err)
	}
	return nil
}

func (r *sshRemote) ReadFile(ctx context.Context, p string) ([]byte, error) {
	_, sc, err := r.connect(ctx)
	if err != nil {
		return nil, err
	}
	f, err := sc.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, r.sftpError("open "+p, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, r.sftpError("read "+p, err)
	}
	return data, nil
}

// sftpError keeps server-side status errors as they are and treats anything
// else as a broken connection.
func (r *sshRemote) sftpError(op string, err error) error {
	var status *sftp.StatusError
	if errors.As(err, &status) {
		return fmt.Errorf("%s: %w", op, err)
	}
	r.drop()
	return engine.NewExternalEngineError("sftp "+op, err)
}

func (r *sshRemote) Close() error {
	r.drop()
	return nil
}
