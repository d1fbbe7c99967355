package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestWatcherReloadsOnChange(t *testing.T) {
	path := writeFile(t, "runplane.yaml", "bus:\n  workers: 2\n")
	initial, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	w := NewWatcher(path, initial, zerolog.Nop())
	w.delay = 10 * time.Millisecond

	reloaded := make(chan *Config, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx, func(cfg *Config) error {
		reloaded <- cfg
		return nil
	}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer w.Stop()

	// An invalid file is skipped and the previous config stays current.
	if err := os.WriteFile(path, []byte("bus:\n  workers: 0\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if got := w.Current().Bus.Workers; got != 2 {
		t.Fatalf("Current().Bus.Workers = %d after invalid write, want 2", got)
	}

	if err := os.WriteFile(path, []byte("bus:\n  workers: 6\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Bus.Workers != 6 {
			t.Errorf("reloaded Bus.Workers = %d, want 6", cfg.Bus.Workers)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	if got := w.Current().Bus.Workers; got != 6 {
		t.Errorf("Current().Bus.Workers = %d, want 6", got)
	}
}

func TestWatcherStopWithoutStart(t *testing.T) {
	w := NewWatcher("runplane.yaml", Default(), zerolog.Nop())
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
}
