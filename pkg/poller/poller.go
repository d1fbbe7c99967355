// Package poller runs kind-specific workflows on an interval until they
// report a terminal outcome. The Service keeps at most one live poller per
// name.
package poller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/runplane/runplane/pkg/engine"
	"github.com/runplane/runplane/pkg/events"
	"github.com/runplane/runplane/pkg/kinds"
)

// Tick results reported to the Recorder.
const (
	ResultOK        = "ok"
	ResultTransient = "transient"
	ResultFatal     = "fatal"
	ResultStopped   = "stopped"
)

// ErrStopping is returned when a poller with the same name is still
// shutting down.
var ErrStopping = errors.New("poller is stopping")

// Config configures polling.
type Config struct {
	// Interval is the default time between ticks.
	Interval time.Duration `json:"interval" yaml:"interval" validate:"gte=0"`

	// MaxTransientErrors escalates the Nth consecutive transient error to a
	// fatal one. Zero disables the bound.
	MaxTransientErrors int `json:"max_transient_errors" yaml:"max_transient_errors" validate:"gte=0"`

	// TransientTimeout escalates a transient error once this long has passed
	// since the last successful tick. Zero disables the bound.
	TransientTimeout time.Duration `json:"transient_timeout" yaml:"transient_timeout" validate:"gte=0"`
}

// DefaultConfig returns the default polling configuration.
func DefaultConfig() Config {
	return Config{
		Interval:           2 * time.Second,
		MaxTransientErrors: 30,
		TransientTimeout:   10 * time.Minute,
	}
}

// Recorder observes poller activity.
type Recorder interface {
	RecordPollTick(result string)
	SetActivePollers(n int)
}

// Publisher is the part of the event bus the service needs.
type Publisher interface {
	Publish(ctx context.Context, ev events.Event) error
}

// Poller is one workflow running against one run.
type Poller struct {
	name     string
	workflow *kinds.Workflow
	interval time.Duration

	cancel   context.CancelFunc
	done     chan struct{}
	started  bool
	stopping bool
}

func (p *Poller) live() bool {
	return p.started && !p.stopping
}

// Service owns the pollers.
type Service struct {
	cfg      Config
	logger   zerolog.Logger
	recorder Recorder
	bus      Publisher
	now      func() time.Time

	mu      sync.Mutex
	pollers map[string]*Poller
}

// Option configures a Service.
type Option func(*Service)

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithPublisher publishes run.poll_failed events on bus.
func WithPublisher(bus Publisher) Option {
	return func(s *Service) { s.bus = bus }
}

// NewService creates a poller service.
func NewService(cfg Config, logger zerolog.Logger, opts ...Option) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	s := &Service{
		cfg:     cfg,
		logger:  logger.With().Str("component", "poller").Logger(),
		now:     time.Now,
		pollers: make(map[string]*Poller),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the poller name of a run.
func Name(runID string) string {
	return "run:" + runID
}

// Create registers a poller without starting it. An existing poller with the
// same name is kept and Create returns nil, or ErrStopping while that poller
// is shutting down.
func (s *Service) Create(name string, wf *kinds.Workflow, interval time.Duration) error {
	if err := wf.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p, exists := s.pollers[name]; exists {
		if p.stopping {
			return fmt.Errorf("%s: %w", name, ErrStopping)
		}
		return nil
	}
	s.pollers[name] = s.newPoller(name, wf, interval)
	return nil
}

// Start starts a created poller. Starting a running poller is a no-op.
func (s *Service) Start(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pollers[name]
	if !ok {
		return fmt.Errorf("poller %s not found", name)
	}
	if p.stopping {
		return fmt.Errorf("%s: %w", name, ErrStopping)
	}
	s.startLocked(p)
	return nil
}

// StartOne creates and starts a poller unless one with the same name exists.
// It reports whether a new poller was started. While a poller of the same
// name is stopping, StartOne returns ErrStopping.
func (s *Service) StartOne(name string, wf *kinds.Workflow, interval time.Duration) (bool, error) {
	if err := wf.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p, exists := s.pollers[name]; exists {
		if p.stopping {
			return false, fmt.Errorf("%s: %w", name, ErrStopping)
		}
		if p.started {
			return false, nil
		}
		s.startLocked(p)
		return true, nil
	}

	p := s.newPoller(name, wf, interval)
	s.pollers[name] = p
	s.startLocked(p)
	return true, nil
}

// Running reports whether a poller with name is live.
func (s *Service) Running(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pollers[name]
	return ok && p.live()
}

// Stop cancels the poller and waits for its in-flight tick to end, or for
// ctx. The name stays taken until the loop has exited. Stopping an unknown
// name is a no-op.
func (s *Service) Stop(ctx context.Context, name string) error {
	s.mu.Lock()
	p, ok := s.pollers[name]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if !p.started {
		delete(s.pollers, name)
		s.mu.Unlock()
		return nil
	}
	if !p.stopping {
		p.stopping = true
		p.cancel()
		s.reportActiveLocked()
	}
	s.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("poller %s did not stop: %w", name, ctx.Err())
	}
}

// StopAll stops every poller.
func (s *Service) StopAll(ctx context.Context) error {
	s.mu.Lock()
	names := make([]string, 0, len(s.pollers))
	for name := range s.pollers {
		names = append(names, name)
	}
	s.mu.Unlock()

	var errs []string
	for _, name := range names {
		if err := s.Stop(ctx, name); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to stop pollers: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (s *Service) newPoller(name string, wf *kinds.Workflow, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = s.cfg.Interval
	}
	return &Poller{
		name:     name,
		workflow: wf,
		interval: interval,
		done:     make(chan struct{}),
	}
}

func (s *Service) startLocked(p *Poller) {
	if p.started {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.started = true
	s.reportActiveLocked()

	go s.loop(ctx, p)
}

func (s *Service) reportActiveLocked() {
	if s.recorder == nil {
		return
	}
	n := 0
	for _, p := range s.pollers {
		if p.live() {
			n++
		}
	}
	s.recorder.SetActivePollers(n)
}

// finish removes p if it ended on its own.
func (s *Service) finish(p *Poller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.pollers[p.name]; ok && cur == p {
		delete(s.pollers, p.name)
		s.reportActiveLocked()
	}
	p.cancel()
}

type tickState struct {
	tick        int
	consecutive int
	lastOK      time.Time
}

func (s *Service) loop(ctx context.Context, p *Poller) {
	defer close(p.done)
	defer s.finish(p)

	logger := s.logger.With().
		Str("poller", p.name).
		Str("workflow", p.workflow.Name).
		Str("run_id", p.workflow.RunID).
		Logger()
	logger.Debug().Dur("interval", p.interval).Msg("Poller started")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	st := &tickState{lastOK: s.now()}
	for {
		st.tick++
		if s.tick(ctx, p, st, logger) {
			logger.Debug().Int("ticks", st.tick).Msg("Poller finished")
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick runs the workflow steps once and reports whether polling is over.
func (s *Service) tick(ctx context.Context, p *Poller, st *tickState, logger zerolog.Logger) bool {
	sc := kinds.NewStepContext(p.workflow.RunID, st.tick, logger)

	for i, step := range p.workflow.Steps {
		if ctx.Err() != nil {
			return true
		}

		outcome, err := runStep(ctx, step, sc)
		if err != nil {
			if ctx.Err() != nil {
				return true
			}
			return s.handleError(ctx, p, st, logger, i, err)
		}
		if outcome == kinds.Stop {
			s.record(ResultStopped)
			return true
		}
	}

	st.consecutive = 0
	st.lastOK = s.now()
	s.record(ResultOK)
	return false
}

func (s *Service) handleError(ctx context.Context, p *Poller, st *tickState, logger zerolog.Logger, step int, err error) bool {
	if engine.IsTransient(err) {
		st.consecutive++
		if !s.exhausted(st) {
			logger.Warn().Err(err).
				Int("step", step).
				Int("consecutive_errors", st.consecutive).
				Msg("Transient polling error, retrying on next tick")
			s.record(ResultTransient)
			s.publishFailure(ctx, p, err, true)
			return false
		}
		err = engine.NewExternalEngineFatalError(s.exhaustedReason(st), err)
	}

	logger.Error().Err(err).Int("step", step).Msg("Fatal polling error, failing run")
	s.record(ResultFatal)
	s.publishFailure(ctx, p, err, false)

	if p.workflow.Fail != nil {
		if ferr := p.workflow.Fail(ctx, err); ferr != nil {
			logger.Error().Err(ferr).Msg("Failed to record polling failure")
		}
	}
	return true
}

func (s *Service) exhaustedReason(st *tickState) string {
	if s.cfg.MaxTransientErrors > 0 && st.consecutive >= s.cfg.MaxTransientErrors {
		return fmt.Sprintf("giving up after %d consecutive transient errors", st.consecutive)
	}
	return fmt.Sprintf("giving up after %s without a successful poll (%d transient errors)",
		s.now().Sub(st.lastOK).Round(time.Millisecond), st.consecutive)
}

func (s *Service) exhausted(st *tickState) bool {
	if s.cfg.MaxTransientErrors > 0 && st.consecutive >= s.cfg.MaxTransientErrors {
		return true
	}
	if s.cfg.TransientTimeout > 0 && s.now().Sub(st.lastOK) >= s.cfg.TransientTimeout {
		return true
	}
	return false
}

func (s *Service) record(result string) {
	if s.recorder != nil {
		s.recorder.RecordPollTick(result)
	}
}

func (s *Service) publishFailure(ctx context.Context, p *Poller, err error, transient bool) {
	if s.bus == nil || p.workflow.RunID == "" {
		return
	}
	_ = s.bus.Publish(context.WithoutCancel(ctx), events.Event{
		Type:    events.TypeRunPollFailed,
		Source:  "poller",
		RunID:   p.workflow.RunID,
		Message: err.Error(),
		Data: map[string]interface{}{
			events.DataError:     err.Error(),
			events.DataTransient: transient,
		},
	})
}

func runStep(ctx context.Context, step kinds.Step, sc *kinds.StepContext) (outcome kinds.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = engine.NewExternalEngineFatalError(fmt.Sprintf("polling step panicked: %v", r), nil)
		}
	}()
	return step(ctx, sc)
}
