package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/tauth/pkg/errors"
)

const tracerName = "github.com/StricklySoft/tauth/pkg/lifecycle"

// Hook runs during a transition. A failing hook moves the process to
// [StateFailed].
type Hook func(ctx context.Context) error

// StateChangeHandler observes transitions. Handlers run synchronously
// under the state lock and must not call back into the process. Panics
// are recovered and logged.
type StateChangeHandler func(old, new State)

// Check probes one dependency for readiness.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// Info is a point-in-time snapshot of a process.
type Info struct {
	Name       string        `json:"name"`
	Version    string        `json:"version"`
	State      State         `json:"state"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	Uptime     time.Duration `json:"uptime,omitempty"`
	Components []string      `json:"components"`
}

// Process tracks the lifecycle of one gateway process. It is safe for
// concurrent use.
type Process struct {
	name    string
	version string

	mu        sync.RWMutex
	state     State
	startedAt *time.Time

	checks   []Check
	onStart  Hook
	onStop   Hook
	handlers []StateChangeHandler
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// Option configures a Process.
type Option func(*Process)

// WithOnStart sets the hook run between Starting and Running.
func WithOnStart(h Hook) Option {
	return func(p *Process) { p.onStart = h }
}

// WithOnStop sets the hook run between Draining and Stopped.
func WithOnStop(h Hook) Option {
	return func(p *Process) { p.onStop = h }
}

// WithCheck registers a readiness check. Checks run in registration order.
func WithCheck(name string, probe func(ctx context.Context) error) Option {
	return func(p *Process) { p.checks = append(p.checks, Check{Name: name, Probe: probe}) }
}

// OnStateChange registers a transition observer.
func OnStateChange(h StateChangeHandler) Option {
	return func(p *Process) { p.handlers = append(p.handlers, h) }
}

// WithLogger sets the logger. The default is slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(p *Process) { p.logger = l }
}

// WithClock sets the clock used for uptime.
func WithClock(now func() time.Time) Option {
	return func(p *Process) { p.now = now }
}

// New creates a Process in [StateUnknown].
//
// Error codes returned:
//   - [sserr.CodeValidationRequired]: name or version is empty, or a check has no name or probe
func New(name, version string, opts ...Option) (*Process, error) {
	if name == "" {
		return nil, sserr.New(sserr.CodeValidationRequired, "lifecycle: process name must not be empty")
	}
	if version == "" {
		return nil, sserr.New(sserr.CodeValidationRequired, "lifecycle: process version must not be empty")
	}
	p := &Process{
		name:    name,
		version: version,
		state:   StateUnknown,
		logger:  slog.Default(),
		tracer:  otel.Tracer(tracerName),
		now:     time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	for _, c := range p.checks {
		if c.Name == "" || c.Probe == nil {
			return nil, sserr.New(sserr.CodeValidationRequired, "lifecycle: readiness checks need a name and a probe")
		}
	}
	p.logger = p.logger.With("component", "lifecycle", "process", name)
	return p, nil
}

// State returns the current state.
func (p *Process) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Info returns a snapshot of the process.
func (p *Process) Info() Info {
	p.mu.RLock()
	defer p.mu.RUnlock()
	info := Info{
		Name:       p.name,
		Version:    p.version,
		State:      p.state,
		Components: make([]string, len(p.checks)),
	}
	for i, c := range p.checks {
		info.Components[i] = c.Name
	}
	if p.startedAt != nil && p.state == StateRunning {
		t := *p.startedAt
		info.StartedAt = &t
		info.Uptime = p.now().Sub(t)
	}
	return info
}

// Live returns nil while the process is Running.
//
// Error codes returned:
//   - [sserr.CodeUnavailable]: the process is in any other state
func (p *Process) Live() error {
	if s := p.State(); s != StateRunning {
		return sserr.Newf(sserr.CodeUnavailable, "lifecycle: process is not running, current state is %q", s)
	}
	return nil
}

// Ready reports whether the process is Running and every readiness check
// passes.
//
// Error codes returned:
//   - [sserr.CodeUnavailable]: the process is not running
//   - [sserr.CodeUnavailableDependency]: a check failed; details name it
func (p *Process) Ready(ctx context.Context) error {
	if err := p.Live(); err != nil {
		return err
	}
	for _, c := range p.checks {
		if err := c.Probe(ctx); err != nil {
			p.logger.WarnContext(ctx, "readiness check failed", "check", c.Name, "error", err)
			return sserr.Wrapf(err, sserr.CodeUnavailableDependency, "%s is not ready", c.Name).
				WithDetail("component", c.Name)
		}
	}
	return nil
}

// SetState moves the process to next.
//
// Error codes returned:
//   - [sserr.CodeConflict]: the transition is not allowed
func (p *Process) SetState(next State) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	old := p.state
	if !ValidTransition(old, next) {
		return sserr.Newf(sserr.CodeConflict, "lifecycle: invalid state transition from %q to %q", old, next)
	}
	p.state = next
	for _, h := range p.handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("state change handler panicked",
						"panic", r, "old_state", string(old), "new_state", string(next))
				}
			}()
			h(old, next)
		}()
	}
	return nil
}

// Start runs the start hook and moves the process to Running.
//
// Error codes returned:
//   - [sserr.CodeTimeout]: ctx was done before the transition began
//   - [sserr.CodeConflict]: the process cannot start from its state
//   - [sserr.CodeInternal]: the start hook failed
func (p *Process) Start(ctx context.Context) (err error) {
	ctx, span := p.startSpan(ctx, "lifecycle.Start")
	defer func() { finishSpan(span, err) }()

	if err := ctx.Err(); err != nil {
		return sserr.Wrap(err, sserr.CodeTimeout, "lifecycle: start canceled before execution")
	}
	if err := p.SetState(StateStarting); err != nil {
		return err
	}
	p.logger.InfoContext(ctx, "process starting", "version", p.version)

	if p.onStart != nil {
		if err := p.onStart(ctx); err != nil {
			p.logger.ErrorContext(ctx, "start hook failed", "error", err)
			_ = p.SetState(StateFailed)
			return sserr.Wrap(err, sserr.CodeInternal, "lifecycle: start hook failed")
		}
	}
	if err := p.SetState(StateRunning); err != nil {
		return err
	}

	now := p.now().UTC()
	p.mu.Lock()
	p.startedAt = &now
	p.mu.Unlock()
	p.logger.InfoContext(ctx, "process running")
	return nil
}

// Stop drains the process, runs the stop hook and moves it to Stopped.
// Stopping a process in a terminal state is a no-op.
//
// Error codes returned:
//   - [sserr.CodeTimeout]: ctx was done before the transition began
//   - [sserr.CodeConflict]: the process was never started
//   - [sserr.CodeInternal]: the stop hook failed
func (p *Process) Stop(ctx context.Context) (err error) {
	ctx, span := p.startSpan(ctx, "lifecycle.Stop")
	defer func() { finishSpan(span, err) }()

	if p.State().IsTerminal() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return sserr.Wrap(err, sserr.CodeTimeout, "lifecycle: stop canceled before execution")
	}
	if err := p.SetState(StateDraining); err != nil {
		return err
	}
	p.logger.InfoContext(ctx, "process draining")

	if p.onStop != nil {
		if err := p.onStop(ctx); err != nil {
			p.logger.ErrorContext(ctx, "stop hook failed", "error", err)
			_ = p.SetState(StateFailed)
			return sserr.Wrap(err, sserr.CodeInternal, "lifecycle: stop hook failed")
		}
	}
	if err := p.SetState(StateStopped); err != nil {
		return err
	}

	p.mu.Lock()
	p.startedAt = nil
	p.mu.Unlock()
	p.logger.InfoContext(ctx, "process stopped")
	return nil
}

func (p *Process) startSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("process.name", p.name),
			attribute.String("process.version", p.version),
		),
	)
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
