package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/MrSnakeDoc/quay/internal/domain"
	"github.com/MrSnakeDoc/quay/internal/logger"
	"github.com/MrSnakeDoc/quay/internal/routetable"
)

// Preparer is the build pipeline as the supervisor sees it.
type Preparer interface {
	Prepare(ctx context.Context, spec *domain.ServiceSpec) (string, error)
}

// Options carries the collaborators and tunables shared by all supervisors.
type Options struct {
	Runner   ProcessRunner
	Ready    ReadyFunc
	Pipeline Preparer
	Routes   *routetable.Table
	Log      logger.Logger

	StartupTimeout time.Duration
	RestartBackoff time.Duration
	MaxBackoff     time.Duration
	MaxRestarts    int
	StopGrace      time.Duration
}

func (o *Options) withDefaults() {
	if o.Runner == nil {
		o.Runner = NewExecRunner()
	}
	if o.Ready == nil {
		o.Ready = DialReady(250*time.Millisecond, time.Second)
	}
	if o.Log == nil {
		o.Log = logger.NewNop()
	}
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = 30 * time.Second
	}
	if o.RestartBackoff <= 0 {
		o.RestartBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = time.Minute
	}
	if o.MaxRestarts <= 0 {
		o.MaxRestarts = 5
	}
	if o.StopGrace <= 0 {
		o.StopGrace = 10 * time.Second
	}
}

// Supervisor owns one service's process lifecycle and keeps the route table
// consistent with the backend's actual liveness: the route is inserted on
// entry into Running and removed the moment the process is known dead.
type Supervisor struct {
	spec domain.ServiceSpec
	opts Options
	log  logger.Logger

	mu       sync.Mutex
	state    domain.State
	restarts int
	lastErr  string
	since    time.Time
	proc     Process
	dir      string
	stopping bool

	stopOnce sync.Once
	stopReq  chan struct{} // closed when Stop is requested
	done     chan struct{} // closed when Run returns
}

// New builds a supervisor for spec. Run must be called exactly once.
func New(spec domain.ServiceSpec, opts Options) *Supervisor {
	opts.withDefaults()
	return &Supervisor{
		spec:    spec,
		opts:    opts,
		log:     opts.Log.Named(spec.Name),
		state:   domain.StatePending,
		since:   time.Now(),
		stopReq: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Spec returns the immutable specification this supervisor drives.
func (s *Supervisor) Spec() domain.ServiceSpec { return s.spec }

// State returns the current lifecycle state.
func (s *Supervisor) State() domain.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot for the dashboard.
func (s *Supervisor) Status() domain.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.Status{
		Name:      s.spec.Name,
		Host:      s.spec.Host,
		Port:      s.spec.Port,
		State:     s.state.String(),
		Restarts:  s.restarts,
		LastError: s.lastErr,
		Since:     s.since,
	}
}

// Done is closed once the lifecycle loop has exited.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// earlyExitError marks a process that died between spawn and readiness; it
// follows the crash/restart path rather than failing the service outright.
type earlyExitError struct{ err error }

func (e *earlyExitError) Error() string { return e.err.Error() }
func (e *earlyExitError) Unwrap() error { return e.err }

type startResult struct {
	proc Process
	exit <-chan error
}

// Run drives the lifecycle until a terminal state. It blocks and is meant
// to be called in its own goroutine; failures never escape it.
func (s *Supervisor) Run(ctx context.Context) {
	defer close(s.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stopReq:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if s.stopRequested() || ctx.Err() != nil {
			return
		}

		res, err := s.startOnce(ctx)
		if err != nil {
			if s.stopRequested() || ctx.Err() != nil {
				return // Stop settles the final state
			}
			var early *earlyExitError
			if errors.As(err, &early) {
				if !s.crashAndBackoff(ctx, early.err) {
					return
				}
				continue
			}
			s.apply(domain.EventFail, err)
			return
		}

		select {
		case exitErr := <-res.exit:
			s.clearProc()
			s.opts.Routes.Remove(s.spec.Host)
			if s.stopRequested() || ctx.Err() != nil {
				return
			}
			if exitErr == nil {
				exitErr = errors.New("process exited unexpectedly")
			}
			if !s.crashAndBackoff(ctx, exitErr) {
				return
			}
		case <-ctx.Done():
			// Stop (or a parent cancellation) while the process is live.
			// Teardown happens here, in the loop that owns the process, so
			// a process that became ready concurrently with the stop
			// request is still signaled.
			s.log.Info("stopping process", logger.Int("pid", res.proc.Pid()))
			s.reap(res.proc, res.exit)
			s.opts.Routes.Remove(s.spec.Host)
			return
		}
	}
}

// startOnce performs one start attempt: build (first start only), spawn,
// then gate on readiness. On success the service is Running and routed.
func (s *Supervisor) startOnce(ctx context.Context) (*startResult, error) {
	dir := s.workDir()
	if dir == "" {
		if s.spec.FromRepo() {
			s.apply(domain.EventBuild, nil)
		}
		d, err := s.opts.Pipeline.Prepare(ctx, &s.spec)
		if err != nil {
			return nil, err
		}
		s.setWorkDir(d)
		dir = d
	}

	proc, err := s.opts.Runner.Start(&s.spec, dir, s.log)
	if err != nil {
		return nil, err
	}
	s.setProc(proc)
	s.apply(domain.EventSpawn, nil)
	s.log.Info("process spawned", logger.Int("pid", proc.Pid()))

	exitCh := make(chan error, 1)
	go func() { exitCh <- proc.Wait() }()

	readyCtx, cancel := context.WithTimeout(ctx, s.opts.StartupTimeout)
	defer cancel()
	readyCh := make(chan error, 1)
	go func() { readyCh <- s.opts.Ready(readyCtx, s.spec.Addr()) }()

	select {
	case exitErr := <-exitCh:
		s.clearProc()
		if exitErr == nil {
			exitErr = errors.New("process exited before becoming ready")
		}
		return nil, &earlyExitError{err: exitErr}

	case err := <-readyCh:
		if err != nil {
			s.reap(proc, exitCh)
			return nil, fmt.Errorf("backend %s not ready within %s: %w",
				s.spec.Addr(), s.opts.StartupTimeout, err)
		}
		if err := s.opts.Routes.Insert(s.spec.Host, s.spec.Addr()); err != nil {
			s.reap(proc, exitCh)
			return nil, fmt.Errorf("publish route: %w", err)
		}
		s.apply(domain.EventReady, nil)
		s.log.Info("service ready",
			logger.String("host", s.spec.Host),
			logger.String("addr", s.spec.Addr()))
		return &startResult{proc: proc, exit: exitCh}, nil
	}
}

// crashAndBackoff records a crash, then either schedules a restart (true)
// or gives up permanently (false).
func (s *Supervisor) crashAndBackoff(ctx context.Context, cause error) bool {
	s.apply(domain.EventExit, cause)

	s.mu.Lock()
	s.restarts++
	attempt := s.restarts
	s.mu.Unlock()

	if attempt > s.opts.MaxRestarts {
		s.apply(domain.EventGiveUp, fmt.Errorf("giving up after %d restarts: %w", attempt-1, cause))
		return false
	}

	delay := s.backoff(attempt)
	s.apply(domain.EventBackoff, nil)
	s.log.Warn("process crashed, restarting",
		logger.Error(cause),
		logger.Int("attempt", attempt),
		logger.Duration("backoff", delay))

	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	case <-s.stopReq:
		return false
	}
}

// backoff returns the delay before the given restart attempt: base doubled
// per attempt, capped.
func (s *Supervisor) backoff(attempt int) time.Duration {
	d := s.opts.RestartBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.opts.MaxBackoff {
			return s.opts.MaxBackoff
		}
	}
	if d > s.opts.MaxBackoff {
		return s.opts.MaxBackoff
	}
	return d
}

// Stop asks the managed process to terminate (SIGTERM, then SIGKILL after
// the grace window), removes the route, and settles the supervisor in
// Stopped unless it already reached a terminal state. Safe to call once the
// supervisor exists, even concurrently; ctx bounds the whole wait.
func (s *Supervisor) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopping = true
		s.mu.Unlock()
		close(s.stopReq)

		s.opts.Routes.Remove(s.spec.Host)

		// The lifecycle loop owns the process and performs the
		// SIGTERM/kill sequence once it observes the cancellation; here we
		// only wait for it to finish, bounded by ctx.
		select {
		case <-s.done:
		case <-ctx.Done():
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state.Terminal() {
			return
		}
		if next, err := domain.Next(s.state, domain.EventStop); err == nil {
			s.state = next
			s.since = time.Now()
			s.log.Info("state changed", logger.String("state", next.String()))
		}
	})
}

func (s *Supervisor) stopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

// reap force-terminates a process that never became ready and waits for it.
func (s *Supervisor) reap(proc Process, exit <-chan error) {
	_ = proc.Signal(syscall.SIGTERM)
	grace := time.NewTimer(s.opts.StopGrace)
	defer grace.Stop()
	select {
	case <-exit:
	case <-grace.C:
		s.log.Warn("grace period elapsed, killing", logger.Int("pid", proc.Pid()))
		_ = proc.Kill()
		<-exit
	}
	s.clearProc()
}

func (s *Supervisor) setProc(p Process) {
	s.mu.Lock()
	s.proc = p
	s.mu.Unlock()
}

func (s *Supervisor) clearProc() {
	s.mu.Lock()
	s.proc = nil
	s.mu.Unlock()
}

func (s *Supervisor) workDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir
}

func (s *Supervisor) setWorkDir(dir string) {
	s.mu.Lock()
	s.dir = dir
	s.mu.Unlock()
}

// apply runs the pure transition function and records the outcome. An
// illegal transition is an internal defect: it is logged and ignored.
func (s *Supervisor) apply(e domain.Event, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := domain.Next(s.state, e)
	if err != nil {
		s.log.Error("invalid lifecycle transition", logger.Error(err))
		return
	}
	s.state = next
	s.since = time.Now()
	if cause != nil {
		s.lastErr = cause.Error()
	}
	if cause != nil {
		s.log.Info("state changed",
			logger.String("state", next.String()),
			logger.String("event", e.String()),
			logger.Error(cause))
	} else {
		s.log.Info("state changed",
			logger.String("state", next.String()),
			logger.String("event", e.String()))
	}
}
