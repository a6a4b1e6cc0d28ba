package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/MrSnakeDoc/quay/internal/domain"
	"github.com/MrSnakeDoc/quay/internal/logger"
	"github.com/MrSnakeDoc/quay/internal/routetable"
)

// fakeProcess simulates a backend without spawning anything.
type fakeProcess struct {
	mu       sync.Mutex
	signals  []os.Signal
	onSignal func(p *fakeProcess, sig os.Signal)

	exitOnce sync.Once
	exited   chan struct{}
	exitErr  error
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{exited: make(chan struct{})}
}

func (p *fakeProcess) exit(err error) {
	p.exitOnce.Do(func() {
		p.exitErr = err
		close(p.exited)
	})
}

func (p *fakeProcess) Pid() int { return 4242 }

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	handler := p.onSignal
	p.mu.Unlock()
	if handler != nil {
		handler(p, sig)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.exit(errors.New("killed"))
	return nil
}

func (p *fakeProcess) Wait() error {
	<-p.exited
	return p.exitErr
}

func (p *fakeProcess) sawSignal(sig os.Signal) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.signals {
		if s == sig {
			return true
		}
	}
	return false
}

// fakeRunner hands out fake processes and counts spawn attempts.
type fakeRunner struct {
	mu    sync.Mutex
	make  func(attempt int) (*fakeProcess, error)
	procs []*fakeProcess
}

func (r *fakeRunner) Start(_ *domain.ServiceSpec, _ string, _ logger.Logger) (Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.make(len(r.procs) + 1)
	if err != nil {
		return nil, err
	}
	r.procs = append(r.procs, p)
	return p, nil
}

func (r *fakeRunner) starts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

func (r *fakeRunner) proc(i int) *fakeProcess {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.procs[i]
}

type preparerFunc func(ctx context.Context, spec *domain.ServiceSpec) (string, error)

func (f preparerFunc) Prepare(ctx context.Context, spec *domain.ServiceSpec) (string, error) {
	return f(ctx, spec)
}

func passThroughPreparer(dir string) Preparer {
	return preparerFunc(func(context.Context, *domain.ServiceSpec) (string, error) {
		return dir, nil
	})
}

func readyNow(context.Context, string) error { return nil }

func readyNever(ctx context.Context, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func testSpec() domain.ServiceSpec {
	return domain.ServiceSpec{Name: "svc", Host: "svc.example.com", Port: 3000, Run: "./serve"}
}

func waitForState(t *testing.T, s *Supervisor, want domain.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", s.State(), want)
}

func waitForDone(t *testing.T, s *Supervisor) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not finish")
	}
}

func TestRunHappyPathThenCrashRestarts(t *testing.T) {
	routes := routetable.New("quay.localhost")
	runner := &fakeRunner{}
	runner.make = func(int) (*fakeProcess, error) { return newFakeProcess(), nil }

	s := New(testSpec(), Options{
		Runner:         runner,
		Ready:          readyNow,
		Pipeline:       passThroughPreparer(t.TempDir()),
		Routes:         routes,
		RestartBackoff: time.Millisecond,
		MaxRestarts:    5,
	})
	go s.Run(context.Background())

	waitForState(t, s, domain.StateRunning)
	tgt, ok := routes.Lookup("svc.example.com")
	if !ok || tgt.Addr != "127.0.0.1:3000" {
		t.Fatalf("route after Running = %+v, %v", tgt, ok)
	}

	// Crash the backend: the route must go away, then a restart brings it
	// back.
	runner.proc(0).exit(errors.New("segfault"))
	waitForState(t, s, domain.StateRunning)
	if runner.starts() != 2 {
		t.Errorf("starts = %d, want 2", runner.starts())
	}
	if _, ok := routes.Lookup("svc.example.com"); !ok {
		t.Error("route missing after restart")
	}
	if got := s.Status().Restarts; got != 1 {
		t.Errorf("Restarts = %d, want 1", got)
	}

	s.Stop(context.Background())
	waitForState(t, s, domain.StateStopped)
}

func TestRepeatedCrashesEndPermanentlyFailed(t *testing.T) {
	routes := routetable.New("quay.localhost")
	runner := &fakeRunner{}
	runner.make = func(int) (*fakeProcess, error) {
		p := newFakeProcess()
		p.exit(nil) // dies instantly, before ever becoming ready
		return p, nil
	}

	s := New(testSpec(), Options{
		Runner:         runner,
		Ready:          readyNever,
		Pipeline:       passThroughPreparer(t.TempDir()),
		Routes:         routes,
		RestartBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
		MaxRestarts:    3,
	})
	go s.Run(context.Background())

	waitForState(t, s, domain.StatePermanentlyFailed)
	waitForDone(t, s)

	// Initial attempt plus MaxRestarts retries.
	if runner.starts() != 4 {
		t.Errorf("starts = %d, want 4", runner.starts())
	}
	if _, ok := routes.Lookup("svc.example.com"); ok {
		t.Error("permanently failed service still routed")
	}
	if st := s.Status(); st.LastError == "" {
		t.Error("LastError should record the crash")
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	s := New(testSpec(), Options{
		Pipeline:       passThroughPreparer("."),
		Routes:         routetable.New(""),
		RestartBackoff: 100 * time.Millisecond,
		MaxBackoff:     time.Second,
	})

	var prev time.Duration
	for attempt := 1; attempt <= 3; attempt++ {
		d := s.backoff(attempt)
		if d <= prev {
			t.Errorf("backoff(%d) = %s, not strictly increasing after %s", attempt, d, prev)
		}
		prev = d
	}
	if got := s.backoff(10); got != time.Second {
		t.Errorf("backoff(10) = %s, want cap 1s", got)
	}
}

func TestBuildFailureNeverSpawns(t *testing.T) {
	routes := routetable.New("quay.localhost")
	runner := &fakeRunner{}
	runner.make = func(int) (*fakeProcess, error) { return newFakeProcess(), nil }

	spec := testSpec()
	spec.Build = "make"
	spec.Repo = &domain.RepoSpec{URL: "https://example.com/r", Branch: "main"}

	s := New(spec, Options{
		Runner: runner,
		Ready:  readyNow,
		Pipeline: preparerFunc(func(context.Context, *domain.ServiceSpec) (string, error) {
			return "", fmt.Errorf("build failed: exit status 2")
		}),
		Routes: routes,
	})
	go s.Run(context.Background())

	waitForState(t, s, domain.StateFailed)
	waitForDone(t, s)

	if runner.starts() != 0 {
		t.Errorf("run command spawned %d times after failed build", runner.starts())
	}
	if _, ok := routes.Lookup("svc.example.com"); ok {
		t.Error("failed service must not be routed")
	}
}

func TestSpawnErrorFails(t *testing.T) {
	routes := routetable.New("")
	runner := &fakeRunner{}
	runner.make = func(int) (*fakeProcess, error) {
		return nil, errors.New("fork/exec: no such file")
	}

	s := New(testSpec(), Options{
		Runner:   runner,
		Ready:    readyNow,
		Pipeline: passThroughPreparer(t.TempDir()),
		Routes:   routes,
	})
	go s.Run(context.Background())

	waitForState(t, s, domain.StateFailed)
	if _, ok := routes.Lookup("svc.example.com"); ok {
		t.Error("failed service must not be routed")
	}
}

func TestReadinessTimeoutFails(t *testing.T) {
	routes := routetable.New("")
	runner := &fakeRunner{}
	runner.make = func(int) (*fakeProcess, error) { return newFakeProcess(), nil }

	s := New(testSpec(), Options{
		Runner:         runner,
		Ready:          readyNever,
		Pipeline:       passThroughPreparer(t.TempDir()),
		Routes:         routes,
		StartupTimeout: 20 * time.Millisecond,
		StopGrace:      20 * time.Millisecond,
	})
	go s.Run(context.Background())

	waitForState(t, s, domain.StateFailed)
	waitForDone(t, s)

	if _, ok := routes.Lookup("svc.example.com"); ok {
		t.Error("unready service must not be routed")
	}
	// The stuck process was terminated.
	select {
	case <-runner.proc(0).exited:
	default:
		t.Error("process left running after startup timeout")
	}
}

func TestStopGraceful(t *testing.T) {
	routes := routetable.New("")
	runner := &fakeRunner{}
	runner.make = func(int) (*fakeProcess, error) {
		p := newFakeProcess()
		p.onSignal = func(p *fakeProcess, sig os.Signal) {
			if sig == syscall.SIGTERM {
				p.exit(nil)
			}
		}
		return p, nil
	}

	s := New(testSpec(), Options{
		Runner:   runner,
		Ready:    readyNow,
		Pipeline: passThroughPreparer(t.TempDir()),
		Routes:   routes,
	})
	go s.Run(context.Background())
	waitForState(t, s, domain.StateRunning)

	s.Stop(context.Background())
	waitForState(t, s, domain.StateStopped)

	if _, ok := routes.Lookup("svc.example.com"); ok {
		t.Error("stopped service still routed")
	}
	if !runner.proc(0).sawSignal(syscall.SIGTERM) {
		t.Error("process was not asked to terminate gracefully")
	}
}

func TestStopKillsAfterGrace(t *testing.T) {
	routes := routetable.New("")
	runner := &fakeRunner{}
	runner.make = func(int) (*fakeProcess, error) {
		return newFakeProcess(), nil // ignores SIGTERM
	}

	s := New(testSpec(), Options{
		Runner:    runner,
		Ready:     readyNow,
		Pipeline:  passThroughPreparer(t.TempDir()),
		Routes:    routes,
		StopGrace: 10 * time.Millisecond,
	})
	go s.Run(context.Background())
	waitForState(t, s, domain.StateRunning)

	s.Stop(context.Background())
	waitForState(t, s, domain.StateStopped)

	p := runner.proc(0)
	if !p.sawSignal(syscall.SIGTERM) {
		t.Error("SIGTERM not sent before kill")
	}
	select {
	case <-p.exited:
	default:
		t.Error("process survived Stop")
	}
}

func TestStopDuringReadinessStillTerminates(t *testing.T) {
	routes := routetable.New("")
	runner := &fakeRunner{}
	runner.make = func(int) (*fakeProcess, error) {
		p := newFakeProcess()
		p.onSignal = func(p *fakeProcess, sig os.Signal) {
			if sig == syscall.SIGTERM {
				p.exit(nil)
			}
		}
		return p, nil
	}

	// Readiness ignores cancellation once released, so it can land after
	// the stop request has already been filed.
	release := make(chan struct{})
	ready := func(context.Context, string) error {
		<-release
		return nil
	}

	s := New(testSpec(), Options{
		Runner:   runner,
		Ready:    ready,
		Pipeline: passThroughPreparer(t.TempDir()),
		Routes:   routes,
	})
	go s.Run(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for runner.starts() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if runner.starts() == 0 {
		t.Fatal("process never spawned")
	}

	stopDone := make(chan struct{})
	go func() {
		s.Stop(context.Background())
		close(stopDone)
	}()
	for !s.stopRequested() && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	close(release) // readiness now succeeds despite the pending stop

	select {
	case <-stopDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	waitForDone(t, s)

	p := runner.proc(0)
	if !p.sawSignal(syscall.SIGTERM) {
		t.Error("process was never asked to terminate")
	}
	select {
	case <-p.exited:
	default:
		t.Error("process left running after Stop")
	}
	if _, ok := routes.Lookup("svc.example.com"); ok {
		t.Error("stopped service still routed")
	}
	if st := s.State(); st != domain.StateStopped {
		t.Errorf("state after Stop = %s, want stopped", st)
	}
}

func TestGroupStartAndStop(t *testing.T) {
	routes := routetable.New("quay.localhost")
	runner := &fakeRunner{}
	runner.make = func(int) (*fakeProcess, error) {
		p := newFakeProcess()
		p.onSignal = func(p *fakeProcess, sig os.Signal) { p.exit(nil) }
		return p, nil
	}

	specs := []domain.ServiceSpec{
		{Name: "beta", Host: "beta.example.com", Port: 3001, Run: "./b"},
		{Name: "alpha", Host: "alpha.example.com", Port: 3002, Run: "./a"},
	}
	g := NewGroup(specs, Options{
		Runner:   runner,
		Ready:    readyNow,
		Pipeline: passThroughPreparer(t.TempDir()),
		Routes:   routes,
	})

	ctx := context.Background()
	g.StartAll(ctx)
	for _, s := range g.Supervisors() {
		waitForState(t, s, domain.StateRunning)
	}

	// Dashboard route plus one per running service.
	if routes.Len() != 3 {
		t.Errorf("route count = %d, want 3", routes.Len())
	}

	sts := g.Statuses()
	if len(sts) != 2 || sts[0].Name != "alpha" || sts[1].Name != "beta" {
		t.Errorf("Statuses not sorted by name: %+v", sts)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	g.StopAll(stopCtx)
	for _, s := range g.Supervisors() {
		if st := s.State(); st != domain.StateStopped {
			t.Errorf("%s state after StopAll = %s", s.Spec().Name, st)
		}
	}
	if routes.Len() != 1 {
		t.Errorf("route count after StopAll = %d, want dashboard only", routes.Len())
	}
}
