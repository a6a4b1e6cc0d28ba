package supervisor

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/MrSnakeDoc/quay/internal/domain"
	"github.com/MrSnakeDoc/quay/internal/logger"
)

// Process is the control surface over one spawned backend. Tests substitute
// fakes; production uses the os/exec implementation below.
type Process interface {
	Pid() int
	Signal(sig os.Signal) error
	Kill() error
	// Wait blocks until the process exits and returns its exit error, if
	// any. It may be called more than once.
	Wait() error
}

// ProcessRunner spawns the run command of a service.
type ProcessRunner interface {
	Start(spec *domain.ServiceSpec, dir string, log logger.Logger) (Process, error)
}

type execRunner struct{}

// NewExecRunner returns the production runner: the run command is executed
// through `sh -c` in its own process group, with the service's environment
// overrides and PORT applied on top of the ambient environment.
func NewExecRunner() ProcessRunner { return execRunner{} }

func (execRunner) Start(spec *domain.ServiceSpec, dir string, log logger.Logger) (Process, error) {
	cmd := exec.Command("sh", "-c", spec.Run)
	cmd.Dir = dir

	env := os.Environ()
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	env = append(env, fmt.Sprintf("PORT=%d", spec.Port))
	cmd.Env = env

	// Own process group, so stop signals reach children of the shell too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("capture stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %q: %w", spec.Run, err)
	}

	go logLines(stdout, log, "stdout")
	go logLines(stderr, log, "stderr")

	return &osProcess{cmd: cmd}, nil
}

func logLines(r io.Reader, log logger.Logger, stream string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		log.Info(scanner.Text(), logger.String("stream", stream))
	}
}

type osProcess struct {
	cmd      *exec.Cmd
	waitOnce sync.Once
	waitErr  error
}

func (p *osProcess) Pid() int { return p.cmd.Process.Pid }

func (p *osProcess) Signal(sig os.Signal) error {
	if s, ok := sig.(syscall.Signal); ok {
		return syscall.Kill(-p.cmd.Process.Pid, s)
	}
	return p.cmd.Process.Signal(sig)
}

func (p *osProcess) Kill() error {
	return syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
}

func (p *osProcess) Wait() error {
	p.waitOnce.Do(func() { p.waitErr = p.cmd.Wait() })
	return p.waitErr
}
