package buildpipe

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/MrSnakeDoc/quay/internal/logger"
)

// Exec is the production RunCommand. Child stdout and stderr are forwarded
// to the logger one line at a time, so a chatty build never accumulates in
// memory.
func Exec(ctx context.Context, dir string, log logger.Logger, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("capture stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("capture stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go drain(&wg, stdout, log, "stdout")
	go drain(&wg, stderr, log, "stderr")
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func drain(wg *sync.WaitGroup, r io.Reader, log logger.Logger, stream string) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		log.Info(scanner.Text(), logger.String("stream", stream))
	}
}
