package buildpipe

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/MrSnakeDoc/quay/internal/domain"
	"github.com/MrSnakeDoc/quay/internal/logger"
)

// RunCommand executes one command in dir, streaming its output to log. It
// returns an error when the command cannot start or exits non-zero. The
// pipeline routes every child process through this so tests can substitute
// a recorder and never touch git or the network.
type RunCommand func(ctx context.Context, dir string, log logger.Logger, name string, args ...string) error

// Pipeline materializes runnable code for repo-backed services: it clones or
// updates the working copy and runs the optional build command. Direct-run
// services pass through untouched.
type Pipeline struct {
	root   string // parent of all working copies
	update bool   // refresh the working copy on every start
	log    logger.Logger
	run    RunCommand
}

func New(root string, update bool, log logger.Logger) *Pipeline {
	return &Pipeline{root: root, update: update, log: log, run: Exec}
}

// WorkDir returns the working copy path for a spec: <root>/<name> for
// repo-backed services, the root itself otherwise.
func (p *Pipeline) WorkDir(spec *domain.ServiceSpec) string {
	if spec.FromRepo() {
		return filepath.Join(p.root, spec.Name)
	}
	return p.root
}

// Prepare makes the spec runnable and returns the directory its run command
// should execute in. A fetch or build failure is fatal for this start
// attempt: the error is returned and nothing further may be run.
func (p *Pipeline) Prepare(ctx context.Context, spec *domain.ServiceSpec) (string, error) {
	dir := p.WorkDir(spec)
	if !spec.FromRepo() {
		return dir, nil
	}

	log := p.log.Named(spec.Name)

	if err := p.sync(ctx, spec, dir, log); err != nil {
		return "", err
	}

	if spec.Build != "" {
		log.Info("building", logger.String("command", spec.Build))
		if err := p.run(ctx, dir, log, "sh", "-c", spec.Build); err != nil {
			return "", fmt.Errorf("build failed: %w", err)
		}
	}
	return dir, nil
}

// sync clones the repository on first use, and on later starts refreshes it
// to the configured branch when the update policy is on.
func (p *Pipeline) sync(ctx context.Context, spec *domain.ServiceSpec, dir string, log logger.Logger) error {
	repo := spec.Repo

	if _, err := os.Stat(filepath.Join(dir, ".git")); errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(p.root, 0o755); err != nil {
			return fmt.Errorf("create root dir: %w", err)
		}
		log.Info("cloning",
			logger.String("url", repo.URL),
			logger.String("branch", repo.Branch))
		if err := p.run(ctx, p.root, log, "git", "clone", "--branch", repo.Branch, repo.URL, dir); err != nil {
			return fmt.Errorf("clone failed: %w", err)
		}
		return nil
	} else if err != nil {
		return fmt.Errorf("stat working copy: %w", err)
	}

	if !p.update {
		return nil
	}

	log.Info("updating working copy", logger.String("branch", repo.Branch))
	steps := [][]string{
		{"git", "fetch", "origin", repo.Branch},
		{"git", "checkout", repo.Branch},
		{"git", "reset", "--hard", "origin/" + repo.Branch},
	}
	for _, step := range steps {
		if err := p.run(ctx, dir, log, step[0], step[1:]...); err != nil {
			return fmt.Errorf("update failed (%s): %w", step[1], err)
		}
	}
	return nil
}
