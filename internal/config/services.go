package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrSnakeDoc/quay/internal/domain"
)

// serviceFile is the on-disk schema of the services yaml. The same document
// may be injected through QUAY_SERVICES.
type serviceFile struct {
	Services []serviceEntry `yaml:"services"`
}

type serviceEntry struct {
	Name  string            `yaml:"name"`
	Host  string            `yaml:"host"`
	Port  int               `yaml:"port"`
	Run   string            `yaml:"run"`
	Build string            `yaml:"build"`
	Repo  *repoEntry        `yaml:"repo"`
	Env   map[string]string `yaml:"env"`
}

type repoEntry struct {
	URL    string `yaml:"url"`
	Branch string `yaml:"branch"`
}

// LoadServices reads and parses the service file.
func LoadServices(path string) ([]domain.ServiceSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read service file: %w", err)
	}
	specs, err := ParseServices(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return specs, nil
}

// ParseServices parses a services yaml document into immutable specs,
// applying defaults: host = name, repo branch = "main". The launch strategy
// is resolved here, once; the rest of the system only ever sees the
// resulting tagged spec.
func ParseServices(data []byte) ([]domain.ServiceSpec, error) {
	var file serviceFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse services yaml: %w", err)
	}

	specs := make([]domain.ServiceSpec, 0, len(file.Services))
	for i, e := range file.Services {
		spec, err := e.toSpec()
		if err != nil {
			return nil, fmt.Errorf("service %d (%q): %w", i, e.Name, err)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func (e serviceEntry) toSpec() (domain.ServiceSpec, error) {
	var zero domain.ServiceSpec

	name := strings.TrimSpace(e.Name)
	if name == "" {
		return zero, fmt.Errorf("name is required")
	}
	if e.Port <= 0 || e.Port > 65535 {
		return zero, fmt.Errorf("port %d is out of range", e.Port)
	}
	if strings.TrimSpace(e.Run) == "" {
		return zero, fmt.Errorf("run command is required")
	}
	if e.Build != "" && e.Repo == nil {
		return zero, fmt.Errorf("build command requires a repo")
	}

	host := strings.ToLower(strings.TrimSpace(e.Host))
	if host == "" {
		host = strings.ToLower(name)
	}

	var repo *domain.RepoSpec
	if e.Repo != nil {
		if strings.TrimSpace(e.Repo.URL) == "" {
			return zero, fmt.Errorf("repo url is required")
		}
		branch := strings.TrimSpace(e.Repo.Branch)
		if branch == "" {
			branch = "main"
		}
		repo = &domain.RepoSpec{URL: e.Repo.URL, Branch: branch}
	}

	return domain.ServiceSpec{
		Name:  name,
		Host:  host,
		Port:  e.Port,
		Run:   e.Run,
		Build: e.Build,
		Repo:  repo,
		Env:   e.Env,
	}, nil
}
