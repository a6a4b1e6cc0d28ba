package domain

import (
	"net"
	"strconv"
)

// RepoSpec describes the git repository a service is built from.
type RepoSpec struct {
	URL    string
	Branch string // defaulted to "main" at parse time
}

// ServiceSpec is the immutable description of one configured service.
// It is created once at startup from configuration and never mutated;
// all mutable lifecycle state lives in the supervisor.
type ServiceSpec struct {
	Name  string            // unique service name
	Host  string            // virtual host routed to this service (defaults to Name)
	Port  int               // loopback port the backend listens on
	Run   string            // shell command that starts the backend
	Build string            // optional shell command run before Run (repo services only)
	Repo  *RepoSpec         // nil for direct-run services
	Env   map[string]string // environment overrides applied on top of the ambient env
}

// FromRepo reports whether the service uses the clone/update+build launch
// strategy rather than a plain run command.
func (s *ServiceSpec) FromRepo() bool {
	return s.Repo != nil
}

// Addr returns the loopback socket address the backend is expected to
// listen on. Backends are only ever reached over loopback.
func (s *ServiceSpec) Addr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(s.Port))
}
