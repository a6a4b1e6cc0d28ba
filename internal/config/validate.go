package config

import (
	"fmt"

	"github.com/MrSnakeDoc/quay/internal/routetable"
)

// Validate checks the cross-service invariants that must hold before any
// process is spawned: hosts are pairwise distinct and none of them shadows
// the reserved dashboard host. Violations are fatal configuration errors.
func (c *Config) Validate() error {
	if c.BindPort <= 0 || c.BindPort > 65535 {
		return fmt.Errorf("bind port %d is out of range", c.BindPort)
	}

	dash := routetable.Normalize(c.DashboardHost)
	seen := make(map[string]string, len(c.Services))
	for _, s := range c.Services {
		host := routetable.Normalize(s.Host)
		if dash != "" && host == dash {
			return fmt.Errorf("service %q: host %q collides with the dashboard host", s.Name, s.Host)
		}
		if prev, ok := seen[host]; ok {
			return fmt.Errorf("services %q and %q declare the same host %q", prev, s.Name, host)
		}
		seen[host] = s.Name
	}
	return nil
}
