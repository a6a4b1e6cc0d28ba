package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/MrSnakeDoc/quay/internal/domain"
)

// Config is everything quay needs to run: the proxy bind point, the reserved
// dashboard host, supervision tunables, and the parsed service list.
type Config struct {
	BindAddr      string // ex: "0.0.0.0"
	BindPort      int    // ex: 80
	DashboardHost string // reserved host for the status view; "" disables it

	ServiceFile string // path to the services yaml file
	RootDir     string // root for per-service git working copies

	LogLevel  string // "debug" | "info" | "warn" | "error"
	PrettyLog bool   // true => zap dev (color), false => zap prod (JSON)

	// Supervision
	UpdateOnStart  bool          // refresh repo working copies on every start
	StartupTimeout time.Duration // how long a backend may take to become reachable
	ProbeInterval  time.Duration // delay between readiness probes
	ProbeTimeout   time.Duration // per-probe dial timeout
	RestartBackoff time.Duration // first restart delay, doubled per attempt
	MaxBackoff     time.Duration // ceiling for the restart delay
	MaxRestarts    int           // restart attempts before PermanentlyFailed
	StopGrace      time.Duration // SIGTERM to SIGKILL window

	// Proxying
	ConnectTimeout time.Duration // backend dial timeout (502 budget)
	HeaderTimeout  time.Duration // wait for backend response headers (502 budget)
	IdleTimeout    time.Duration // idle client connection timeout

	ShutdownGrace time.Duration // in-flight request drain on shutdown

	Services []domain.ServiceSpec
}

// Load assembles the configuration from the environment and the service
// file (or the QUAY_SERVICES variable, which takes precedence when set),
// then validates it. Any problem is returned as an error so the caller can
// exit non-zero before anything is spawned.
func Load(serviceFile string) (*Config, error) {
	cfg := &Config{
		BindAddr:      getenv("QUAY_BIND_ADDR", "0.0.0.0"),
		BindPort:      getenvInt("QUAY_BIND_PORT", 80),
		DashboardHost: lookupenv("QUAY_DASHBOARD_HOST", "quay.localhost"),

		ServiceFile: serviceFile,

		LogLevel:  getenv("QUAY_LOG_LEVEL", "info"),
		PrettyLog: mustBool("QUAY_PRETTY_LOG", false),

		UpdateOnStart:  mustBool("QUAY_UPDATE_ON_START", true),
		StartupTimeout: mustDuration("QUAY_STARTUP_TIMEOUT", 30*time.Second),
		ProbeInterval:  mustDuration("QUAY_PROBE_INTERVAL", 250*time.Millisecond),
		ProbeTimeout:   mustDuration("QUAY_PROBE_TIMEOUT", time.Second),
		RestartBackoff: mustDuration("QUAY_RESTART_BACKOFF", time.Second),
		MaxBackoff:     mustDuration("QUAY_MAX_BACKOFF", time.Minute),
		MaxRestarts:    getenvInt("QUAY_MAX_RESTARTS", 5),
		StopGrace:      mustDuration("QUAY_STOP_GRACE", 10*time.Second),

		ConnectTimeout: mustDuration("QUAY_CONNECT_TIMEOUT", 5*time.Second),
		HeaderTimeout:  mustDuration("QUAY_RESPONSE_HEADER_TIMEOUT", 30*time.Second),
		IdleTimeout:    mustDuration("QUAY_IDLE_TIMEOUT", 120*time.Second),

		ShutdownGrace: mustDuration("QUAY_SHUTDOWN_GRACE", 15*time.Second),
	}

	if cfg.ServiceFile == "" {
		cfg.ServiceFile = getenv("QUAY_SERVICE_FILE", "quay.yaml")
	}
	cfg.RootDir = getenv("QUAY_ROOT_DIR", "")
	if cfg.RootDir == "" {
		cfg.RootDir = filepath.Dir(cfg.ServiceFile)
	}

	if serialized := os.Getenv("QUAY_SERVICES"); serialized != "" {
		specs, err := ParseServices([]byte(serialized))
		if err != nil {
			return nil, fmt.Errorf("QUAY_SERVICES: %w", err)
		}
		cfg.Services = specs
	} else {
		specs, err := LoadServices(cfg.ServiceFile)
		if err != nil {
			return nil, err
		}
		cfg.Services = specs
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// BindAddrPort returns the proxy listen address in host:port form.
func (c *Config) BindAddrPort() string {
	return fmt.Sprintf("%s:%d", c.BindAddr, c.BindPort)
}

// helpers
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// lookupenv is getenv for keys where an explicitly empty value is
// meaningful: set-but-empty is returned as is, only an unset variable
// falls back to the default.
func lookupenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func mustBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func mustDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
