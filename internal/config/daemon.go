package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Daemon holds the coordinator's own tunables: socket path, cache bounds,
// idle-shutdown deadline, and log level. It is loaded from an optional YAML
// file (mirroring the way the teacher's skill loader reads YAML, repurposed
// here for the daemon's own settings) and then overlaid with CLI flags,
// since spec.md §6.3 requires flags to override file entries by name.
type Daemon struct {
	SocketPath        string        `yaml:"socket"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
	CacheSizeBytes    int64         `yaml:"cache_size_bytes"`
	IdleShutdown      time.Duration `yaml:"idle_shutdown"`
	ConfigPath        string        `yaml:"-"`
	LogLevel          string        `yaml:"log_level"`
	PoolMaxEntries    int           `yaml:"pool_max_entries"`
	DrainDeadline     time.Duration `yaml:"drain_deadline"`
	DebugHTTPAddr     string        `yaml:"debug_http_addr"`
	DefaultIdleEntry  time.Duration `yaml:"default_idle_timeout"`
}

// Default returns the documented defaults from spec.md (5 minute cache TTL,
// 5 minute daemon idle shutdown, etc.) before any file or flag overlay.
func Default() Daemon {
	return Daemon{
		SocketPath:       DefaultSocketPath(),
		CacheTTL:         5 * time.Minute,
		CacheSizeBytes:   64 << 20, // 64MiB
		IdleShutdown:     5 * time.Minute,
		LogLevel:         "info",
		PoolMaxEntries:   32,
		DrainDeadline:    10 * time.Second,
		DebugHTTPAddr:    "127.0.0.1:0",
		DefaultIdleEntry: 10 * time.Minute,
	}
}

// DefaultSocketPath returns the per-uid socket path convention chosen to
// resolve spec.md §9's open question in favor of the safer per-uid variant.
func DefaultSocketPath() string {
	dir := os.TempDir()
	return fmt.Sprintf("%s/universal-mcp-%d.sock", dir, os.Getuid())
}

// LoadDaemonFile merges a YAML daemon config file onto base. A missing file
// is not an error — the daemon runs on defaults plus whatever flags follow.
func LoadDaemonFile(base Daemon, path string) (Daemon, error) {
	if path == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return base, nil
		}
		return base, fmt.Errorf("config: read daemon config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &base); err != nil {
		return base, fmt.Errorf("config: parse daemon config %q: %w", path, err)
	}
	return base, nil
}
