// Package config loads the coordinator's daemon configuration and the
// per-server ServerSpec table, and layers environment, config-file, and
// CLI-flag sources the way cmd/omega's startup sequence layers env vars.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Transport identifies how the coordinator talks to one MCP server.
type Transport string

const (
	TransportStdio       Transport = "stdio"
	TransportLocalSocket Transport = "local-socket"
	TransportHTTP        Transport = "http"
)

// ServerSpec is the immutable description of one MCP server, built once at
// daemon start from the config file and never mutated afterward (spec.md §3).
type ServerSpec struct {
	// Name is populated from the map key in the server table, not a JSON
	// field — mirrors the teacher's mcp.json convention.
	Name string `json:"-"`

	Transport Transport `json:"transport"`

	// stdio transport
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`

	// local-socket / http transport
	Endpoint string `json:"endpoint,omitempty"`

	StartupTimeout time.Duration `json:"startup_timeout,omitempty"`
	IdleTimeout    time.Duration `json:"idle_timeout,omitempty"`

	// MethodTTLs overrides the global cache TTL for specific MCP methods.
	// Left empty by default per spec.md §9's open-question resolution.
	MethodTTLs map[string]time.Duration `json:"method_ttls,omitempty"`
}

// serverTableFile mirrors the on-disk shape of the server spec table, kept
// deliberately close to the teacher's mcp.json layout (§mcpServers key).
type serverTableFile struct {
	Servers map[string]rawServerSpec `json:"mcpServers"`
}

// rawServerSpec carries duration fields as strings so JSON can express them
// as "30s" rather than raw nanosecond integers.
type rawServerSpec struct {
	Transport      Transport         `json:"transport"`
	Command        string            `json:"command,omitempty"`
	Args           []string          `json:"args,omitempty"`
	Env            []string          `json:"env,omitempty"`
	Endpoint       string            `json:"endpoint,omitempty"`
	StartupTimeout string            `json:"startup_timeout,omitempty"`
	IdleTimeout    string            `json:"idle_timeout,omitempty"`
	MethodTTLs     map[string]string `json:"method_ttls,omitempty"`
}

// LoadServerSpecs reads and parses the server spec table (mcp.json-shaped)
// from path. The Name field of each ServerSpec is populated from the map
// key, matching the teacher's LoadConfig convention in internal/mcp/client.go.
func LoadServerSpecs(path string) (map[string]ServerSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read server table %q: %w", path, err)
	}

	var file serverTableFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("config: parse server table %q: %w", path, err)
	}

	out := make(map[string]ServerSpec, len(file.Servers))
	for name, raw := range file.Servers {
		spec, err := raw.toSpec(name)
		if err != nil {
			return nil, fmt.Errorf("config: server %q: %w", name, err)
		}
		out[name] = spec
	}
	return out, nil
}

func (r rawServerSpec) toSpec(name string) (ServerSpec, error) {
	spec := ServerSpec{
		Name:      name,
		Transport: r.Transport,
		Command:   r.Command,
		Args:      r.Args,
		Env:       r.Env,
		Endpoint:  r.Endpoint,
	}
	var err error
	if spec.StartupTimeout, err = parseOptionalDuration(r.StartupTimeout); err != nil {
		return spec, fmt.Errorf("startup_timeout: %w", err)
	}
	if spec.IdleTimeout, err = parseOptionalDuration(r.IdleTimeout); err != nil {
		return spec, fmt.Errorf("idle_timeout: %w", err)
	}
	if len(r.MethodTTLs) > 0 {
		spec.MethodTTLs = make(map[string]time.Duration, len(r.MethodTTLs))
		for method, raw := range r.MethodTTLs {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return spec, fmt.Errorf("method_ttls[%s]: %w", method, err)
			}
			spec.MethodTTLs[method] = d
		}
	}
	switch spec.Transport {
	case TransportStdio:
		if spec.Command == "" {
			return spec, fmt.Errorf("stdio server requires a command")
		}
	case TransportLocalSocket, TransportHTTP:
		if spec.Endpoint == "" {
			return spec, fmt.Errorf("%s server requires an endpoint", spec.Transport)
		}
	default:
		return spec, fmt.Errorf("unknown transport %q", spec.Transport)
	}
	return spec, nil
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
