package cli

import (
	"context"
	"fmt"

	"github.com/valknarthing/universal-mcp/internal/config"
	"github.com/valknarthing/universal-mcp/internal/mcpadapter"
	"github.com/valknarthing/universal-mcp/internal/metrics"
)

// newFactory builds a pool.Factory that constructs the right Transport for
// spec.Transport and records spawn/death counts, keeping the branch-on-kind
// logic in one place rather than scattered through the pool (spec.md §9
// "Adapter code is written once against this interface and never branches
// on transport kind" — only the factory itself needs to know the variants).
func newFactory(m *metrics.Collector) func(ctx context.Context, spec config.ServerSpec, onDead mcpadapter.OnDead, onNotify mcpadapter.OnNotify) (*mcpadapter.Adapter, error) {
	return func(ctx context.Context, spec config.ServerSpec, onDead mcpadapter.OnDead, onNotify mcpadapter.OnNotify) (*mcpadapter.Adapter, error) {
		wrappedOnDead := func(cause error) {
			m.RecordPoolDeath(spec.Name)
			onDead(cause)
		}

		var transport mcpadapter.Transport
		switch spec.Transport {
		case config.TransportStdio:
			t, _, err := mcpadapter.NewStdioTransport(spec)
			if err != nil {
				return nil, fmt.Errorf("cli: spawn %q: %w", spec.Name, err)
			}
			transport = t
		case config.TransportLocalSocket:
			t, err := mcpadapter.NewLocalSocketTransport(spec)
			if err != nil {
				return nil, fmt.Errorf("cli: dial %q: %w", spec.Name, err)
			}
			transport = t
		case config.TransportHTTP:
			transport = mcpadapter.NewHTTPTransport(spec)
		default:
			return nil, fmt.Errorf("cli: %q: unknown transport %q", spec.Name, spec.Transport)
		}

		adapter, err := mcpadapter.New(ctx, spec, transport, wrappedOnDead, onNotify)
		if err != nil {
			transport.Close()
			return nil, err
		}
		m.RecordPoolSpawn(spec.Name)
		return adapter, nil
	}
}
