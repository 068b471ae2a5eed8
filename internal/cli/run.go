package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/valknarthing/universal-mcp/internal/cache"
	"github.com/valknarthing/universal-mcp/internal/config"
	"github.com/valknarthing/universal-mcp/internal/debughttp"
	"github.com/valknarthing/universal-mcp/internal/lifecycle"
	"github.com/valknarthing/universal-mcp/internal/mcpadapter"
	"github.com/valknarthing/universal-mcp/internal/metrics"
	"github.com/valknarthing/universal-mcp/internal/pool"
	"github.com/valknarthing/universal-mcp/internal/rpcserver"
	"github.com/valknarthing/universal-mcp/internal/session"
)

func run() error {
	config.LoadEnv()
	log.Printf("[mcpd] env loaded from %s", config.EnvFilePath())

	cfg := config.Default()
	cfg, err := config.LoadDaemonFile(cfg, flagConfigPath)
	if err != nil {
		return newExitError(exitConfigError, err)
	}
	if err := applyFlagOverrides(&cfg); err != nil {
		return newExitError(exitConfigError, err)
	}

	if flagServerSpecs == "" {
		return newExitError(exitConfigError, errors.New("--servers is required (path to the mcp.json-shaped server table)"))
	}
	specs, err := config.LoadServerSpecs(flagServerSpecs)
	if err != nil {
		return newExitError(exitConfigError, fmt.Errorf("loading server table: %w", err))
	}
	if len(specs) == 0 {
		return newExitError(exitConfigError, errors.New("server table is empty"))
	}

	m := metrics.NewCollector()
	c := cache.New(cfg.CacheTTL, cfg.CacheSizeBytes)

	// srv is referenced by the pool's NotifySink closure before it exists;
	// the closure is only ever invoked from adapter read loops started after
	// srv is assigned below, once Serve begins accepting connections.
	var srv *rpcserver.Server
	p := pool.New(newFactory(m), cfg.PoolMaxEntries, func(name string, n mcpadapter.Notification) {
		srv.NotifySink(name, n)
	})

	reg := session.NewRegistry(p)

	// ctrl is assigned below; the shutdown hook only runs once Serve is
	// accepting connections, which happens inside ctrl.Run.
	var ctrl *lifecycle.Controller
	srv = rpcserver.New(rpcserver.Deps{
		Pool:     p,
		Cache:    c,
		Registry: reg,
		Metrics:  m,
		Specs: func(name string) (config.ServerSpec, bool) {
			sp, ok := specs[name]
			return sp, ok
		},
		DefaultCacheTTL:       cfg.CacheTTL,
		DefaultRequestTimeout: 30 * time.Second,
		OnShutdownRequested:   func() { ctrl.RequestShutdown() },
	})

	ln, err := rpcserver.Bind(cfg.SocketPath)
	if err != nil {
		if errors.Is(err, rpcserver.ErrAlreadyRunning) {
			return newExitError(exitSocketInUse, err)
		}
		return newExitError(exitSocketInUse, err)
	}
	log.Printf("[mcpd] listening on %s", cfg.SocketPath)

	var debugSrv *http.Server
	if cfg.DebugHTTPAddr != "" {
		debugLn, err := net.Listen("tcp", cfg.DebugHTTPAddr)
		if err != nil {
			log.Printf("[mcpd] debug http disabled: %v", err)
		} else {
			debugSrv = &http.Server{
				Handler: debughttp.NewRouter(debughttp.Status{
					ActiveSessions: reg.Count,
					PoolSize:       p.Size,
				}, nil),
			}
			log.Printf("[mcpd] debug http on %s", debugLn.Addr())
			go debugSrv.Serve(debugLn)
		}
	}

	ctrl = &lifecycle.Controller{
		Socket:        ln,
		SocketPath:    cfg.SocketPath,
		RPC:           srv,
		Pool:          p,
		Cache:         c,
		Registry:      reg,
		SweepInterval: 30 * time.Second,
		IdleShutdown:  cfg.IdleShutdown,
		DrainDeadline: cfg.DrainDeadline,
	}
	if debugSrv != nil {
		ctrl.DebugHTTP = debugSrv
	}

	if err := ctrl.Run(context.Background()); err != nil {
		return newExitError(exitInternalError, err)
	}
	return nil
}

func applyFlagOverrides(cfg *config.Daemon) error {
	if flagSocket != "" {
		cfg.SocketPath = flagSocket
	}
	if flagCacheTTL != "" {
		d, err := time.ParseDuration(flagCacheTTL)
		if err != nil {
			return fmt.Errorf("--cache-ttl: %w", err)
		}
		cfg.CacheTTL = d
	}
	if flagCacheSize > 0 {
		cfg.CacheSizeBytes = flagCacheSize
	}
	if flagIdleShutdown != "" {
		d, err := time.ParseDuration(flagIdleShutdown)
		if err != nil {
			return fmt.Errorf("--idle-shutdown: %w", err)
		}
		cfg.IdleShutdown = d
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	return nil
}
