// Package lifecycle implements the Lifecycle Controller (spec.md §4.H): it
// sequences daemon startup, runs the periodic sweepers, watches for
// system-wide idleness, and drives graceful shutdown on signal or an
// authorized `shutdown` RPC. Grounded on the teacher's internal/web
// Start()/signal.Notify shutdown goroutine, generalized from a single HTTP
// listener to the socket + debug-HTTP + sweeper set this daemon owns.
package lifecycle

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/valknarthing/universal-mcp/internal/cache"
	"github.com/valknarthing/universal-mcp/internal/pool"
	"github.com/valknarthing/universal-mcp/internal/rpcserver"
	"github.com/valknarthing/universal-mcp/internal/session"
)

// RPCServer is the subset of *rpcserver.Server the controller drives.
type RPCServer interface {
	Serve(ln net.Listener) error
	Shutdown(ctx context.Context) error
}

// Controller owns the daemon's background loops and the shutdown sequence
// (spec.md §4.H: "stop accepting -> drain within deadline -> close pool ->
// unlink socket").
type Controller struct {
	Socket        net.Listener
	SocketPath    string
	RPC           RPCServer
	Pool          *pool.Pool
	Cache         *cache.Cache
	Registry      *session.Registry
	DebugHTTP     interface{ Close() error }
	SweepInterval time.Duration
	IdleShutdown  time.Duration
	DrainDeadline time.Duration

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// Run blocks until the daemon is told to stop, either by an OS signal, an
// authorized RPC `shutdown` call (via RequestShutdown), or idle-driven
// self-termination (spec.md §4.H: "active_sessions==0 && pool empty for
// daemon_idle_timeout"). It returns once the graceful shutdown sequence has
// completed.
func (c *Controller) Run(ctx context.Context) error {
	c.shutdownCh = make(chan struct{})
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.DrainDeadline <= 0 {
		c.DrainDeadline = 10 * time.Second
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := c.RPC.Serve(c.Socket); err != nil {
			log.Printf("[Lifecycle] RPC accept loop exited: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.sweepLoop(runCtx)
	}()

	if c.IdleShutdown > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.idleWatch(runCtx)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Printf("[Lifecycle] received signal %v, shutting down gracefully", sig)
	case <-c.shutdownCh:
		log.Printf("[Lifecycle] shutdown requested via RPC")
	case <-ctx.Done():
	}

	// A second signal during drain escalates to an immediate, ungraceful
	// exit rather than making an operator wait out the drain deadline twice.
	go func() {
		if _, ok := <-sigCh; ok {
			log.Printf("[Lifecycle] second signal received, forcing immediate exit")
			os.Exit(1)
		}
	}()

	c.shutdown()
	cancel()
	wg.Wait()
	return nil
}

// RequestShutdown triggers the same graceful sequence as a signal; safe to
// call more than once or concurrently with Run's own signal handling.
func (c *Controller) RequestShutdown() {
	c.shutdownOnce.Do(func() {
		if c.shutdownCh != nil {
			close(c.shutdownCh)
		}
	})
}

func (c *Controller) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), c.DrainDeadline)
	defer cancel()

	if err := c.RPC.Shutdown(ctx); err != nil {
		log.Printf("[Lifecycle] RPC drain did not finish within deadline: %v", err)
	}
	if c.Socket != nil {
		c.Socket.Close() // lets RPC.Serve return so Run's wait completes
	}

	c.Pool.DrainAll()
	c.Registry.Close()

	if c.DebugHTTP != nil {
		c.DebugHTTP.Close()
	}

	if err := rpcserver.Unlink(c.SocketPath); err != nil {
		log.Printf("[Lifecycle] socket cleanup: %v", err)
	}
}

func (c *Controller) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(c.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Pool.Sweep()
			c.Cache.Sweep()
		}
	}
}

// idleWatch self-terminates the daemon once the system has had no active
// sessions and an empty pool for IdleShutdown continuously (spec.md §4.H).
// Idleness is checked at the sweep loop's cadence and measured from the first
// tick that observed it; any tick that sees activity resets the measurement.
func (c *Controller) idleWatch(ctx context.Context) {
	ticker := time.NewTicker(c.SweepInterval)
	defer ticker.Stop()
	var idleSince time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idle := c.Registry.Count() == 0 && c.Pool.Size() == 0
			if !idle {
				idleSince = time.Time{}
				continue
			}
			if idleSince.IsZero() {
				idleSince = time.Now()
				continue
			}
			if time.Since(idleSince) >= c.IdleShutdown {
				log.Printf("[Lifecycle] idle for %s with no sessions or pool entries, self-terminating", c.IdleShutdown)
				c.RequestShutdown()
				return
			}
		}
	}
}
