package uhttpd

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"
)

// shuttingDown is observed by the reactor between iterations (spec.md §4.1:
// "The loop runs until a shutdown flag is set"). Design Note §9 calls for
// an atomic flag rather than the bare `static int run` global in uhttpd.c.
var shuttingDown atomic.Bool

// ShuttingDown reports whether a shutdown signal has been received.
func ShuttingDown() bool { return shuttingDown.Load() }

// TrapSignals ignores SIGPIPE process-wide and arms SIGINT/SIGTERM to set
// the shutdown flag and wake stop, and SIGHUP to log a reserved no-op
// (SPEC_FULL.md §C). stop is called after the flag is set so the reactor's
// Run loop — blocked in its select with no armed timer when idle — observes
// shutdown promptly instead of waiting for unrelated readiness; callers
// pass Server.Stop, which both sets ShuttingDown and calls the reactor's own
// Stop (self-pipe wake). Grounded on caddy/sigtrap_posix.go's
// signal.Notify + switch shape.
func TrapSignals(stop func()) {
	signal.Ignore(syscall.SIGPIPE)

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGINT, syscall.SIGTERM:
				Log().Info("received shutdown signal", zap.String("signal", sig.String()))
				shuttingDown.Store(true)
				if stop != nil {
					stop()
				}
			case syscall.SIGHUP:
				// Hot-reload is a documented non-goal (spec.md §1); the
				// hook is kept so a future reload implementation has a
				// place to live, matching uhttpd.c's config-reload intent
				// without actually performing one.
				Log().Info("SIGHUP received; config hot-reload is not implemented")
			}
		}
	}()
}
