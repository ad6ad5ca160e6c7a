package cgi

import (
	"syscall"
	"time"

	"github.com/netpipe/uhttpd-portable/internal/reactor"
)

// Supervisor drives one CGI child's lifetime against the reactor: a single
// script-timeout timer with SIGTERM->SIGKILL escalation (spec.md §4.7) and
// a child-exit callback that disarms the timer.
type Supervisor struct {
	proc    *Process
	r       *reactor.Reactor
	timeout time.Duration

	timer       *reactor.Timer
	sigtermSent bool

	// OnExit is invoked once, on the reactor goroutine, when the child
	// exits for any reason (normal completion, SIGTERM, or SIGKILL).
	OnExit func(state *reactor.ProcessState)
}

// NewSupervisor registers proc's exit watcher and arms the first timeout
// timer. Per spec.md §4.7: "A single timer per child with deadline
// now + script_timeout_s."
func NewSupervisor(r *reactor.Reactor, proc *Process, scriptTimeout time.Duration) *Supervisor {
	s := &Supervisor{proc: proc, r: r, timeout: scriptTimeout}
	r.RegisterChild(proc.Pid(), proc.Wait, s.onChildExit)
	s.timer = r.RegisterTimer(scriptTimeout, s.onTimeout)
	return s
}

func (s *Supervisor) onTimeout() {
	if !s.sigtermSent {
		s.sigtermSent = true
		_ = s.proc.Signal(syscall.SIGTERM)
		// "re-arm timer for +1s; if the child still exists at the second
		// expiry, send SIGKILL" (spec.md §4.7).
		s.timer = s.r.RegisterTimer(time.Second, s.onTimeout)
		return
	}
	_ = s.proc.Signal(syscall.SIGKILL)
}

func (s *Supervisor) onChildExit(state *reactor.ProcessState) {
	if s.timer != nil {
		s.timer.Disarm()
	}
	if s.OnExit != nil {
		s.OnExit(state)
	}
}

// KilledByTimeout reports whether SIGTERM or SIGKILL was sent to the
// child, i.e. completion was not a voluntary exit.
func (s *Supervisor) KilledByTimeout() bool { return s.sigtermSent }
