// Copyright 2015 Light Code Labs, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package reactor implements the single-threaded cooperative event loop
// described in spec.md §4.1. It registers three kinds of sources —
// readiness-watched file descriptors, child-process exits, and timers —
// and serializes every callback onto one logical thread of execution.
//
// Multiplexing of file descriptors uses epoll (golang.org/x/sys/unix),
// grounded on the teacher's own use of that package for socket option
// tuning in listen_linux.go/listen_unix.go. A dedicated goroutine blocks
// in EpollWait and feeds ready batches to the reactor over a channel; a
// self-pipe wakes it for shutdown. Child exits are detected by a
// goroutine-per-child blocking in cmd.Wait(), which then calls Post to
// hand the result back to the single callback thread. None of this breaks
// the spec's single-threaded guarantee: only one goroutine — the one
// running Run — ever executes a registered callback, and it executes them
// one at a time, to completion, exactly as spec.md §4.1 requires.
package reactor

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// EventMask is a bitmask of readiness conditions.
type EventMask uint32

const (
	Readable EventMask = 1 << iota
	Writable
)

// FDCallback is invoked with the observed event mask when a registered fd
// becomes ready. Per spec.md §4.1, callbacks must not block and must not
// recursively enter the loop.
type FDCallback func(mask EventMask)

// ChildCallback is invoked once, with the process's exit state, when a
// registered child exits.
type ChildCallback func(state *ProcessState)

// ProcessState carries the portable bits of os.ProcessState the caller
// needs; kept separate so callers don't have to import os here too.
type ProcessState struct {
	Pid      int
	ExitCode int
	Err      error // non-nil if Wait itself failed
}

// Timer is a handle to a registered, possibly still-armed, timer source.
type Timer struct {
	deadline time.Time
	cb       func()
	armed    bool
}

// Disarm cancels the timer if it has not already fired. Safe to call from
// the reactor goroutine only (all registered callbacks run there).
func (t *Timer) Disarm() { t.armed = false }

type fdSource struct {
	fd   int
	mask EventMask
	cb   FDCallback
}

// Reactor is the event loop. Zero value is not usable; use New.
type Reactor struct {
	epfd int

	wakeR, wakeW int // self-pipe

	fds map[int]*fdSource

	timers []*Timer

	readyCh  chan []unix.EpollEvent
	postCh   chan func()
	closedCh chan struct{}

	log *zap.Logger
}

// New creates a Reactor backed by a fresh epoll instance.
func New(log *zap.Logger) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	var pipeFDs [2]int
	if err := unix.Pipe2(pipeFDs[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("pipe2: %w", err)
	}

	if log == nil {
		log = zap.NewNop()
	}

	r := &Reactor{
		epfd:     epfd,
		wakeR:    pipeFDs[0],
		wakeW:    pipeFDs[1],
		fds:      make(map[int]*fdSource),
		readyCh:  make(chan []unix.EpollEvent, 1),
		postCh:   make(chan func(), 64),
		closedCh: make(chan struct{}),
		log:      log,
	}

	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, r.wakeR, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(r.wakeR),
	}); err != nil {
		unix.Close(epfd)
		unix.Close(pipeFDs[0])
		unix.Close(pipeFDs[1])
		return nil, fmt.Errorf("epoll_ctl(wake): %w", err)
	}

	return r, nil
}

func epollEvents(mask EventMask) uint32 {
	var ev uint32
	if mask&Readable != 0 {
		ev |= unix.EPOLLIN
	}
	if mask&Writable != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// RegisterFD arms fd for the given event mask, invoking cb on readiness.
// fd must already be in non-blocking mode.
func (r *Reactor) RegisterFD(fd int, mask EventMask, cb FDCallback) error {
	src := &fdSource{fd: fd, mask: mask, cb: cb}
	r.fds[fd] = src
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: epollEvents(mask),
		Fd:     int32(fd),
	})
}

// ModifyFD changes the event mask for a registered fd.
func (r *Reactor) ModifyFD(fd int, mask EventMask) error {
	src, ok := r.fds[fd]
	if !ok {
		return fmt.Errorf("reactor: fd %d not registered", fd)
	}
	src.mask = mask
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: epollEvents(mask),
		Fd:     int32(fd),
	})
}

// RemoveFD disarms and forgets a registered fd. It does not close it;
// ownership of the fd stays with the caller (spec.md §5: "File descriptors
// have a single owner").
func (r *Reactor) RemoveFD(fd int) {
	if _, ok := r.fds[fd]; !ok {
		return
	}
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	delete(r.fds, fd)
}

// RegisterTimer arms a one-shot timer that fires cb at or after d from now.
func (r *Reactor) RegisterTimer(d time.Duration, cb func()) *Timer {
	t := &Timer{deadline: time.Now().Add(d), cb: cb, armed: true}
	r.timers = append(r.timers, t)
	return t
}

// RegisterChild spawns a watcher goroutine that blocks on wait and Posts
// the result back to the reactor goroutine. wait is expected to be
// (*os.Process).Wait-shaped, supplied by the caller so this package need
// not import os/exec.
func (r *Reactor) RegisterChild(pid int, wait func() (exitCode int, err error), cb ChildCallback) {
	go func() {
		code, err := wait()
		r.Post(func() {
			cb(&ProcessState{Pid: pid, ExitCode: code, Err: err})
		})
	}()
}

// Post schedules fn to run on the reactor goroutine. Safe to call from any
// goroutine; this is the only sanctioned way for helper goroutines (child
// waiters, the TLS transport) to reach back into callback execution
// without violating the single-threaded-callbacks invariant.
func (r *Reactor) Post(fn func()) {
	select {
	case r.postCh <- fn:
	case <-r.closedCh:
	}
}

// Stop wakes the loop so it can observe a shutdown flag promptly (used
// alongside uhttpd.ShuttingDown()).
func (r *Reactor) Stop() {
	var b [1]byte
	_, _ = unix.Write(r.wakeW, b[:])
}

// Close releases the epoll fd and self-pipe. Call after Run returns.
func (r *Reactor) Close() error {
	close(r.closedCh)
	unix.Close(r.wakeR)
	unix.Close(r.wakeW)
	return unix.Close(r.epfd)
}

// nearestDeadline returns the nearest still-armed timer deadline, or ok=false
// if none are armed. Timers are stored unsorted; the slice stays small
// (bounded by connection/child count) so a linear scan is cheap, and dead
// entries are compacted out as they fire.
func (r *Reactor) nearestDeadline() (time.Time, bool) {
	var best time.Time
	found := false
	for _, t := range r.timers {
		if !t.armed {
			continue
		}
		if !found || t.deadline.Before(best) {
			best = t.deadline
			found = true
		}
	}
	return best, found
}

// fireDueTimers invokes and disarms every timer whose deadline has passed,
// then compacts the slice.
func (r *Reactor) fireDueTimers() {
	now := time.Now()
	live := r.timers[:0]
	var due []*Timer
	for _, t := range r.timers {
		if !t.armed {
			continue
		}
		if !t.deadline.After(now) {
			due = append(due, t)
			continue
		}
		live = append(live, t)
	}
	r.timers = live
	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	for _, t := range due {
		t.armed = false
		t.cb()
	}
}

func (r *Reactor) epollWatch() {
	events := make([]unix.EpollEvent, 64)
	for {
		n, err := unix.EpollWait(r.epfd, events, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			select {
			case <-r.closedCh:
				return
			default:
			}
			r.log.Error("epoll_wait", zap.Error(err))
			return
		}
		batch := make([]unix.EpollEvent, n)
		copy(batch, events[:n])
		select {
		case r.readyCh <- batch:
		case <-r.closedCh:
			return
		}
	}
}

// ShutdownSignal reports whether the loop should exit. Callers wire this
// to uhttpd.ShuttingDown so the reactor package doesn't depend on it
// directly (keeps this package import-cycle-free from the root package).
type ShutdownSignal func() bool

// Run drains ready sources, expired timers, and posted callbacks until
// shouldStop reports true. Per spec.md §4.1, sources within one readiness
// batch are dispatched in unspecified order.
func (r *Reactor) Run(shouldStop ShutdownSignal) {
	go r.epollWatch()

	for !shouldStop() {
		var timerC <-chan time.Time
		var timer *time.Timer
		if deadline, ok := r.nearestDeadline(); ok {
			d := time.Until(deadline)
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
			timerC = timer.C
		}

		select {
		case batch := <-r.readyCh:
			r.dispatchBatch(batch)
		case fn := <-r.postCh:
			fn()
		case <-timerC:
			r.fireDueTimers()
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (r *Reactor) dispatchBatch(batch []unix.EpollEvent) {
	for _, ev := range batch {
		fd := int(ev.Fd)
		if fd == r.wakeR {
			r.drainWake()
			continue
		}
		src, ok := r.fds[fd]
		if !ok {
			continue
		}
		var mask EventMask
		if ev.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			mask |= Readable
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			mask |= Writable
		}
		if mask != 0 {
			src.cb(mask)
		}
	}
}

func (r *Reactor) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(r.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}
