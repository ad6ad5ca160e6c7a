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

// Package listener implements spec.md §4.2: binding one address:port across
// every available address family, with SO_REUSEADDR, IPV6_V6ONLY, and
// optional TCP keepalive, followed by a non-blocking accept loop gated on a
// per-listener concurrency cap.
//
// Sockets are raw fds obtained directly through golang.org/x/sys/unix
// rather than net.Listener, since the reactor (internal/reactor) needs bare
// fds to register with epoll; this mirrors the teacher's own descent to
// golang.org/x/sys/unix for socket option control in listen_linux.go and
// listen_unix.go, just one layer further down the stack (the teacher stays
// on net.Listener and only drops to unix.SetsockoptInt for options; a
// reactor-driven server needs the fd itself).
package listener

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

// Spec describes one `-p`/`-s` bind target.
type Spec struct {
	Host        string // empty means all families
	Port        int
	WantTLS     bool        // true for a -s bind; selects TLS at accept time
	TLS         *tls.Config // filled in by Server from the loaded cert/key once WantTLS is true
	MaxRequests int
	KeepAlive   time.Duration // 0 disables SO_KEEPALIVE
}

// Listener owns one bound, listening, non-blocking socket. Per spec.md §3
// ("Listener"), it refuses to accept beyond MaxRequests active clients.
type Listener struct {
	FD          int
	Addr        string
	TLSConfig   *tls.Config
	MaxRequests int

	active int
}

// Active reports the current accepted-but-not-yet-closed connection count.
func (l *Listener) Active() int { return l.active }

// CanAccept reports whether the listener is under its concurrency cap.
func (l *Listener) CanAccept() bool { return l.active < l.MaxRequests }

// Acquire records one more active client. Callers must pair with Release.
func (l *Listener) Acquire() { l.active++ }

// Release records a client's departure.
func (l *Listener) Release() {
	if l.active > 0 {
		l.active--
	}
}

// Close releases the listening socket.
func (l *Listener) Close() error { return unix.Close(l.FD) }

// Bind resolves every address family available for spec.Host (both IPv4 and
// IPv6 when Host is empty) and returns one bound, listening Listener per
// family, per spec.md §4.2.
func Bind(spec Spec) ([]*Listener, error) {
	families, err := resolveFamilies(spec.Host)
	if err != nil {
		return nil, err
	}

	backlog := spec.MaxRequests
	if backlog <= 0 {
		backlog = 3
	}

	var out []*Listener
	for _, fam := range families {
		ln, err := bindOne(fam, spec.Port, spec, backlog)
		if err != nil {
			for _, prior := range out {
				_ = prior.Close()
			}
			return nil, err
		}
		out = append(out, ln)
	}
	return out, nil
}

type family int

const (
	famInet family = iota
	famInet6
)

// resolveFamilies decides which address families to bind. An empty host
// binds the wildcard address on every family this host supports; an
// explicit host is resolved via net.LookupIP to the families it actually
// has addresses for (spec.md §4.2: "resolves all address families").
func resolveFamilies(host string) ([]family, error) {
	if host == "" {
		return []family{famInet, famInet6}, nil
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("listener: resolve %q: %w", host, err)
	}
	seen := map[family]bool{}
	var fams []family
	for _, ip := range ips {
		if ip.To4() != nil {
			if !seen[famInet] {
				seen[famInet] = true
				fams = append(fams, famInet)
			}
		} else {
			if !seen[famInet6] {
				seen[famInet6] = true
				fams = append(fams, famInet6)
			}
		}
	}
	if len(fams) == 0 {
		return nil, fmt.Errorf("listener: no usable address for %q", host)
	}
	return fams, nil
}

func bindOne(fam family, port int, spec Spec, backlog int) (*Listener, error) {
	domain := unix.AF_INET
	if fam == famInet6 {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("listener: socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listener: SO_REUSEADDR: %w", err)
	}

	if fam == famInet6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("listener: IPV6_V6ONLY: %w", err)
		}
	}

	if spec.KeepAlive > 0 {
		if err := applyKeepalive(fd, spec.KeepAlive); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("listener: keepalive: %w", err)
		}
	}

	var sa unix.Sockaddr
	if fam == famInet6 {
		addr := &unix.SockaddrInet6{Port: port}
		if spec.Host != "" {
			ip := net.ParseIP(spec.Host).To16()
			if ip != nil {
				copy(addr.Addr[:], ip)
			}
		}
		sa = addr
	} else {
		addr := &unix.SockaddrInet4{Port: port}
		if spec.Host != "" {
			ip := net.ParseIP(spec.Host).To4()
			if ip != nil {
				copy(addr.Addr[:], ip)
			}
		}
		sa = addr
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listener: bind: %w", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listener: listen: %w", err)
	}

	maxReq := spec.MaxRequests
	if maxReq <= 0 {
		maxReq = 3
	}

	return &Listener{
		FD:          fd,
		Addr:        net.JoinHostPort(spec.Host, strconv.Itoa(port)),
		TLSConfig:   spec.TLS,
		MaxRequests: maxReq,
	}, nil
}

// applyKeepalive sets SO_KEEPALIVE plus the idle/interval/probe-count triple
// from spec.md §3: "enable SO_KEEPALIVE with interval=value, idle=1s,
// count=3". The 1s idle time is intentionally aggressive, carried over
// verbatim from uhttpd.c per Design Notes §9's "probable bugs carried
// forward only as notes".
func applyKeepalive(fd int, interval time.Duration) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, 1); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, int(interval.Seconds())); err != nil {
		return err
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, 3)
}

// Accepted is one freshly-accepted, non-blocking, close-on-exec connection.
type Accepted struct {
	FD         int
	PeerAddr   net.Addr
	LocalAddr  net.Addr
}

// Accept accepts exactly one pending connection. Callers must check
// CanAccept first; Accept itself does not enforce the cap (spec.md §4.2:
// "if n_active_clients >= max_requests, do not accept").
func (l *Listener) Accept() (*Accepted, error) {
	fd, sa, err := unix.Accept4(l.FD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return nil, err
	}
	peer := sockaddrToNetAddr(sa)
	local := localAddr(fd)
	return &Accepted{FD: fd, PeerAddr: peer, LocalAddr: local}, nil
}

func sockaddrToNetAddr(sa unix.Sockaddr) net.Addr {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(s.Addr[:]), Port: s.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(s.Addr[:]), Port: s.Port}
	default:
		return nil
	}
}

func localAddr(fd int) net.Addr {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil
	}
	return sockaddrToNetAddr(sa)
}
