package transport

import (
	"golang.org/x/sys/unix"
)

// Plain is a non-blocking plaintext transport directly over a raw socket
// fd, transliterating uh_tcp_recv/uh_tcp_send from uhttpd.c.
type Plain struct {
	fd int
}

// NewPlain wraps fd, which must already be non-blocking.
func NewPlain(fd int) *Plain { return &Plain{fd: fd} }

func (p *Plain) Recv(buf []byte) (int, error) {
	n, err := unix.Read(p.fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	if n == 0 {
		return 0, ErrEOF
	}
	return n, nil
}

func (p *Plain) Send(buf []byte) (int, error) {
	n, err := unix.Write(p.fd, buf)
	if err != nil {
		if err == unix.EAGAIN {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}

// Close is a no-op: the fd belongs to the Client, not the transport.
func (p *Plain) Close() error { return nil }
