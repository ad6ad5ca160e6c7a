package uhttpd

import (
	"net"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/netpipe/uhttpd-portable/internal/cgi"
	"github.com/netpipe/uhttpd-portable/internal/httpparse"
	"github.com/netpipe/uhttpd-portable/internal/listener"
	"github.com/netpipe/uhttpd-portable/internal/reactor"
	"github.com/netpipe/uhttpd-portable/internal/static"
	"github.com/netpipe/uhttpd-portable/internal/transport"
)

// Client is spec.md §3's "Client (connection)": created on accept,
// destroyed on EOF, error, timeout, or response completion. All of its
// state is exclusive to the connection (spec.md §5: "Per-connection state
// is exclusive to that connection"), and every field here is only ever
// touched from the reactor goroutine.
type Client struct {
	id string

	fd   int
	srv  *Server
	ln   *listener.Listener
	tr   transport.Transport
	isTLS bool

	peerAddr, localAddr net.Addr

	parser       *httpparse.Parser
	headerDone   bool
	req          *httpparse.Request
	dispatched   bool
	bodyPrefix   []byte
	bodyRemain   int64 // -1 = unknown/stream-to-EOF, 0 = none left

	outBuf          []byte
	writableArmed   bool
	closeAfterFlush bool
	closeReason     error
	dead            bool

	idleTimer *reactor.Timer

	child            *cgi.Process
	sup              *cgi.Supervisor
	respHdr          *cgi.ResponseParser
	cgiHeaderSent    bool
	cgiBodyRemaining int64 // -1 = no Content-Length, stream to child EOF
	cgiSentAnyBytes  bool

	childStdinBuf             []byte
	childStdinArmed           bool
	childStdinCloseAfterFlush bool
}

func newClient(srv *Server, ln *listener.Listener, acc *listener.Accepted, tr transport.Transport, isTLS bool) *Client {
	return &Client{
		id:        uuid.NewString(),
		fd:        acc.FD,
		srv:       srv,
		ln:        ln,
		tr:        tr,
		isTLS:     isTLS,
		peerAddr:  acc.PeerAddr,
		localAddr: acc.LocalAddr,
		parser:    httpparse.New(),
		bodyRemain: -1,
	}
}

func (c *Client) log() *zap.Logger { return Log().With(zap.String("conn_id", c.id)) }

// start registers the connection with the reactor and arms its idle timer.
func (c *Client) start() {
	c.ln.Acquire()
	c.resetIdleTimer()
	if c.isTLS {
		// TLS connections are driven by internal/transport.TLS's
		// reader/writer goroutines and its Notify callback (wired by the
		// caller to post c.onTLSWake onto the reactor), not by epoll
		// directly: the raw fd is
		// now owned by the wrapped net.Conn/tls.Conn, not this Client.
		return
	}
	if err := c.srv.reactor.RegisterFD(c.fd, reactor.Readable, c.onFDReady); err != nil {
		c.log().Error("register client fd", zap.Error(err))
		c.close(ResourceError{Reason: "epoll register failed"})
		return
	}
}

// onFDReady is the fd callback registered with the reactor for c.fd: it
// dispatches on the observed mask, since a registered fd has exactly one
// callback (armWritable widens the same registration to Readable|Writable
// rather than adding a second one). Writable readiness drains outBuf first,
// matching spec.md §5's writable-interest backpressure point.
func (c *Client) onFDReady(mask reactor.EventMask) {
	if mask&reactor.Writable != 0 {
		c.flushWrite()
		if c.dead {
			return
		}
	}
	if mask&reactor.Readable != 0 {
		c.onReadable(mask)
	}
}

func (c *Client) resetIdleTimer() {
	if c.idleTimer != nil {
		c.idleTimer.Disarm()
	}
	c.idleTimer = c.srv.reactor.RegisterTimer(c.srv.cfg.NetworkTimeout, c.onIdleTimeout)
}

func (c *Client) onIdleTimeout() {
	if !c.headerDone {
		c.writeStatusOnlyAndClose(TimeoutError{Kind: TimeoutHeaders})
		return
	}
	c.close(TimeoutError{Kind: TimeoutConnection})
}

// onReadable pumps bytes from the transport. Before the header is parsed
// it feeds the incremental parser; afterward, surplus bytes (the POST
// body) are routed to the CGI child's stdin when one exists.
func (c *Client) onReadable(mask reactor.EventMask) {
	if c.dead {
		return
	}
	var buf [4096]byte
	for {
		n, err := c.tr.Recv(buf[:])
		if err != nil {
			switch err {
			case transport.ErrWouldBlock:
				return
			case transport.ErrEOF:
				c.onClientEOF()
				return
			default:
				c.close(TransportError{Underlying: err})
				return
			}
		}
		if n == 0 {
			return
		}
		c.resetIdleTimer()
		c.onBytes(buf[:n])
		if c.dead {
			return
		}
	}
}

func (c *Client) onBytes(data []byte) {
	if !c.headerDone {
		tail, complete, err := c.parser.Feed(data)
		if err != nil {
			c.writeStatusOnlyAndClose(ClientProtocolError{Status: 413, Reason: err.Error()})
			return
		}
		if !complete {
			return
		}
		c.headerDone = true
		req, perr := c.parser.Parse()
		if perr != nil {
			status := 400
			if perr == httpparse.ErrHeaderTooLarge {
				status = 413
			} else if sc, ok := perr.(interface{ Status() int }); ok {
				status = sc.Status()
			}
			c.writeStatusOnlyAndClose(ClientProtocolError{Status: status, Reason: perr.Error()})
			return
		}
		c.req = req
		c.bodyPrefix = tail
		Dispatch(c)
		return
	}

	// Header already parsed: remaining bytes are body, destined for the
	// CGI child's stdin if one exists (static responses never read body).
	c.feedBodyToChild(data)
}

// feedBodyToChild writes further POST body bytes to the CGI child's stdin,
// trimming to bodyRemain when Content-Length bounds the body (spec.md §4.7:
// "the request body already buffered plus any further POST bytes from the
// client are written to the child's stdin; EOF on the client body closes
// stdin"). Bytes handed to writeChildStdin are buffered, not necessarily
// written yet, so bodyRemain is decremented by the accepted length rather
// than by what the stdin pipe actually accepted this call.
func (c *Client) feedBodyToChild(data []byte) {
	if c.child == nil || len(data) == 0 || c.bodyRemain == 0 {
		return
	}
	if c.bodyRemain > 0 && int64(len(data)) > c.bodyRemain {
		data = data[:c.bodyRemain]
	}
	c.writeChildStdin(data)
	if c.bodyRemain > 0 {
		c.bodyRemain -= int64(len(data))
		if c.bodyRemain <= 0 {
			c.bodyRemain = 0
			c.closeChildStdinAfterFlush()
		}
	}
}

// writeChildStdin buffers data for the CGI child's stdin and attempts an
// immediate flush, mirroring enqueueWrite's client-socket backpressure
// handling (spec.md §5): a pipe full of unread child input must arm
// writable interest on the stdin fd rather than silently drop bytes once
// rawWrite reports EAGAIN.
func (c *Client) writeChildStdin(data []byte) {
	if c.child == nil || len(data) == 0 {
		return
	}
	c.childStdinBuf = append(c.childStdinBuf, data...)
	c.flushChildStdin()
}

// closeChildStdinAfterFlush closes the child's stdin once childStdinBuf has
// fully drained, instead of immediately, for the same reason
// closeAfterDrain defers the connection close: an immediate CloseStdin
// while bytes are still buffered would truncate the request body the CGI
// script actually sees.
func (c *Client) closeChildStdinAfterFlush() {
	if c.child == nil {
		return
	}
	if len(c.childStdinBuf) == 0 {
		c.disarmChildStdinWritable()
		_ = c.child.CloseStdin()
		return
	}
	c.childStdinCloseAfterFlush = true
}

func (c *Client) flushChildStdin() {
	if c.child == nil {
		return
	}
	for len(c.childStdinBuf) > 0 {
		n, err := rawWrite(c.child.StdinFD, c.childStdinBuf)
		if err != nil {
			c.disarmChildStdinWritable()
			c.childStdinBuf = nil
			c.childStdinCloseAfterFlush = false
			return
		}
		if n == 0 {
			c.armChildStdinWritable()
			return
		}
		c.childStdinBuf = c.childStdinBuf[n:]
	}
	c.disarmChildStdinWritable()
	if c.childStdinCloseAfterFlush {
		c.childStdinCloseAfterFlush = false
		_ = c.child.CloseStdin()
	}
}

// armChildStdinWritable and disarmChildStdinWritable register/remove the
// child's stdin fd with the reactor for Writable events; unlike the
// client's own fd, stdin is not registered at all until the first
// WouldBlock write, since most CGI requests have little or no body.
func (c *Client) armChildStdinWritable() {
	if c.childStdinArmed {
		return
	}
	c.childStdinArmed = true
	_ = c.srv.reactor.RegisterFD(c.child.StdinFD, reactor.Writable, c.onChildStdinWritable)
}

func (c *Client) disarmChildStdinWritable() {
	if !c.childStdinArmed {
		return
	}
	c.childStdinArmed = false
	c.srv.reactor.RemoveFD(c.child.StdinFD)
}

func (c *Client) onChildStdinWritable(mask reactor.EventMask) {
	c.flushChildStdin()
}

func (c *Client) onClientEOF() {
	if c.child != nil {
		// Client disconnected mid-request: close our copies of both pipes
		// so the child observes EOF/EPIPE, stop pumping its stdout, and
		// wait for the child-exit callback to free the connection
		// (spec.md §4.7 "Completion": "the supervisor closes its copy of
		// the pipes... and waits for child exit before freeing the
		// connection").
		c.srv.reactor.RemoveFD(c.child.StdoutFD)
		_ = c.child.CloseStdin()
		_ = c.child.CloseStdout()
		return
	}
	c.close(nil)
}

// registerCGIStdout wires the child's stdout into the reactor and the
// Supervisor's exit callback into onCGIChildExit (spec.md §4.7).
func registerCGIStdout(c *Client) {
	c.sup.OnExit = c.onCGIChildExit
	if err := c.srv.reactor.RegisterFD(c.child.StdoutFD, reactor.Readable, c.onCGIReadable); err != nil {
		c.writeStatusOnlyAndClose(UpstreamError{Reason: "register cgi stdout", Underlying: err})
	}
}

// onCGIReadable pumps bytes from the child's stdout, per spec.md §4.7
// "I/O pumping": header mode until the CGI header terminator, then body
// mode, passed to the response parser.
func (c *Client) onCGIReadable(mask reactor.EventMask) {
	if c.dead {
		return
	}
	var buf [8192]byte
	for {
		n, err := unix.Read(c.child.StdoutFD, buf[:])
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			c.onCGIStdoutClosed()
			return
		}
		if n == 0 {
			c.onCGIStdoutClosed()
			return
		}
		c.resetIdleTimer()
		c.onCGIBytes(buf[:n])
		if c.dead {
			return
		}
	}
}

// onCGIBytes classifies child stdout bytes through header mode, then
// streams body mode bytes to the client (spec.md §4.7).
func (c *Client) onCGIBytes(data []byte) {
	if !c.cgiHeaderSent {
		tail, complete := c.respHdr.Feed(data)
		if !complete {
			return
		}
		hdr := c.respHdr.Parse()
		c.cgiHeaderSent = true
		c.cgiBodyRemaining = hdr.ContentLength

		resp := &static.Response{Status: hdr.Status, Reason: hdr.Reason}
		for _, h := range hdr.Passthrough {
			resp.Headers = append(resp.Headers, static.Header{Name: h.Name, Value: h.Value})
		}
		c.enqueueWrite(resp.HeaderBytes(c.req.Version.String()))
		c.cgiSentAnyBytes = true
		if len(tail) > 0 {
			c.writeCGIBody(tail)
		}
		return
	}
	c.writeCGIBody(data)
}

// writeCGIBody passes body bytes through unchanged, stopping after exactly
// Content-Length bytes when the CGI script supplied one (spec.md §4.7
// "Body mode").
func (c *Client) writeCGIBody(data []byte) {
	if c.cgiBodyRemaining >= 0 {
		if int64(len(data)) > c.cgiBodyRemaining {
			data = data[:c.cgiBodyRemaining]
		}
		c.cgiBodyRemaining -= int64(len(data))
	}
	if len(data) == 0 {
		return
	}
	c.cgiSentAnyBytes = true
	c.enqueueWrite(data)
	if c.cgiBodyRemaining == 0 {
		c.srv.reactor.RemoveFD(c.child.StdoutFD)
		_ = c.child.CloseStdout()
	}
}

// onCGIStdoutClosed handles EOF or a read error on the child's stdout. An
// absent header block by end-of-output is a 502 (spec.md §4.7); once the
// header was sent, an unbounded body (no Content-Length) is simply
// complete, and the connection is closed once the child actually exits
// (onCGIChildExit).
func (c *Client) onCGIStdoutClosed() {
	c.srv.reactor.RemoveFD(c.child.StdoutFD)
	if !c.cgiHeaderSent {
		c.writeStatusOnlyAndClose(UpstreamError{Reason: "no CGI response header block"})
	}
}

// onCGIChildExit is the Supervisor's exit callback: the connection is
// marked for close once any remaining buffered output is flushed (spec.md
// §4.7 "Completion"). If the child produced no bytes at all, the timeout or
// exec-failure status codes of §7 apply (504 if killed by the script
// timeout with nothing sent yet, else 502).
func (c *Client) onCGIChildExit(state *reactor.ProcessState) {
	if c.dead {
		return
	}
	if !c.cgiSentAnyBytes {
		if c.sup.KilledByTimeout() {
			c.writeStatusOnlyAndClose(TimeoutError{Kind: TimeoutScriptNoBytes})
			return
		}
		c.writeStatusOnlyAndClose(UpstreamError{Reason: "cgi child exited without producing output", Underlying: state.Err})
		return
	}
	c.closeAfterDrain(nil)
}

// enqueueWrite appends to the pending output buffer and attempts an
// immediate flush; if the transport reports WouldBlock, writable interest
// is armed so flushWrite resumes on the next readiness event (spec.md §5
// backpressure point 3).
func (c *Client) enqueueWrite(b []byte) {
	c.outBuf = append(c.outBuf, b...)
	c.flushWrite()
}

func (c *Client) flushWrite() {
	for len(c.outBuf) > 0 {
		n, err := c.tr.Send(c.outBuf)
		if err != nil {
			if err == transport.ErrWouldBlock {
				c.armWritable()
				return
			}
			c.close(TransportError{Underlying: err})
			return
		}
		c.resetIdleTimer()
		c.outBuf = c.outBuf[n:]
	}
	c.disarmWritable()
	if c.closeAfterFlush {
		c.closeAfterFlush = false
		c.close(c.closeReason)
	}
}

// closeAfterDrain closes the connection once outBuf has fully drained,
// instead of immediately: enqueueWrite may have left bytes unsent after a
// WouldBlock Send, and an immediate close would discard them, truncating
// the response (spec.md §8's round-trip law). flushWrite performs the
// actual close once outBuf empties, including the case where it is already
// empty right now.
func (c *Client) closeAfterDrain(reason error) {
	if len(c.outBuf) == 0 {
		c.close(reason)
		return
	}
	c.closeAfterFlush = true
	c.closeReason = reason
}

// armWritable and disarmWritable only touch epoll for plaintext
// connections; a TLS connection's Send never blocks the caller (it
// enqueues into internal/transport.TLS's buffer), so it has no writable
// readiness to arm.
func (c *Client) armWritable() {
	if c.writableArmed || c.isTLS {
		return
	}
	c.writableArmed = true
	_ = c.srv.reactor.ModifyFD(c.fd, reactor.Readable|reactor.Writable)
}

func (c *Client) disarmWritable() {
	if !c.writableArmed || c.isTLS {
		return
	}
	c.writableArmed = false
	_ = c.srv.reactor.ModifyFD(c.fd, reactor.Readable)
}

// onTLSWake is the TLS transport's Notify callback (posted onto the
// reactor goroutine via reactor.Post, see internal/transport.TLS): new
// plaintext may have arrived, or buffered send data may now have gone
// out, so both sides are re-driven.
func (c *Client) onTLSWake() {
	if c.dead {
		return
	}
	c.onReadable(reactor.Readable)
	if !c.dead {
		c.flushWrite()
	}
}

// writeStatusOnlyAndClose writes a canned status-line-only response for
// errors detected before or during header parsing, then closes.
func (c *Client) writeStatusOnlyAndClose(err error) {
	status := 400
	if sc, ok := err.(statusCoder); ok {
		status = sc.StatusCode()
	}
	body := []byte(cannedBody(status))
	head := []byte("HTTP/1.1 " + strconv.Itoa(status) + " " + static.StatusText(status) + "\r\n" +
		"Connection: close\r\n" +
		"Content-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n")
	c.enqueueWrite(append(head, body...))
	c.closeAfterDrain(err)
}

// close tears down the connection: closes the transport and fd, disarms
// timers, releases the listener slot. Per spec.md §8: "Every connection is
// fully reaped (all fds closed, all timers disarmed) before being
// removed."
func (c *Client) close(reason error) {
	if c.dead {
		return
	}
	c.dead = true
	if c.idleTimer != nil {
		c.idleTimer.Disarm()
	}
	if reason != nil {
		c.log().Debug("connection closed", zap.Error(reason))
	}
	if !c.isTLS {
		c.srv.reactor.RemoveFD(c.fd)
	}
	_ = c.tr.Close()
	if !c.isTLS {
		_ = closeFD(c.fd)
	}
	if c.child != nil {
		c.srv.reactor.RemoveFD(c.child.StdoutFD)
		if c.childStdinArmed {
			c.childStdinArmed = false
			c.srv.reactor.RemoveFD(c.child.StdinFD)
		}
		_ = c.child.CloseStdin()
		_ = c.child.CloseStdout()
	}
	c.ln.Release()
}
