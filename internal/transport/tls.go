package transport

import (
	"bytes"
	"crypto/tls"
	"io"
	"sync"
)

// TLS bridges a blocking crypto/tls.Conn onto the Transport interface's
// non-blocking Recv/Send shape. crypto/tls.Conn necessarily blocks at the
// record layer (there is no non-blocking TLS API in the standard
// library), so this adapter runs one reader goroutine and one writer
// goroutine and exposes their buffered state through Recv/Send, notifying
// the reactor via Notify whenever previously-unavailable data or send
// capacity appears. This keeps the TLS record layer itself out of the
// reactor thread while preserving the single-threaded-callbacks guarantee:
// Notify schedules work via reactor.Post, it never calls a callback
// directly from the reader/writer goroutines (see internal/reactor).
//
// Grounded on spec.md §4.3 and Design Notes §9 (TLS is an external
// collaborator behind a narrow transport interface); the goroutine-bridge
// technique mirrors how the teacher wraps net.Conn for MITM detection in
// caddyhttp/httpserver/mitm.go and https.go rather than reimplementing the
// record layer.
type TLS struct {
	conn *tls.Conn

	// Notify is called (from the reader/writer goroutines) whenever
	// buffered state changes in a way that might unblock a previously
	// WouldBlock'd Recv or Send. The caller is expected to pass a
	// reactor.Post-wrapped closure.
	Notify func()

	mu       sync.Mutex
	recvBuf  bytes.Buffer
	recvErr  error
	sendBuf  bytes.Buffer
	sendErr  error
	sendCond *sync.Cond
	closed   bool
}

// NewTLS wraps an already-accepted *tls.Conn. The caller is responsible
// for driving (or having already driven) the handshake; see the root
// package's Server.handshakeAndEnroll, which performs the handshake before
// handing the connection to the reactor at all, so Recv/Send never observe
// handshake latency as WouldBlock.
func NewTLS(conn *tls.Conn) *TLS {
	t := &TLS{conn: conn}
	t.sendCond = sync.NewCond(&t.mu)
	go t.readLoop()
	go t.writeLoop()
	return t
}

func (t *TLS) readLoop() {
	buf := make([]byte, 16*1024)
	for {
		n, err := t.conn.Read(buf)
		t.mu.Lock()
		if n > 0 {
			t.recvBuf.Write(buf[:n])
		}
		if err != nil {
			if t.recvErr == nil {
				t.recvErr = err
			}
		}
		t.mu.Unlock()
		if t.notify(); err != nil {
			return
		}
	}
}

func (t *TLS) writeLoop() {
	for {
		t.mu.Lock()
		for t.sendBuf.Len() == 0 && !t.closed {
			t.sendCond.Wait()
		}
		if t.closed && t.sendBuf.Len() == 0 {
			t.mu.Unlock()
			return
		}
		chunk := make([]byte, t.sendBuf.Len())
		copy(chunk, t.sendBuf.Bytes())
		t.sendBuf.Reset()
		t.mu.Unlock()

		_, err := t.conn.Write(chunk)
		t.mu.Lock()
		if err != nil && t.sendErr == nil {
			t.sendErr = err
		}
		t.mu.Unlock()
		t.notify()
		if err != nil {
			return
		}
	}
}

func (t *TLS) notify() bool {
	if t.Notify != nil {
		t.Notify()
	}
	return true
}

// Recv drains buffered plaintext. WouldBlock means the reader goroutine
// has not yet delivered more data; Notify will fire when it does.
func (t *TLS) Recv(buf []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.recvBuf.Len() > 0 {
		return t.recvBuf.Read(buf)
	}
	if t.recvErr != nil {
		if t.recvErr == io.EOF {
			return 0, ErrEOF
		}
		return 0, t.recvErr
	}
	return 0, ErrWouldBlock
}

// Send enqueues plaintext for the writer goroutine. It always accepts the
// whole buffer up to a soft cap to bound memory use under a stalled peer;
// beyond that it reports WouldBlock so the caller applies backpressure.
const maxPendingSend = 1 << 20 // 1 MiB

func (t *TLS) Send(buf []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sendErr != nil {
		return 0, t.sendErr
	}
	if t.sendBuf.Len() >= maxPendingSend {
		return 0, ErrWouldBlock
	}
	n, _ := t.sendBuf.Write(buf)
	t.sendCond.Signal()
	return n, nil
}

func (t *TLS) Close() error {
	t.mu.Lock()
	t.closed = true
	t.sendCond.Signal()
	t.mu.Unlock()
	return t.conn.Close()
}
