package uhttpd

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/netpipe/uhttpd-portable/internal/static"
)

// cannedBody is the minimal plain-text body used for responses built
// directly by the connection glue (protocol errors, timeouts) rather than
// by the static responder or CGI supervisor.
func cannedBody(status int) string {
	return fmt.Sprintf("%d %s\n", status, static.StatusText(status))
}

// rawWrite and closeFD wrap the two raw-fd syscalls the connection glue
// needs outside of the Transport interface (the CGI child's stdin pipe is
// not itself a Transport, and a Client's listening-socket-derived fd is
// closed directly once the transport has released its own resources).
func rawWrite(fd int, p []byte) (int, error) {
	n, err := unix.Write(fd, p)
	if err == unix.EAGAIN {
		return 0, nil
	}
	return n, err
}

func closeFD(fd int) error { return unix.Close(fd) }
