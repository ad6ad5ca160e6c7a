package uhttpd

import (
	"net"
	"strings"

	"github.com/netpipe/uhttpd-portable/internal/auth"
	"github.com/netpipe/uhttpd-portable/internal/cgi"
	"github.com/netpipe/uhttpd-portable/internal/pathresolver"
	"github.com/netpipe/uhttpd-portable/internal/static"
)

// Dispatch runs the decision procedure of spec.md §4.5 exactly once for
// c.req. It is the single entry point from the header parser into
// response generation.
func Dispatch(c *Client) {
	if c.dispatched {
		return
	}
	c.dispatched = true
	req := c.req

	// Step 1: Expect handling.
	if expect, ok := req.Header("Expect"); ok {
		if !strings.EqualFold(expect, "100-continue") {
			c.writeStatusOnlyAndClose(ClientProtocolError{Status: 417, Reason: "unsupported Expect"})
			return
		}
		c.enqueueWrite([]byte(req.Version.String() + " 100 Continue\r\n\r\n"))
	}

	// Step 2: RFC1918 filter.
	if c.srv.cfg.RFC1918Filter && isRFC1918(c.peerAddr) && !isRFC1918(c.localAddr) {
		c.writeStatusOnlyAndClose(ClientPolicyError{Reason: "RFC1918 filter"})
		return
	}

	dispatchPath(c, req.URL, req.RedirectStatus)
}

// dispatchPath implements steps 3-7; it is re-entered once, with the
// configured error_handler URL, when the initial path lookup fails
// (spec.md §4.5 step 7).
func dispatchPath(c *Client, urlPath string, redirectStatus int) {
	// Step 3: prefix handlers (Design Notes §9's RequestHandler registry).
	if h, ok := c.srv.registry.Match(urlPath); ok {
		resp, handled, err := h.Handle(c.req)
		if err != nil {
			c.writeStatusOnlyAndClose(UpstreamError{Reason: "request handler", Underlying: err})
			return
		}
		if handled {
			writeResponse(c, resp)
			return
		}
	}

	// Step 4: path lookup.
	info, notFound, err := c.srv.resolver.Resolve(urlPath)
	if err != nil {
		if _, ok := err.(pathresolver.SymlinkEscape); ok {
			c.writeStatusOnlyAndClose(ClientPolicyError{Reason: "symlink escape"})
			return
		}
		c.writeStatusOnlyAndClose(ResourceError{Reason: err.Error()})
		return
	}
	if notFound {
		handleNotFound(c, urlPath, redirectStatus)
		return
	}

	// Step 5: auth gate.
	authHeader, _ := c.req.Header("Authorization")
	verdict, realm := auth.Authenticate(c.srv.gate, urlPath, authHeader)
	if verdict == auth.Denied {
		resp := &static.Response{Status: 401}
		resp.Headers = append(resp.Headers, static.Header{Name: "WWW-Authenticate", Value: auth.ChallengeHeader(realm)})
		writeResponse(c, resp)
		return
	}

	// Step 6: CGI vs static.
	if info.IsDir {
		if !c.srv.cfg.AllowDirList() {
			c.writeStatusOnlyAndClose(ClientPolicyError{Reason: "directory listing disabled"})
			return
		}
		resp, err := static.ServeDirListing(info.Phys, info.Name, c.srv.resolver.DocumentRoot)
		if err != nil {
			c.writeStatusOnlyAndClose(NotFoundError{URL: urlPath})
			return
		}
		writeResponse(c, resp)
		return
	}

	if info.IsCGI {
		startCGI(c, info, redirectStatus)
		return
	}

	ims, _ := c.req.Header("If-Modified-Since")
	rng, _ := c.req.Header("Range")
	resp, err := static.ServeFile(info.Phys, c.req.Method, ims, rng)
	if err != nil {
		c.writeStatusOnlyAndClose(NotFoundError{URL: urlPath})
		return
	}
	writeResponse(c, resp)
}

// handleNotFound implements spec.md §4.5 step 7.
func handleNotFound(c *Client, failedURL string, redirectStatus int) {
	if c.srv.cfg.ErrorHandler != "" && failedURL != c.srv.cfg.ErrorHandler {
		dispatchPath(c, c.srv.cfg.ErrorHandler, 404)
		return
	}
	c.writeStatusOnlyAndClose(NotFoundError{URL: failedURL})
}

// writeResponse serializes a static.Response onto the wire. HEAD requests
// and already-headers-only responses (304, 401) have a nil Body.
func writeResponse(c *Client, resp *static.Response) {
	head := resp.HeaderBytes(c.req.Version.String())
	c.enqueueWrite(head)
	if resp.Body == nil {
		c.closeAfterDrain(nil)
		return
	}
	defer resp.Body.Close()
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			c.enqueueWrite(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			break
		}
	}
	c.closeAfterDrain(nil)
}

// startCGI spawns the child and wires its stdio into the reactor,
// implementing spec.md §4.7.
func startCGI(c *Client, info *pathresolver.Info, redirectStatus int) {
	ext := extOf(info.Name)
	interpreter := c.srv.interpreters[ext]

	localHost, localPort := splitHostPort(c.localAddr)
	remoteHost, remotePort := splitHostPort(c.peerAddr)

	env := cgi.BuildEnv(cgi.EnvRequest{
		Method:         c.req.Method,
		Path:           info.Name,
		Query:          queryOf(c.req.URL),
		Version:        c.req.Version.String(),
		Headers:        c.req.Headers,
		RedirectStatus: redirectStatus,
		ScriptName:     info.Name,
		ScriptFilename: info.Phys,
		PathInfo:       "",
		ServerName:     localHost,
		ServerPort:     localPort,
		RemoteAddr:     remoteHost,
		RemotePort:     remotePort,
		TLS:            c.isTLS,
	})

	proc, err := cgi.Spawn(info.Phys, interpreter, env)
	if err != nil {
		c.writeStatusOnlyAndClose(UpstreamError{Reason: "exec failed", Underlying: err})
		return
	}
	c.child = proc
	c.respHdr = cgi.NewResponseParser(8192)
	c.cgiBodyRemaining = -1

	c.sup = cgi.NewSupervisor(c.srv.reactor, proc, c.srv.cfg.ScriptTimeout)
	registerCGIStdout(c)

	prefixLen := int64(len(c.bodyPrefix))
	if prefixLen > 0 {
		c.writeChildStdin(c.bodyPrefix)
		c.bodyPrefix = nil
	}

	// bodyRemain bounds how many further client bytes feedBodyToChild will
	// still forward to the child's stdin (spec.md §4.7: "EOF on the client
	// body closes stdin"); a request with no Content-Length carries no body
	// to pump, so stdin is closed immediately (once any buffered prefix bytes
	// drain).
	if n, ok, _ := c.req.ContentLength(); ok {
		remaining := int64(n) - prefixLen
		if remaining <= 0 {
			c.bodyRemain = 0
			c.closeChildStdinAfterFlush()
		} else {
			c.bodyRemain = remaining
		}
	} else {
		c.bodyRemain = 0
		c.closeChildStdinAfterFlush()
	}
}

func extOf(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i:]
	}
	return ""
}

func queryOf(rawURL string) string {
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		return rawURL[i+1:]
	}
	return ""
}

func splitHostPort(addr net.Addr) (host, port string) {
	if addr == nil {
		return "", ""
	}
	h, p, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), ""
	}
	return h, p
}

func isRFC1918(addr net.Addr) bool {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok || tcp.IP == nil {
		return false
	}
	ip := tcp.IP.To4()
	if ip == nil {
		return false
	}
	switch {
	case ip[0] == 10:
		return true
	case ip[0] == 172 && ip[1] >= 16 && ip[1] <= 31:
		return true
	case ip[0] == 192 && ip[1] == 168:
		return true
	default:
		return false
	}
}
