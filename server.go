package uhttpd

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/netpipe/uhttpd-portable/internal/auth"
	"github.com/netpipe/uhttpd-portable/internal/listener"
	"github.com/netpipe/uhttpd-portable/internal/pathresolver"
	"github.com/netpipe/uhttpd-portable/internal/reactor"
	"github.com/netpipe/uhttpd-portable/internal/transport"
)

// Server wires spec.md's components together: one Reactor, one or more
// Listeners, a path Resolver, an auth Gate, and the RequestHandler
// Registry from Design Notes §9.
type Server struct {
	cfg      Config
	reactor  *reactor.Reactor
	listeners []*listener.Listener
	resolver *pathresolver.Resolver
	gate     *auth.Gate
	registry *Registry

	interpreters map[string]string
}

// NewServer builds a Server from cfg and the bind specs the caller has
// parsed (one Spec per `-p`/`-s` flag); each Spec is expanded to its
// address families here, by internal/listener.Bind.
func NewServer(cfg Config, specs []listener.Spec) (*Server, error) {
	cfg = cfg.WithDefaults()

	interpreters := make(map[string]string, len(cfg.Interpreters))
	for _, it := range cfg.Interpreters {
		interpreters[it.Ext] = it.Path
	}

	resolver, err := pathresolver.New(cfg.DocumentRoot, cfg.IndexFile, cfg.CGIPrefix, interpreters, cfg.FollowSymlinks())
	if err != nil {
		return nil, fmt.Errorf("uhttpd: path resolver: %w", err)
	}

	gate := &auth.Gate{}
	for _, r := range cfg.AuthRealms {
		realm := r.Realm
		if realm == "" {
			realm = cfg.Realm
		}
		gate.Rules = append(gate.Rules, auth.Rule{
			URLPrefix: r.URLPrefix,
			Username:  r.Username,
			Check:     passwordChecker(r.Password),
			Realm:     realm,
		})
	}

	rc, err := reactor.New(Log())
	if err != nil {
		return nil, fmt.Errorf("uhttpd: reactor: %w", err)
	}

	srv := &Server{
		cfg:          cfg,
		reactor:      rc,
		resolver:     resolver,
		gate:         gate,
		registry:     &Registry{},
		interpreters: interpreters,
	}

	var tlsConf *tls.Config
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("uhttpd: load TLS keypair: %w", err)
		}
		tlsConf = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	for _, spec := range specs {
		if spec.WantTLS && spec.TLS == nil {
			if tlsConf == nil {
				rc.Close()
				return nil, fmt.Errorf("uhttpd: TLS listener requested but no certificate configured")
			}
			spec.TLS = tlsConf
		}
		spec.MaxRequests = cfg.MaxRequests
		spec.KeepAlive = cfg.TCPKeepAlive
		lns, err := listener.Bind(spec)
		if err != nil {
			rc.Close()
			return nil, fmt.Errorf("uhttpd: bind: %w", err)
		}
		srv.listeners = append(srv.listeners, lns...)
	}

	if len(srv.listeners) == 0 {
		rc.Close()
		return nil, fmt.Errorf("uhttpd: no listener bound")
	}

	return srv, nil
}

// passwordChecker selects the auth.Checker matching a realm's
// password_entry field (spec.md §3: "a crypt(3) string or empty"): empty
// always allows, a bcrypt hash (this rewrite's crypt(3) stand-in, see
// internal/auth.BcryptMatcher) is compared with bcrypt, anything else
// (from the config file or an AuthRealm built directly in Config) is
// compared as a plaintext password.
func passwordChecker(password string) auth.Checker {
	switch {
	case password == "":
		return auth.EmptyMatcher()
	case strings.HasPrefix(password, "$2a$"), strings.HasPrefix(password, "$2b$"), strings.HasPrefix(password, "$2y$"):
		return auth.BcryptMatcher(password)
	default:
		return auth.PlainMatcher(password)
	}
}

// Register adds a RequestHandler consulted at dispatcher step 3.
func (s *Server) Register(h RequestHandler) { s.registry.Register(h) }

// Start registers every listener's accept callback with the reactor. Run
// must be called afterward to actually drive the event loop.
func (s *Server) Start() error {
	for _, ln := range s.listeners {
		ln := ln
		if err := s.reactor.RegisterFD(ln.FD, reactor.Readable, func(mask reactor.EventMask) {
			s.onAcceptable(ln)
		}); err != nil {
			return fmt.Errorf("uhttpd: register listener: %w", err)
		}
		Log().Info("listening", zap.String("addr", ln.Addr))
	}
	return nil
}

func (s *Server) onAcceptable(ln *listener.Listener) {
	for ln.CanAccept() {
		acc, err := ln.Accept()
		if err != nil {
			if err == unix.EAGAIN {
				return
			}
			Log().Debug("accept", zap.Error(err))
			return
		}

		if ln.TLSConfig == nil {
			c := newClient(s, ln, acc, transport.NewPlain(acc.FD), false)
			c.start()
			continue
		}

		// TLS handshake is driven next (spec.md §4.2); since it blocks at
		// the record layer, it runs on a helper goroutine and the Client
		// is only constructed once it succeeds, via Post back onto the
		// reactor goroutine (see internal/transport.TLS's doc comment for
		// why this is the sanctioned bridge).
		go s.handshakeAndEnroll(ln, acc)
	}
}

func (s *Server) handshakeAndEnroll(ln *listener.Listener, acc *listener.Accepted) {
	f := os.NewFile(uintptr(acc.FD), "conn")
	rawConn, err := net.FileConn(f)
	f.Close() // net.FileConn dups internally; release our copy of the fd.
	if err != nil {
		return
	}
	tlsConn := tls.Server(rawConn, ln.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		Log().Debug("tls handshake failed", zap.Error(err))
		s.reactor.Post(func() { _ = tlsConn.Close() })
		return
	}
	tr := transport.NewTLS(tlsConn)
	s.reactor.Post(func() {
		if !ln.CanAccept() {
			_ = tr.Close()
			return
		}
		c := newClient(s, ln, acc, tr, true)
		tr.Notify = func() { s.reactor.Post(c.onTLSWake) }
		c.start()
		// Drain anything the reader goroutine buffered before Notify was
		// wired up.
		c.onReadable(reactor.Readable)
	})
}

// Run drives the event loop until ShuttingDown reports true.
func (s *Server) Run() {
	s.reactor.Run(ShuttingDown)
}

// Stop requests shutdown; Run returns once the loop observes it.
func (s *Server) Stop() {
	shuttingDown.Store(true)
	s.reactor.Stop()
}

// Close releases the reactor and every listening socket. Call after Run
// returns.
func (s *Server) Close() {
	for _, ln := range s.listeners {
		_ = ln.Close()
	}
	_ = s.reactor.Close()
}
