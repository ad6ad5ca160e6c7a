package uhttpd

import "time"

// DefaultRealm is used when no realm is configured for a Basic-auth rule.
const DefaultRealm = "Protected Area"

// DefaultCGIPrefix is the URL prefix treated as CGI when none is configured.
const DefaultCGIPrefix = "/cgi-bin"

// Interpreter binds a file extension to the binary used to execute it,
// e.g. {Ext: ".php", Path: "/usr/bin/php-cgi"}.
type Interpreter struct {
	Ext  string
	Path string
}

// AuthRealm protects a URL prefix with a single username/password pair.
// Password is chosen by format when the Server is built: empty allows any
// password, a $2a$/$2b$/$2y$ value is a bcrypt hash, and anything else is
// a plaintext password compared in constant time (the teacher's
// PlainMatcher scheme, see DESIGN.md).
type AuthRealm struct {
	URLPrefix string
	Username  string
	Password  string
	Realm     string // display realm for this entry; falls back to Config.Realm
}

// Config holds every recognized server option. It is read-only once a
// Server has started (spec.md §5, "Shared resources").
type Config struct {
	// DocumentRoot is the absolute, canonicalized directory files are
	// served from. All served paths must resolve under it unless
	// FollowSymlinks permits an explicit escape.
	DocumentRoot string

	// IndexFile, if set, is tried when a request resolves to a directory.
	IndexFile string

	// ErrorHandler, if set, is a URL re-dispatched on what would
	// otherwise be a 404.
	ErrorHandler string

	// Realm is the default Basic-auth challenge realm.
	Realm string

	// NoFollowSymlinks, when true, rejects any resolved path that escapes
	// DocumentRoot through a symlink (403). Default false (symlinks
	// followed), matching uhttpd.c's no_symlinks flag.
	NoFollowSymlinks bool

	// NoDirList, when true, serves 403 instead of a directory listing
	// when a directory request has no index file. Default false.
	NoDirList bool

	// RFC1918Filter rejects requests whose peer address is RFC1918 but
	// whose local accept address is not (spec.md §4.5 step 2).
	RFC1918Filter bool

	// MaxRequests caps concurrent connections per listener. Default 3.
	MaxRequests int

	// NetworkTimeout is the idle read/write timeout per connection.
	// Default 30s.
	NetworkTimeout time.Duration

	// ScriptTimeout is the wall-clock budget for a CGI child before
	// SIGTERM, escalating to SIGKILL one second later. Default 60s.
	ScriptTimeout time.Duration

	// TCPKeepAlive, if > 0, enables SO_KEEPALIVE with this interval,
	// a 1s idle time, and a probe count of 3 (spec.md §3).
	TCPKeepAlive time.Duration

	// CGIPrefix is the URL prefix treated as CGI. Default "/cgi-bin".
	CGIPrefix string

	// Interpreters is the ordered list of extension -> binary fallbacks.
	Interpreters []Interpreter

	// AuthRealms is the ordered list of protected URL prefixes. The most
	// specific (longest) matching prefix wins.
	AuthRealms []AuthRealm

	// TLSCertFile and TLSKeyFile, if both set, enable TLS on `-s`
	// listeners (spec.md §6).
	TLSCertFile string
	TLSKeyFile  string
}

// FollowSymlinks reports whether resolved paths may escape DocumentRoot
// through a symlink.
func (cfg Config) FollowSymlinks() bool { return !cfg.NoFollowSymlinks }

// AllowDirList reports whether a directory without an index file should be
// listed rather than rejected with 403.
func (cfg Config) AllowDirList() bool { return !cfg.NoDirList }

// WithDefaults returns a copy of cfg with every zero-valued option set to
// its documented default (spec.md §3).
func (cfg Config) WithDefaults() Config {
	if cfg.Realm == "" {
		cfg.Realm = DefaultRealm
	}
	if cfg.CGIPrefix == "" {
		cfg.CGIPrefix = DefaultCGIPrefix
	}
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = 3
	}
	if cfg.NetworkTimeout <= 0 {
		cfg.NetworkTimeout = 30 * time.Second
	}
	if cfg.ScriptTimeout <= 0 {
		cfg.ScriptTimeout = 60 * time.Second
	}
	return cfg
}
