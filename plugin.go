package uhttpd

import (
	"github.com/netpipe/uhttpd-portable/internal/httpparse"
	"github.com/netpipe/uhttpd-portable/internal/pathresolver"
	"github.com/netpipe/uhttpd-portable/internal/static"
)

// RequestHandler is the compile-time capability interface Design Notes §9
// calls for in place of the original's dlopen/dlsym scripting-plugin
// resolution: "the core depends only on a narrow transport interface and
// an optional request-handler interface... a small set of capability
// interfaces with compile-time selection by feature flag, or an explicit
// runtime registry populated at startup."
//
// A RequestHandler is consulted at dispatcher step 3 (spec.md §4.5) when
// its Prefix is an ancestor of the request URL (per the GLOSSARY's
// "Prefix match" rule). No handlers ship by default; this is the seam a
// Lua or ubus integration would occupy in the original.
type RequestHandler interface {
	// Prefix returns the URL prefix this handler claims.
	Prefix() string

	// Handle processes req, returning handled=false to let the dispatcher
	// fall through to normal path lookup.
	Handle(req *httpparse.Request) (resp *static.Response, handled bool, err error)
}

// Registry holds the ordered set of registered RequestHandlers, populated
// at startup (spec.md §9: "an explicit runtime registry populated at
// startup"; no runtime code loading is performed).
type Registry struct {
	handlers []RequestHandler
}

// Register adds h to the registry.
func (r *Registry) Register(h RequestHandler) { r.handlers = append(r.handlers, h) }

// Match returns the first registered handler whose prefix matches urlPath.
func (r *Registry) Match(urlPath string) (RequestHandler, bool) {
	for _, h := range r.handlers {
		if pathresolver.PrefixMatch(h.Prefix(), urlPath) {
			return h, true
		}
	}
	return nil, false
}
