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

// Package pathresolver implements spec.md §4.8: URL decode/normalize,
// join against the document root, symlink-escape enforcement, index-file
// resolution, and CGI prefix/extension tagging.
//
// The prefix-match rule (exact match, prefix ends in "/", or the next URL
// character is "/") is shared with the dispatcher's plugin-delegation step
// (§4.5 step 3) and the GLOSSARY's "Prefix match" entry; it lives here as
// PrefixMatch so both call sites use one implementation, grounded on the
// longest-prefix matching in the teacher's httpserver/path.go.
package pathresolver

import (
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Info is spec.md §3's PathInfo: a resolved request target plus metadata.
type Info struct {
	Name       string // normalized URL path
	Phys       string // canonical filesystem path (symlinks resolved), or the index file under it
	Stat       os.FileInfo
	IsCGI      bool
	IsDir      bool
	Redirected bool // true when an index file was substituted for a directory
}

// Resolver binds a canonicalized document root and the CGI tagging rules.
type Resolver struct {
	DocumentRoot    string // must already be filepath.Abs + EvalSymlinks'd
	IndexFile       string
	CGIPrefix       string
	Interpreters    map[string]string // extension -> interpreter path
	FollowSymlinks  bool
}

// New canonicalizes root and returns a Resolver. Per spec.md §4.8,
// "document_root is canonicalized at startup".
func New(root, indexFile, cgiPrefix string, interpreters map[string]string, followSymlinks bool) (*Resolver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, err
	}
	return &Resolver{
		DocumentRoot:   canon,
		IndexFile:      indexFile,
		CGIPrefix:      cgiPrefix,
		Interpreters:   interpreters,
		FollowSymlinks: followSymlinks,
	}, nil
}

// SymlinkEscape is returned when FollowSymlinks is false and the
// canonicalized target falls outside DocumentRoot.
type SymlinkEscape struct{ Path string }

func (e SymlinkEscape) Error() string { return "pathresolver: symlink escape: " + e.Path }

// Resolve maps a request URL to a PathInfo, per spec.md §4.8. notFound is
// true when the filesystem target does not exist (the dispatcher falls
// back to the configured error_handler or a canned 404 in that case).
func (r *Resolver) Resolve(rawURL string) (info *Info, notFound bool, err error) {
	decoded, err := url.PathUnescape(stripQuery(rawURL))
	if err != nil {
		return nil, false, err
	}

	normalized := normalize(decoded)
	isCGI := r.taggedCGI(normalized)

	phys := filepath.Join(r.DocumentRoot, filepath.FromSlash(normalized))

	if !r.FollowSymlinks {
		// normalize's path.Clean clamps ".." at the URL's own root before it
		// ever reaches DocumentRoot, so an explicit traversal like
		// "/../etc/passwd" would otherwise land back inside DocumentRoot
		// looking like an ordinary request. Re-join the decoded but
		// un-normalized path directly against DocumentRoot instead:
		// filepath.Join cleans the
		// combined string, so a genuine escape walks out of DocumentRoot
		// here and is caught before any stat, the same containment
		// uhttpd.c gets from realpath(docroot+url) plus a prefix check.
		rawPhys := filepath.Join(r.DocumentRoot, filepath.FromSlash(decoded))
		if !withinRoot(r.DocumentRoot, rawPhys) {
			return nil, false, SymlinkEscape{Path: rawPhys}
		}
	}

	st, statErr := os.Stat(phys)
	if statErr != nil {
		return nil, true, nil
	}

	canon, err := filepath.EvalSymlinks(phys)
	if err != nil {
		return nil, true, nil
	}
	if !r.FollowSymlinks && !withinRoot(r.DocumentRoot, canon) {
		return nil, false, SymlinkEscape{Path: canon}
	}

	out := &Info{Name: normalized, Phys: canon, Stat: st, IsCGI: isCGI, IsDir: st.IsDir()}

	if st.IsDir() && r.IndexFile != "" {
		indexPath := filepath.Join(canon, r.IndexFile)
		if ist, err := os.Stat(indexPath); err == nil && !ist.IsDir() {
			out.Phys = indexPath
			out.Stat = ist
			out.IsDir = false
			out.Redirected = true
			out.IsCGI = r.taggedCGI(path.Join(normalized, r.IndexFile))
		}
	}

	return out, false, nil
}

func stripQuery(rawURL string) string {
	if i := strings.IndexByte(rawURL, '?'); i >= 0 {
		return rawURL[:i]
	}
	return rawURL
}

// normalize collapses "." and ".." components textually and squashes
// repeated slashes, per spec.md §4.8, for display (Info.Name) and CGI
// tagging purposes. It clamps at "/" and so cannot by itself be used to
// detect a traversal escape against DocumentRoot; Resolve re-joins the
// decoded, un-normalized path directly against DocumentRoot for that check.
func normalize(p string) string {
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// withinRoot reports whether canon is root or a descendant of root.
func withinRoot(root, canon string) bool {
	if canon == root {
		return true
	}
	return strings.HasPrefix(canon, root+string(filepath.Separator))
}

// PrefixMatch implements the GLOSSARY's "Prefix match" rule: exact
// equality, or prefix ends in "/", or the URL character right after the
// prefix is "/".
func PrefixMatch(prefix, urlPath string) bool {
	if prefix == urlPath {
		return true
	}
	if strings.HasSuffix(prefix, "/") {
		return strings.HasPrefix(urlPath, prefix)
	}
	return strings.HasPrefix(urlPath, prefix) && len(urlPath) > len(prefix) && urlPath[len(prefix)] == '/'
}

// taggedCGI reports whether normalized is under CGIPrefix or has an
// extension bound to an interpreter, per spec.md §4.8's "CGI tagging".
func (r *Resolver) taggedCGI(normalized string) bool {
	if r.CGIPrefix != "" && PrefixMatch(r.CGIPrefix, normalized) {
		return true
	}
	ext := filepath.Ext(normalized)
	if ext == "" {
		return false
	}
	_, ok := r.Interpreters[ext]
	return ok
}
