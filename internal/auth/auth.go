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

// Package auth implements spec.md §4.5 step 5 (the auth gate): longest-
// prefix matching against a realm table, Basic credential parsing, and a
// pluggable password Checker.
//
// The constant-time comparison scheme is PlainMatcher from the teacher's
// caddyhttp/basicauth/basicauth.go, carried over verbatim in spirit
// (sha1 the candidate and the reference, then crypto/subtle.
// ConstantTimeCompare the digests so equal-length comparisons never leak
// timing on the stored password's length).
package auth

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Rule protects URLPrefix with a single username + Checker.
type Rule struct {
	URLPrefix string
	Username  string
	Check     Checker
	Realm     string
}

// Checker decides whether a presented password matches a stored credential.
// The default PlainMatcher compares plaintext passwords in constant time;
// a configuration layer that reads crypt(3) hashes from a config file can
// supply its own Checker without this package knowing the hash scheme.
type Checker func(password string) bool

// PlainMatcher returns a Checker comparing pw to want using a constant-time
// digest comparison, matching caddyhttp/basicauth.PlainMatcher.
func PlainMatcher(want string) Checker {
	wantSum := sha1.Sum([]byte(want))
	return func(pw string) bool {
		gotSum := sha1.Sum([]byte(pw))
		return subtle.ConstantTimeCompare(gotSum[:], wantSum[:]) == 1
	}
}

// BcryptMatcher returns a Checker comparing candidate passwords against a
// bcrypt hash, the stand-in this rewrite uses for the crypt(3) hash
// uhttpd.c's config file stores in a realm's password_entry field (spec.md
// §6): bcrypt.CompareHashAndPassword already runs in constant time and is
// the same hash the teacher's caddyauth.BcryptHash module uses, so no
// separate timing-safe comparison is layered on top here.
func BcryptMatcher(hash string) Checker {
	h := []byte(hash)
	return func(pw string) bool {
		return bcrypt.CompareHashAndPassword(h, []byte(pw)) == nil
	}
}

// EmptyMatcher always allows, for a realm entry whose password_entry field
// is empty (spec.md §3: "password_entry is a crypt(3) string or empty").
func EmptyMatcher() Checker {
	return func(string) bool { return true }
}

// Gate holds the ordered realm table. Rules are consulted in the order
// given by Match, which picks the longest matching URLPrefix (spec.md
// §4.5 step 5: "the most specific matching auth_realms entry").
type Gate struct {
	Rules []Rule
}

// Match returns the most specific rule protecting urlPath, or ok=false if
// none applies.
func (g *Gate) Match(urlPath string) (Rule, bool) {
	var best Rule
	found := false
	for _, r := range g.Rules {
		if !prefixMatch(r.URLPrefix, urlPath) {
			continue
		}
		if !found || len(r.URLPrefix) > len(best.URLPrefix) {
			best = r
			found = true
		}
	}
	return best, found
}

// prefixMatch mirrors pathresolver.PrefixMatch; duplicated locally (rather
// than imported) to keep this leaf package free of a dependency on the
// path resolver for a three-line rule.
func prefixMatch(prefix, urlPath string) bool {
	if prefix == urlPath {
		return true
	}
	if strings.HasSuffix(prefix, "/") {
		return strings.HasPrefix(urlPath, prefix)
	}
	return strings.HasPrefix(urlPath, prefix) && len(urlPath) > len(prefix) && urlPath[len(prefix)] == '/'
}

// Verdict is the outcome of Authenticate.
type Verdict int

const (
	Allowed Verdict = iota
	Denied
	NotProtected
)

// Authenticate checks the request's Authorization header (as seen on the
// wire, already split into name/value by the header parser) against the
// realm table for urlPath.
func Authenticate(g *Gate, urlPath string, authorizationHeader string) (Verdict, string) {
	rule, protected := g.Match(urlPath)
	if !protected {
		return NotProtected, ""
	}

	user, pass, ok := parseBasicHeader(authorizationHeader)
	if !ok || user != rule.Username || !rule.Check(pass) {
		return Denied, rule.Realm
	}
	return Allowed, rule.Realm
}

// ChallengeHeader builds the WWW-Authenticate header value for realm.
func ChallengeHeader(realm string) string {
	return `Basic realm="` + realm + `"`
}

// parseBasicHeader decodes "Basic <base64(user:pass)>".
func parseBasicHeader(header string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return "", "", false
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}
