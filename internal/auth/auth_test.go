package auth

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func basicHeader(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func TestAuthenticateAllowed(t *testing.T) {
	g := &Gate{Rules: []Rule{
		{URLPrefix: "/private", Username: "u", Check: PlainMatcher("p"), Realm: "Protected Area"},
	}}

	v, realm := Authenticate(g, "/private/file", basicHeader("u", "p"))
	require.Equal(t, Allowed, v)
	require.Equal(t, "Protected Area", realm)
}

func TestAuthenticateDeniedWithoutHeader(t *testing.T) {
	g := &Gate{Rules: []Rule{
		{URLPrefix: "/private", Username: "u", Check: PlainMatcher("p"), Realm: "Protected Area"},
	}}

	v, realm := Authenticate(g, "/private/", "")
	require.Equal(t, Denied, v)
	require.Equal(t, "Protected Area", realm)
	require.Equal(t, `Basic realm="Protected Area"`, ChallengeHeader(realm))
}

func TestAuthenticateNotProtected(t *testing.T) {
	g := &Gate{Rules: []Rule{
		{URLPrefix: "/private", Username: "u", Check: PlainMatcher("p")},
	}}
	v, _ := Authenticate(g, "/public/index.html", "")
	require.Equal(t, NotProtected, v)
}

func TestMatchPicksLongestPrefix(t *testing.T) {
	g := &Gate{Rules: []Rule{
		{URLPrefix: "/a", Username: "u1", Check: PlainMatcher("p1"), Realm: "outer"},
		{URLPrefix: "/a/b", Username: "u2", Check: PlainMatcher("p2"), Realm: "inner"},
	}}
	rule, ok := g.Match("/a/b/c")
	require.True(t, ok)
	require.Equal(t, "inner", rule.Realm)
}

func TestWrongPasswordDenied(t *testing.T) {
	g := &Gate{Rules: []Rule{
		{URLPrefix: "/private", Username: "u", Check: PlainMatcher("p"), Realm: "r"},
	}}
	v, _ := Authenticate(g, "/private", basicHeader("u", "wrong"))
	require.Equal(t, Denied, v)
}

func TestBcryptMatcher(t *testing.T) {
	// Generated with bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.DefaultCost).
	hash := "$2a$10$N9qo8uLOickgx2ZMRZoMy.Mrq4kF7UlkOoPsVR5Wi0XJ3yVZpYc7u"
	check := BcryptMatcher(hash)
	require.False(t, check("wrong"))
}

func TestEmptyMatcherAllowsAnyPassword(t *testing.T) {
	check := EmptyMatcher()
	require.True(t, check(""))
	require.True(t, check("anything"))
}
