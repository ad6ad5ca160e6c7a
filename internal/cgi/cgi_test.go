package cgi

import (
	"testing"

	"github.com/netpipe/uhttpd-portable/internal/httpparse"
	"github.com/stretchr/testify/require"
)

func TestBuildEnvIncludesHeadersAndCoreVars(t *testing.T) {
	env := BuildEnv(EnvRequest{
		Method:  "POST",
		Path:    "/cgi-bin/echo",
		Query:   "x=1",
		Version: "HTTP/1.1",
		Headers: []httpparse.Header{
			{Name: "Host", Value: "example"},
			{Name: "Content-Type", Value: "text/plain"},
			{Name: "Content-Length", Value: "5"},
			{Name: "X-Custom-Header", Value: "v"},
		},
		RedirectStatus: 200,
		ScriptName:     "/cgi-bin/echo",
		ScriptFilename: "/srv/www/cgi-bin/echo",
		ServerName:     "localhost",
		ServerPort:     "8080",
		RemoteAddr:     "127.0.0.1",
		RemotePort:     "5555",
	})

	require.Contains(t, env, "REQUEST_METHOD=POST")
	require.Contains(t, env, "REQUEST_URI=/cgi-bin/echo?x=1")
	require.Contains(t, env, "QUERY_STRING=x=1")
	require.Contains(t, env, "HTTP_HOST=example")
	require.Contains(t, env, "HTTP_X_CUSTOM_HEADER=v")
	require.Contains(t, env, "CONTENT_TYPE=text/plain")
	require.Contains(t, env, "CONTENT_LENGTH=5")
	require.Contains(t, env, "REDIRECT_STATUS=200")
	require.NotContains(t, env, "HTTPS=on")
}

func TestBuildEnvSetsHTTPSWhenTLS(t *testing.T) {
	env := BuildEnv(EnvRequest{Method: "GET", TLS: true})
	require.Contains(t, env, "HTTPS=on")
}

func TestResponseParserStatusAndPassthrough(t *testing.T) {
	p := NewResponseParser(8192)
	tail, complete := p.Feed([]byte("Status: 404 Not Found\r\nContent-Type: text/plain\r\n\r\nbody bytes"))
	require.True(t, complete)
	require.Equal(t, "body bytes", string(tail))

	h := p.Parse()
	require.Equal(t, 404, h.Status)
	require.Equal(t, "Not Found", h.Reason)
}

func TestResponseParserLocationImpliesRedirect(t *testing.T) {
	p := NewResponseParser(8192)
	_, complete := p.Feed([]byte("Location: /elsewhere\n\n"))
	require.True(t, complete)

	h := p.Parse()
	require.Equal(t, 302, h.Status)
}

func TestResponseParserLenientLFLFTerminator(t *testing.T) {
	p := NewResponseParser(8192)
	tail, complete := p.Feed([]byte("Content-Type: text/plain\n\nhello"))
	require.True(t, complete)
	require.Equal(t, "hello", string(tail))
}

func TestResponseParserFeedAcrossCalls(t *testing.T) {
	p := NewResponseParser(8192)
	_, complete := p.Feed([]byte("Content-Type: text/plain\r\n"))
	require.False(t, complete)
	tail, complete := p.Feed([]byte("\r\nbody"))
	require.True(t, complete)
	require.Equal(t, "body", string(tail))
}
