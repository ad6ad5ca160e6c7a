package httpparse

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFeedCompletesOnTerminator(t *testing.T) {
	p := New()
	tail, complete, err := p.Feed([]byte("GET / HTTP/1.0\r\n\r\nbodybytes"))
	require.NoError(t, err)
	require.True(t, complete)
	require.Equal(t, "bodybytes", string(tail))
}

func TestFeedAcrossMultipleCalls(t *testing.T) {
	p := New()
	_, complete, err := p.Feed([]byte("GET / HTTP/1.0\r\n"))
	require.NoError(t, err)
	require.False(t, complete)

	tail, complete, err := p.Feed([]byte("\r\n"))
	require.NoError(t, err)
	require.True(t, complete)
	require.Empty(t, tail)
}

func TestFeedExactly4096Accepted(t *testing.T) {
	p := New()

	// Build a prelude that is exactly 4096 bytes and ends in the terminator.
	reqLine := "GET / HTTP/1.0\r\n"
	header := "X-Pad: "
	terminator := "\r\n\r\n"
	fillLen := MaxHeaderBytes - len(reqLine) - len(header) - len(terminator)
	require.True(t, fillLen >= 0)
	prelude := reqLine + header + strings.Repeat("a", fillLen) + terminator
	require.Equal(t, MaxHeaderBytes, len(prelude))

	_, complete, err := p.Feed([]byte(prelude))
	require.NoError(t, err)
	require.True(t, complete)
}

func TestFeed4097WithoutTerminatorYieldsTooLarge(t *testing.T) {
	p := New()
	body := "GET / HTTP/1.0\r\n" + strings.Repeat("a", MaxHeaderBytes)
	_, _, err := p.Feed([]byte(body))
	require.ErrorIs(t, err, ErrHeaderTooLarge)
}

func TestParseRequestLineAndHeaders(t *testing.T) {
	p := New()
	_, complete, err := p.Feed([]byte("GET /index.html HTTP/1.1\r\nHost: example\r\nX-Foo:   bar\r\n\r\n"))
	require.NoError(t, err)
	require.True(t, complete)

	req, err := p.Parse()
	require.NoError(t, err)
	require.Equal(t, "GET", req.Method)
	require.Equal(t, "/index.html", req.URL)
	require.Equal(t, Version11, req.Version)

	v, ok := req.Header("host")
	require.True(t, ok)
	require.Equal(t, "example", v)

	v, ok = req.Header("X-Foo")
	require.True(t, ok)
	require.Equal(t, "bar", v)
}

func TestParseLowercaseMethodRejected(t *testing.T) {
	p := New()
	_, _, _ = p.Feed([]byte("get / HTTP/1.0\r\n\r\n"))
	_, err := p.Parse()
	require.Error(t, err)
	pe, ok := err.(interface{ Status() int })
	require.True(t, ok)
	require.Equal(t, 405, pe.Status())
}

func TestParseBareCRAndBareLFAcceptedIndividually(t *testing.T) {
	p := New()
	_, _, _ = p.Feed([]byte("GET / HTTP/1.0\rHost: h\n\r\n"))
	req, err := p.Parse()
	require.NoError(t, err)
	v, ok := req.Header("Host")
	require.True(t, ok)
	require.Equal(t, "h", v)
}

func TestContentLength(t *testing.T) {
	p := New()
	_, _, _ = p.Feed([]byte("POST /x HTTP/1.1\r\nContent-Length: 5\r\n\r\n"))
	req, err := p.Parse()
	require.NoError(t, err)
	n, ok, err := req.ContentLength()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 5, n)
}
