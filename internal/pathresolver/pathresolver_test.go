package pathresolver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustWriteRoot(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("hello"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "cgi-bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cgi-bin", "echo"), []byte("#!/bin/sh"), 0o755))
	return dir
}

func TestResolveIndexFile(t *testing.T) {
	root := mustWriteRoot(t)
	r, err := New(root, "index.html", "/cgi-bin", nil, true)
	require.NoError(t, err)

	info, notFound, err := r.Resolve("/")
	require.NoError(t, err)
	require.False(t, notFound)
	require.True(t, info.Redirected)
	require.Equal(t, "hello", mustRead(t, info.Phys))
}

func TestResolveCGIPrefixTagging(t *testing.T) {
	root := mustWriteRoot(t)
	r, err := New(root, "index.html", "/cgi-bin", nil, true)
	require.NoError(t, err)

	info, notFound, err := r.Resolve("/cgi-bin/echo")
	require.NoError(t, err)
	require.False(t, notFound)
	require.True(t, info.IsCGI)
}

func TestResolveInterpreterExtensionTagging(t *testing.T) {
	root := mustWriteRoot(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "page.php"), []byte("<?php"), 0o644))
	r, err := New(root, "index.html", "/cgi-bin", map[string]string{".php": "/usr/bin/php-cgi"}, true)
	require.NoError(t, err)

	info, notFound, err := r.Resolve("/page.php")
	require.NoError(t, err)
	require.False(t, notFound)
	require.True(t, info.IsCGI)
}

func TestResolveNotFound(t *testing.T) {
	root := mustWriteRoot(t)
	r, err := New(root, "index.html", "/cgi-bin", nil, true)
	require.NoError(t, err)

	_, notFound, err := r.Resolve("/missing")
	require.NoError(t, err)
	require.True(t, notFound)
}

func TestResolveSymlinkEscapeRejectedWhenFollowSymlinksFalse(t *testing.T) {
	root := mustWriteRoot(t)
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret"), []byte("s3cr3t"), 0o644))
	require.NoError(t, os.Symlink(filepath.Join(outside, "secret"), filepath.Join(root, "escape")))

	r, err := New(root, "index.html", "/cgi-bin", nil, false)
	require.NoError(t, err)

	_, _, err = r.Resolve("/escape")
	require.Error(t, err)
	_, ok := err.(SymlinkEscape)
	require.True(t, ok)
}

func TestResolveDotDotTraversalRejectedWhenFollowSymlinksFalse(t *testing.T) {
	root := mustWriteRoot(t)

	r, err := New(root, "index.html", "/cgi-bin", nil, false)
	require.NoError(t, err)

	_, _, err = r.Resolve("/../etc/passwd")
	require.Error(t, err)
	_, ok := err.(SymlinkEscape)
	require.True(t, ok)
}

func TestResolveDotDotWithinRootStillServed(t *testing.T) {
	root := mustWriteRoot(t)

	r, err := New(root, "index.html", "/cgi-bin", nil, false)
	require.NoError(t, err)

	info, notFound, err := r.Resolve("/cgi-bin/../index.html")
	require.NoError(t, err)
	require.False(t, notFound)
	require.Equal(t, "hello", mustRead(t, info.Phys))
}

func TestPrefixMatchRule(t *testing.T) {
	require.True(t, PrefixMatch("/cgi-bin", "/cgi-bin"))
	require.True(t, PrefixMatch("/cgi-bin", "/cgi-bin/echo"))
	require.True(t, PrefixMatch("/cgi-bin/", "/cgi-bin/echo"))
	require.False(t, PrefixMatch("/cgi-bin", "/cgi-binfoo"))
}

func mustRead(t *testing.T, p string) string {
	t.Helper()
	b, err := os.ReadFile(p)
	require.NoError(t, err)
	return string(b)
}
