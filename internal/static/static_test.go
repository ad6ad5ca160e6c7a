package static

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "index.html")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestServeFileFullBody(t *testing.T) {
	p := writeTempFile(t, "hello world")
	resp, err := ServeFile(p, "GET", "", "")
	require.NoError(t, err)
	require.Equal(t, 200, resp.Status)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(body))
}

func TestServeFileHead(t *testing.T) {
	p := writeTempFile(t, "hello world")
	resp, err := ServeFile(p, "HEAD", "", "")
	require.NoError(t, err)
	require.Nil(t, resp.Body)
	require.Equal(t, int64(11), resp.BodyLen)
}

func TestServeFileIfModifiedSinceNotModified(t *testing.T) {
	p := writeTempFile(t, "hello world")
	future := time.Now().Add(time.Hour).UTC().Format(http1123)
	resp, err := ServeFile(p, "GET", future, "")
	require.NoError(t, err)
	require.Equal(t, 304, resp.Status)
}

func TestServeFileRange(t *testing.T) {
	p := writeTempFile(t, "0123456789")
	resp, err := ServeFile(p, "GET", "", "bytes=2-4")
	require.NoError(t, err)
	require.Equal(t, 206, resp.Status)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "234", string(body))
}

func TestServeFileMultiRangeFallsBackToFull(t *testing.T) {
	p := writeTempFile(t, "0123456789")
	resp, err := ServeFile(p, "GET", "", "bytes=0-1,3-4")
	require.NoError(t, err)
	require.Equal(t, 200, resp.Status)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "0123456789", string(body))
}

func TestServeDirListingSortsDirectoriesFirst(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "c_dir"), 0o755))

	resp, err := ServeDirListing(dir, "/", dir)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "c_dir/")
	require.Contains(t, string(body), "b.txt")
	require.Less(t, strings.Index(string(body), "c_dir/"), strings.Index(string(body), "b.txt"))
	require.NotContains(t, string(body), "../")
}
