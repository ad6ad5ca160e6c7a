package config

import (
	"strings"
	"testing"

	uhttpd "github.com/netpipe/uhttpd-portable"
	"github.com/stretchr/testify/require"
)

func TestParseRecognizesAllLineForms(t *testing.T) {
	src := strings.Join([]string{
		"/private:admin:$2a$10$abcdefghijklmnopqrstuv",
		"/public:guest:",
		"I:index.html",
		"E404:/404.html",
		"*.php:/usr/bin/php-cgi",
		"# a comment line, ignored",
		"",
	}, "\n")

	f, err := Parse(strings.NewReader(src))
	require.NoError(t, err)

	require.Equal(t, "index.html", f.IndexFile)
	require.Equal(t, "/404.html", f.ErrorHandler)
	require.Len(t, f.Interpreters, 1)
	require.Equal(t, uhttpd.Interpreter{Ext: ".php", Path: "/usr/bin/php-cgi"}, f.Interpreters[0])

	require.Len(t, f.AuthRealms, 2)
	require.Equal(t, "admin", f.AuthRealms[0].Username)
	require.Equal(t, "$2a$10$abcdefghijklmnopqrstuv", f.AuthRealms[0].Password)
	require.Equal(t, "guest", f.AuthRealms[1].Username)
	require.Equal(t, "", f.AuthRealms[1].Password)
}

func TestParseRejectsMalformedRealmLine(t *testing.T) {
	_, err := Parse(strings.NewReader("/onlyprefix\n"))
	require.Error(t, err)
}

func TestApplyPrefersCLIOverFile(t *testing.T) {
	f := File{IndexFile: "from-file.html"}
	cfg := uhttpd.Config{IndexFile: "from-cli.html"}
	merged := f.Apply(cfg)
	require.Equal(t, "from-cli.html", merged.IndexFile)
}

func TestApplyFillsFromFileWhenCLIEmpty(t *testing.T) {
	f := File{IndexFile: "from-file.html"}
	merged := f.Apply(uhttpd.Config{})
	require.Equal(t, "from-file.html", merged.IndexFile)
}
