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

// Command uhttpd is the CLI entrypoint: flag parsing (spec.md §6), config
// file loading (internal/../config), the -d/-m utility modes, and
// daemonization, grounded on the teacher's caddy/caddymain/run.go for the
// flag-and-logger wiring shape and on uhttpd.c's main() for the option
// semantics and utility-mode early exits (SPEC_FULL.md §A, §C).
package main

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/klauspost/cpuid/v2"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	uhttpd "github.com/netpipe/uhttpd-portable"
	uhttpdconfig "github.com/netpipe/uhttpd-portable/config"
	"github.com/netpipe/uhttpd-portable/internal/listener"
)

const defaultConfigPath = "/etc/httpd.conf"

// daemonizedEnvVar marks a re-exec'd child as already detached, so it does
// not re-daemonize itself (SPEC_FULL.md §C: "background mode re-execs
// itself... with stdio redirected").
const daemonizedEnvVar = "UHTTPD_DAEMONIZED"

func main() {
	os.Exit(run(os.Args[1:]))
}

// stringList is a small flag.Value accumulating repeatable flags (-p, -s,
// -i), the idiom the stdlib flag package's own docs recommend and the one
// Caddy's older CLI (and uhttpd.c's option table) both rely on implicitly.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func run(args []string) int {
	fs := flag.NewFlagSet("uhttpd", flag.ContinueOnError)

	var (
		plainBinds stringList
		tlsBinds   stringList
		interps    stringList

		certFile   string
		keyFile    string
		docRoot    string
		errHandler string
		indexFile  string
		noSymlinks bool
		noDirlist  bool
		rfc1918    bool
		maxReq     int
		cgiPrefix  string
		scriptTO   int
		netTO      int
		keepAlive  int
		foreground bool
		configPath string
		realmName  string
		urldecode  string
		cryptPw    string
		logFile    string
	)

	fs.Var(&plainBinds, "p", "listen on [addr:]port (plaintext); may repeat")
	fs.Var(&tlsBinds, "s", "listen on [addr:]port (TLS); may repeat")
	fs.StringVar(&certFile, "C", "", "TLS certificate file")
	fs.StringVar(&keyFile, "K", "", "TLS private key file")
	fs.StringVar(&docRoot, "h", ".", "document root")
	fs.StringVar(&errHandler, "E", "", "URL invoked in place of a canned 404")
	fs.StringVar(&indexFile, "I", "", "index file tried for directory requests")
	fs.BoolVar(&noSymlinks, "S", false, "do not follow symlinks out of the document root")
	fs.BoolVar(&noDirlist, "D", false, "disable directory listing")
	fs.BoolVar(&rfc1918, "R", false, "reject RFC1918 peers on a non-RFC1918 listener")
	fs.IntVar(&maxReq, "n", 3, "max concurrent connections per listener")
	fs.StringVar(&cgiPrefix, "x", uhttpd.DefaultCGIPrefix, "URL prefix treated as CGI")
	fs.Var(&interps, "i", "interpreter binding .ext=/path/to/binary; may repeat")
	fs.IntVar(&scriptTO, "t", 60, "CGI script wall-clock timeout, seconds")
	fs.IntVar(&netTO, "T", 30, "connection idle timeout, seconds")
	fs.IntVar(&keepAlive, "A", 0, "TCP keepalive interval seconds (0 disables)")
	fs.BoolVar(&foreground, "f", false, "stay in the foreground instead of daemonizing")
	fs.StringVar(&configPath, "c", defaultConfigPath, "config file path")
	fs.StringVar(&realmName, "r", uhttpd.DefaultRealm, "default Basic-auth realm")
	fs.StringVar(&urldecode, "d", "", "urldecode the given string and exit")
	fs.StringVar(&cryptPw, "m", "", "hash the given password and exit")
	fs.StringVar(&logFile, "L", "", "log file path (rotated); default stderr")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if urldecode != "" {
		return runURLDecode(urldecode)
	}
	if cryptPw != "" {
		return runCrypt(cryptPw)
	}

	if !foreground {
		daemonize()
	}

	if err := uhttpd.SetLogger(uhttpd.LogConfig{Foreground: foreground, File: logFile}); err != nil {
		fmt.Fprintln(os.Stderr, "uhttpd: logger:", err)
		return 1
	}
	logStartupBanner()

	cfg := uhttpd.Config{
		DocumentRoot:     docRoot,
		IndexFile:        indexFile,
		ErrorHandler:     errHandler,
		Realm:            realmName,
		NoFollowSymlinks: noSymlinks,
		NoDirList:        noDirlist,
		RFC1918Filter:    rfc1918,
		MaxRequests:      maxReq,
		NetworkTimeout:   time.Duration(netTO) * time.Second,
		ScriptTimeout:    time.Duration(scriptTO) * time.Second,
		TCPKeepAlive:     time.Duration(keepAlive) * time.Second,
		CGIPrefix:        cgiPrefix,
		TLSCertFile:      certFile,
		TLSKeyFile:       keyFile,
	}

	for _, spec := range interps {
		it, err := parseInterpreterFlag(spec)
		if err != nil {
			fmt.Fprintln(os.Stderr, "uhttpd:", err)
			return 1
		}
		cfg.Interpreters = append(cfg.Interpreters, it)
	}

	cfgFile, err := uhttpdconfig.Load(configPath)
	switch {
	case err == nil:
		cfg = cfgFile.Apply(cfg)
	case os.IsNotExist(err) && configPath == defaultConfigPath:
		// No config file at the default path is not an error; -c with an
		// explicit path that doesn't exist is (spec.md §7: fatal startup
		// conditions exit 1).
	default:
		fmt.Fprintln(os.Stderr, "uhttpd: config:", err)
		return 1
	}

	var specs []listener.Spec
	for _, b := range plainBinds {
		spec, err := parseBindFlag(b)
		if err != nil {
			fmt.Fprintln(os.Stderr, "uhttpd:", err)
			return 1
		}
		specs = append(specs, spec)
	}
	for _, b := range tlsBinds {
		spec, err := parseBindFlag(b)
		if err != nil {
			fmt.Fprintln(os.Stderr, "uhttpd:", err)
			return 1
		}
		spec.WantTLS = true
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		specs = append(specs, listener.Spec{Port: 80})
	}

	srv, err := uhttpd.NewServer(cfg, specs)
	if err != nil {
		uhttpd.Log().Error("startup failed", zap.Error(err))
		return 1
	}
	defer srv.Close()

	uhttpd.TrapSignals(srv.Stop)
	if err := srv.Start(); err != nil {
		uhttpd.Log().Error("listener registration failed", zap.Error(err))
		return 1
	}
	srv.Run()
	return 0
}

func runURLDecode(s string) int {
	decoded, err := url.PathUnescape(s)
	if err != nil {
		fmt.Fprintln(os.Stderr, "uhttpd:", err)
		return 1
	}
	fmt.Println(decoded)
	return 0
}

func runCrypt(password string) int {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		fmt.Fprintln(os.Stderr, "uhttpd:", err)
		return 1
	}
	fmt.Println(string(hash))
	return 0
}

// parseBindFlag parses "[addr:]port" into a listener.Spec. A bare number is
// treated as a port on the wildcard address.
func parseBindFlag(s string) (listener.Spec, error) {
	if !strings.Contains(s, ":") {
		port, err := strconv.Atoi(s)
		if err != nil {
			return listener.Spec{}, fmt.Errorf("bad bind %q: %w", s, err)
		}
		return listener.Spec{Port: port}, nil
	}
	i := strings.LastIndexByte(s, ':')
	host, portStr := s[:i], s[i+1:]
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return listener.Spec{}, fmt.Errorf("bad bind %q: %w", s, err)
	}
	return listener.Spec{Host: host, Port: port}, nil
}

// parseInterpreterFlag parses "-i .ext=/path/to/binary".
func parseInterpreterFlag(s string) (uhttpd.Interpreter, error) {
	i := strings.IndexByte(s, '=')
	if i <= 0 {
		return uhttpd.Interpreter{}, fmt.Errorf("bad interpreter binding %q, want .ext=/path", s)
	}
	return uhttpd.Interpreter{Ext: s[:i], Path: s[i+1:]}, nil
}

// daemonize re-execs the process detached from the controlling terminal
// with stdio redirected to /dev/null, then exits the parent. Go cannot
// safely fork() a multi-threaded runtime, so this is the idiomatic stand-in
// for uhttpd.c's raw fork()-based daemonization (SPEC_FULL.md §C).
func daemonize() {
	if os.Getenv(daemonizedEnvVar) == "1" {
		return
	}
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		fmt.Fprintln(os.Stderr, "uhttpd: daemonize:", err)
		return
	}
	defer devNull.Close()

	wd, err := os.Getwd()
	if err != nil {
		wd = "/"
	}

	proc, err := os.StartProcess(os.Args[0], os.Args, &os.ProcAttr{
		Dir:   wd,
		Env:   append(os.Environ(), daemonizedEnvVar+"=1"),
		Files: []*os.File{devNull, devNull, devNull},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "uhttpd: daemonize:", err)
		return
	}
	_ = proc.Release()
	os.Exit(0)
}

// logStartupBanner logs a one-line capability banner, grounded on the CPU
// telemetry block in the teacher's caddy/caddymain/run.go; purely
// informational, no telemetry is transmitted (a non-goal per SPEC_FULL.md
// §B).
func logStartupBanner() {
	uhttpd.Log().Info("starting",
		zap.String("cpu", cpuid.CPU.BrandName),
		zap.Bool("aes_ni", cpuid.CPU.Supports(cpuid.AESNI)),
	)
}

