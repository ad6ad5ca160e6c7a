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

// Package config loads the line-oriented config file of spec.md §6 (default
// path /etc/httpd.conf) and merges it with CLI-flag-derived settings into a
// uhttpd.Config. Parsing walks the file line by line with bufio.Scanner,
// grounded on the teacher's caddyhttp/basicauth.parseHtpasswd, which reads
// its own colon-delimited credential file the same way.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	uhttpd "github.com/netpipe/uhttpd-portable"
)

// File is the parsed contents of a config file: auth realms, the index
// file, the 404 error handler, and interpreter bindings, per spec.md §6's
// four recognized line forms. Any other line is ignored, matching
// uhttpd.c's permissive line parser.
type File struct {
	IndexFile    string
	ErrorHandler string
	Interpreters []uhttpd.Interpreter
	AuthRealms   []uhttpd.AuthRealm
}

// Load reads and parses the config file at path. A missing file is
// returned as the os.Open error; the caller (cmd/uhttpd) ignores it at the
// default path and treats it as fatal for an explicit -c path.
func Load(path string) (File, error) {
	f, err := os.Open(path)
	if err != nil {
		return File{}, err
	}
	defer f.Close()
	return Parse(f)
}

// Parse walks r line by line, recognizing spec.md §6's four line forms:
//
//	/<url_prefix>:<user>:<password_entry>   auth realm
//	I:<name>                                index file
//	E404:<url>                              error handler
//	*<.ext>:<interpreter_path>               interpreter binding
//
// Every other line, including blank lines and anything uhttpd.c would have
// treated as a comment, is ignored.
func Parse(r io.Reader) (File, error) {
	var out File
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		switch {
		case strings.HasPrefix(line, "/"):
			realm, err := parseRealmLine(line)
			if err != nil {
				return File{}, fmt.Errorf("config: line %d: %w", lineNo, err)
			}
			out.AuthRealms = append(out.AuthRealms, realm)
		case strings.HasPrefix(line, "I:"):
			out.IndexFile = line[len("I:"):]
		case strings.HasPrefix(line, "E404:"):
			out.ErrorHandler = line[len("E404:"):]
		case strings.HasPrefix(line, "*"):
			it, err := parseInterpreterLine(line)
			if err != nil {
				return File{}, fmt.Errorf("config: line %d: %w", lineNo, err)
			}
			out.Interpreters = append(out.Interpreters, it)
		default:
			// Unrecognized line form: ignored, per spec.md §6.
		}
	}
	if err := scanner.Err(); err != nil {
		return File{}, err
	}
	return out, nil
}

// parseRealmLine splits "/<prefix>:<user>:<password_entry>". password_entry
// may itself be empty (spec.md §3: "a crypt(3) string or empty").
func parseRealmLine(line string) (uhttpd.AuthRealm, error) {
	parts := strings.SplitN(line, ":", 3)
	if len(parts) < 2 {
		return uhttpd.AuthRealm{}, fmt.Errorf("malformed auth realm line %q", line)
	}
	realm := uhttpd.AuthRealm{URLPrefix: parts[0], Username: parts[1]}
	if len(parts) == 3 {
		realm.Password = parts[2]
	}
	return realm, nil
}

// parseInterpreterLine splits "*<.ext>:<interpreter_path>".
func parseInterpreterLine(line string) (uhttpd.Interpreter, error) {
	body := line[1:]
	i := strings.IndexByte(body, ':')
	if i <= 0 {
		return uhttpd.Interpreter{}, fmt.Errorf("malformed interpreter line %q", line)
	}
	return uhttpd.Interpreter{Ext: body[:i], Path: body[i+1:]}, nil
}

// Apply merges f into cfg, with cfg's own fields (set from CLI flags)
// taking precedence over the config file wherever the CLI already set a
// non-zero value — mirroring uhttpd.c's option precedence of "flags first,
// config file fills in the rest".
func (f File) Apply(cfg uhttpd.Config) uhttpd.Config {
	if cfg.IndexFile == "" {
		cfg.IndexFile = f.IndexFile
	}
	if cfg.ErrorHandler == "" {
		cfg.ErrorHandler = f.ErrorHandler
	}
	cfg.Interpreters = append(cfg.Interpreters, f.Interpreters...)
	cfg.AuthRealms = append(cfg.AuthRealms, f.AuthRealms...)
	return cfg
}
