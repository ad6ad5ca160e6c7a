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

// Package cgi implements spec.md §4.7, the CGI supervisor: environment
// construction, child exec, non-blocking stdio pumping through the
// reactor, CGI response header parsing, and script-timeout escalation.
package cgi

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/netpipe/uhttpd-portable/internal/httpparse"
)

// EnvRequest carries everything BuildEnv needs, independent of the
// dispatcher's own request representation, so this package stays a leaf.
type EnvRequest struct {
	Method         string
	Path           string // URL path, no query
	Query          string
	Version        string // "HTTP/1.1" etc.
	Headers        []httpparse.Header
	RedirectStatus int
	ScriptName     string
	ScriptFilename string
	PathInfo       string
	ServerName     string
	ServerPort     string
	RemoteAddr     string
	RemotePort     string
	TLS            bool
}

// BuildEnv constructs the CGI/1.1 variable set of spec.md §4.7, including
// one HTTP_<NAME> entry per request header (name uppercased, '-' -> '_');
// Content-Type and Content-Length are also exported as CONTENT_TYPE and
// CONTENT_LENGTH.
func BuildEnv(r EnvRequest) []string {
	env := []string{
		"REQUEST_METHOD=" + r.Method,
		"REQUEST_URI=" + requestURI(r.Path, r.Query),
		"QUERY_STRING=" + r.Query,
		"SCRIPT_NAME=" + r.ScriptName,
		"SCRIPT_FILENAME=" + r.ScriptFilename,
		"PATH_INFO=" + r.PathInfo,
		"SERVER_PROTOCOL=" + r.Version,
		"SERVER_NAME=" + r.ServerName,
		"SERVER_PORT=" + r.ServerPort,
		"REMOTE_ADDR=" + r.RemoteAddr,
		"REMOTE_PORT=" + r.RemotePort,
		"REDIRECT_STATUS=" + strconv.Itoa(r.RedirectStatus),
		"GATEWAY_INTERFACE=CGI/1.1",
	}

	if r.TLS {
		env = append(env, "HTTPS=on")
	}

	var contentType, contentLength string
	for _, h := range r.Headers {
		name := strings.ToUpper(strings.ReplaceAll(h.Name, "-", "_"))
		switch name {
		case "CONTENT_TYPE":
			contentType = h.Value
		case "CONTENT_LENGTH":
			contentLength = h.Value
		}
		env = append(env, fmt.Sprintf("HTTP_%s=%s", name, h.Value))
	}
	if contentType != "" {
		env = append(env, "CONTENT_TYPE="+contentType)
	}
	if contentLength != "" {
		env = append(env, "CONTENT_LENGTH="+contentLength)
	}

	return env
}

func requestURI(path, query string) string {
	if query == "" {
		return path
	}
	return path + "?" + query
}
