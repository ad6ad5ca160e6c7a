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

// Package uhttpd implements a small, embeddable HTTP/1.x server for
// resource-constrained environments. It serves static files from a
// document root, runs external scripts through a CGI gateway, enforces
// Basic authentication, and optionally speaks TLS.
//
// A single event loop (internal/reactor) multiplexes every listener and
// connection; no per-connection thread or process is used for I/O. The
// only true concurrency is between the server and the CGI children it
// supervises, and those communicate solely over pipes.
//
// To embed this package:
//
//  1. Build a Config (or load one with the config subpackage), and a
//     []listener.Spec describing what to bind.
//  2. Call NewServer(cfg, specs) to construct a Server.
//  3. Call Server.Start() to bind listener callbacks into the reactor.
//  4. Call Server.Run() to drive the event loop until Server.Stop() (or a
//     trapped signal, see TrapSignals) requests shutdown.
package uhttpd
