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

// Package transport implements the thin send/receive abstraction of
// spec.md §4.3: two operations, Recv and Send, each of which can report a
// byte count, EOF, WouldBlock, or a fatal error. Plain connections map
// these onto non-blocking socket calls directly; TLS connections drive a
// crypto/tls.Conn on background goroutines and surface the same shape.
package transport

import "errors"

// ErrWouldBlock is returned by Recv/Send when the operation could not
// complete without blocking; the caller should wait for the corresponding
// readiness event and retry.
var ErrWouldBlock = errors.New("transport: would block")

// ErrEOF is returned by Recv on a graceful peer close.
var ErrEOF = errors.New("transport: eof")

// Transport is implemented by both the plaintext and TLS adapters.
type Transport interface {
	// Recv reads into buf, returning the number of bytes read. It
	// returns (0, ErrWouldBlock) if no data is currently available, or
	// (0, ErrEOF) on a graceful close.
	Recv(buf []byte) (int, error)

	// Send writes buf, returning the number of bytes written (which may
	// be less than len(buf)). It returns (0, ErrWouldBlock) if the
	// socket buffer is full.
	Send(buf []byte) (int, error)

	// Close releases any resources (TLS state, duplicated fds) the
	// transport owns. The underlying fd's lifecycle is owned by the
	// Client, not the transport.
	Close() error
}
