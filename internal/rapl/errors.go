// SPDX-FileCopyrightText: 2025 The Wattscope Authors
// SPDX-License-Identifier: Apache-2.0

package rapl

import "errors"

var (
	// ErrUnsupportedDomain indicates that a requested domain is not
	// exposed by the chosen backend on this hardware. Detected at
	// discovery; fatal only for the affected (socket, domain) pair.
	ErrUnsupportedDomain = errors.New("unsupported RAPL domain")

	// ErrPermissionDenied indicates insufficient privilege to open or
	// read a counter. Surfaced lazily on first read, never silently
	// turned into a zero reading.
	ErrPermissionDenied = errors.New("permission denied reading energy counter")

	// ErrRead indicates a transient or permanent I/O failure while
	// reading a counter. Per tick; it never aborts a session on its own.
	ErrRead = errors.New("energy counter read failed")
)
