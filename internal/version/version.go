// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

// Package version builds the instrumentation-version strings passed
// to OpenTelemetry tracer providers by every package in this module.
package version

import "fmt"

type (
	// Version represents a package's instrumentation version, tracked
	// independently from the module's own release tags so internal
	// packages can evolve their span conventions without bumping the
	// module version.
	Version struct {
		major int
	}
)

// New returns a Version rooted at the given major revision.
func New(major int) Version {
	return Version{major: major}
}

// Alpha formats the version as a pre-release identifier, e.g.
// "0.0.0-alpha.1".
func (v Version) Alpha(n int) string {
	return fmt.Sprintf("%d.0.0-alpha.%d", v.major, n)
}

// String formats the version without a pre-release suffix.
func (v Version) String() string {
	return fmt.Sprintf("%d.0.0", v.major)
}
