// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package version carries the build version stamped in via ldflags.
package version

// Version is set at build time via -ldflags "-X github.com/envoyproxy/authproxy/internal/version.Version=...".
var Version = "dev"
