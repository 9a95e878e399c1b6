// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports the build version of the codeloop binary.
//
// Four package-level variables are injected at build time via
// -ldflags -X, for example:
//
//	go build -ldflags "-X github.com/bureau-foundation/codeloop/lib/version.GitCommit=$(git rev-parse --short HEAD)" ./cmd/codeloop
//
// When they are not injected, the VCS stamps the Go toolchain embeds
// are used, and failing that the defaults "unknown" and "0.1.0-dev".
package version
