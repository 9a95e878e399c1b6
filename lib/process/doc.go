// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the entrypoint helpers for the codeloop binary:
// reporting a fatal error to stderr before or after the structured
// logger exists, and mapping run()'s error to an exit status.
package process
