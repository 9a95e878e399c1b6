// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package tool defines tools and runs the calls a model requests.
//
// A [Tool] declares a [Definition] (name, schema, side effect) and a
// Run method. The [Registry] holds every tool the process offers;
// each agent narrows it with an allow-list passed as
// [Options.Allowed].
//
// The [Executor] owns the global concurrency cap. A failure local to a
// call never escapes as a Go error: not-permitted tools, unknown
// tools, tool errors, panics, and cancellation all become failed
// [Result] values that the engine feeds back to the model.
package tool
