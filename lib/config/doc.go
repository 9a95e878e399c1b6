// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for codeloop.
//
// Configuration is loaded from a single file named by the
// CODELOOP_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There is no discovery and no fallback search.
//
// The file supports environment-specific sections (development,
// staging, production) that are decoded over the base values when
// [Config].Environment matches. Keys a section omits keep their base
// values.
//
// Path fields expand ${HOME}, ${CODELOOP_ROOT}, and ${VAR:-default}
// after loading. Validation runs last and reports every invalid field
// at once.
//
// This package depends on no other codeloop packages.
package config
