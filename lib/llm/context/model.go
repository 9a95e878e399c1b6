// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package context

import "strings"

// modelRegistry maps model identifiers to context window sizes in
// tokens. Catalog entries override it; this is only the fallback for
// models the catalog does not describe.
var modelRegistry = map[string]int{
	"claude-opus-4-6":            200_000,
	"claude-sonnet-4-5":          200_000,
	"claude-sonnet-4-5-20250929": 200_000,
	"claude-haiku-4-5":           200_000,
	"claude-haiku-4-5-20251001":  200_000,
	"claude-3-5-sonnet-20241022": 200_000,
	"claude-3-5-haiku-20241022":  200_000,

	"gpt-4o":       128_000,
	"gpt-4o-mini":  128_000,
	"gpt-4.1":      1_047_576,
	"gpt-4.1-mini": 1_047_576,
	"gpt-5":        400_000,
	"gpt-5-mini":   400_000,
	"o3":           200_000,
	"o3-mini":      200_000,
	"o4-mini":      200_000,

	"deepseek-chat":     64_000,
	"deepseek-reasoner": 64_000,

	"gemini-2.5-flash": 1_048_576,
	"gemini-2.5-pro":   1_048_576,

	"mistral-large-latest": 128_000,
	"qwen3-coder":          262_144,
}

// defaultContextWindow is used for models not in the registry.
const defaultContextWindow = 128_000

// ContextWindowForModel returns the context window for model. A
// provider prefix ("anthropic/claude-opus-4-6") is ignored. Unknown
// models get 128k.
func ContextWindowForModel(model string) int {
	if window, found := modelRegistry[model]; found {
		return window
	}
	if index := strings.LastIndexByte(model, '/'); index >= 0 {
		if window, found := modelRegistry[model[index+1:]]; found {
			return window
		}
	}
	return defaultContextWindow
}
