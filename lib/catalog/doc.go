// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package catalog loads the provider catalog: which LLM providers are
// configured, how to reach them, and which models they serve.
//
// The catalog is a JSONC file (JSON with comments and trailing
// commas):
//
//	{
//	  "providers": [
//	    {
//	      "id": "anthropic",
//	      "dialect": "anthropic",
//	      "endpoint": "https://api.anthropic.com/v1/messages",
//	      "credential_env": ["ANTHROPIC_API_KEY"],
//	      "models": [
//	        {"id": "claude-sonnet-4-5", "context_length": 200000, "supports_tools": true,
//	         "parallel_tool_calls": true, "pricing": {"input": 3, "output": 15}},
//	      ],
//	    },
//	  ],
//	}
//
// Providers are validated at load. Credentials are never stored in
// the catalog; [Credentials] resolves the variables a provider names
// from the environment and an optional .env file, and [Catalog.Build]
// reports a missing credential as an authentication failure.
package catalog
