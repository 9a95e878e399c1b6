// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package agentdef loads agent definitions from markdown files.
//
// An agent file is YAML frontmatter followed by a markdown body:
//
//	---
//	id: reviewer
//	tools: [read_file, list_files, search]
//	reasoning: true
//	---
//	Review the changes in {{.Workspace}} and report problems.
//
// The body is the system prompt, a text/template rendered with
// [PromptData]. When the frontmatter omits a description, the first
// paragraph of the body is used. Tool names are checked against the
// registered tools at load, so a typo fails startup instead of
// silently shrinking an agent's allow-list.
//
// Loaded agents are plain data: a [Registry] is built once and never
// mutated.
package agentdef
