// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentdef

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// DefaultAgent is the id of the built-in agent.
const DefaultAgent = "coder"

const defaultAgentSource = `---
description: General-purpose coding agent with full workspace access.
tools: ["*"]
---
You are a coding agent working in the repository at {{.Workspace}}.
Today is {{.Date}}. You are running as the {{.Agent}} agent on {{.Model}}.

Use the tools to inspect the code before changing it. Prefer small,
verifiable edits. Run the project's build or tests with the shell tool
after editing when the project has them. When the task is done, reply
with a short summary of what you changed.
`

// Registry is the immutable set of agents available to sessions.
type Registry struct {
	agents map[string]*Config
	order  []string
}

// NewRegistry builds a registry from configs. Later entries replace
// earlier ones with the same id.
func NewRegistry(configs ...*Config) *Registry {
	registry := &Registry{agents: make(map[string]*Config, len(configs))}
	for _, config := range configs {
		if _, exists := registry.agents[config.ID]; !exists {
			registry.order = append(registry.order, config.ID)
		}
		registry.agents[config.ID] = config
	}
	slices.Sort(registry.order)
	return registry
}

// Builtin returns the built-in coder agent allowed every known tool.
func Builtin(knownTools []string) *Config {
	config, err := Parse(DefaultAgent+".md", []byte(defaultAgentSource), knownTools)
	if err != nil {
		panic(fmt.Sprintf("agentdef: built-in agent does not parse: %v", err))
	}
	return config
}

// LoadDir loads every *.md file in dir on top of the built-in agent.
// A file named coder.md replaces the built-in. A missing directory
// yields just the built-in. Every file is parsed before any error is
// returned so one bad file does not hide another.
func LoadDir(dir string, knownTools []string) (*Registry, error) {
	configs := []*Config{Builtin(knownTools)}
	if dir == "" {
		return NewRegistry(configs...), nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return NewRegistry(configs...), nil
		}
		return nil, fmt.Errorf("agentdef: reading %s: %w", dir, err)
	}

	var errs []error
	seen := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("agentdef: reading %s: %w", path, err))
			continue
		}
		config, err := Parse(entry.Name(), data, knownTools)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if previous, exists := seen[config.ID]; exists {
			errs = append(errs, fmt.Errorf("agentdef: agent %q defined by both %s and %s", config.ID, previous, entry.Name()))
			continue
		}
		seen[config.ID] = entry.Name()
		configs = append(configs, config)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return NewRegistry(configs...), nil
}

// Get returns the agent with id.
func (registry *Registry) Get(id string) (*Config, error) {
	config, ok := registry.agents[id]
	if !ok {
		return nil, fmt.Errorf("agentdef: %w %q", ErrUnknownAgent, id)
	}
	return config, nil
}

// List returns every agent sorted by id.
func (registry *Registry) List() []*Config {
	configs := make([]*Config, 0, len(registry.order))
	for _, id := range registry.order {
		configs = append(configs, registry.agents[id])
	}
	return configs
}
