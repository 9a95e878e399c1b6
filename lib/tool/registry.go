// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tool

import (
	"fmt"
	"regexp"
	"slices"
	"sync"
)

// validName matches the tool names every provider accepts.
var validName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]{0,63}$`)

// Registry holds the tools available to the engine. Registration
// normally happens once at startup; lookups are safe from any
// goroutine.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds tools. A duplicate or invalid name is an error and
// nothing from the call is registered.
func (registry *Registry) Register(tools ...Tool) error {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	pending := make(map[string]bool, len(tools))
	for _, tool := range tools {
		definition := tool.Definition()
		if !validName.MatchString(definition.Name) {
			return fmt.Errorf("tool: invalid name %q", definition.Name)
		}
		switch definition.SideEffect {
		case ReadOnly, Mutating:
		default:
			return fmt.Errorf("tool: %s: unknown side effect %q", definition.Name, definition.SideEffect)
		}
		if _, exists := registry.tools[definition.Name]; exists || pending[definition.Name] {
			return fmt.Errorf("tool: %s is already registered", definition.Name)
		}
		pending[definition.Name] = true
	}
	for _, tool := range tools {
		registry.tools[tool.Definition().Name] = tool
	}
	return nil
}

// Lookup returns the tool registered under name.
func (registry *Registry) Lookup(name string) (Tool, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	tool, ok := registry.tools[name]
	return tool, ok
}

// Names returns every registered name in sorted order.
func (registry *Registry) Names() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	names := make([]string, 0, len(registry.tools))
	for name := range registry.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Definitions returns the definitions of the tools allowed admits,
// sorted by name. A nil allowed admits everything.
func (registry *Registry) Definitions(allowed func(name string) bool) []Definition {
	var definitions []Definition
	for _, name := range registry.Names() {
		if allowed != nil && !allowed(name) {
			continue
		}
		tool, ok := registry.Lookup(name)
		if !ok {
			continue
		}
		definitions = append(definitions, tool.Definition())
	}
	return definitions
}
