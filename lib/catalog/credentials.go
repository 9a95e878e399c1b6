// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
)

// Credentials resolves credential variables from the process
// environment, then from an optional .env file. The process
// environment wins so an exported key overrides a stale file.
type Credentials struct {
	file map[string]string
}

// NewCredentials returns a credential source backed by the process
// environment plus fileValues.
func NewCredentials(fileValues map[string]string) *Credentials {
	return &Credentials{file: fileValues}
}

// LoadCredentials reads envFile with godotenv. An empty path or a
// missing file yields a source backed by the environment alone.
func LoadCredentials(envFile string) (*Credentials, error) {
	if envFile == "" {
		return NewCredentials(nil), nil
	}
	values, err := godotenv.Read(envFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewCredentials(nil), nil
		}
		return nil, fmt.Errorf("catalog: reading %s: %w", envFile, err)
	}
	return NewCredentials(values), nil
}

// Lookup returns the value of name. Empty values count as unset.
func (credentials *Credentials) Lookup(name string) (string, bool) {
	if value := os.Getenv(name); value != "" {
		return value, true
	}
	if value := credentials.file[name]; value != "" {
		return value, true
	}
	return "", false
}

var referencePattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// Expand substitutes ${VAR} and ${VAR:-default} in template. A
// reference with no value and no default is an error.
func (credentials *Credentials) Expand(template string) (string, error) {
	var missing []string
	expanded := referencePattern.ReplaceAllStringFunc(template, func(match string) string {
		parts := referencePattern.FindStringSubmatch(match)
		if value, ok := credentials.Lookup(parts[1]); ok {
			return value
		}
		if strings.Contains(match, ":-") {
			return parts[2]
		}
		missing = append(missing, parts[1])
		return ""
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("undefined variables %v", missing)
	}
	return expanded, nil
}
