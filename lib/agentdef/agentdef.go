// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package agentdef

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"text/template"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"
)

// AllTools in an agent's tool list grants every registered tool.
const AllTools = "*"

// ErrUnknownAgent is returned for an agent id the registry does not
// hold.
var ErrUnknownAgent = errors.New("unknown agent")

// Config is an immutable agent definition.
type Config struct {
	ID          string
	Description string

	// Tools is the allow-list, sorted. It never contains AllTools;
	// the wildcard is expanded against the known tools at load.
	Tools []string

	// Reasoning requests extended reasoning from models that support
	// it, with ReasoningBudget tokens.
	Reasoning       bool
	ReasoningBudget int

	// Provider and Model override the session's selection when set.
	Provider string
	Model    string

	prompt *template.Template
}

// frontmatter is the YAML header of an agent file.
type frontmatter struct {
	ID              string   `yaml:"id"`
	Description     string   `yaml:"description"`
	Tools           []string `yaml:"tools"`
	Reasoning       bool     `yaml:"reasoning"`
	ReasoningBudget int      `yaml:"reasoning_budget"`
	Provider        string   `yaml:"provider"`
	Model           string   `yaml:"model"`
}

// defaultReasoningBudget applies when reasoning is on and no budget
// is given.
const defaultReasoningBudget = 8192

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// PromptData is the data the system prompt template renders with.
type PromptData struct {
	Workspace string
	Model     string
	Agent     string
	Date      string
}

// NewPromptData fills Date from now.
func NewPromptData(workspace, model, agent string, now time.Time) PromptData {
	return PromptData{
		Workspace: workspace,
		Model:     model,
		Agent:     agent,
		Date:      now.Format(time.DateOnly),
	}
}

// Allows reports whether the agent may call tool.
func (config *Config) Allows(tool string) bool {
	_, found := slices.BinarySearch(config.Tools, tool)
	return found
}

// Render executes the system prompt template.
func (config *Config) Render(data PromptData) (string, error) {
	var buffer bytes.Buffer
	if err := config.prompt.Execute(&buffer, data); err != nil {
		return "", fmt.Errorf("agentdef: rendering %s prompt: %w", config.ID, err)
	}
	return strings.TrimSpace(buffer.String()), nil
}

// Parse parses one agent file. name is the file name; its stem is
// the id when the frontmatter does not set one. knownTools is the set
// of registered tool names; naming any other tool is an error.
func Parse(name string, data []byte, knownTools []string) (*Config, error) {
	header, body, err := splitFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("agentdef: %s: %w", name, err)
	}

	var fields frontmatter
	if len(header) > 0 {
		decoder := yaml.NewDecoder(bytes.NewReader(header))
		decoder.KnownFields(true)
		if err := decoder.Decode(&fields); err != nil {
			return nil, fmt.Errorf("agentdef: %s: parsing frontmatter: %w", name, err)
		}
	}
	if fields.ID == "" {
		fields.ID = strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	}
	if fields.Description == "" {
		fields.Description = firstParagraph(body)
	}
	if fields.Reasoning && fields.ReasoningBudget == 0 {
		fields.ReasoningBudget = defaultReasoningBudget
	}

	if err := fields.validate(knownTools); err != nil {
		return nil, fmt.Errorf("agentdef: %s: %w", name, err)
	}

	prompt, err := template.New(fields.ID).Option("missingkey=error").Parse(string(body))
	if err != nil {
		return nil, fmt.Errorf("agentdef: %s: parsing prompt template: %w", name, err)
	}

	return &Config{
		ID:              fields.ID,
		Description:     fields.Description,
		Tools:           expandTools(fields.Tools, knownTools),
		Reasoning:       fields.Reasoning,
		ReasoningBudget: fields.ReasoningBudget,
		Provider:        fields.Provider,
		Model:           fields.Model,
		prompt:          prompt,
	}, nil
}

func (fields *frontmatter) validate(knownTools []string) error {
	allowed := make([]any, 0, len(knownTools)+1)
	allowed = append(allowed, AllTools)
	for _, tool := range knownTools {
		allowed = append(allowed, tool)
	}
	return validation.ValidateStruct(fields,
		validation.Field(&fields.ID, validation.Required, validation.Match(idPattern)),
		validation.Field(&fields.Tools, validation.Each(validation.Required, validation.In(allowed...).Error("is not a registered tool"))),
		validation.Field(&fields.ReasoningBudget, validation.Min(0)),
		validation.Field(&fields.Model, validation.When(fields.Provider != "", validation.Required.Error("is required when provider is set"))),
	)
}

func expandTools(tools, knownTools []string) []string {
	var expanded []string
	for _, tool := range tools {
		if tool == AllTools {
			expanded = append(expanded, knownTools...)
			continue
		}
		expanded = append(expanded, tool)
	}
	slices.Sort(expanded)
	return slices.Compact(expanded)
}

// splitFrontmatter separates a leading "---" delimited YAML block from
// the markdown body. A file without one is all body.
func splitFrontmatter(data []byte) (header, body []byte, err error) {
	data = bytes.TrimPrefix(data, []byte("\ufeff"))
	if !bytes.HasPrefix(data, []byte("---\n")) && !bytes.HasPrefix(data, []byte("---\r\n")) {
		return nil, data, nil
	}
	lines := bytes.SplitAfter(data, []byte("\n"))
	offset := len(lines[0])
	for _, line := range lines[1:] {
		if string(bytes.TrimSpace(line)) == "---" {
			return data[len(lines[0]):offset], data[offset+len(line):], nil
		}
		offset += len(line)
	}
	return nil, nil, errors.New("missing closing frontmatter delimiter '---'")
}

// firstParagraph returns the plain text of the first markdown
// paragraph of body, with its lines joined by spaces.
func firstParagraph(body []byte) string {
	document := goldmark.New().Parser().Parse(text.NewReader(body))
	var result string
	ast.Walk(document, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || node.Kind() != ast.KindParagraph {
			return ast.WalkContinue, nil
		}
		lines := node.Lines()
		parts := make([]string, 0, lines.Len())
		for index := range lines.Len() {
			segment := lines.At(index)
			parts = append(parts, strings.TrimSpace(string(segment.Value(body))))
		}
		result = strings.Join(parts, " ")
		return ast.WalkStop, nil
	})
	return result
}
