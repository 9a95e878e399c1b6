// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"slices"
	"sync"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/tidwall/jsonc"

	"github.com/bureau-foundation/codeloop/lib/llm"
	llmcontext "github.com/bureau-foundation/codeloop/lib/llm/context"
	"github.com/bureau-foundation/codeloop/lib/usage"
)

// Dialect names the wire format a provider speaks.
type Dialect string

const (
	DialectAnthropic Dialect = "anthropic"
	DialectOpenAI    Dialect = "openai"
)

// ErrUnknownProvider is returned for a provider id the catalog does
// not hold.
var ErrUnknownProvider = errors.New("unknown provider")

// ErrUnknownModel is returned when a provider does not list a model.
var ErrUnknownModel = errors.New("unknown model")

// ProviderConfig describes how to reach one provider.
type ProviderConfig struct {
	ID      string  `json:"id"`
	Dialect Dialect `json:"dialect"`

	// Endpoint is the request URL. ${VAR} references are expanded
	// from the credential source when the provider is built.
	Endpoint string `json:"endpoint"`

	// CredentialEnv names the variables that must be set for the
	// provider to be usable. The first is the API key.
	CredentialEnv []string `json:"credential_env"`

	// AuthHeader carries the API key. Defaults to x-api-key for
	// anthropic and Authorization for openai.
	AuthHeader string `json:"auth_header,omitempty"`

	// AuthScheme prefixes the key in AuthHeader ("Bearer" by default
	// for openai, none for anthropic).
	AuthScheme string `json:"auth_scheme,omitempty"`

	// Headers are sent with every request. Values expand ${VAR}.
	Headers map[string]string `json:"headers,omitempty"`

	// ModelsEndpoint, when set, lists models dynamically in the
	// OpenAI {"data":[{"id":...}]} shape. Static Models entries still
	// supply metadata for the ids they name.
	ModelsEndpoint string `json:"models_endpoint,omitempty"`

	Models []Model `json:"models,omitempty"`
}

// Model describes one model a provider serves.
type Model struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`

	// ContextLength is the context window in tokens. Zero falls back
	// to the built-in registry of known models.
	ContextLength int `json:"context_length,omitempty"`

	SupportsTools     bool `json:"supports_tools"`
	ParallelToolCalls bool `json:"parallel_tool_calls,omitempty"`
	Reasoning         bool `json:"reasoning,omitempty"`

	Pricing usage.Pricing `json:"pricing,omitzero"`
}

// ContextWindow returns the model's context length, consulting the
// known-model registry when the catalog does not declare one.
func (model Model) ContextWindow() int {
	if model.ContextLength > 0 {
		return model.ContextLength
	}
	return llmcontext.ContextWindowForModel(model.ID)
}

var identifierPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// Validate implements validation.Validatable.
func (provider ProviderConfig) Validate() error {
	return validation.ValidateStruct(&provider,
		validation.Field(&provider.ID, validation.Required, validation.Match(identifierPattern)),
		validation.Field(&provider.Dialect, validation.Required, validation.In(DialectAnthropic, DialectOpenAI)),
		validation.Field(&provider.Endpoint, validation.Required),
		validation.Field(&provider.CredentialEnv, validation.Each(validation.Required)),
		validation.Field(&provider.Models,
			validation.When(provider.ModelsEndpoint == "", validation.Required.Error("either models or models_endpoint is required"))),
	)
}

// Validate implements validation.Validatable.
func (model Model) Validate() error {
	return validation.ValidateStruct(&model,
		validation.Field(&model.ID, validation.Required),
		validation.Field(&model.ContextLength, validation.Min(0)),
	)
}

type catalogFile struct {
	Providers []ProviderConfig `json:"providers"`
}

// Catalog is the loaded set of providers. It is read-only after
// Load except for the cache of dynamically listed models.
type Catalog struct {
	providers   []ProviderConfig
	credentials *Credentials
	httpClient  *http.Client

	mutex   sync.Mutex
	fetched map[string][]Model
}

// Load reads a JSONC provider catalog.
func Load(path string, credentials *Credentials, httpClient *http.Client) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: reading %s: %w", path, err)
	}
	catalog, err := Parse(data, credentials, httpClient)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return catalog, nil
}

// Parse builds a catalog from JSONC bytes. JSON comments and trailing
// commas are accepted.
func Parse(data []byte, credentials *Credentials, httpClient *http.Client) (*Catalog, error) {
	var file catalogFile
	if err := json.Unmarshal(jsonc.ToJSON(data), &file); err != nil {
		return nil, fmt.Errorf("catalog: parsing: %w", err)
	}
	return New(file.Providers, credentials, httpClient)
}

// New validates providers and returns a catalog over them.
func New(providers []ProviderConfig, credentials *Credentials, httpClient *http.Client) (*Catalog, error) {
	var errs []error
	seen := make(map[string]bool, len(providers))
	for index, provider := range providers {
		if err := provider.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("provider %d (%q): %w", index, provider.ID, err))
			continue
		}
		if seen[provider.ID] {
			errs = append(errs, fmt.Errorf("provider %q declared twice", provider.ID))
		}
		seen[provider.ID] = true
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("catalog: %w", errors.Join(errs...))
	}
	if credentials == nil {
		credentials = NewCredentials(nil)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Catalog{
		providers:   slices.Clone(providers),
		credentials: credentials,
		httpClient:  httpClient,
		fetched:     make(map[string][]Model),
	}, nil
}

// Providers returns every provider in declaration order.
func (catalog *Catalog) Providers() []ProviderConfig {
	return slices.Clone(catalog.providers)
}

// Provider returns the provider with the given id.
func (catalog *Catalog) Provider(id string) (ProviderConfig, error) {
	for _, provider := range catalog.providers {
		if provider.ID == id {
			return provider, nil
		}
	}
	return ProviderConfig{}, fmt.Errorf("catalog: %w %q", ErrUnknownProvider, id)
}

// Models lists the provider's models. A provider with a models
// endpoint is queried once and the result cached; a failed fetch is
// not cached.
func (catalog *Catalog) Models(ctx context.Context, providerID string) ([]Model, error) {
	provider, err := catalog.Provider(providerID)
	if err != nil {
		return nil, err
	}
	if provider.ModelsEndpoint == "" {
		return slices.Clone(provider.Models), nil
	}

	catalog.mutex.Lock()
	cached, ok := catalog.fetched[providerID]
	catalog.mutex.Unlock()
	if ok {
		return slices.Clone(cached), nil
	}

	models, err := catalog.fetchModels(ctx, provider)
	if err != nil {
		return nil, err
	}
	catalog.mutex.Lock()
	catalog.fetched[providerID] = models
	catalog.mutex.Unlock()
	return slices.Clone(models), nil
}

// Resolve returns the descriptor for modelID under providerID.
func (catalog *Catalog) Resolve(ctx context.Context, providerID, modelID string) (Model, error) {
	models, err := catalog.Models(ctx, providerID)
	if err != nil {
		return Model{}, err
	}
	for _, model := range models {
		if model.ID == modelID {
			return model, nil
		}
	}
	return Model{}, fmt.Errorf("catalog: %w %q for provider %q", ErrUnknownModel, modelID, providerID)
}

// Build returns a provider adapter for providerID. A missing
// credential is reported as an [llm.ErrorAuth] provider error so
// callers handle it like a rejected key.
func (catalog *Catalog) Build(providerID string) (llm.Provider, error) {
	provider, err := catalog.Provider(providerID)
	if err != nil {
		return nil, err
	}
	endpoint, err := catalog.endpoint(provider, provider.Endpoint)
	if err != nil {
		return nil, err
	}
	switch provider.Dialect {
	case DialectAnthropic:
		return llm.NewAnthropic(catalog.httpClient, endpoint), nil
	case DialectOpenAI:
		return llm.NewOpenAI(catalog.httpClient, endpoint), nil
	default:
		return nil, fmt.Errorf("catalog: provider %q has unknown dialect %q", providerID, provider.Dialect)
	}
}

// endpoint expands rawURL and the provider headers, and attaches the
// credential header.
func (catalog *Catalog) endpoint(provider ProviderConfig, rawURL string) (llm.Endpoint, error) {
	var missing []string
	for _, name := range provider.CredentialEnv {
		if _, ok := catalog.credentials.Lookup(name); !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return llm.Endpoint{}, &llm.ProviderError{
			Kind:    llm.ErrorAuth,
			Message: fmt.Sprintf("provider %q: credential variables not set: %v", provider.ID, missing),
		}
	}

	url, err := catalog.credentials.Expand(rawURL)
	if err != nil {
		return llm.Endpoint{}, fmt.Errorf("catalog: provider %q endpoint: %w", provider.ID, err)
	}
	header := http.Header{}
	for name, value := range provider.Headers {
		expanded, err := catalog.credentials.Expand(value)
		if err != nil {
			return llm.Endpoint{}, fmt.Errorf("catalog: provider %q header %s: %w", provider.ID, name, err)
		}
		header.Set(name, expanded)
	}
	if len(provider.CredentialEnv) > 0 {
		key, _ := catalog.credentials.Lookup(provider.CredentialEnv[0])
		authHeader, authScheme := provider.authentication()
		if authScheme != "" {
			key = authScheme + " " + key
		}
		header.Set(authHeader, key)
	}
	return llm.Endpoint{URL: url, Header: header}, nil
}

func (provider ProviderConfig) authentication() (header, scheme string) {
	header, scheme = provider.AuthHeader, provider.AuthScheme
	if header == "" {
		switch provider.Dialect {
		case DialectAnthropic:
			header = "x-api-key"
		default:
			header = "Authorization"
			if scheme == "" {
				scheme = "Bearer"
			}
		}
	}
	return header, scheme
}

// fetchModels lists models from the provider's models endpoint,
// merging in static metadata for ids the catalog declares.
func (catalog *Catalog) fetchModels(ctx context.Context, provider ProviderConfig) ([]Model, error) {
	endpoint, err := catalog.endpoint(provider, provider.ModelsEndpoint)
	if err != nil {
		return nil, err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: creating models request: %w", err)
	}
	request.Header = endpoint.Header
	request.Header.Set("Accept", "application/json")

	response, err := catalog.httpClient.Do(request)
	if err != nil {
		return nil, &llm.ProviderError{
			Kind:    llm.ErrorUnavailable,
			Message: fmt.Sprintf("listing models for %q", provider.ID),
			Err:     err,
		}
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, &llm.ProviderError{
			Kind:       llm.KindForStatus(response.StatusCode),
			StatusCode: response.StatusCode,
			Message:    fmt.Sprintf("listing models for %q", provider.ID),
		}
	}

	var listing struct {
		Data []struct {
			ID            string `json:"id"`
			ContextLength int    `json:"context_length"`
		} `json:"data"`
	}
	if err := json.NewDecoder(response.Body).Decode(&listing); err != nil {
		return nil, &llm.ProviderError{
			Kind:    llm.ErrorMalformedResponse,
			Message: fmt.Sprintf("decoding model list for %q", provider.ID),
			Err:     err,
		}
	}

	models := make([]Model, 0, len(listing.Data))
	for _, entry := range listing.Data {
		model := Model{ID: entry.ID, ContextLength: entry.ContextLength, SupportsTools: true}
		if index := slices.IndexFunc(provider.Models, func(declared Model) bool { return declared.ID == entry.ID }); index >= 0 {
			model = provider.Models[index]
			if model.ContextLength == 0 {
				model.ContextLength = entry.ContextLength
			}
		}
		models = append(models, model)
	}
	slices.SortFunc(models, func(a, b Model) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return models, nil
}
