package llm

import (
	"net/http"
	"sort"
)

// Provider adapts the client to one wire protocol.
type Provider interface {
	// Name returns the identifier endpoints refer to (e.g. "ollama").
	Name() string

	// BuildURL constructs the full API endpoint URL. An empty base URL
	// selects the provider default.
	BuildURL(baseURL string) string

	// SetHeaders adds authentication and protocol headers.
	SetHeaders(req *http.Request)

	// BuildRequestBody creates the JSON request body. A nil temperature uses
	// the provider default; maxTokens <= 0 omits the limit where allowed.
	BuildRequestBody(model string, messages []Message, temperature *float64, maxTokens int) ([]byte, error)

	// ParseResponse extracts the completion from a provider response body.
	ParseResponse(body []byte, model string) (*Response, error)
}

// Providers is an immutable provider set keyed by name.
type Providers map[string]Provider

// NewProviders builds a set. Later providers replace earlier ones with the
// same name.
func NewProviders(ps ...Provider) Providers {
	set := make(Providers, len(ps))
	for _, p := range ps {
		set[p.Name()] = p
	}
	return set
}

// Get returns the provider with the given name, or nil.
func (p Providers) Get(name string) Provider {
	return p[name]
}

// Names returns the provider names, sorted.
func (p Providers) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
