package providers

import (
	"net/http"
	"os"
)

// OpenAIProvider targets the hosted OpenAI API and OpenRouter.
type OpenAIProvider struct {
	OllamaProvider
}

// NewOpenAI returns an OpenAIProvider reading OPENAI_API_KEY.
func NewOpenAI() *OpenAIProvider {
	return &OpenAIProvider{}
}

// Name returns the provider identifier.
func (o *OpenAIProvider) Name() string {
	return "openai"
}

// BuildURL constructs the OpenAI API endpoint.
func (o *OpenAIProvider) BuildURL(baseURL string) string {
	return chatCompletionsURL(baseURL, "https://api.openai.com/v1")
}

// SetHeaders adds OpenAI authentication and optional OpenRouter headers.
func (o *OpenAIProvider) SetHeaders(req *http.Request) {
	setBearer(req, o.APIKeyEnv, "OPENAI_API_KEY")

	if siteURL := os.Getenv("OPENROUTER_SITE_URL"); siteURL != "" {
		req.Header.Set("HTTP-Referer", siteURL)
	}
	if siteName := os.Getenv("OPENROUTER_SITE_NAME"); siteName != "" {
		req.Header.Set("X-Title", siteName)
	}
}

// NIMProvider targets NVIDIA NIM hosted inference, which serves the
// OpenAI-compatible protocol.
type NIMProvider struct {
	OllamaProvider
}

// NewNIM returns a NIMProvider reading NVIDIA_API_KEY.
func NewNIM() *NIMProvider {
	return &NIMProvider{OllamaProvider{APIKeyEnv: "NVIDIA_API_KEY"}}
}

// Name returns the provider identifier.
func (n *NIMProvider) Name() string {
	return "nim"
}

// BuildURL constructs the NIM chat completions endpoint.
func (n *NIMProvider) BuildURL(baseURL string) string {
	return chatCompletionsURL(baseURL, "https://integrate.api.nvidia.com/v1")
}

// SetHeaders adds the NVIDIA bearer token.
func (n *NIMProvider) SetHeaders(req *http.Request) {
	setBearer(req, n.APIKeyEnv, "NVIDIA_API_KEY")
}
