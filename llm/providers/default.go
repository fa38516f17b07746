package providers

import "github.com/c360studio/simflow/llm"

// All returns every built-in provider.
func All() []llm.Provider {
	return []llm.Provider{
		NewOllama(),
		NewOpenAI(),
		NewNIM(),
		NewAnthropic(),
	}
}
