package ai

var openAIModels = []ModelInfo{
	{ID: "gpt-4", DisplayName: "GPT-4", ContextWindow: 8192, SupportsStreaming: true, SupportsFunctions: true},
	{ID: "gpt-3.5-turbo", DisplayName: "GPT-3.5 Turbo", ContextWindow: 4096, SupportsStreaming: true, SupportsFunctions: true},
}

var anthropicModels = []ModelInfo{
	{ID: "claude-3-opus-20240229", DisplayName: "Claude 3 Opus", ContextWindow: 200000, SupportsStreaming: true, SupportsImages: true},
	{ID: "claude-3-sonnet-20240229", DisplayName: "Claude 3 Sonnet", ContextWindow: 200000, SupportsStreaming: true, SupportsImages: true},
	{ID: "claude-3-haiku-20240307", DisplayName: "Claude 3 Haiku", ContextWindow: 200000, SupportsStreaming: true, SupportsImages: true},
}

var googleModels = []ModelInfo{
	{ID: "gemini-pro", DisplayName: "Gemini Pro", ContextWindow: 32768, SupportsStreaming: true},
	{ID: "gemini-pro-vision", DisplayName: "Gemini Pro Vision", ContextWindow: 16384, SupportsStreaming: true, SupportsImages: true},
}

var deepSeekModels = []ModelInfo{
	{ID: "deepseek-chat", DisplayName: "DeepSeek Chat", ContextWindow: 65536, SupportsStreaming: true, SupportsFunctions: true},
	{ID: "deepseek-reasoner", DisplayName: "DeepSeek Reasoner", ContextWindow: 65536, SupportsStreaming: true},
}

var openRouterModels = []ModelInfo{
	{ID: "openrouter/auto", DisplayName: "OpenRouter Auto", ContextWindow: 128000, SupportsStreaming: true},
}

func withProvider(provider string, models []ModelInfo) []ModelInfo {
	out := make([]ModelInfo, len(models))
	for i, m := range models {
		m.Provider = provider
		out[i] = m
	}
	return out
}
