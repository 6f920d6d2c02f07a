package ai

// NewOpenRouterProvider routes through OpenRouter's OpenAI-compatible endpoint.
// siteURL and appName are optional attribution headers.
func NewOpenRouterProvider(baseURL, apiKey, siteURL, appName string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	extra := map[string]string{
		"HTTP-Referer": siteURL,
		"X-Title":      appName,
	}
	return newOpenAICompatible("openrouter", baseURL, apiKey, extra, openRouterModels)
}
