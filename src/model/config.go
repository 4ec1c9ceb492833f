package model

// ----------------------------------------------------
// ================ Config ================
// LLMConfig selects the chat model used by the classifier and summarizer
type LLMConfig struct {
	Provider    string  `envconfig:"LLM_PROVIDER" default:"openai"` // openai, ollama, deepseek, ark, none
	Model       string  `envconfig:"LLM_MODEL" default:"openai/gpt-4o-mini"`
	APIKey      string  `envconfig:"LLM_API_KEY"`
	BaseURL     string  `envconfig:"LLM_BASE_URL" default:"https://openrouter.ai/api/v1"`
	MaxTokens   int     `envconfig:"LLM_MAX_TOKENS" default:"800"`
	Temperature float64 `envconfig:"LLM_TEMPERATURE" default:"0.1"`
}

// Enabled reports whether an LLM provider is configured. Hosted providers
// also need an API key.
func (c LLMConfig) Enabled() bool {
	switch c.Provider {
	case "", "none":
		return false
	case "ollama":
		return true
	}
	return c.APIKey != ""
}

// ----------------------------------------------------
// ================ Logging ================
// LogConfig configures the global zerolog logger
type LogConfig struct {
	Level      string `envconfig:"LOG_LEVEL" default:"info"`
	Format     string `envconfig:"LOG_FORMAT" default:"console"` // console, json
	Output     string `envconfig:"LOG_OUTPUT" default:"stdout"`  // stdout, stderr, file
	FilePath   string `envconfig:"LOG_FILE_PATH" default:"logs/tripmesh.log"`
	TimeFormat string `envconfig:"LOG_TIME_FORMAT" default:"rfc3339"`
}

// ----------------------------------------------------
// ================ Infrastructure ================
// RedisConfig points at the bus and state store
type RedisConfig struct {
	URL string `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
}
