package types

// Config is the merged agentd configuration.
type Config struct {
	// Model is the default model in "provider/model" form.
	Model string `json:"model,omitempty" yaml:"model"`
	// SmallModel is used for summarization when set.
	SmallModel string `json:"smallModel,omitempty" yaml:"smallModel"`

	// ThinkingLevel is the default thinking level: off, low, medium, high.
	ThinkingLevel string `json:"thinkingLevel,omitempty" yaml:"thinkingLevel"`

	Provider map[string]ProviderConfig `json:"provider,omitempty" yaml:"provider"`

	Compaction CompactionConfig `json:"compaction,omitempty" yaml:"compaction"`
	Retry      RetryConfig      `json:"retry,omitempty" yaml:"retry"`

	// AutoCompaction enables threshold compaction at turn end.
	AutoCompaction *bool `json:"autoCompaction,omitempty" yaml:"autoCompaction"`
	// AutoRetry enables backoff retries on transient provider errors.
	AutoRetry *bool `json:"autoRetry,omitempty" yaml:"autoRetry"`

	// MCP configures extension tool servers.
	MCP map[string]MCPConfig `json:"mcp,omitempty" yaml:"mcp"`

	Guard GuardConfig `json:"guard,omitempty" yaml:"guard"`

	Server ServerConfig `json:"server,omitempty" yaml:"server"`

	// DataDir overrides the session storage directory.
	DataDir string `json:"dataDir,omitempty" yaml:"dataDir"`
}

// ProviderConfig configures one LLM provider.
type ProviderConfig struct {
	APIKey    string `json:"apiKey,omitempty" yaml:"apiKey"`
	BaseURL   string `json:"baseURL,omitempty" yaml:"baseURL"`
	Disabled  bool   `json:"disabled,omitempty" yaml:"disabled"`
	MaxTokens int    `json:"maxTokens,omitempty" yaml:"maxTokens"`
}

// CompactionConfig controls the compaction engine.
type CompactionConfig struct {
	// KeepRecentTokens is the token budget retained below the cut point.
	KeepRecentTokens int `json:"keepRecentTokens,omitempty" yaml:"keepRecentTokens"`
	// ReserveTokens is reserved for the summarization response and as the
	// threshold headroom at turn end.
	ReserveTokens int `json:"reserveTokens,omitempty" yaml:"reserveTokens"`
}

// RetryConfig controls transient error retries.
type RetryConfig struct {
	MaxRetries  int `json:"maxRetries,omitempty" yaml:"maxRetries"`
	BaseDelayMs int `json:"baseDelayMs,omitempty" yaml:"baseDelayMs"`
}

// MCPConfig configures one MCP extension tool server.
type MCPConfig struct {
	Enabled     *bool             `json:"enabled,omitempty" yaml:"enabled"`
	Type        string            `json:"type,omitempty" yaml:"type"` // "stdio" | "remote"
	URL         string            `json:"url,omitempty" yaml:"url"`
	Command     []string          `json:"command,omitempty" yaml:"command"`
	Environment map[string]string `json:"environment,omitempty" yaml:"environment"`
	TimeoutMs   int               `json:"timeoutMs,omitempty" yaml:"timeoutMs"`
}

// GuardConfig configures the built-in guard extension.
type GuardConfig struct {
	// Bash maps command words to "allow" | "deny" | "ask".
	Bash map[string]string `json:"bash,omitempty" yaml:"bash"`
	// DoomLoopThreshold blocks the Nth identical consecutive call of a tool.
	// Zero selects the default of 3.
	DoomLoopThreshold int `json:"doomLoopThreshold,omitempty" yaml:"doomLoopThreshold"`
}

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	Port int    `json:"port,omitempty" yaml:"port"`
	Host string `json:"host,omitempty" yaml:"host"`
}

// Model describes one model offered by a provider.
type Model struct {
	ID                string `json:"id"`
	ProviderID        string `json:"providerID"`
	Name              string `json:"name"`
	ContextWindow     int    `json:"contextWindow"`
	MaxOutputTokens   int    `json:"maxOutputTokens"`
	SupportsTools     bool   `json:"supportsTools"`
	SupportsReasoning bool   `json:"supportsReasoning,omitempty"`
}

// Ref returns the ModelRef for this model.
func (m Model) Ref() ModelRef {
	return ModelRef{ProviderID: m.ProviderID, ModelID: m.ID}
}
