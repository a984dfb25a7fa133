package types

// Config is the merged inline chat configuration.
type Config struct {
	Schema     string                    `json:"$schema,omitempty" yaml:"$schema,omitempty"`
	Model      string                    `json:"model,omitempty" yaml:"model,omitempty"`
	LogLevel   string                    `json:"logLevel,omitempty" yaml:"logLevel,omitempty"`
	Provider   map[string]ProviderConfig `json:"provider,omitempty" yaml:"provider,omitempty"`
	InlineChat InlineChatConfig          `json:"inlineChat,omitempty" yaml:"inlineChat,omitempty"`
}

// ProviderConfig configures an LLM provider.
type ProviderConfig struct {
	APIKey    string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	BaseURL   string `json:"baseURL,omitempty" yaml:"baseURL,omitempty"`
	MaxTokens int    `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`
	Disable   bool   `json:"disable,omitempty" yaml:"disable,omitempty"`
}

// InlineChatConfig holds editing-session settings.
type InlineChatConfig struct {
	// FinishOnType accepts the session when the user types outside the whole range.
	FinishOnType *bool `json:"finishOnType,omitempty" yaml:"finishOnType,omitempty"`
	// ProgressiveEdits paces streamed edits word by word.
	ProgressiveEdits *bool `json:"progressiveEdits,omitempty" yaml:"progressiveEdits,omitempty"`
	// Stash keeps canceled sessions recoverable.
	Stash *bool `json:"stash,omitempty" yaml:"stash,omitempty"`
	// Exclude lists doublestar globs of documents sessions refuse to open on.
	Exclude []string `json:"exclude,omitempty" yaml:"exclude,omitempty"`
	// CreateRetries bounds retries of transient session creation failures.
	CreateRetries int        `json:"createRetries,omitempty" yaml:"createRetries,omitempty"`
	Diff          DiffConfig `json:"diff,omitempty" yaml:"diff,omitempty"`
}

// DiffConfig tunes the diff engine.
type DiffConfig struct {
	IgnoreTrimWhitespace bool `json:"ignoreTrimWhitespace,omitempty" yaml:"ignoreTrimWhitespace,omitempty"`
	MaxComputationTimeMs int  `json:"maxComputationTimeMs,omitempty" yaml:"maxComputationTimeMs,omitempty"`
}

// FinishOnTypeEnabled reports the effective finishOnType setting.
func (c InlineChatConfig) FinishOnTypeEnabled() bool {
	return c.FinishOnType != nil && *c.FinishOnType
}

// ProgressiveEditsEnabled reports the effective progressiveEdits setting (default on).
func (c InlineChatConfig) ProgressiveEditsEnabled() bool {
	return c.ProgressiveEdits == nil || *c.ProgressiveEdits
}

// StashEnabled reports the effective stash setting (default on).
func (c InlineChatConfig) StashEnabled() bool {
	return c.Stash == nil || *c.Stash
}
