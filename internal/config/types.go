package config

// Dialect identifies one of the four supported wire protocols.
type Dialect string

const (
	DialectOpenAISSE        Dialect = "openai-sse"
	DialectAnthropicEvents  Dialect = "anthropic-events"
	DialectOllamaNDJSON     Dialect = "ollama-ndjson"
	DialectOpenAICompatible Dialect = "openai-compatible-custom"
)

// ProviderProfile is a named bundle of endpoint, credentials, model id, and
// feature toggles. Exactly one profile in a Config is active at a time.
type ProviderProfile struct {
	Label   string  `json:"-"`
	Dialect Dialect `json:"dialect"`

	Model  string  `json:"model"`
	APIURL *string `json:"api_url"`
	APIKey string  `json:"api_key"`

	ThinkingEnabled   *bool `json:"thinking_enabled"`
	WebSearchEnabled  *bool `json:"web_search_enabled"`
	ToolsEnabled      *bool `json:"tools_enabled"`
	Streaming         *bool `json:"streaming"`
	MaxRetries        *int  `json:"max_retries"`
	TimeoutSeconds    *uint64 `json:"timeout_seconds"`
}

func (p *ProviderProfile) URLEditable() bool {
	switch p.Dialect {
	case DialectOllamaNDJSON, DialectOpenAICompatible:
		return true
	default:
		return false
	}
}

func (p *ProviderProfile) EffectiveMaxRetries() int {
	if p.MaxRetries != nil {
		return *p.MaxRetries
	}
	return 3
}

func (p *ProviderProfile) EffectiveTimeoutSeconds() uint64 {
	if p.TimeoutSeconds != nil {
		return *p.TimeoutSeconds
	}
	return 300
}

func (p *ProviderProfile) ToolsOn() bool {
	return p.ToolsEnabled == nil || *p.ToolsEnabled
}

func (p *ProviderProfile) ThinkingOn() bool {
	return p.ThinkingEnabled != nil && *p.ThinkingEnabled
}

// MCPServerEntry declares one external MCP tool server.
type MCPServerEntry struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Timeout *uint64           `json:"timeout,omitempty"`
	Retries *uint32           `json:"retries,omitempty"`
}

// Config is the full on-disk document, before the provider label keys are
// split out of the map into ProviderProfile.Label.
type Config struct {
	ActiveProvider string                     `json:"active_provider"`
	Providers      map[string]*ProviderProfile `json:"providers"`
	MCPServers     map[string]*MCPServerEntry  `json:"mcpServers,omitempty"`
}

// legacyConfig is the flat, single-provider schema this spec must migrate
// on first read.
type legacyConfig struct {
	AI *struct {
		Provider string `json:"provider"`
		Model    string `json:"model"`
		APIURL   string `json:"api_url"`
		APIKey   string `json:"api_key"`
	} `json:"ai"`
}

// dialectDefault is one row of the predefined-dialect defaults table.
type dialectDefault struct {
	Label        string
	Dialect      Dialect
	BaseURL      string
	URLEditable  bool
	KeyEnvVar    string
}

var dialectDefaults = map[string]dialectDefault{
	"openai": {
		Label: "openai", Dialect: DialectOpenAISSE,
		BaseURL: "https://api.openai.com/v1", URLEditable: false,
		KeyEnvVar: "OPENAI_API_KEY",
	},
	"anthropic": {
		Label: "anthropic", Dialect: DialectAnthropicEvents,
		BaseURL: "https://api.anthropic.com", URLEditable: false,
		KeyEnvVar: "ANTHROPIC_API_KEY",
	},
	"ollama": {
		Label: "ollama", Dialect: DialectOllamaNDJSON,
		BaseURL: "http://localhost:11434", URLEditable: true,
		KeyEnvVar: "OLLAMA_API_KEY",
	},
	"z.ai coding plan": {
		Label: "z.ai coding plan", Dialect: DialectOpenAISSE,
		BaseURL: "https://api.z.ai/api/coding/paas/v4", URLEditable: false,
		KeyEnvVar: "ZAI_API_KEY",
	},
	"openrouter": {
		Label: "openrouter", Dialect: DialectOpenAISSE,
		BaseURL: "https://openrouter.ai/api/v1", URLEditable: false,
		KeyEnvVar: "OPENROUTER_API_KEY",
	},
	"custom": {
		Label: "custom", Dialect: DialectOpenAICompatible,
		BaseURL: "", URLEditable: true,
		KeyEnvVar: "",
	},
}

// IsZAI reports whether a profile is the z.ai predefined label, used by C2
// to apply the stream_options/tool_choice omission constraint.
func IsZAI(label string) bool {
	return label == "z.ai coding plan"
}
