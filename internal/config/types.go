// Package config loads and validates the service's YAML configuration.
package config

import "github.com/arcfield/parley/internal/domain"

// Config is the root configuration for Parley.
type Config struct {
	Server      ServerConfig       `yaml:"server,omitempty"`
	Logging     LoggingConfig      `yaml:"logging,omitempty"`
	Store       StoreConfig        `yaml:"store,omitempty"`
	Billing     BillingConfig      `yaml:"billing,omitempty"`
	Knowledge   KnowledgeConfig    `yaml:"knowledge,omitempty"`
	Providers   ProvidersConfig    `yaml:"providers,omitempty"`
	ToolServers []ToolServerConfig `yaml:"toolServers,omitempty"`
	Agents      []AgentConfig      `yaml:"agents,omitempty"`
}

// ServerConfig controls the HTTP gateway.
type ServerConfig struct {
	Port int    `yaml:"port,omitempty"`
	Bind string `yaml:"bind,omitempty"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level string `yaml:"level,omitempty"` // silent | fatal | error | warn | info | debug | trace
	Style string `yaml:"style,omitempty"` // pretty | json
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `yaml:"driver,omitempty"` // sqlite | memory
	Path   string `yaml:"path,omitempty"`   // sqlite database file
}

// BillingConfig controls the billing gate.
type BillingConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`
}

// KnowledgeConfig controls retrieval-augmented context.
type KnowledgeConfig struct {
	Enabled bool `yaml:"enabled,omitempty"`
	Limit   int  `yaml:"limit,omitempty"` // max retrieved chunks per turn
}

// ProvidersConfig holds backend credentials, one block per adapter family.
type ProvidersConfig struct {
	Native *NativeProviderConfig `yaml:"native,omitempty"`
	Dify   *DifyProviderConfig   `yaml:"dify,omitempty"`
	Coze   *CozeProviderConfig   `yaml:"coze,omitempty"`
}

// NativeProviderConfig configures the OpenAI-compatible backend.
type NativeProviderConfig struct {
	BaseURL string `yaml:"baseUrl,omitempty"`
	APIKey  string `yaml:"apiKey"`
	Model   string `yaml:"model,omitempty"` // default model when the agent sets none
}

// DifyProviderConfig configures the Dify platform backend.
type DifyProviderConfig struct {
	BaseURL string `yaml:"baseUrl"`
	APIKey  string `yaml:"apiKey"`
}

// CozeProviderConfig configures the Coze platform backend.
type CozeProviderConfig struct {
	BaseURL string `yaml:"baseUrl,omitempty"`
	APIKey  string `yaml:"apiKey"`
	BotID   string `yaml:"botId"`
}

// ToolServerConfig names a tool server reachable over the JSON-RPC wire
// protocol.
type ToolServerConfig struct {
	ID       string `yaml:"id"`
	Endpoint string `yaml:"endpoint"`
}

// AgentConfig defines a single agent.
type AgentConfig struct {
	ID             string   `yaml:"id"`
	Name           string   `yaml:"name,omitempty"`
	CreateMode     string   `yaml:"createMode,omitempty"` // direct | dify | coze
	Model          string   `yaml:"model,omitempty"`
	SystemPrompt   string   `yaml:"systemPrompt,omitempty"`
	MaxTokens      int      `yaml:"maxTokens,omitempty"`
	Temperature    *float64 `yaml:"temperature,omitempty"`
	MaxContext     int      `yaml:"maxContext,omitempty"`
	Price          int64    `yaml:"price,omitempty"`
	ToolServers    []string `yaml:"toolServers,omitempty"`
	Knowledge      bool     `yaml:"knowledge,omitempty"`
	ShowReferences bool     `yaml:"showReferences,omitempty"`
	Suggestions    bool     `yaml:"suggestions,omitempty"`
}

// Agent converts an AgentConfig into the domain type the orchestrator runs.
func (a AgentConfig) Agent() domain.Agent {
	name := a.Name
	if name == "" {
		name = a.ID
	}
	mode := a.CreateMode
	if mode == "" {
		mode = domain.ModeDirect
	}
	return domain.Agent{
		ID:             a.ID,
		Name:           name,
		CreateMode:     mode,
		Model:          a.Model,
		SystemPrompt:   a.SystemPrompt,
		MaxTokens:      a.MaxTokens,
		Temperature:    a.Temperature,
		MaxContext:     a.MaxContext,
		Price:          a.Price,
		ToolServers:    a.ToolServers,
		Knowledge:      a.Knowledge,
		ShowReferences: a.ShowReferences,
		Suggestions:    a.Suggestions,
	}
}
