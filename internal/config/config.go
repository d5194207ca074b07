// Package config loads the kimiproxy TOML configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"dario.cat/mergo"
	"github.com/BurntSushi/toml"
)

// Config is the merged kimiproxy configuration.
type Config struct {
	Server         ServerConfig         `toml:"server"`
	Providers      map[string]Provider  `toml:"providers"`
	Models         map[string]Model     `toml:"models"`
	Masking        MaskingConfig        `toml:"observation_masking"`
	ContextPruning ContextPruningConfig `toml:"context_pruning"`
	MCPPruner      MCPPrunerConfig      `toml:"mcp_pruner"`
	MCPGateway     MCPGatewayConfig     `toml:"mcp_gateway"`
	Cline          ClineConfig          `toml:"cline"`
	Proxy          ProxyConfig          `toml:"proxy"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Listen       string `toml:"listen"`
	DatabasePath string `toml:"database_path"`
}

// Provider describes one upstream provider endpoint.
type Provider struct {
	Type    string `toml:"type"`
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
}

// Model maps a logical model id to a provider and upstream model.
type Model struct {
	Provider       string `toml:"provider"`
	Model          string `toml:"model"`
	MaxContextSize int    `toml:"max_context_size"`
}

// MaskingConfig configures schema 1 observation masking.
type MaskingConfig struct {
	Enabled             bool   `toml:"enabled"`
	WindowTurns         int    `toml:"window_turns"`
	KeepErrors          bool   `toml:"keep_errors"`
	KeepLastKPerTool    int    `toml:"keep_last_k_per_tool"`
	PlaceholderTemplate string `toml:"placeholder_template"`
}

// ContextPruningConfig configures the MCP pruner client on the proxy hot path.
type ContextPruningConfig struct {
	Enabled         bool         `toml:"enabled"`
	PrunerURL       string       `toml:"pruner_url"`
	MinCharsToPrune int          `toml:"min_chars_to_prune"`
	CallTimeoutMs   int          `toml:"call_timeout_ms"`
	Options         PruneOptions `toml:"options"`
}

// PruneOptions mirrors the prune_text tool options.
type PruneOptions struct {
	MaxPruneRatio  float64 `toml:"max_prune_ratio" json:"max_prune_ratio"`
	MinKeepLines   int     `toml:"min_keep_lines" json:"min_keep_lines"`
	TimeoutMs      int     `toml:"timeout_ms" json:"timeout_ms"`
	AnnotateLines  bool    `toml:"annotate_lines" json:"annotate_lines"`
	IncludeMarkers bool    `toml:"include_markers" json:"include_markers"`
}

// MCPPrunerConfig configures the local MCP pruner server.
type MCPPrunerConfig struct {
	Host              string `toml:"host"`
	Port              int    `toml:"port"`
	Backend           string `toml:"backend"` // heuristic | deepinfra
	MaxInputChars     int    `toml:"max_input_chars"`
	PruneIDTTLSeconds int    `toml:"prune_id_ttl_s"`
	DeepInfraTimeout  int    `toml:"deepinfra_timeout_ms"`
	DeepInfraMaxDocs  int    `toml:"deepinfra_max_docs"`
	CacheTTLSeconds   int    `toml:"cache_ttl_s"`
	CacheMaxEntries   int    `toml:"cache_max_entries"`
}

// MCPGatewayConfig configures the MCP gateway forwarder.
type MCPGatewayConfig struct {
	Servers        map[string]string `toml:"servers"` // name -> upstream /rpc URL
	TimeoutSeconds int               `toml:"timeout_s"`
	MaskThreshold  int               `toml:"mask_threshold_chars"`
	MaskKeepHead   int               `toml:"mask_keep_head_chars"`
	MaskKeepTail   int               `toml:"mask_keep_tail_chars"`
}

// ClineConfig configures the Cline ledger polling importer.
type ClineConfig struct {
	Enabled         bool   `toml:"enabled"`
	LedgerPath      string `toml:"ledger_path"`
	IntervalSeconds int    `toml:"interval_s"`
}

// ProxyConfig tunes the upstream HTTP client.
type ProxyConfig struct {
	MaxRetries     int     `toml:"max_retries"`
	RetryDelaySecs float64 `toml:"retry_delay_s"`
	TimeoutSeconds float64 `toml:"timeout_s"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:       ":8000",
			DatabasePath: "kimiproxy.db",
		},
		Providers: map[string]Provider{},
		Models:    map[string]Model{},
		Masking: MaskingConfig{
			Enabled:     false,
			WindowTurns: 8,
			KeepErrors:  true,
		},
		ContextPruning: ContextPruningConfig{
			Enabled:         false,
			PrunerURL:       "http://localhost:8006/rpc",
			MinCharsToPrune: 2000,
			CallTimeoutMs:   3000,
			Options: PruneOptions{
				MaxPruneRatio:  0.6,
				MinKeepLines:   8,
				TimeoutMs:      1500,
				AnnotateLines:  true,
				IncludeMarkers: true,
			},
		},
		MCPPruner: MCPPrunerConfig{
			Host:              "0.0.0.0",
			Port:              8006,
			Backend:           "heuristic",
			MaxInputChars:     2_000_000,
			PruneIDTTLSeconds: 600,
			DeepInfraTimeout:  20_000,
			DeepInfraMaxDocs:  64,
			CacheTTLSeconds:   300,
			CacheMaxEntries:   128,
		},
		MCPGateway: MCPGatewayConfig{
			Servers: map[string]string{
				"context-compression": "http://localhost:8001/rpc",
				"sequential-thinking": "http://localhost:8002/rpc",
				"fast-filesystem":     "http://localhost:8003/rpc",
				"json-query":          "http://localhost:8004/rpc",
			},
			TimeoutSeconds: 30,
			MaskThreshold:  8000,
			MaskKeepHead:   2000,
			MaskKeepTail:   2000,
		},
		Cline: ClineConfig{
			Enabled:         false,
			IntervalSeconds: 30,
		},
		Proxy: ProxyConfig{
			MaxRetries:     2,
			RetryDelaySecs: 1.0,
			TimeoutSeconds: 120,
		},
	}
}

// Load reads the TOML config at path (empty path = defaults only) and
// merges it over the defaults. Env overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		loaded := &Config{}
		if _, err := toml.DecodeFile(path, loaded); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if err := mergo.Merge(cfg, *loaded, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.clamp()
	return cfg, nil
}

// applyEnv applies recognized environment overrides.
func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("KIMI_PRUNING_BACKEND")); v != "" {
		c.MCPPruner.Backend = v
	}
	if v := strings.TrimSpace(os.Getenv("MCP_PRUNER_HOST")); v != "" {
		c.MCPPruner.Host = v
	}
	c.MCPPruner.Port = envInt("MCP_PRUNER_PORT", c.MCPPruner.Port)
	c.MCPPruner.MaxInputChars = envInt("MCP_PRUNER_MAX_INPUT_CHARS", c.MCPPruner.MaxInputChars)
	c.MCPPruner.PruneIDTTLSeconds = envInt("MCP_PRUNER_PRUNE_ID_TTL_S", c.MCPPruner.PruneIDTTLSeconds)
	c.MCPPruner.DeepInfraTimeout = envInt("DEEPINFRA_TIMEOUT_MS", c.MCPPruner.DeepInfraTimeout)
	c.MCPPruner.DeepInfraMaxDocs = envInt("DEEPINFRA_MAX_DOCS", c.MCPPruner.DeepInfraMaxDocs)
}

// clamp enforces bounds on tunables that have hard limits.
func (c *Config) clamp() {
	p := &c.MCPPruner
	if p.Backend != "heuristic" && p.Backend != "deepinfra" {
		p.Backend = "heuristic"
	}
	if p.DeepInfraTimeout < 1 {
		p.DeepInfraTimeout = 1
	}
	if p.DeepInfraTimeout > 120_000 {
		p.DeepInfraTimeout = 120_000
	}
	if p.DeepInfraMaxDocs < 1 {
		p.DeepInfraMaxDocs = 1
	}
	if p.DeepInfraMaxDocs > 512 {
		p.DeepInfraMaxDocs = 512
	}
	if p.CacheTTLSeconds < 1 {
		p.CacheTTLSeconds = 1
	}
	if p.CacheMaxEntries < 1 {
		p.CacheMaxEntries = 1
	}
	if p.PruneIDTTLSeconds < 1 {
		p.PruneIDTTLSeconds = 1
	}
	if p.MaxInputChars < 1 {
		p.MaxInputChars = 1
	}
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return v
}
