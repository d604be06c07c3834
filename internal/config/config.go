package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/agentd-ai/agentd/pkg/types"
)

// Defaults applied after the merge.
const (
	DefaultPort             = 19000
	DefaultHost             = "127.0.0.1"
	DefaultKeepRecentTokens = 20000
	DefaultReserveTokens    = 16384
	DefaultMaxRetries       = 3
	DefaultBaseDelayMs      = 1000
)

// Load loads configuration from multiple sources (priority order, later wins):
// 1. Global config (~/.config/agentd/agentd.json[c] or agentd.yaml)
// 2. Project config (<dir>/.agentd/agentd.json[c] or agentd.yaml)
// 3. .env in the project directory
// 4. AGENTD_* environment variables
func Load(directory string) (*types.Config, error) {
	cfg := &types.Config{
		Provider: make(map[string]types.ProviderConfig),
	}

	global := GetPaths().Config
	for _, name := range []string{"agentd.json", "agentd.jsonc", "agentd.yaml"} {
		loadConfigFile(filepath.Join(global, name), cfg)
	}

	if directory != "" {
		for _, name := range []string{"agentd.json", "agentd.jsonc", "agentd.yaml"} {
			loadConfigFile(filepath.Join(directory, ".agentd", name), cfg)
		}
		// .env never overrides variables already set in the environment.
		godotenv.Load(filepath.Join(directory, ".env"))
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

// loadConfigFile merges a single config file into cfg. Missing files are
// skipped silently.
func loadConfigFile(path string, cfg *types.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var fileCfg types.Config
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return err
		}
	} else {
		if err := json.Unmarshal(jsonc.ToJSON(data), &fileCfg); err != nil {
			return err
		}
	}

	merge(cfg, &fileCfg)
	return nil
}

// merge overlays source onto target, field by field.
func merge(target, source *types.Config) {
	if source.Model != "" {
		target.Model = source.Model
	}
	if source.SmallModel != "" {
		target.SmallModel = source.SmallModel
	}
	if source.ThinkingLevel != "" {
		target.ThinkingLevel = source.ThinkingLevel
	}
	if source.DataDir != "" {
		target.DataDir = source.DataDir
	}
	for k, v := range source.Provider {
		if target.Provider == nil {
			target.Provider = make(map[string]types.ProviderConfig)
		}
		target.Provider[k] = v
	}
	for k, v := range source.MCP {
		if target.MCP == nil {
			target.MCP = make(map[string]types.MCPConfig)
		}
		target.MCP[k] = v
	}
	if source.Compaction.KeepRecentTokens > 0 {
		target.Compaction.KeepRecentTokens = source.Compaction.KeepRecentTokens
	}
	if source.Compaction.ReserveTokens > 0 {
		target.Compaction.ReserveTokens = source.Compaction.ReserveTokens
	}
	if source.Retry.MaxRetries > 0 {
		target.Retry.MaxRetries = source.Retry.MaxRetries
	}
	if source.Retry.BaseDelayMs > 0 {
		target.Retry.BaseDelayMs = source.Retry.BaseDelayMs
	}
	if source.AutoCompaction != nil {
		target.AutoCompaction = source.AutoCompaction
	}
	if source.AutoRetry != nil {
		target.AutoRetry = source.AutoRetry
	}
	if source.Guard.Bash != nil {
		if target.Guard.Bash == nil {
			target.Guard.Bash = make(map[string]string)
		}
		for k, v := range source.Guard.Bash {
			target.Guard.Bash[k] = v
		}
	}
	if source.Guard.DoomLoopThreshold > 0 {
		target.Guard.DoomLoopThreshold = source.Guard.DoomLoopThreshold
	}
	if source.Server.Port > 0 {
		target.Server.Port = source.Server.Port
	}
	if source.Server.Host != "" {
		target.Server.Host = source.Server.Host
	}
}

// applyEnvOverrides applies AGENTD_* environment variables.
func applyEnvOverrides(cfg *types.Config) {
	if v := os.Getenv("AGENTD_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("AGENTD_SMALL_MODEL"); v != "" {
		cfg.SmallModel = v
	}
	if v := os.Getenv("AGENTD_THINKING_LEVEL"); v != "" {
		cfg.ThinkingLevel = v
	}
	if v := os.Getenv("AGENTD_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("AGENTD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("AGENTD_HOST"); v != "" {
		cfg.Server.Host = v
	}
}

// applyDefaults fills unset fields.
func applyDefaults(cfg *types.Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = DefaultHost
	}
	if cfg.Compaction.KeepRecentTokens == 0 {
		cfg.Compaction.KeepRecentTokens = DefaultKeepRecentTokens
	}
	if cfg.Compaction.ReserveTokens == 0 {
		cfg.Compaction.ReserveTokens = DefaultReserveTokens
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = DefaultMaxRetries
	}
	if cfg.Retry.BaseDelayMs == 0 {
		cfg.Retry.BaseDelayMs = DefaultBaseDelayMs
	}
	if cfg.ThinkingLevel == "" {
		cfg.ThinkingLevel = "off"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = GetPaths().SessionsPath()
	}
}
