package commands

import (
	"context"
	"os"

	"github.com/agentd-ai/agentd/internal/config"
	"github.com/agentd-ai/agentd/internal/credential"
	"github.com/agentd-ai/agentd/internal/event"
	"github.com/agentd-ai/agentd/internal/logging"
	"github.com/agentd-ai/agentd/internal/provider"
	"github.com/agentd-ai/agentd/internal/rpc"
	"github.com/agentd-ai/agentd/internal/tool"
	"github.com/agentd-ai/agentd/pkg/types"
)

// bootstrap wires configuration, providers, tools, and the host.
func bootstrap(ctx context.Context) (*rpc.Host, *event.Bus, *types.Config, error) {
	dir := workDir
	if dir == "" {
		var err error
		dir, err = os.Getwd()
		if err != nil {
			return nil, nil, nil, err
		}
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return nil, nil, nil, err
	}

	// Config-file keys take precedence over environment variables.
	staticKeys := make(map[string]string)
	for id, pc := range cfg.Provider {
		if pc.APIKey != "" {
			staticKeys[id] = pc.APIKey
		}
	}
	creds := credential.New(credential.StaticResolver(staticKeys), credential.EnvResolver)

	providers := provider.NewRegistry(cfg.Model)
	registerProviders(ctx, providers, cfg, creds)

	tools := tool.DefaultRegistry(dir)
	events := event.NewBus()

	host, err := rpc.NewHost(ctx, cfg, dir, events, providers, tools)
	if err != nil {
		return nil, nil, nil, err
	}
	return host, events, cfg, nil
}

// registerProviders registers every provider whose credentials resolve.
// A session with no providers still serves RPC; prompts fail with an auth
// error until a key appears.
func registerProviders(ctx context.Context, reg *provider.Registry, cfg *types.Config, creds *credential.Cache) {
	anthCfg := &provider.AnthropicConfig{Credentials: creds}
	if pc, ok := cfg.Provider["anthropic"]; ok {
		anthCfg.BaseURL = pc.BaseURL
		anthCfg.MaxTokens = pc.MaxTokens
	}
	if pc, ok := cfg.Provider["anthropic"]; !ok || !pc.Disabled {
		if p, err := provider.NewAnthropicProvider(ctx, anthCfg); err == nil {
			reg.Register(p)
		} else {
			logging.Debug().Err(err).Msg("anthropic provider unavailable")
		}
	}

	oaCfg := &provider.OpenAIConfig{Credentials: creds}
	if pc, ok := cfg.Provider["openai"]; ok {
		oaCfg.BaseURL = pc.BaseURL
		oaCfg.MaxTokens = pc.MaxTokens
	}
	if pc, ok := cfg.Provider["openai"]; !ok || !pc.Disabled {
		if p, err := provider.NewOpenAIProvider(ctx, oaCfg); err == nil {
			reg.Register(p)
		} else {
			logging.Debug().Err(err).Msg("openai provider unavailable")
		}
	}
}

// watchConfig applies live config changes to the active session.
func watchConfig(dir string, host *rpc.Host) *config.Watcher {
	w, err := config.NewWatcher(dir, func(cfg *types.Config) {
		sched := host.Scheduler()
		if cfg.Model != "" {
			if ref, err := types.ParseModelRef(cfg.Model); err == nil {
				if err := sched.SetModel(ref); err != nil {
					logging.Warn().Err(err).Msg("reloaded model not available")
				}
			}
		}
		if cfg.ThinkingLevel != "" {
			if err := sched.SetThinking(cfg.ThinkingLevel); err != nil {
				logging.Warn().Err(err).Msg("reloaded thinking level invalid")
			}
		}
	})
	if err != nil || w == nil {
		return nil
	}
	w.Start()
	return w
}
