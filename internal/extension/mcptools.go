package extension

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/agentd-ai/agentd/internal/logging"
	"github.com/agentd-ai/agentd/internal/tool"
	"github.com/agentd-ai/agentd/pkg/types"
)

// mcpExtension contributes the tools of one MCP server to the session. This
// is the stable extension ABI for out-of-process extensions: the event/action
// surface stays in-process while tools cross a local transport.
type mcpExtension struct {
	name    string
	session *sdkmcp.ClientSession
}

// NewMCPExtensions connects the configured MCP servers and returns one
// extension per reachable server. Connection failures are logged and
// skipped; a broken server must not take the session down.
func NewMCPExtensions(ctx context.Context, configs map[string]types.MCPConfig) []*Extension {
	client := sdkmcp.NewClient(&sdkmcp.Implementation{
		Name:    "agentd",
		Version: "1.0.0",
	}, nil)

	var exts []*Extension
	for name, cfg := range configs {
		if cfg.Enabled != nil && !*cfg.Enabled {
			continue
		}
		ext, err := connectMCP(ctx, client, name, cfg)
		if err != nil {
			logging.Warn().Str("server", name).Err(err).Msg("mcp server unavailable")
			continue
		}
		exts = append(exts, ext)
	}
	return exts
}

func connectMCP(ctx context.Context, client *sdkmcp.Client, name string, cfg types.MCPConfig) (*Extension, error) {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var transport sdkmcp.Transport
	switch cfg.Type {
	case "remote":
		transport = &sdkmcp.SSEClientTransport{Endpoint: cfg.URL}
	case "stdio", "", "local":
		if len(cfg.Command) == 0 {
			return nil, fmt.Errorf("empty command")
		}
		cmd := exec.Command(cfg.Command[0], cfg.Command[1:]...)
		cmd.Env = os.Environ()
		for k, v := range cfg.Environment {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
		transport = &sdkmcp.CommandTransport{Command: cmd}
	default:
		return nil, fmt.Errorf("unknown transport type: %s", cfg.Type)
	}

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	m := &mcpExtension{name: name, session: session}

	listed, err := session.ListTools(ctx, nil)
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}

	var tools []tool.Tool
	for _, t := range listed.Tools {
		var schemaJSON json.RawMessage
		if t.InputSchema != nil {
			schemaJSON, _ = json.Marshal(t.InputSchema)
		}
		tools = append(tools, &mcpTool{
			ext:         m,
			id:          sanitizeToolName(name) + "_" + sanitizeToolName(t.Name),
			remoteName:  t.Name,
			description: t.Description,
			schema:      schemaJSON,
		})
	}

	return &Extension{
		Name:     "mcp:" + name,
		Tools:    tools,
		Shutdown: func() { m.session.Close() },
	}, nil
}

// mcpTool adapts one remote tool to the tool.Tool interface.
type mcpTool struct {
	ext         *mcpExtension
	id          string
	remoteName  string
	description string
	schema      json.RawMessage
}

func (t *mcpTool) ID() string          { return t.id }
func (t *mcpTool) Description() string { return t.description }

func (t *mcpTool) Parameters() json.RawMessage {
	if t.schema == nil {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return t.schema
}

func (t *mcpTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *tool.Context) (*tool.Result, error) {
	var args map[string]any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return nil, fmt.Errorf("failed to parse arguments: %w", err)
		}
	}

	result, err := t.ext.session.CallTool(ctx, &sdkmcp.CallToolParams{
		Name:      t.remoteName,
		Arguments: args,
	})
	if err != nil {
		return nil, err
	}

	var output strings.Builder
	for _, content := range result.Content {
		if textContent, ok := content.(*sdkmcp.TextContent); ok {
			output.WriteString(textContent.Text)
		}
	}

	text, truncated := tool.Truncate(output.String())
	return &tool.Result{
		Content: text,
		Details: map[string]any{
			"server":    t.ext.name,
			"tool":      t.remoteName,
			"truncated": truncated,
		},
		IsError: result.IsError,
	}, nil
}

// sanitizeToolName keeps tool ids within the provider-safe character set.
func sanitizeToolName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, name)
}
