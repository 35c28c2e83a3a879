package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// ServerConfig describes one MCP tool server whose tools are bridged into
// the action registry as api actions.
type ServerConfig struct {
	Name      string
	Transport Transport
	// Command is the executable (with arguments) for stdio transport.
	Command string
	// URL is the endpoint for streamable-http transport.
	URL string
	// Token is sent as a Bearer token on streamable-http requests.
	Token string
	// Env holds extra environment variables for stdio subprocesses.
	Env map[string]string
}

// MCPBridge connects to MCP servers and registers their tools as dispatch
// actions. A bridged action is named "<server>.<tool>" and executes through
// the server session.
type MCPBridge struct {
	client   *mcpsdk.Client
	sessions map[string]*mcpsdk.ClientSession
	log      *slog.Logger
}

// NewMCPBridge creates a bridge with no connections.
func NewMCPBridge(log *slog.Logger) *MCPBridge {
	if log == nil {
		log = slog.Default()
	}
	return &MCPBridge{
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "voxwire-dispatch", Version: "1.0.0"},
			nil,
		),
		sessions: make(map[string]*mcpsdk.ClientSession),
		log:      log.With("component", "mcp"),
	}
}

// Connect establishes the server connection, discovers its tools, and
// registers each as an api action for every site in siteIDs.
func (b *MCPBridge) Connect(ctx context.Context, registry *Registry, cfg ServerConfig, siteIDs []string) error {
	if cfg.Name == "" {
		return fmt.Errorf("mcp bridge: server config requires a name")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("mcp bridge: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		parts := strings.Fields(cfg.Command)
		if len(parts) == 0 {
			return fmt.Errorf("mcp bridge: stdio server %q requires a command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("mcp bridge: streamable-http server %q requires a url", cfg.Name)
		}
		t := &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
		if cfg.Token != "" {
			t.HTTPClient = &http.Client{Transport: &bearerTransport{token: cfg.Token}}
		}
		transport = t
	}

	session, err := b.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcp bridge: connect to server %q: %w", cfg.Name, err)
	}

	var tools []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcp bridge: list tools for server %q: %w", cfg.Name, err)
		}
		tools = append(tools, *tool)
	}

	if old, ok := b.sessions[cfg.Name]; ok {
		_ = old.Close()
	}
	b.sessions[cfg.Name] = session

	for _, tool := range tools {
		def := Definition{
			Name:        cfg.Name + "." + tool.Name,
			Type:        ActionAPI,
			Description: tool.Description,
			Parameters:  schemaParams(tool.InputSchema),
			SideEffect:  EffectRead,
			RiskLevel:   RiskLow,
			Category:    "mcp",
		}
		handler := b.toolHandler(cfg.Name, tool.Name)
		for _, siteID := range siteIDs {
			if err := registry.Register(siteID, def, handler); err != nil {
				return fmt.Errorf("mcp bridge: register %s for site %s: %w", def.Name, siteID, err)
			}
		}
		b.log.Info("bridged mcp tool", "server", cfg.Name, "tool", tool.Name, "sites", len(siteIDs))
	}
	return nil
}

// toolHandler binds one remote tool into a dispatch [Handler].
func (b *MCPBridge) toolHandler(serverName, toolName string) Handler {
	return func(ctx context.Context, params map[string]any) (json.RawMessage, error) {
		session, ok := b.sessions[serverName]
		if !ok {
			return nil, fmt.Errorf("mcp server %q is not connected", serverName)
		}
		result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      toolName,
			Arguments: params,
		})
		if err != nil {
			return nil, fmt.Errorf("mcp tool %q: %w", toolName, err)
		}

		var sb strings.Builder
		for _, c := range result.Content {
			if tc, ok := c.(*mcpsdk.TextContent); ok {
				sb.WriteString(tc.Text)
			}
		}
		if result.IsError {
			return nil, fmt.Errorf("mcp tool %q: %s", toolName, sb.String())
		}
		return json.Marshal(map[string]string{"output": sb.String()})
	}
}

// Close shuts down all server sessions.
func (b *MCPBridge) Close() error {
	var firstErr error
	for name, session := range b.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcp bridge: close server %q: %w", name, err)
		}
		delete(b.sessions, name)
	}
	return firstErr
}

// schemaParams converts a tool's input schema into [ParamSpec]s. Only the
// top-level properties are mapped; nested objects pass through unvalidated.
func schemaParams(schema any) []ParamSpec {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var parsed struct {
		Properties map[string]struct {
			Type        string   `json:"type"`
			Description string   `json:"description"`
			Enum        []string `json:"enum"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil
	}

	required := make(map[string]bool, len(parsed.Required))
	for _, name := range parsed.Required {
		required[name] = true
	}

	specs := make([]ParamSpec, 0, len(parsed.Properties))
	for name, prop := range parsed.Properties {
		typ := prop.Type
		switch typ {
		case "integer":
			typ = "number"
		case "number", "boolean", "string":
		default:
			typ = "string"
		}
		specs = append(specs, ParamSpec{
			Name:        name,
			Type:        typ,
			Description: prop.Description,
			Required:    required[name],
			Enum:        prop.Enum,
		})
	}
	return specs
}

// bearerTransport injects a static Authorization header.
type bearerTransport struct {
	token string
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+t.token)
	return http.DefaultTransport.RoundTrip(clone)
}
