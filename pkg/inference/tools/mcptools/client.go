// Package mcptools exposes the tools of a Model Context Protocol server as
// tool definitions that can be registered with a tools.ToolRegistry.
package mcptools

import (
	"context"
	"encoding/json"
	"os/exec"
	"regexp"
	"strings"

	"github.com/iancoleman/strcase"
	"github.com/invopop/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/stepwise/pkg/inference/tools"
)

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Client is a connected MCP session together with the tools it advertises.
type Client struct {
	name    string
	session *mcp.ClientSession
	tools   []*mcp.Tool
}

// Connect opens a session over transport and lists the server's tools.
func Connect(ctx context.Context, name string, transport mcp.Transport) (*Client, error) {
	client := mcp.NewClient(&mcp.Implementation{Name: "stepwise", Version: "0.1.0"}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to MCP server %s", name)
	}

	var ts []*mcp.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return nil, errors.Wrapf(err, "failed to list tools of MCP server %s", name)
		}
		ts = append(ts, tool)
	}
	log.Debug().Str("server", name).Int("tools", len(ts)).Msg("connected to MCP server")

	return &Client{name: name, session: session, tools: ts}, nil
}

// ConnectCommand starts command as a stdio MCP server and connects to it.
func ConnectCommand(ctx context.Context, name string, command string, args ...string) (*Client, error) {
	cmd := exec.Command(command, args...)
	return Connect(ctx, name, &mcp.CommandTransport{Command: cmd})
}

func (c *Client) Name() string {
	return c.name
}

func (c *Client) Tools() []*mcp.Tool {
	return c.tools
}

func (c *Client) Close() error {
	if c.session == nil {
		return nil
	}
	return c.session.Close()
}

// ToolName returns the registry name of an MCP tool, prefixed with the server name.
func (c *Client) ToolName(toolName string) string {
	name := strcase.ToSnake(c.name + "_" + toolName)
	return strings.Trim(invalidNameChars.ReplaceAllString(name, "_"), "_")
}

// Definitions converts every advertised tool into a tool definition whose
// executor calls back into the session.
func (c *Client) Definitions() ([]*tools.ToolDefinition, error) {
	ret := make([]*tools.ToolDefinition, 0, len(c.tools))
	for _, t := range c.tools {
		schema, err := convertSchema(t.InputSchema)
		if err != nil {
			return nil, errors.Wrapf(err, "tool %s", t.Name)
		}
		desc := t.Description
		if desc == "" {
			desc = "MCP tool " + t.Name + " from " + c.name
		}
		def, err := tools.NewTool(c.ToolName(t.Name), desc, schema, c.executor(t.Name))
		if err != nil {
			return nil, err
		}
		def.Tags = []string{"mcp", c.name}
		ret = append(ret, def)
	}
	return ret, nil
}

// Register adds the server's tools to reg.
func (c *Client) Register(reg tools.ToolRegistry) error {
	defs, err := c.Definitions()
	if err != nil {
		return err
	}
	for _, def := range defs {
		if err := reg.RegisterTool(def.Name, *def); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) executor(remoteName string) tools.ExecutorFunc {
	return func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		res, err := c.session.CallTool(ctx, &mcp.CallToolParams{
			Name:      remoteName,
			Arguments: args,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "MCP call %s failed", remoteName)
		}
		text := contentText(res.Content)
		if res.IsError {
			return nil, &tools.ToolError{ToolName: remoteName, Kind: tools.ErrorKindExecution, Message: text}
		}
		return text, nil
	}
}

func contentText(content []mcp.Content) string {
	parts := make([]string, 0, len(content))
	for _, item := range content {
		switch c := item.(type) {
		case *mcp.TextContent:
			parts = append(parts, c.Text)
		case *mcp.ImageContent:
			parts = append(parts, "[image: "+c.MIMEType+"]")
		case *mcp.AudioContent:
			parts = append(parts, "[audio: "+c.MIMEType+"]")
		default:
			b, err := json.Marshal(item)
			if err == nil {
				parts = append(parts, string(b))
			}
		}
	}
	return strings.Join(parts, "\n")
}

func convertSchema(in interface{}) (*jsonschema.Schema, error) {
	if in == nil {
		return &jsonschema.Schema{Type: "object"}, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, errors.Wrap(err, "could not marshal input schema")
	}
	s := &jsonschema.Schema{}
	if err := json.Unmarshal(b, s); err != nil {
		return nil, errors.Wrap(err, "could not decode input schema")
	}
	if s.Type == "" {
		s.Type = "object"
	}
	return s, nil
}
