package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/marcelocantos/dsh/internal/audit"
	"github.com/marcelocantos/dsh/internal/builtin"
	"github.com/marcelocantos/dsh/internal/pipeline"
)

// ToolServer exposes the shell to MCP clients as a "run" tool. Calls share
// one working directory, so cd in one call affects the next.
type ToolServer struct {
	mu       sync.Mutex
	builder  *pipeline.Builder
	builtins *builtin.Registry
	env      *builtin.Env
	audit    *audit.Logger
}

// NewToolServer creates a tool server starting in the process's working
// directory.
func NewToolServer(builder *pipeline.Builder, auditLog *audit.Logger) *ToolServer {
	return &ToolServer{
		builder:  builder,
		builtins: builtin.Local(),
		env:      builtin.NewEnv(),
		audit:    auditLog,
	}
}

// MCPServer builds the MCP server with the tool registered.
func (t *ToolServer) MCPServer(version string) *mcpserver.MCPServer {
	s := mcpserver.NewMCPServer("dsh", version, mcpserver.WithToolCapabilities(false))
	s.AddTool(mcp.NewTool("run",
		mcp.WithDescription("Run a dsh command line. Stages are separated by | and "+
			"double quotes group words. Built-ins: "+t.builtinSummary()+". Returns "+
			"combined stdout and stderr followed by the exit status."),
		mcp.WithString("command",
			mcp.Required(),
			mcp.Description("command line, e.g. ls -l | wc -l"),
		),
	), t.Run)
	return s
}

// builtinSummary lists the built-ins a tool call can use.
func (t *ToolServer) builtinSummary() string {
	var parts []string
	for _, b := range t.builtins.All() {
		if t.builtins.Classify(b.Name()) != builtin.Executed {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s (%s)", b.Name(), b.Description()))
	}
	return strings.Join(parts, ", ")
}

// Serve speaks MCP on the process's stdin and stdout until it closes.
func (t *ToolServer) Serve(version string) error {
	return mcpserver.ServeStdio(t.MCPServer(version))
}

// Run is the handler for the run tool.
func (t *ToolServer) Run(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	line, err := req.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var out bytes.Buffer
	t.env.Stdout, t.env.Stderr = &out, &out

	if name, err := pipeline.FirstWord(line); err == nil && t.builtins.Classify(name) == builtin.Exit {
		return mcp.NewToolResultError("exit is not available here"), nil
	}

	rec := audit.Record{Line: line, Cwd: t.env.Dir}
	defer func() { t.audit.Log(rec) }()

	p, err := t.builder.Build(line)
	if err != nil {
		rec.Err = err
		if errors.Is(err, pipeline.ErrNoCommand) {
			return mcp.NewToolResultError("warning: " + err.Error()), nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}

	switch kind, status := t.builtins.Dispatch(t.env, p.Commands[0].Args); kind {
	case builtin.Executed:
		rec.Builtin = p.Commands[0].Name()
		rec.Status = status
		t.env.LastStatus = status
		return toolResult(out.String(), status), nil
	case builtin.Exit, builtin.StopServer:
		return mcp.NewToolResultError(p.Commands[0].Name() + " is not available here"), nil
	}

	rec.Stages = stageNames(p)
	exec := &pipeline.Executor{
		Dir:    t.env.Dir,
		Stdin:  strings.NewReader(""),
		Stdout: &out,
		Stderr: &out,
	}
	status, err := exec.Run(ctx, p)
	t.env.LastStatus = status
	rec.Status = status
	if err != nil {
		rec.Err = err
		return mcp.NewToolResultError(err.Error()), nil
	}
	return toolResult(out.String(), status), nil
}

func toolResult(output string, status int) *mcp.CallToolResult {
	if output != "" && !strings.HasSuffix(output, "\n") {
		output += "\n"
	}
	text := fmt.Sprintf("%sexit status: %d", output, status)
	if status != 0 {
		r := mcp.NewToolResultText(text)
		r.IsError = true
		return r
	}
	return mcp.NewToolResultText(text)
}
