// Package bridge exposes the command surface to the frontend over MCP on stdio
// and forwards events back to it as MCP notifications.
package bridge

import (
	"context"
	"io"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/dgellow/oauth-loopback/internal/commands"
	"github.com/dgellow/oauth-loopback/internal/events"
	"github.com/dgellow/oauth-loopback/internal/log"
)

// notificationSender is the part of the MCP server the notifier needs.
type notificationSender interface {
	SendNotificationToAllClients(method string, params map[string]any)
}

// Notifier is an events.Sink delivering each event as an MCP notification
// whose method is the event name.
type Notifier struct {
	sender notificationSender
}

// NewNotifier wraps an MCP server, or anything that can broadcast notifications.
func NewNotifier(sender notificationSender) *Notifier {
	return &Notifier{sender: sender}
}

// Emit implements events.Sink.
func (n *Notifier) Emit(name string, payload any) {
	params, err := events.ToParams(payload)
	if err != nil {
		log.LogErrorWithFields("bridge", "Dropping event with unencodable payload", map[string]any{
			"event": name,
			"error": err.Error(),
		})
		return
	}
	n.sender.SendNotificationToAllClients(name, params)
}

// Bridge owns the MCP server.
type Bridge struct {
	server *mcpserver.MCPServer
}

// New creates an MCP server advertising tools.
func New(name, version string) *Bridge {
	s := mcpserver.NewMCPServer(
		name,
		version,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithRecovery(),
	)
	return &Bridge{server: s}
}

// Sink returns a sink that notifies connected clients.
func (b *Bridge) Sink() events.Sink {
	return NewNotifier(b.server)
}

// MCPServer returns the underlying server.
func (b *Bridge) MCPServer() *mcpserver.MCPServer {
	return b.server
}

// Register adds one tool per command.
func (b *Bridge) Register(svc *commands.Service) {
	h := &handlers{svc: svc}
	for _, t := range h.tools() {
		b.server.AddTool(t.tool, t.handler)
	}
}

// Serve speaks MCP over in/out until ctx is cancelled or in is closed.
func (b *Bridge) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	log.LogInfoWithFields("bridge", "Serving commands on stdio", nil)
	return mcpserver.NewStdioServer(b.server).Listen(ctx, in, out)
}
