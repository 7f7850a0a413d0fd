package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/dgellow/oauth-loopback/internal/commands"
	"github.com/dgellow/oauth-loopback/internal/events"
	"github.com/dgellow/oauth-loopback/internal/log"
)

// Tool names
const (
	ToolAuthenticate     = "oauth_authenticate"
	ToolGetStatus        = "oauth_get_status"
	ToolGetAllStatus     = "oauth_get_all_status"
	ToolLogout           = "oauth_logout"
	ToolGetProviders     = "oauth_get_providers"
	ToolRefreshTokens    = "oauth_refresh_tokens"
	ToolGetFlowStatus    = "oauth_get_flow_status"
	ToolUpdateFlowStatus = "oauth_update_flow_status"
	ToolCompleteFlow     = "oauth_complete_flow"
	ToolHandleError      = "oauth_handle_error"
	ToolGetLastError     = "oauth_get_last_error"
	ToolClearErrors      = "oauth_clear_errors"
	ToolValidateConfig   = "oauth_validate_config"
	ToolGetConfigStatus  = "oauth_get_config_status"
	ToolStartServer      = "oauth_start_server"
)

type toolEntry struct {
	tool    mcp.Tool
	handler mcpserver.ToolHandlerFunc
}

type handlers struct {
	svc *commands.Service
}

func (h *handlers) tools() []toolEntry {
	return []toolEntry{
		{
			tool: mcp.NewTool(ToolAuthenticate,
				mcp.WithDescription("Begin an OAuth flow for a provider and return its flow id"),
				mcp.WithString("provider", mcp.Required(), mcp.Description("Identity provider name")),
				mcp.WithBoolean("force_reauth", mcp.Description("Ask the provider to prompt again")),
			),
			handler: h.authenticate,
		},
		{
			tool: mcp.NewTool(ToolGetStatus,
				mcp.WithDescription("Request a provider's authentication status"),
				mcp.WithString("provider", mcp.Required()),
			),
			handler: h.getStatus,
		},
		{
			tool:    mcp.NewTool(ToolGetAllStatus, mcp.WithDescription("Request every provider's authentication status")),
			handler: h.getAllStatus,
		},
		{
			tool: mcp.NewTool(ToolLogout,
				mcp.WithDescription("Request logout from a provider"),
				mcp.WithString("provider", mcp.Required()),
				mcp.WithBoolean("revoke_tokens"),
			),
			handler: h.logout,
		},
		{
			tool:    mcp.NewTool(ToolGetProviders, mcp.WithDescription("Request the list of providers")),
			handler: h.getProviders,
		},
		{
			tool: mcp.NewTool(ToolRefreshTokens,
				mcp.WithDescription("Request a token refresh for a provider"),
				mcp.WithString("provider", mcp.Required()),
			),
			handler: h.refreshTokens,
		},
		{
			tool: mcp.NewTool(ToolGetFlowStatus,
				mcp.WithDescription("Get the status of an active flow, or null"),
				mcp.WithString("flow_id", mcp.Required()),
			),
			handler: h.getFlowStatus,
		},
		{
			tool: mcp.NewTool(ToolUpdateFlowStatus,
				mcp.WithDescription("Set the status of an active flow"),
				mcp.WithString("flow_id", mcp.Required()),
				mcp.WithString("status", mcp.Required()),
			),
			handler: h.updateFlowStatus,
		},
		{
			tool: mcp.NewTool(ToolCompleteFlow,
				mcp.WithDescription("Finish a flow and broadcast its result"),
				mcp.WithString("flow_id", mcp.Required()),
				mcp.WithObject("result", mcp.Required()),
			),
			handler: h.completeFlow,
		},
		{
			tool: mcp.NewTool(ToolHandleError,
				mcp.WithDescription("Record an OAuth error, abandoning the flow if one is given"),
				mcp.WithString("flow_id"),
				mcp.WithString("error", mcp.Required()),
				mcp.WithString("error_description"),
			),
			handler: h.handleError,
		},
		{
			tool:    mcp.NewTool(ToolGetLastError, mcp.WithDescription("Get the last OAuth error, or null")),
			handler: h.getLastError,
		},
		{
			tool:    mcp.NewTool(ToolClearErrors, mcp.WithDescription("Clear the last OAuth error")),
			handler: h.clearErrors,
		},
		{
			tool:    mcp.NewTool(ToolValidateConfig, mcp.WithDescription("Request validation of the OAuth configuration")),
			handler: h.validateConfig,
		},
		{
			tool:    mcp.NewTool(ToolGetConfigStatus, mcp.WithDescription("Request the OAuth configuration status")),
			handler: h.getConfigStatus,
		},
		{
			tool: mcp.NewTool(ToolStartServer,
				mcp.WithDescription("Bind a one-shot loopback callback listener and return its URL"),
				mcp.WithNumber("port", mcp.Description("Port on 127.0.0.1; 0 picks a free port, omitted uses the configured default")),
			),
			handler: h.startServer,
		},
	}
}

func (h *handlers) authenticate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	provider, err := requireString(args, "provider")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(h.svc.Authenticate(provider, boolArg(args, "force_reauth")))
}

func (h *handlers) getStatus(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	provider, err := requireString(req.GetArguments(), "provider")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(h.svc.GetStatus(provider))
}

func (h *handlers) getAllStatus(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(h.svc.GetAllStatus())
}

func (h *handlers) logout(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	provider, err := requireString(args, "provider")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(h.svc.Logout(provider, boolArg(args, "revoke_tokens")))
}

func (h *handlers) getProviders(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(h.svc.GetProviders())
}

func (h *handlers) refreshTokens(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	provider, err := requireString(req.GetArguments(), "provider")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(h.svc.RefreshTokens(provider))
}

func (h *handlers) getFlowStatus(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	flowID, err := requireString(req.GetArguments(), "flow_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(h.svc.GetFlowStatus(flowID))
}

func (h *handlers) updateFlowStatus(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	flowID, err := requireString(args, "flow_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	status, err := requireString(args, "status")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	h.svc.UpdateFlowStatus(flowID, status)
	return jsonResult(nil)
}

func (h *handlers) completeFlow(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	flowID, err := requireString(args, "flow_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	raw, ok := args["result"]
	if !ok || raw == nil {
		return mcp.NewToolResultError("missing required argument: result"), nil
	}

	var result events.OAuthResult
	if err := decodeArg(raw, &result); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid result: %v", err)), nil
	}

	h.svc.CompleteFlow(flowID, result)
	return jsonResult(nil)
}

func (h *handlers) handleError(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	errMsg, err := requireString(args, "error")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	h.svc.HandleError(optionalString(args, "flow_id"), errMsg, optionalString(args, "error_description"))
	return jsonResult(nil)
}

func (h *handlers) getLastError(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(h.svc.GetLastError())
}

func (h *handlers) clearErrors(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	h.svc.ClearErrors()
	return jsonResult(nil)
}

func (h *handlers) validateConfig(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(h.svc.ValidateConfig())
}

func (h *handlers) getConfigStatus(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(h.svc.GetConfigStatus())
}

func (h *handlers) startServer(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	port, ok, err := portArg(req.GetArguments(), "port")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var callbackURL string
	if ok {
		callbackURL, err = h.svc.StartServer(port)
	} else {
		callbackURL, err = h.svc.StartDefaultServer()
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(callbackURL)
}

// jsonResult encodes v as the text content of a successful result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		log.LogErrorWithFields("bridge", "Failed to encode tool result", map[string]any{
			"error": err.Error(),
		})
		return nil, fmt.Errorf("encoding tool result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func requireString(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return "", fmt.Errorf("missing required argument: %s", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %s must be a string", key)
	}
	return s, nil
}

func optionalString(args map[string]any, key string) *string {
	s, ok := args[key].(string)
	if !ok {
		return nil
	}
	return &s
}

func boolArg(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

// portArg reports false when the argument is absent or null.
func portArg(args map[string]any, key string) (int, bool, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return 0, false, nil
	}

	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case int:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false, fmt.Errorf("argument %s must be a number", key)
		}
		f = parsed
	default:
		return 0, false, fmt.Errorf("argument %s must be a number", key)
	}

	if f != math.Trunc(f) || f < 0 || f > 65535 {
		return 0, false, fmt.Errorf("argument %s must be an integer between 0 and 65535", key)
	}
	return int(f), true, nil
}

func decodeArg(raw any, target any) error {
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}
