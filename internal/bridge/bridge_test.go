package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgellow/oauth-loopback/internal/commands"
	"github.com/dgellow/oauth-loopback/internal/events"
	"github.com/dgellow/oauth-loopback/internal/flow"
	"github.com/dgellow/oauth-loopback/internal/testutil"
)

type sentNotification struct {
	method string
	params map[string]any
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentNotification
}

func (f *fakeSender) SendNotificationToAllClients(method string, params map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentNotification{method: method, params: params})
}

func (f *fakeSender) all() []sentNotification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentNotification(nil), f.sent...)
}

func newTestHandlers(t *testing.T) (*handlers, *events.Buffer) {
	t.Helper()
	sink := events.NewBuffer()
	svc := commands.NewService(context.Background(), flow.NewRegistry(sink), sink)
	t.Cleanup(svc.Close)
	return &handlers{svc: svc}, sink
}

func callTool(name string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	require.Len(t, result.Content, 1)
	switch c := result.Content[0].(type) {
	case mcp.TextContent:
		return c.Text
	case *mcp.TextContent:
		return c.Text
	default:
		t.Fatalf("unexpected content type %T", result.Content[0])
		return ""
	}
}

func findHandler(t *testing.T, h *handlers, name string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	t.Helper()
	for _, entry := range h.tools() {
		if entry.tool.Name == name {
			return entry.handler
		}
	}
	t.Fatalf("tool %s not registered", name)
	return nil
}

func TestNotifier_Emit(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotifier(sender)

	n.Emit(events.FlowStarted, events.FlowStartedPayload{FlowID: "f1", Provider: "github", ForceReauth: true})
	n.Emit(events.AllStatusRequested, events.Empty{})
	n.Emit(events.ServerCallback, events.CallbackParams{"code": "abc"})

	sent := sender.all()
	require.Len(t, sent, 3)

	assert.Equal(t, events.FlowStarted, sent[0].method)
	assert.Equal(t, map[string]any{"flow_id": "f1", "provider": "github", "force_reauth": true}, sent[0].params)

	assert.Equal(t, events.AllStatusRequested, sent[1].method)
	assert.Empty(t, sent[1].params)

	assert.Equal(t, map[string]any{"code": "abc"}, sent[2].params)
}

func TestNotifier_DropsUnencodablePayload(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotifier(sender)

	n.Emit(events.Error, make(chan int))
	assert.Empty(t, sender.all())
}

func TestTools_AllRegistered(t *testing.T) {
	h, _ := newTestHandlers(t)

	var names []string
	for _, entry := range h.tools() {
		names = append(names, entry.tool.Name)
		assert.NotNil(t, entry.handler, entry.tool.Name)
	}
	assert.ElementsMatch(t, []string{
		ToolAuthenticate, ToolGetStatus, ToolGetAllStatus, ToolLogout,
		ToolGetProviders, ToolRefreshTokens, ToolGetFlowStatus,
		ToolUpdateFlowStatus, ToolCompleteFlow, ToolHandleError,
		ToolGetLastError, ToolClearErrors, ToolValidateConfig,
		ToolGetConfigStatus, ToolStartServer,
	}, names)
}

func TestTools_FlowLifecycle(t *testing.T) {
	h, sink := newTestHandlers(t)
	ctx := context.Background()

	result, err := findHandler(t, h, ToolAuthenticate)(ctx, callTool(ToolAuthenticate, map[string]any{
		"provider":     "github",
		"force_reauth": true,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var flowID string
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &flowID))
	require.NotEmpty(t, flowID)

	started := sink.Named(events.FlowStarted)
	require.Len(t, started, 1)
	assert.Equal(t, events.FlowStartedPayload{FlowID: flowID, Provider: "github", ForceReauth: true}, started[0].Payload)

	result, err = findHandler(t, h, ToolGetFlowStatus)(ctx, callTool(ToolGetFlowStatus, map[string]any{"flow_id": flowID}))
	require.NoError(t, err)
	assert.Equal(t, `"initiated"`, resultText(t, result))

	_, err = findHandler(t, h, ToolUpdateFlowStatus)(ctx, callTool(ToolUpdateFlowStatus, map[string]any{
		"flow_id": flowID,
		"status":  "exchanging",
	}))
	require.NoError(t, err)

	result, err = findHandler(t, h, ToolGetFlowStatus)(ctx, callTool(ToolGetFlowStatus, map[string]any{"flow_id": flowID}))
	require.NoError(t, err)
	assert.Equal(t, `"exchanging"`, resultText(t, result))

	result, err = findHandler(t, h, ToolCompleteFlow)(ctx, callTool(ToolCompleteFlow, map[string]any{
		"flow_id": flowID,
		"result": map[string]any{
			"success":  true,
			"provider": "github",
			"tokens": map[string]any{
				"access_token": "at",
				"token_type":   "Bearer",
			},
		},
	}))
	require.NoError(t, err)
	assert.Equal(t, "null", resultText(t, result))

	completed := sink.Named(events.FlowCompleted)
	require.Len(t, completed, 1)
	payload := completed[0].Payload.(events.FlowCompletedPayload)
	assert.Equal(t, flowID, payload.FlowID)
	assert.True(t, payload.Result.Success)
	require.NotNil(t, payload.Result.Tokens)
	assert.Equal(t, "at", payload.Result.Tokens.AccessToken)

	result, err = findHandler(t, h, ToolGetFlowStatus)(ctx, callTool(ToolGetFlowStatus, map[string]any{"flow_id": flowID}))
	require.NoError(t, err)
	assert.Equal(t, "null", resultText(t, result))
}

func TestTools_Errors(t *testing.T) {
	h, sink := newTestHandlers(t)
	ctx := context.Background()

	result, err := findHandler(t, h, ToolGetLastError)(ctx, callTool(ToolGetLastError, nil))
	require.NoError(t, err)
	assert.Equal(t, "null", resultText(t, result))

	_, err = findHandler(t, h, ToolHandleError)(ctx, callTool(ToolHandleError, map[string]any{
		"error":             "access_denied",
		"error_description": "denied",
	}))
	require.NoError(t, err)

	result, err = findHandler(t, h, ToolGetLastError)(ctx, callTool(ToolGetLastError, nil))
	require.NoError(t, err)
	assert.Equal(t, `"access_denied"`, resultText(t, result))

	errs := sink.Named(events.Error)
	require.Len(t, errs, 1)
	payload := errs[0].Payload.(events.ErrorPayload)
	assert.Nil(t, payload.FlowID)
	require.NotNil(t, payload.ErrorDescription)
	assert.Equal(t, "denied", *payload.ErrorDescription)

	_, err = findHandler(t, h, ToolClearErrors)(ctx, callTool(ToolClearErrors, nil))
	require.NoError(t, err)

	result, err = findHandler(t, h, ToolGetLastError)(ctx, callTool(ToolGetLastError, nil))
	require.NoError(t, err)
	assert.Equal(t, "null", resultText(t, result))
}

func TestTools_Placeholders(t *testing.T) {
	h, sink := newTestHandlers(t)
	ctx := context.Background()

	tests := []struct {
		tool  string
		args  map[string]any
		want  string
		event string
	}{
		{ToolGetStatus, map[string]any{"provider": "github"}, `"provider":"github"`, events.StatusRequested},
		{ToolGetAllStatus, nil, `[]`, events.AllStatusRequested},
		{ToolLogout, map[string]any{"provider": "github"}, `true`, events.LogoutRequested},
		{ToolGetProviders, nil, `[]`, events.ProvidersRequested},
		{ToolRefreshTokens, map[string]any{"provider": "google"}, `true`, events.RefreshRequested},
		{ToolValidateConfig, nil, `true`, events.ConfigValidationRequest},
		{ToolGetConfigStatus, nil, `{}`, events.ConfigStatusRequested},
	}

	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			result, err := findHandler(t, h, tt.tool)(ctx, callTool(tt.tool, tt.args))
			require.NoError(t, err)
			assert.False(t, result.IsError)
			assert.Contains(t, resultText(t, result), tt.want)
			assert.NotEmpty(t, sink.Named(tt.event))
		})
	}
}

func TestTools_MissingArguments(t *testing.T) {
	h, sink := newTestHandlers(t)
	ctx := context.Background()

	tests := []struct {
		tool string
		args map[string]any
	}{
		{ToolAuthenticate, nil},
		{ToolAuthenticate, map[string]any{"provider": 42}},
		{ToolGetStatus, nil},
		{ToolLogout, nil},
		{ToolRefreshTokens, nil},
		{ToolGetFlowStatus, nil},
		{ToolUpdateFlowStatus, map[string]any{"flow_id": "x"}},
		{ToolCompleteFlow, map[string]any{"flow_id": "x"}},
		{ToolCompleteFlow, map[string]any{"flow_id": "x", "result": "not an object"}},
		{ToolHandleError, nil},
		{ToolStartServer, map[string]any{"port": "8080"}},
		{ToolStartServer, map[string]any{"port": 1.5}},
		{ToolStartServer, map[string]any{"port": float64(70000)}},
	}

	for _, tt := range tests {
		result, err := findHandler(t, h, tt.tool)(ctx, callTool(tt.tool, tt.args))
		require.NoError(t, err, tt.tool)
		assert.True(t, result.IsError, "%s %v", tt.tool, tt.args)
	}
	assert.Empty(t, sink.Records())
}

func TestTools_StartServer(t *testing.T) {
	h, sink := newTestHandlers(t)
	ctx := context.Background()

	result, err := findHandler(t, h, ToolStartServer)(ctx, callTool(ToolStartServer, nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var callbackURL string
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &callbackURL))
	assert.True(t, strings.HasPrefix(callbackURL, "http://127.0.0.1:"))
	assert.True(t, strings.HasSuffix(callbackURL, "/callback"))
	assert.Empty(t, sink.Records())
}

func TestTools_StartServerBindFailure(t *testing.T) {
	h, _ := newTestHandlers(t)
	ctx := context.Background()

	first, err := h.svc.StartServer(0)
	require.NoError(t, err)
	port := strings.TrimSuffix(strings.TrimPrefix(first, "http://127.0.0.1:"), "/callback")

	var n float64
	require.NoError(t, json.Unmarshal([]byte(port), &n))

	result, err := findHandler(t, h, ToolStartServer)(ctx, callTool(ToolStartServer, map[string]any{"port": n}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "failed to bind to port "+port)
}

func TestTools_StartServerPortSelection(t *testing.T) {
	sink := events.NewBuffer()
	defaultPort := testutil.FreePort(t)
	svc := commands.NewService(context.Background(), flow.NewRegistry(sink), sink, commands.WithDefaultPort(defaultPort))
	t.Cleanup(svc.Close)
	h := &handlers{svc: svc}
	ctx := context.Background()
	want := "http://127.0.0.1:" + strconv.Itoa(defaultPort) + "/callback"

	result, err := findHandler(t, h, ToolStartServer)(ctx, callTool(ToolStartServer, map[string]any{"port": float64(0)}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	var ephemeral string
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &ephemeral))
	assert.NotEqual(t, want, ephemeral)

	result, err = findHandler(t, h, ToolStartServer)(ctx, callTool(ToolStartServer, nil))
	require.NoError(t, err)
	require.False(t, result.IsError)
	var configured string
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &configured))
	assert.Equal(t, want, configured)
}

// rpcLine is one JSON-RPC message read back from the stdio transport.
type rpcLine struct {
	ID     *int            `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
}

func TestServe_Stdio(t *testing.T) {
	sink := events.NewBuffer()
	b := New("oauth-loopback-test", "test")
	notifier := b.Sink()
	multi := events.Multi{sink, notifier}

	svc := commands.NewService(context.Background(), flow.NewRegistry(multi), multi)
	t.Cleanup(svc.Close)
	b.Register(svc)

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- b.Serve(ctx, inR, outW)
	}()

	lines := make(chan rpcLine, 16)
	go func() {
		scanner := bufio.NewScanner(outR)
		for scanner.Scan() {
			var line rpcLine
			if err := json.Unmarshal(scanner.Bytes(), &line); err == nil {
				lines <- line
			}
		}
		close(lines)
	}()

	send := func(msg string) {
		_, err := io.WriteString(inW, msg+"\n")
		require.NoError(t, err)
	}
	next := func() rpcLine {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "transport closed")
			return line
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for a message")
			return rpcLine{}
		}
	}

	send(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"test","version":"1.0"}}}`)
	initialized := next()
	require.NotNil(t, initialized.ID)
	assert.Equal(t, 1, *initialized.ID)
	send(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)

	send(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"oauth_authenticate","arguments":{"provider":"github"}}}`)

	var (
		gotResponse     bool
		gotNotification bool
		flowID          string
	)
	for !gotResponse || !gotNotification {
		line := next()
		switch {
		case line.ID != nil && *line.ID == 2:
			gotResponse = true
			result, err := mcp.ParseCallToolResult(&line.Result)
			require.NoError(t, err)
			text := resultText(t, result)
			require.NoError(t, json.Unmarshal([]byte(text), &flowID))
		case line.Method == events.FlowStarted:
			gotNotification = true
			assert.Contains(t, string(line.Params), `"provider":"github"`)
		}
	}
	assert.NotEmpty(t, flowID)
	assert.Len(t, sink.Named(events.FlowStarted), 1)

	cancel()
	_ = inW.Close()
	select {
	case <-serveErr:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
	_ = outW.Close()
}
