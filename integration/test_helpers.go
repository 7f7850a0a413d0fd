package integration

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// binaryPath is the oauth-loopback binary built by TestMain.
var binaryPath string

// rpcMessage is any JSON-RPC message written by the binary.
type rpcMessage struct {
	ID     *int            `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// toolResult is the subset of a tools/call result the tests read.
type toolResult struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

// stdioClient drives the binary over its stdin/stdout.
type stdioClient struct {
	t      *testing.T
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *lockedBuffer

	mu            sync.Mutex
	nextID        int
	responses     map[int]rpcMessage
	notifications []rpcMessage
	changed       chan struct{}
	exited        chan struct{}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// startClient launches the binary with args and performs the MCP handshake.
func startClient(t *testing.T, env []string, args ...string) *stdioClient {
	t.Helper()

	cmd := exec.Command(binaryPath, args...)
	cmd.Env = append(cmd.Environ(), env...)

	stdin, err := cmd.StdinPipe()
	require.NoError(t, err)
	stdout, err := cmd.StdoutPipe()
	require.NoError(t, err)

	c := &stdioClient{
		t:         t,
		cmd:       cmd,
		stdin:     stdin,
		stderr:    &lockedBuffer{},
		nextID:    1,
		responses: make(map[int]rpcMessage),
		changed:   make(chan struct{}, 1),
		exited:    make(chan struct{}),
	}
	cmd.Stderr = c.stderr

	require.NoError(t, cmd.Start())
	go c.readLoop(stdout)
	go func() {
		_ = cmd.Wait()
		close(c.exited)
	}()

	t.Cleanup(func() {
		c.close()
		if t.Failed() {
			t.Logf("oauth-loopback stderr:\n%s", c.stderr.String())
		}
	})

	c.initialize()
	return c
}

func (c *stdioClient) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var msg rpcMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}

		c.mu.Lock()
		if msg.ID != nil && msg.Method == "" {
			c.responses[*msg.ID] = msg
		} else if msg.Method != "" {
			c.notifications = append(c.notifications, msg)
		}
		c.mu.Unlock()

		select {
		case c.changed <- struct{}{}:
		default:
		}
	}
}

func (c *stdioClient) send(v any) {
	c.t.Helper()
	data, err := json.Marshal(v)
	require.NoError(c.t, err)
	_, err = c.stdin.Write(append(data, '\n'))
	require.NoError(c.t, err)
}

// request sends a JSON-RPC request and waits for its response.
func (c *stdioClient) request(method string, params any) rpcMessage {
	c.t.Helper()

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.mu.Unlock()

	c.send(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	})

	var resp rpcMessage
	c.waitFor(fmt.Sprintf("response to %s", method), func() bool {
		var ok bool
		resp, ok = c.responses[id]
		return ok
	})
	require.Nil(c.t, resp.Error, "%s failed", method)
	return resp
}

func (c *stdioClient) initialize() {
	c.t.Helper()
	c.request("initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "integration-test", "version": "1.0.0"},
	})
	c.send(map[string]any{
		"jsonrpc": "2.0",
		"method":  "notifications/initialized",
	})
}

// callTool invokes a tool and decodes its JSON text result into out.
func (c *stdioClient) callTool(name string, args map[string]any, out any) toolResult {
	c.t.Helper()

	resp := c.request("tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})

	var result toolResult
	require.NoError(c.t, json.Unmarshal(resp.Result, &result))
	require.Len(c.t, result.Content, 1)
	if out != nil && !result.IsError {
		require.NoError(c.t, json.Unmarshal([]byte(result.Content[0].Text), out))
	}
	return result
}

// waitNotification waits for the first notification with method whose
// params satisfy match and returns those params.
func (c *stdioClient) waitNotification(method string, match func(params map[string]any) bool) map[string]any {
	c.t.Helper()

	var found map[string]any
	c.waitFor("notification "+method, func() bool {
		for _, n := range c.notifications {
			if n.Method != method {
				continue
			}
			params := map[string]any{}
			if len(n.Params) > 0 {
				if err := json.Unmarshal(n.Params, &params); err != nil {
					continue
				}
			}
			if match == nil || match(params) {
				found = params
				return true
			}
		}
		return false
	})
	return found
}

// notificationCount returns how many notifications with method were seen.
func (c *stdioClient) notificationCount(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, msg := range c.notifications {
		if msg.Method == method {
			n++
		}
	}
	return n
}

func (c *stdioClient) waitFor(what string, cond func() bool) {
	c.t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		c.mu.Lock()
		ok := cond()
		c.mu.Unlock()
		if ok {
			return
		}

		select {
		case <-c.changed:
		case <-c.exited:
			c.t.Fatalf("binary exited while waiting for %s", what)
		case <-deadline:
			c.t.Fatalf("timed out waiting for %s", what)
		}
	}
}

// close ends the session by closing stdin and waits for the process to exit.
func (c *stdioClient) close() {
	_ = c.stdin.Close()
	select {
	case <-c.exited:
	case <-time.After(5 * time.Second):
		_ = c.cmd.Process.Kill()
		<-c.exited
	}
}
