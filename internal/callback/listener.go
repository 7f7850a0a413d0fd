// Package callback implements the single-shot loopback listener that captures
// an identity provider's authorization redirect.
package callback

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgellow/oauth-loopback/internal/events"
	"github.com/dgellow/oauth-loopback/internal/log"
)

// Host is the loopback address listeners bind to.
const Host = "127.0.0.1"

// CallbackPath is the path providers redirect to.
const CallbackPath = "/callback"

// readBufferSize bounds how much of the redirect request is read.
const readBufferSize = 2048

// State is the lifecycle position of a Listener.
type State int32

const (
	StateBound State = iota
	StateWaiting
	StateParsing
	StateResponding
	StateNotified
	StateIdle
)

func (s State) String() string {
	switch s {
	case StateBound:
		return "bound"
	case StateWaiting:
		return "waiting"
	case StateParsing:
		return "parsing"
	case StateResponding:
		return "responding"
	case StateNotified:
		return "notified"
	case StateIdle:
		return "idle"
	default:
		return "unknown"
	}
}

// Terminal reports whether the listener has finished.
func (s State) Terminal() bool {
	return s == StateNotified || s == StateIdle
}

// Listener accepts exactly one connection on a loopback port and forwards the
// redirect's query parameters to a sink. It is not reusable.
type Listener struct {
	ln      net.Listener
	port    int
	sink    events.Sink
	timeout time.Duration

	state     atomic.Int32
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Listener.
type Option func(*Listener)

// WithTimeout stops waiting for the redirect after d. Zero waits until the
// context is cancelled or Close is called.
func WithTimeout(d time.Duration) Option {
	return func(l *Listener) {
		l.timeout = d
	}
}

// URLFor returns the callback URL for a loopback port.
func URLFor(port int) string {
	return "http://" + net.JoinHostPort(Host, strconv.Itoa(port)) + CallbackPath
}

// Start binds 127.0.0.1:port and returns once the port is held. The redirect
// is awaited in the background. Port 0 picks a free port; URL reports it.
// Binding is the only failure Start reports; everything after it is logged
// and otherwise silent.
func Start(ctx context.Context, port int, sink events.Sink, opts ...Option) (*Listener, error) {
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("failed to bind to port %d: invalid port", port)
	}
	if sink == nil {
		sink = events.Discard
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(Host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("failed to bind to port %d: %w", port, err)
	}

	l := &Listener{
		ln:   ln,
		port: ln.Addr().(*net.TCPAddr).Port,
		sink: sink,
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.state.Store(int32(StateBound))

	var runCtx context.Context
	if l.timeout > 0 {
		runCtx, l.cancel = context.WithTimeout(ctx, l.timeout)
	} else {
		runCtx, l.cancel = context.WithCancel(ctx)
	}

	log.LogInfoWithFields("callback", "Callback listener bound", map[string]any{
		"url":     l.URL(),
		"timeout": l.timeout.String(),
	})

	go l.run(runCtx)

	return l, nil
}

// URL returns the callback URL providers should redirect to.
func (l *Listener) URL() string {
	return URLFor(l.port)
}

// Port returns the bound port.
func (l *Listener) Port() int {
	return l.port
}

// State returns the current lifecycle state.
func (l *Listener) State() State {
	return State(l.state.Load())
}

// Done is closed when the background task has finished.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// Close stops waiting for a connection and releases the port. A redirect
// whose request has not arrived yet is aborted without notification.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		l.cancel()
		_ = l.ln.Close()
	})
	return nil
}

func (l *Listener) setState(s State) {
	l.state.Store(int32(s))
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)
	defer l.cancel()

	stopListener := context.AfterFunc(ctx, func() {
		_ = l.ln.Close()
	})
	defer stopListener()

	l.setState(StateWaiting)
	conn, err := l.ln.Accept()
	// One redirect per listener.
	_ = l.ln.Close()
	if err != nil {
		l.setState(StateIdle)
		reason := err.Error()
		if ctxErr := ctx.Err(); ctxErr != nil {
			reason = ctxErr.Error()
		}
		log.LogDebugWithFields("callback", "Callback listener stopped without a connection", map[string]any{
			"url":    l.URL(),
			"reason": reason,
		})
		return
	}
	defer conn.Close()
	stopConn := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stopConn()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	params, ok := l.handle(conn)
	if !ok {
		l.setState(StateIdle)
		return
	}

	l.sink.Emit(events.ServerCallback, events.CallbackParams(params))
	l.setState(StateNotified)

	log.LogInfoWithFields("callback", "OAuth callback received", map[string]any{
		"url":        l.URL(),
		"param_keys": paramKeys(params),
	})
}

// handle reads the redirect, answers it and returns the parsed parameters.
// It reports false when the peer sent nothing.
func (l *Listener) handle(conn net.Conn) (map[string]string, bool) {
	l.setState(StateParsing)

	buf := make([]byte, readBufferSize)
	n, err := conn.Read(buf)
	if n == 0 {
		fields := map[string]any{"remote": conn.RemoteAddr().String()}
		if err != nil && !errors.Is(err, net.ErrClosed) {
			fields["error"] = err.Error()
		}
		log.LogDebugWithFields("callback", "Callback connection closed before sending data", fields)
		return nil, false
	}

	request := lossyString(buf[:n])
	line := FirstLine(request)
	params := ParseQuery(line)

	if rl, ok := ParseRequestLine(line); ok {
		log.LogTraceWithFields("callback", "Callback request", map[string]any{
			"method": rl.Method,
			"path":   rl.Path(),
		})
	}

	l.setState(StateResponding)
	if _, err := conn.Write(successResponse); err != nil {
		log.LogDebugWithFields("callback", "Failed to write callback response", map[string]any{
			"error": err.Error(),
		})
	}
	_ = conn.Close()

	return params, true
}

// paramKeys lists keys only; values carry authorization codes.
func paramKeys(params map[string]string) []string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	return keys
}
