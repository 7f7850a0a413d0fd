package testutil

import (
	"net"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockSink is a testify mock implementing events.Sink.
type MockSink struct {
	mock.Mock
}

func (m *MockSink) Emit(name string, payload any) {
	m.Called(name, payload)
}

// FreePort reserves a free loopback port and releases it for the caller.
func FreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}
