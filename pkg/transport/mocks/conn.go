package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/ava-labs/http-producer/pkg/transport"
)

// MockConn is a mock implementation of transport.Conn for testing
type MockConn struct {
	mock.Mock
}

func (m *MockConn) Perform(ctx context.Context, req *transport.Request) transport.Result {
	args := m.Called(ctx, req)
	if fn, ok := args.Get(0).(func(context.Context, *transport.Request) transport.Result); ok {
		return fn(ctx, req)
	}
	return args.Get(0).(transport.Result)
}

func (m *MockConn) Close() error {
	args := m.Called()
	return args.Error(0)
}

// MockEngine is a mock implementation of transport.Engine for testing
type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) Name() string {
	return "mock"
}

func (m *MockEngine) Open(cfg transport.Config) (transport.Conn, error) {
	args := m.Called(cfg)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(transport.Conn), args.Error(1)
}
