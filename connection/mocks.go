package connection

import (
	"github.com/stretchr/testify/mock"

	"github.com/NotEvenANeko/objc-sdk/connection/dispatch"
	"github.com/NotEvenANeko/objc-sdk/connection/frame"
)

// mocked version of the Connection
type MockConnection struct {
	mock.Mock
}

func (m *MockConnection) Send(peerId string, service frame.Service, command frame.Command, executor dispatch.Executor, callback Callback) {
	m.Called(peerId, service, command, executor, callback)
}

func (m *MockConnection) IsConnected() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockConnection) Close() {
	m.Called()
}
