package transporter

import (
	"context"
	"net/http"
	"net/url"

	"github.com/stretchr/testify/mock"
)

type MockSocket struct {
	mock.Mock
}

func (m *MockSocket) Open(ctx context.Context, connUrl *url.URL, headers http.Header) {
	m.Called(ctx, connUrl, headers)
}

func (m *MockSocket) Send(message []byte) error {
	args := m.Called(message)
	return args.Error(0)
}

func (m *MockSocket) Ping() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockSocket) Close(reason error) {
	m.Called(reason)
}
