package tests

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
)

// MockServer is an httptest server built from a list of handlers, counting the requests
// each endpoint sees
type MockServer struct {
	server *httptest.Server
	hits   map[string]*atomic.Int32

	Addr string
}

type MockHandler struct {
	Endpoint    string
	HandlerFunc http.HandlerFunc
}

func NewMockServer(handlers ...MockHandler) *MockServer {
	mux := http.NewServeMux()

	hits := make(map[string]*atomic.Int32)
	for _, handler := range handlers {
		handler := handler
		counter := &atomic.Int32{}
		hits[handler.Endpoint] = counter

		mux.HandleFunc(handler.Endpoint, func(w http.ResponseWriter, r *http.Request) {
			counter.Add(1)
			handler.HandlerFunc(w, r)
		})
	}

	s := httptest.NewServer(mux)

	return &MockServer{
		server: s,
		hits:   hits,
		Addr:   s.URL,
	}
}

// Hits returns how many requests reached the handler registered for endpoint
func (m *MockServer) Hits(endpoint string) int {
	if counter, ok := m.hits[endpoint]; ok {
		return int(counter.Load())
	}
	return 0
}

func (m *MockServer) Close() {
	m.server.Close()
}
