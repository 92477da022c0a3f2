package websocket

import (
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/NotEvenANeko/objc-sdk/connection/transporter"
	"github.com/NotEvenANeko/objc-sdk/logger"
)

// MockWebsocketServer echoes every message back and answers pings (gorilla does that by default)
type MockWebsocketServer struct {
	logger   *logger.Logger
	listener net.Listener

	lock  sync.Mutex
	conns []*websocket.Conn

	Addr          string
	ReceivedBytes chan []byte
	Subprotocols  chan string
}

// Adapted from: https://golangdocs.com/golang-gorilla-websockets
func NewMockWebsocketServer(logger *logger.Logger) *MockWebsocketServer {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		logger.Errorf("failed to setup listener")
	}

	mockServer := &MockWebsocketServer{
		logger:        logger,
		listener:      listener,
		Addr:          fmt.Sprintf("http://127.0.0.1:%d", listener.Addr().(*net.TCPAddr).Port),
		ReceivedBytes: make(chan []byte, 10),
		Subprotocols:  make(chan string, 10),
	}

	go func() {
		http.Serve(mockServer.listener, mockServer)
	}()

	return mockServer
}

func (m *MockWebsocketServer) Shutdown() {
	m.listener.Close()
	m.DropConnections()
}

// DropConnections closes every accepted connection without a closing handshake
func (m *MockWebsocketServer) DropConnections() {
	m.lock.Lock()
	defer m.lock.Unlock()

	for _, conn := range m.conns {
		conn.Close()
	}
	m.conns = nil
}

func (m *MockWebsocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		Subprotocols: websocket.Subprotocols(r),
	}

	// Upgrade our raw HTTP connection to a websocket based one
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Errorf("Error during connection upgradation: %s", err)
		return
	}
	defer conn.Close()

	m.lock.Lock()
	m.conns = append(m.conns, conn)
	m.lock.Unlock()

	m.Subprotocols <- conn.Subprotocol()

	// The event loop
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			m.logger.Debugf("Mock server stopped reading: %s", err)
			break
		}

		m.ReceivedBytes <- message

		err = conn.WriteMessage(messageType, message)
		if err != nil {
			m.logger.Errorf("Error during message writing: %s", err)
			break
		}
	}
}

// RecordingHandler turns socket callbacks into channel sends
type RecordingHandler struct {
	Opened chan transporter.Socket
	Closed chan error
	Frames chan []byte
	Pongs  chan struct{}
}

func NewRecordingHandler() *RecordingHandler {
	return &RecordingHandler{
		Opened: make(chan transporter.Socket, 10),
		Closed: make(chan error, 10),
		Frames: make(chan []byte, 10),
		Pongs:  make(chan struct{}, 10),
	}
}

func (h *RecordingHandler) OnOpen(socket transporter.Socket) {
	h.Opened <- socket
}

func (h *RecordingHandler) OnClose(socket transporter.Socket, reason error) {
	h.Closed <- reason
}

func (h *RecordingHandler) OnFrame(socket transporter.Socket, message []byte) {
	h.Frames <- message
}

func (h *RecordingHandler) OnPong(socket transporter.Socket) {
	h.Pongs <- struct{}{}
}
