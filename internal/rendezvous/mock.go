package rendezvous

import (
	"errors"
	"net/http"
	"sync"
	"time"
)

// MockFrame is one frame seen by a MockConn.
type MockFrame struct {
	Type int
	Data []byte
}

// MockConn is an in-memory WebSocket connection for testing. ReadMessage
// blocks until a frame is enqueued or the connection is closed.
type MockConn struct {
	mu          sync.Mutex
	closed      bool
	reads       chan MockFrame
	closedCh    chan struct{}
	written     []MockFrame
	writeErr    error
	pongHandler func(string) error
	readLimit   int64
}

// NewMockConn creates a new mock connection.
func NewMockConn() *MockConn {
	return &MockConn{
		reads:    make(chan MockFrame, 64),
		closedCh: make(chan struct{}),
	}
}

// WriteMessage implements Conn.
func (m *MockConn) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.New("connection closed")
	}
	if m.writeErr != nil {
		return m.writeErr
	}

	// Store a copy of the data
	m.written = append(m.written, MockFrame{Type: messageType, Data: append([]byte(nil), data...)})
	return nil
}

// ReadMessage implements Conn.
func (m *MockConn) ReadMessage() (int, []byte, error) {
	select {
	case f := <-m.reads:
		return f.Type, f.Data, nil
	case <-m.closedCh:
		return 0, nil, errors.New("connection closed")
	}
}

// Close implements Conn.
func (m *MockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.closedCh)
	}
	return nil
}

// SetWriteDeadline implements Conn.
func (m *MockConn) SetWriteDeadline(t time.Time) error {
	return nil
}

// SetReadDeadline implements Conn.
func (m *MockConn) SetReadDeadline(t time.Time) error {
	return nil
}

// SetReadLimit implements Conn.
func (m *MockConn) SetReadLimit(limit int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readLimit = limit
}

// SetPongHandler implements Conn.
func (m *MockConn) SetPongHandler(h func(appData string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pongHandler = h
}

// --- Mock-specific methods for testing ---

// EnqueueText queues a text frame for ReadMessage.
func (m *MockConn) EnqueueText(data string) {
	m.reads <- MockFrame{Type: TextMessage, Data: []byte(data)}
}

// EnqueueBinary queues a binary frame for ReadMessage.
func (m *MockConn) EnqueueBinary(data []byte) {
	m.reads <- MockFrame{Type: BinaryMessage, Data: data}
}

// Written returns a copy of all frames written to the connection.
func (m *MockConn) Written() []MockFrame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockFrame(nil), m.written...)
}

// LastWritten returns the last frame written, or nil.
func (m *MockConn) LastWritten() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.written) == 0 {
		return nil
	}
	return m.written[len(m.written)-1].Data
}

// SetWriteError sets an error to be returned by WriteMessage.
func (m *MockConn) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// IsClosed returns whether the connection is closed.
func (m *MockConn) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// SimulatePong simulates receiving a pong message.
func (m *MockConn) SimulatePong() error {
	m.mu.Lock()
	handler := m.pongHandler
	m.mu.Unlock()

	if handler != nil {
		return handler("")
	}
	return nil
}

// --- Mock Upgrader ---

// MockUpgrader is a mock WebSocket upgrader for testing.
type MockUpgrader struct {
	Connections []*MockConn
	mu          sync.Mutex
	err         error
}

// NewMockUpgrader creates a new mock upgrader.
func NewMockUpgrader() *MockUpgrader {
	return &MockUpgrader{}
}

// Upgrade implements Upgrader.
func (m *MockUpgrader) Upgrade(w http.ResponseWriter, r *http.Request, responseHeader http.Header) (Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}

	conn := NewMockConn()
	m.Connections = append(m.Connections, conn)
	return conn, nil
}

// SetError sets an error to be returned by Upgrade.
func (m *MockUpgrader) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}
