package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/internal/documents"
	"github.com/gorilla/websocket"
)

const defaultSendQueueSize = 256

var (
	errSessionClosed  = errors.New("session closed")
	errSendQueueFull  = errors.New("session send queue full")
	errSessionStarted = errors.New("session already started")
)

// Session is the send capability of one connected editor.
type Session interface {
	ID() string
	UserID() documents.UserID
	// Start delivers the initial payload ahead of anything sent before Start was called.
	Start(initial []byte) error
	// Send queues payload for delivery. It never waits on the network.
	Send(payload []byte) error
	Close() error
}

// frameWriter is the write side of a websocket connection.
type frameWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// socketSession hands payloads to a bounded queue drained by one writer goroutine, so a stalled
// peer only fills its own queue. A full queue or a failed write makes further sends fail, which
// gets the session evicted by the next broadcast.
// Payloads sent before Start are held back so the joiner always sees init first.
type socketSession struct {
	id           string
	userID       documents.UserID
	conn         frameWriter
	writeTimeout time.Duration

	mu       sync.Mutex
	started  bool
	closed   bool
	writeErr error
	pending  [][]byte
	outbound chan []byte
	quit     chan struct{}
	done     chan struct{}
}

func newSocketSession(id string, userID documents.UserID, conn frameWriter, writeTimeout time.Duration, queueSize int) *socketSession {
	if queueSize <= 0 {
		queueSize = defaultSendQueueSize
	}
	return &socketSession{
		id:           id,
		userID:       userID,
		conn:         conn,
		writeTimeout: writeTimeout,
		outbound:     make(chan []byte, queueSize),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func (s *socketSession) ID() string {
	return s.id
}

func (s *socketSession) UserID() documents.UserID {
	return s.userID
}

func (s *socketSession) Start(initial []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSessionClosed
	}
	if s.started {
		return errSessionStarted
	}
	s.started = true
	go s.writeLoop()
	if err := s.enqueueLocked(initial); err != nil {
		return err
	}
	pending := s.pending
	s.pending = nil
	for _, payload := range pending {
		if err := s.enqueueLocked(payload); err != nil {
			return err
		}
	}
	return nil
}

func (s *socketSession) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSessionClosed
	}
	if s.writeErr != nil {
		return s.writeErr
	}
	if !s.started {
		s.pending = append(s.pending, payload)
		return nil
	}
	return s.enqueueLocked(payload)
}

func (s *socketSession) enqueueLocked(payload []byte) error {
	select {
	case s.outbound <- payload:
		return nil
	default:
		return errSendQueueFull
	}
}

func (s *socketSession) writeLoop() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			_ = s.shutdown()
			return
		case payload := <-s.outbound:
			if err := s.write(payload); err != nil {
				s.mu.Lock()
				s.writeErr = err
				s.mu.Unlock()
				// Unblocks the reader so the connection handler runs its leave path.
				_ = s.conn.Close()
				return
			}
		}
	}
}

func (s *socketSession) write(payload []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *socketSession) shutdown() error {
	deadline := time.Now().Add(s.writeTimeout)
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return s.conn.Close()
}

// Close stops the session without waiting on the network: a started session hands the close
// handshake to its writer. Payloads still queued are dropped. It is idempotent.
func (s *socketSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.pending = nil
	close(s.quit)
	s.mu.Unlock()

	if !started {
		return s.shutdown()
	}
	return nil
}
