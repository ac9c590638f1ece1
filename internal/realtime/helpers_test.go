package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/internal/documents"
)

var errSendFailed = errors.New("send failed")

type recordedMessage map[string]any

func (m recordedMessage) Type() string {
	value, _ := m["type"].(string)
	return value
}

func (m recordedMessage) Users() []string {
	raw, _ := m["users"].([]any)
	users := make([]string, 0, len(raw))
	for _, entry := range raw {
		value, _ := entry.(string)
		users = append(users, value)
	}
	return users
}

type recordingSession struct {
	id     string
	userID documents.UserID

	mu       sync.Mutex
	failSend bool
	closed   bool
	messages []recordedMessage
	raw      []string
}

func newRecordingSession(id, userID string) *recordingSession {
	return &recordingSession{id: id, userID: documents.UserID(userID)}
}

func (s *recordingSession) ID() string                { return s.id }
func (s *recordingSession) UserID() documents.UserID { return s.userID }

func (s *recordingSession) Start(initial []byte) error {
	return s.record(initial)
}

func (s *recordingSession) Send(payload []byte) error {
	return s.record(payload)
}

func (s *recordingSession) record(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSend || s.closed {
		return errSendFailed
	}
	var message recordedMessage
	if err := json.Unmarshal(payload, &message); err != nil {
		return err
	}
	s.messages = append(s.messages, message)
	s.raw = append(s.raw, string(payload))
	return nil
}

func (s *recordingSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSession) setFailing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSend = true
}

func (s *recordingSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *recordingSession) received() []recordedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := make([]recordedMessage, len(s.messages))
	copy(copied, s.messages)
	return copied
}

func (s *recordingSession) ofType(messageType string) []recordedMessage {
	var matches []recordedMessage
	for _, message := range s.received() {
		if message.Type() == messageType {
			matches = append(matches, message)
		}
	}
	return matches
}

// rawOfType returns the undecoded payloads of messageType, for checks that must not pass through float64.
func (s *recordingSession) rawOfType(messageType string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matches []string
	for index, message := range s.messages {
		if message.Type() == messageType {
			matches = append(matches, s.raw[index])
		}
	}
	return matches
}

func clientMillis(value int64) *int64 {
	return &value
}

type persistCall struct {
	content string
	editor  documents.UserID
}

type stubPersister struct {
	mu       sync.Mutex
	stored   string
	err      error
	calls    []persistCall
	observer func()
}

func (p *stubPersister) Persist(_ context.Context, content string, editor documents.UserID) (documents.PersistOutcome, error) {
	if p.observer != nil {
		p.observer()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, persistCall{content: content, editor: editor})
	if p.err != nil {
		return documents.PersistOutcome{}, p.err
	}
	if p.stored == content {
		return documents.PersistOutcome{}, nil
	}
	p.stored = content
	return documents.PersistOutcome{Changed: true, RevisionID: int64(len(p.calls))}, nil
}

func (p *stubPersister) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func fixedClock() func() time.Time {
	return func() time.Time { return time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC) }
}

func newTestEngine(t *testing.T, persister Persister) (*Engine, *Registry) {
	t.Helper()
	registry := NewRegistry()
	registry.Seed(documents.Document{
		ID:        documents.MainDocumentID,
		Content:   documents.SeedContent,
		UpdatedAt: time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC),
	})
	engine, err := NewEngine(EngineConfig{
		Registry:  registry,
		Persister: persister,
		Clock:     fixedClock(),
	})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	return engine, registry
}

func mustJoin(t *testing.T, engine *Engine, session Session) {
	t.Helper()
	if err := engine.Join(session); err != nil {
		t.Fatalf("join failed for %s: %v", session.UserID(), err)
	}
}

func equalUsers(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for index := range want {
		if got[index] != want[index] {
			return false
		}
	}
	return true
}
