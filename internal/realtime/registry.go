package realtime

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/internal/documents"
)

// Snapshot is a consistent read of the live document and its connected users.
type Snapshot struct {
	Content      string
	LastEditedBy documents.UserID
	LastEditedAt time.Time
	Users        []string
}

// Registry is the single owner of connected sessions and the live document content.
// Every operation holds the mutex only for its own duration; callers send outside of it.
type Registry struct {
	mu           sync.Mutex
	sessions     map[documents.UserID]Session
	order        []documents.UserID
	content      string
	lastEditedBy documents.UserID
	lastEditedAt time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[documents.UserID]Session),
	}
}

// Seed replaces the live snapshot with the durable document.
func (r *Registry) Seed(document documents.Document) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.content = document.Content
	r.lastEditedBy = ""
	if document.LastEditedBy != nil {
		r.lastEditedBy = documents.UserID(*document.LastEditedBy)
	}
	r.lastEditedAt = document.UpdatedAt
}

// Register adds the session under userID. An existing session for the same user is
// replaced and returned so the caller can close it.
func (r *Registry) Register(userID documents.UserID, session Session) Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	replaced, exists := r.sessions[userID]
	if !exists {
		r.order = append(r.order, userID)
	}
	r.sessions[userID] = session
	return replaced
}

// Unregister removes whichever session is registered for userID.
func (r *Registry) Unregister(userID documents.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(userID)
}

// UnregisterSession removes session only while it is still the registered one for its user.
func (r *Registry) UnregisterSession(session Session) bool {
	if session == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.sessions[session.UserID()]
	if !ok || current != session {
		return false
	}
	r.removeLocked(session.UserID())
	return true
}

func (r *Registry) removeLocked(userID documents.UserID) {
	if _, ok := r.sessions[userID]; !ok {
		return
	}
	delete(r.sessions, userID)
	for index, candidate := range r.order {
		if candidate == userID {
			r.order = append(r.order[:index], r.order[index+1:]...)
			break
		}
	}
}

// ListUsers returns connected user identifiers in registration order.
func (r *Registry) ListUsers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usersLocked()
}

func (r *Registry) usersLocked() []string {
	users := make([]string, 0, len(r.order))
	for _, userID := range r.order {
		users = append(users, userID.String())
	}
	return users
}

// ApplyEdit unconditionally replaces the live content.
func (r *Registry) ApplyEdit(content string, userID documents.UserID, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.content = content
	r.lastEditedBy = userID
	r.lastEditedAt = now
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		Content:      r.content,
		LastEditedBy: r.lastEditedBy,
		LastEditedAt: r.lastEditedAt,
		Users:        r.usersLocked(),
	}
}

// Recipients copies the registered sessions except the one owned by exclude.
// An empty exclude selects every session.
func (r *Registry) Recipients(exclude documents.UserID) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	recipients := make([]Session, 0, len(r.order))
	for _, userID := range r.order {
		if exclude != "" && userID == exclude {
			continue
		}
		recipients = append(recipients, r.sessions[userID])
	}
	return recipients
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
