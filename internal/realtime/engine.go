package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/internal/documents"
	"github.com/MarcoPoloResearchLab/coedit/internal/metrics"
	"go.uber.org/zap"
)

var (
	errMissingRegistry  = errors.New("realtime: registry is required")
	errMissingPersister = errors.New("realtime: persister is required")
)

const (
	replyUnknownType      = "unsupported message type"
	replyMalformed        = "malformed message"
	replyMissingContent   = "update requires content"
	replyInvalidTimestamp = "update timestamp must be an integer"
	replyPersistFailed    = "failed to persist document"
	rejectReasonUnknown   = "unknown_type"
	rejectReasonMalformed = "malformed"
	rejectReasonInvalid   = "invalid_update"
)

// Persister records accepted content durably.
type Persister interface {
	Persist(ctx context.Context, content string, editor documents.UserID) (documents.PersistOutcome, error)
}

type EngineConfig struct {
	Registry  *Registry
	Persister Persister
	Clock     func() time.Time
	Logger    *zap.Logger
	Metrics   *metrics.Collectors
}

// Engine runs the edit protocol: apply to the registry, broadcast to peers, persist, acknowledge.
type Engine struct {
	registry  *Registry
	persister Persister
	clock     func() time.Time
	logger    *zap.Logger
	metrics   *metrics.Collectors
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, errMissingRegistry
	}
	if cfg.Persister == nil {
		return nil, errMissingPersister
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	collectors := cfg.Metrics
	if collectors == nil {
		collectors = metrics.NewCollectors()
	}
	return &Engine{
		registry:  cfg.Registry,
		persister: cfg.Persister,
		clock:     clock,
		logger:    logger,
		metrics:   collectors,
	}, nil
}

// Join registers the session, sends it the current snapshot and announces it to everyone else.
// A previous session registered under the same user is closed; peers already list that user,
// so a reconnect is not announced again. When the snapshot cannot be delivered the session is
// unregistered, and user_left goes out only if peers already knew the user from the replaced session.
func (e *Engine) Join(session Session) error {
	userID := session.UserID()
	replaced := e.registry.Register(userID, session)
	if replaced != nil && replaced != session {
		e.logger.Info("replacing existing session",
			zap.String("user_id", userID.String()),
			zap.String("replaced_connection_id", replaced.ID()),
			zap.String("connection_id", session.ID()))
		_ = replaced.Close()
	}
	e.metrics.ActiveSessions.Set(float64(e.registry.Len()))

	snapshot := e.registry.Snapshot()
	initial, err := json.Marshal(newInitMessage(snapshot))
	if err == nil {
		err = session.Start(initial)
	}
	if err != nil {
		if e.registry.UnregisterSession(session) {
			e.metrics.ActiveSessions.Set(float64(e.registry.Len()))
			if replaced != nil {
				e.broadcast(newPresenceMessage(MessageTypeUserLeft, userID.String(), e.registry.ListUsers()), "")
			}
		}
		return err
	}

	if replaced == nil {
		e.broadcast(newPresenceMessage(MessageTypeUserJoined, userID.String(), snapshot.Users), userID)
	}
	e.logger.Info("session joined",
		zap.String("user_id", userID.String()),
		zap.String("connection_id", session.ID()),
		zap.Bool("reconnect", replaced != nil),
		zap.Int("sessions", len(snapshot.Users)))
	return nil
}

// Leave unregisters the session and tells every remaining session who left.
// Sessions already replaced or evicted leave silently.
func (e *Engine) Leave(session Session) {
	if !e.registry.UnregisterSession(session) {
		return
	}
	e.metrics.ActiveSessions.Set(float64(e.registry.Len()))
	userID := session.UserID()
	e.broadcast(newPresenceMessage(MessageTypeUserLeft, userID.String(), e.registry.ListUsers()), "")
	e.logger.Info("session left",
		zap.String("user_id", userID.String()),
		zap.String("connection_id", session.ID()))
}

// HandleMessage decodes one inbound frame and routes it. Unknown or malformed frames get an error reply.
func (e *Engine) HandleMessage(ctx context.Context, session Session, payload []byte) {
	envelope, err := decodeInbound(payload)
	if err != nil {
		e.reject(session, rejectReasonMalformed, replyMalformed, err)
		return
	}

	switch envelope.Type {
	case MessageTypeUpdate:
		request, err := envelope.updateRequest()
		if err != nil {
			reply := replyMissingContent
			if errors.Is(err, errInvalidTimestamp) {
				reply = replyInvalidTimestamp
			}
			e.reject(session, rejectReasonInvalid, reply, err)
			return
		}
		e.HandleEdit(ctx, session, request)
	default:
		e.reject(session, rejectReasonUnknown, replyUnknownType, nil, zap.String("message_type", envelope.Type))
	}
}

// HandleEdit applies an edit from session. Peers receive the update before persistence starts;
// the sender receives saved once persistence was attempted, whatever its outcome.
func (e *Engine) HandleEdit(ctx context.Context, session Session, request UpdateRequest) {
	userID := session.UserID()
	appliedAt := e.clock().UTC()
	e.registry.ApplyEdit(request.Content, userID, appliedAt)
	e.metrics.EditsApplied.Inc()

	timestamp := appliedAt.UnixMilli()
	if request.Timestamp != nil {
		timestamp = *request.Timestamp
	}
	e.broadcast(updateMessage{
		Type:      MessageTypeUpdate,
		Content:   request.Content,
		UserID:    userID.String(),
		Timestamp: timestamp,
	}, userID)

	// Durability must not depend on the sender staying connected.
	outcome, persistErr := e.persister.Persist(context.WithoutCancel(ctx), request.Content, userID)
	switch {
	case persistErr != nil:
		e.metrics.PersistOutcomes.WithLabelValues(metrics.PersistFailed).Inc()
		e.logger.Error("persist failed",
			zap.String("user_id", userID.String()),
			zap.String("connection_id", session.ID()),
			zap.Error(persistErr))
	case outcome.Changed:
		e.metrics.PersistOutcomes.WithLabelValues(metrics.PersistChanged).Inc()
		e.logger.Debug("edit persisted",
			zap.String("user_id", userID.String()),
			zap.Int64("revision_id", outcome.RevisionID),
			zap.Int64("pruned", outcome.Pruned))
	default:
		e.metrics.PersistOutcomes.WithLabelValues(metrics.PersistUnchanged).Inc()
	}

	e.sendTo(session, savedMessage{Type: MessageTypeSaved, Timestamp: formatTimestamp(e.clock())})
	if persistErr != nil {
		e.sendTo(session, errorMessage{Type: MessageTypeError, Message: replyPersistFailed})
	}
}

func (e *Engine) reject(session Session, reason, reply string, cause error, fields ...zap.Field) {
	e.metrics.InboundRejected.WithLabelValues(reason).Inc()
	attrs := []zap.Field{
		zap.String("user_id", session.UserID().String()),
		zap.String("connection_id", session.ID()),
		zap.String("reason", reason),
	}
	if cause != nil {
		attrs = append(attrs, zap.Error(cause))
	}
	attrs = append(attrs, fields...)
	e.logger.Debug("inbound message rejected", attrs...)
	e.sendTo(session, errorMessage{Type: MessageTypeError, Message: reply})
}

func (e *Engine) sendTo(session Session, message any) {
	payload, err := json.Marshal(message)
	if err != nil {
		e.logger.Error("failed to encode message", zap.Error(err))
		return
	}
	if err := session.Send(payload); err != nil {
		e.metrics.BroadcastFailure.Inc()
		e.logger.Warn("direct send failed",
			zap.String("user_id", session.UserID().String()),
			zap.String("connection_id", session.ID()),
			zap.Error(err))
	}
}

// broadcast delivers message to every session except exclude. Recipients whose send fails are
// evicted after the pass and announced as departed.
func (e *Engine) broadcast(message any, exclude documents.UserID) {
	payload, err := json.Marshal(message)
	if err != nil {
		e.logger.Error("failed to encode broadcast", zap.Error(err))
		return
	}

	var failed []Session
	for _, recipient := range e.registry.Recipients(exclude) {
		if err := recipient.Send(payload); err != nil {
			e.metrics.BroadcastFailure.Inc()
			e.logger.Warn("broadcast send failed",
				zap.String("user_id", recipient.UserID().String()),
				zap.String("connection_id", recipient.ID()),
				zap.Error(err))
			failed = append(failed, recipient)
		}
	}

	for _, recipient := range failed {
		if !e.registry.UnregisterSession(recipient) {
			continue
		}
		_ = recipient.Close()
		e.metrics.ActiveSessions.Set(float64(e.registry.Len()))
		e.broadcast(newPresenceMessage(MessageTypeUserLeft, recipient.UserID().String(), e.registry.ListUsers()), "")
	}
}
