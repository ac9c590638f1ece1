package realtime

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/internal/documents"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultWriteTimeout = 10 * time.Second
	maxMessageBytes     = 4 << 20
	socketBufferSize    = 1024
)

var (
	errMissingEngine = errors.New("realtime: engine is required")
)

type ConnectionHandlerConfig struct {
	Engine         *Engine
	IDProvider     IDProvider
	Logger         *zap.Logger
	WriteTimeout   time.Duration
	SendQueueSize  int
	AllowedOrigins []string
}

// ConnectionHandler owns the lifecycle of editor connections: join, receive loop, leave.
type ConnectionHandler struct {
	engine        *Engine
	ids           IDProvider
	logger        *zap.Logger
	writeTimeout  time.Duration
	sendQueueSize int
	upgrader      websocket.Upgrader
}

func NewConnectionHandler(cfg ConnectionHandlerConfig) (*ConnectionHandler, error) {
	if cfg.Engine == nil {
		return nil, errMissingEngine
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &ConnectionHandler{
		engine:        cfg.Engine,
		ids:           ids,
		logger:        logger,
		writeTimeout:  writeTimeout,
		sendQueueSize: cfg.SendQueueSize,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  socketBufferSize,
			WriteBufferSize: socketBufferSize,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}, nil
}

// Serve upgrades the request and runs the connection until the transport closes.
func (h *ConnectionHandler) Serve(w http.ResponseWriter, r *http.Request, userID documents.UserID) {
	connectionID, err := h.ids.NewID()
	if err != nil {
		h.logger.Error("failed to issue connection id", zap.Error(err))
		http.Error(w, "connection_id_failed", http.StatusInternalServerError)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.String("user_id", userID.String()), zap.Error(err))
		return
	}
	conn.SetReadLimit(maxMessageBytes)

	session := newSocketSession(connectionID, userID, conn, h.writeTimeout, h.sendQueueSize)
	defer session.Close() //nolint:errcheck

	if err := h.engine.Join(session); err != nil {
		h.logger.Warn("join failed",
			zap.String("user_id", userID.String()),
			zap.String("connection_id", connectionID),
			zap.Error(err))
		return
	}

	readErr := h.receive(r, session, conn)
	if isCleanClose(readErr) {
		h.logger.Debug("connection closed",
			zap.String("user_id", userID.String()),
			zap.String("connection_id", connectionID))
	} else {
		h.logger.Warn("connection failed",
			zap.String("user_id", userID.String()),
			zap.String("connection_id", connectionID),
			zap.Error(readErr))
	}
	h.engine.Leave(session)
}

func (h *ConnectionHandler) receive(r *http.Request, session Session, conn *websocket.Conn) error {
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.TextMessage {
			h.engine.reject(session, rejectReasonMalformed, replyMalformed, nil)
			continue
		}
		h.engine.HandleMessage(r.Context(), session, payload)
	}
}

func isCleanClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}

// originChecker allows requests without an Origin header, any origin when the list is empty or
// contains "*", and otherwise only the listed origins.
func originChecker(allowed []string) func(*http.Request) bool {
	permitted := make(map[string]struct{}, len(allowed))
	wildcard := len(allowed) == 0
	for _, origin := range allowed {
		normalized := strings.TrimRight(strings.TrimSpace(origin), "/")
		if normalized == "*" {
			wildcard = true
		}
		permitted[strings.ToLower(normalized)] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || wildcard {
			return true
		}
		_, ok := permitted[strings.ToLower(strings.TrimRight(origin, "/"))]
		return ok
	}
}
