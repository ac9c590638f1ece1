package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/internal/documents"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	healthStatus    = "healthy"
	userIDParameter = "userId"
	limitParameter  = "limit"
)

var (
	errMissingDocumentStore    = errors.New("document store dependency required")
	errMissingConnectionServer = errors.New("connection handler dependency required")
)

// DocumentStore is the read side of the persistence gateway exposed over HTTP.
type DocumentStore interface {
	GetDocument(ctx context.Context) (documents.Document, error)
	ListRevisions(ctx context.Context, limit int) ([]documents.Revision, error)
}

// ConnectionServer runs one editor connection on an upgraded request.
type ConnectionServer interface {
	Serve(w http.ResponseWriter, r *http.Request, userID documents.UserID)
}

type Dependencies struct {
	Documents      DocumentStore
	Connections    ConnectionServer
	Logger         *zap.Logger
	AllowedOrigins []string
	Gatherer       prometheus.Gatherer
	Clock          func() time.Time
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Documents == nil {
		return nil, errMissingDocumentStore
	}
	if deps.Connections == nil {
		return nil, errMissingConnectionServer
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		documents:   deps.Documents,
		connections: deps.Connections,
		logger:      logger,
		clock:       clock,
	}

	router.GET("/health", handler.handleHealth)
	router.GET("/api/document", handler.handleDocument)
	router.GET("/api/revisions", handler.handleRevisions)
	router.GET("/ws/:"+userIDParameter, handler.handleSocket)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	origins := make([]string, 0, len(allowedOrigins))
	wildcard := false
	for _, origin := range allowedOrigins {
		trimmed := strings.TrimRight(strings.TrimSpace(origin), "/")
		switch trimmed {
		case "":
		case "*":
			wildcard = true
		default:
			origins = append(origins, trimmed)
		}
	}
	if wildcard || len(origins) == 0 {
		// Credentials cannot be combined with a literal wildcard, so echo the caller's origin.
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(started)))
	}
}

type httpHandler struct {
	documents   DocumentStore
	connections ConnectionServer
	logger      *zap.Logger
	clock       func() time.Time
}

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type documentResponse struct {
	ID           string  `json:"id"`
	Content      string  `json:"content"`
	UpdatedAt    string  `json:"updated_at"`
	LastEditedBy *string `json:"last_edited_by"`
}

type revisionResponse struct {
	ID        int64   `json:"id"`
	Content   string  `json:"content"`
	CreatedAt string  `json:"created_at"`
	EditedBy  *string `json:"edited_by"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{
		Status:    healthStatus,
		Timestamp: formatTimestamp(h.clock()),
	})
}

func (h *httpHandler) handleDocument(c *gin.Context) {
	document, err := h.documents.GetDocument(c.Request.Context())
	if err != nil {
		if errors.Is(err, documents.ErrDocumentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "document_not_found"})
			return
		}
		h.logger.Error("failed to load document", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "document_load_failed", "code": errorCode(err)})
		return
	}

	c.JSON(http.StatusOK, documentResponse{
		ID:           document.ID,
		Content:      document.Content,
		UpdatedAt:    formatTimestamp(document.UpdatedAt),
		LastEditedBy: document.LastEditedBy,
	})
}

func (h *httpHandler) handleRevisions(c *gin.Context) {
	limit := 0
	if raw, present := c.GetQuery(limitParameter); present {
		parsed, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}

	revisions, err := h.documents.ListRevisions(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list revisions", zap.Int("limit", limit), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "revisions_load_failed", "code": errorCode(err)})
		return
	}

	response := make([]revisionResponse, 0, len(revisions))
	for _, revision := range revisions {
		response = append(response, revisionResponse{
			ID:        revision.ID,
			Content:   revision.Content,
			CreatedAt: formatTimestamp(revision.CreatedAt),
			EditedBy:  revision.EditedBy,
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleSocket(c *gin.Context) {
	userID, err := documents.NewUserID(c.Param(userIDParameter))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}
	h.connections.Serve(c.Writer, c.Request, userID)
}

func errorCode(err error) string {
	var serviceErr *documents.ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return "internal"
}

func formatTimestamp(value time.Time) string {
	return value.UTC().Format(time.RFC3339Nano)
}
