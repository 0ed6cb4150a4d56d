package server

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/conflicts"
	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/events"
	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/queue"
	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/syncer"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	subjectContextKey   = "stockpile_subject"
	defaultConflictPage = 100
	maxConflictPage     = 1000
	reasonControlAPI    = "control_api"
)

var (
	errMissingQueue         = errors.New("queue dependency required")
	errMissingConflictLog   = errors.New("conflict log dependency required")
	errMissingResolver      = errors.New("conflict resolver dependency required")
	errMissingBus           = errors.New("event bus dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// QueueService is the mutation queue surface exposed over HTTP.
type QueueService interface {
	Enqueue(ctx context.Context, request queue.EnqueueRequest) (queue.Entry, error)
	ListAll(ctx context.Context) ([]queue.Entry, error)
	ListByStatus(ctx context.Context, status queue.Status) ([]queue.Entry, error)
	Retry(ctx context.Context, id uint) (queue.Entry, error)
	Cancel(ctx context.Context, id uint) error
}

// ConflictReader lists conflict log records.
type ConflictReader interface {
	Entries(ctx context.Context, limit int) iter.Seq2[conflicts.Entry, error]
	ListUnresolved(ctx context.Context) ([]conflicts.Entry, error)
}

// ConflictResolver finalizes held conflicts.
type ConflictResolver interface {
	ResolveConflict(ctx context.Context, conflictID uint, resolution conflicts.Resolution, merged map[string]any) (conflicts.Entry, error)
}

// TokenValidator checks control API bearer tokens.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

type Dependencies struct {
	Queue        QueueService
	Conflicts    ConflictReader
	Resolver     ConflictResolver
	Bus          *events.Bus
	TokenManager TokenValidator
	// Channel is the name accepted by the websocket event channel route.
	Channel        string
	AllowedOrigins []string
	Logger         *zap.Logger
}

// Handler is the control API. Close disconnects open event channels.
type Handler struct {
	http.Handler
	channels *channelHub
}

// Close disconnects every event channel client.
func (h *Handler) Close(ctx context.Context) {
	h.channels.CloseAll(ctx)
}

// ChannelCount reports open event channel connections.
func (h *Handler) ChannelCount() int {
	return h.channels.Count()
}

func NewHTTPHandler(deps Dependencies) (*Handler, error) {
	if deps.Queue == nil {
		return nil, errMissingQueue
	}
	if deps.Conflicts == nil {
		return nil, errMissingConflictLog
	}
	if deps.Resolver == nil {
		return nil, errMissingResolver
	}
	if deps.Bus == nil {
		return nil, errMissingBus
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	origins := deps.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		queue:     deps.Queue,
		conflicts: deps.Conflicts,
		resolver:  deps.Resolver,
		bus:       deps.Bus,
		tokens:    deps.TokenManager,
		channels:  newChannelHub(deps.Bus, deps.Channel, logger),
		logger:    logger,
	}

	router.GET("/health", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/queue", handler.handleListQueue)
	protected.POST("/queue", handler.handleEnqueue)
	protected.DELETE("/queue/:id", handler.handleCancel)
	protected.POST("/queue/:id/retry", handler.handleRetry)
	protected.POST("/sync", handler.handleSyncRequest)
	protected.GET("/conflicts", handler.handleListConflicts)
	protected.POST("/conflicts/:id/resolve", handler.handleResolveConflict)
	protected.GET("/channels/:name", handler.channels.handleChannel)

	return &Handler{Handler: router, channels: handler.channels}, nil
}

type httpHandler struct {
	queue     QueueService
	conflicts ConflictReader
	resolver  ConflictResolver
	bus       *events.Bus
	tokens    TokenValidator
	channels  *channelHub
	logger    *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "subscribers": h.bus.SubscriberCount()})
}

type enqueueRequestPayload struct {
	Operation       string         `json:"operation"`
	EntityType      string         `json:"entity_type"`
	EntityID        string         `json:"entity_id"`
	Payload         map[string]any `json:"payload"`
	CachedUpdatedAt string         `json:"cached_updated_at"`
	DependsOn       []string       `json:"depends_on"`
}

type queueListPayload struct {
	Entries []queue.Entry `json:"entries"`
}

func (h *httpHandler) handleListQueue(c *gin.Context) {
	rawStatus := strings.TrimSpace(c.Query("status"))
	var (
		entries []queue.Entry
		err     error
	)
	if rawStatus == "" {
		entries, err = h.queue.ListAll(c.Request.Context())
	} else {
		status, parseErr := queue.ParseStatus(rawStatus)
		if parseErr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status"})
			return
		}
		entries, err = h.queue.ListByStatus(c.Request.Context(), status)
	}
	if err != nil {
		h.logger.Error("failed to list queue", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "queue_list_failed"})
		return
	}
	if entries == nil {
		entries = []queue.Entry{}
	}
	c.JSON(http.StatusOK, queueListPayload{Entries: entries})
}

func (h *httpHandler) handleEnqueue(c *gin.Context) {
	var request enqueueRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	entry, err := h.queue.Enqueue(c.Request.Context(), queue.EnqueueRequest{
		Operation:       queue.Operation(strings.ToLower(strings.TrimSpace(request.Operation))),
		EntityType:      queue.EntityType(strings.TrimSpace(request.EntityType)),
		EntityID:        request.EntityID,
		Payload:         queue.Payload(request.Payload),
		CachedUpdatedAt: request.CachedUpdatedAt,
		DependsOn:       request.DependsOn,
	})
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, entry)
	case errors.Is(err, queue.ErrInvalidOperation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_operation"})
	case errors.Is(err, queue.ErrInvalidEntityType):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entity_type"})
	case errors.Is(err, queue.ErrMissingEntityID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_entity_id"})
	default:
		h.logger.Error("failed to enqueue mutation", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue_failed"})
	}
}

func (h *httpHandler) handleCancel(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	err := h.queue.Cancel(c.Request.Context(), id)
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, queue.ErrEntryNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, queue.ErrEntryInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": "entry_in_flight"})
	default:
		h.logger.Error("failed to cancel mutation", zap.Uint("id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cancel_failed"})
	}
}

func (h *httpHandler) handleRetry(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	entry, err := h.queue.Retry(c.Request.Context(), id)
	switch {
	case err == nil:
		h.requestSync(reasonControlAPI)
		c.JSON(http.StatusOK, entry)
	case errors.Is(err, queue.ErrEntryNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, queue.ErrEntryNotFailed):
		c.JSON(http.StatusConflict, gin.H{"error": "entry_not_failed"})
	default:
		h.logger.Error("failed to retry mutation", zap.Uint("id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "retry_failed"})
	}
}

func (h *httpHandler) handleSyncRequest(c *gin.Context) {
	h.requestSync(reasonControlAPI)
	c.JSON(http.StatusAccepted, gin.H{"status": "requested"})
}

func (h *httpHandler) requestSync(reason string) {
	h.bus.Publish(events.Event{Type: events.TypeSyncRequested, Reason: reason})
}

type conflictListPayload struct {
	Conflicts []conflicts.Entry `json:"conflicts"`
}

func (h *httpHandler) handleListConflicts(c *gin.Context) {
	limit := defaultConflictPage
	if rawLimit := strings.TrimSpace(c.Query("limit")); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = min(parsed, maxConflictPage)
	}

	ctx := c.Request.Context()
	records := make([]conflicts.Entry, 0)
	if unresolved, _ := strconv.ParseBool(c.Query("unresolved")); unresolved {
		listed, err := h.conflicts.ListUnresolved(ctx)
		if err != nil {
			h.logger.Error("failed to list unresolved conflicts", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "conflict_list_failed"})
			return
		}
		if len(listed) > limit {
			listed = listed[:limit]
		}
		records = append(records, listed...)
	} else {
		for record, err := range h.conflicts.Entries(ctx, limit) {
			if err != nil {
				h.logger.Error("failed to list conflicts", zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "conflict_list_failed"})
				return
			}
			records = append(records, record)
		}
	}
	c.JSON(http.StatusOK, conflictListPayload{Conflicts: records})
}

type resolveRequestPayload struct {
	Resolution string         `json:"resolution"`
	Data       map[string]any `json:"data"`
}

func (h *httpHandler) handleResolveConflict(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var request resolveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	resolution, valid := conflicts.ParseResolution(request.Resolution)
	if !valid {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_resolution"})
		return
	}

	resolved, err := h.resolver.ResolveConflict(c.Request.Context(), id, resolution, request.Data)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, resolved)
	case errors.Is(err, syncer.ErrMergedDataRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_merged_data"})
	case errors.Is(err, conflicts.ErrEntryNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, conflicts.ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{"error": "already_resolved"})
	case errors.Is(err, syncer.ErrMutationGone):
		c.JSON(http.StatusGone, gin.H{"error": "mutation_gone"})
	default:
		h.logger.Error("failed to resolve conflict", zap.Uint("conflict_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "resolve_failed"})
	}
}

// authorizeRequest accepts a bearer header, or a token query parameter for
// websocket clients that cannot set headers.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	if header := c.GetHeader("Authorization"); header != "" {
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
			return
		}
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	} else {
		token = strings.TrimSpace(c.Query("token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.Debug("control request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(started)),
			zap.String("subject", c.GetString(subjectContextKey)))
	}
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return 0, false
	}
	return uint(id), true
}
