// Package transport delivers queued mutations to the REST server.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/queue"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerAuthorization  = "Authorization"
	headerContentType    = "Content-Type"
	contentTypeJSON      = "application/json"
	fieldUpdatedAt       = "updated_at"
	fieldServerData      = "server_data"
	fieldData            = "data"
	maxResponseBytes     = 1 << 20
)

var (
	errMissingBaseURL     = errors.New("transport: base url is required")
	errMissingWorkspaceID = errors.New("transport: workspace id is required")
)

// Request is one mutation delivery.
type Request struct {
	Operation      queue.Operation
	EntityType     string
	EntityID       string
	Payload        map[string]any
	IdempotencyKey string
	// UpdatedAt is the version stamp the edit was based on. Updates send it
	// for optimistic concurrency.
	UpdatedAt string
}

// Response is a successful delivery outcome. Data holds the entity returned
// by the server, unwrapped from a "data" envelope when present.
type Response struct {
	StatusCode int
	Data       map[string]any
}

// ClientConfig describes the REST boundary.
type ClientConfig struct {
	BaseURL     string
	WorkspaceID string
	AccessToken string
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// Client sends mutations to the workspace collections of the server.
type Client struct {
	baseURL     string
	workspaceID string
	accessToken string
	httpClient  *http.Client
	logger      *zap.Logger
}

// NewClient validates the configuration and returns a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("transport: invalid base url: %w", err)
	}
	workspaceID := strings.TrimSpace(cfg.WorkspaceID)
	if workspaceID == "" {
		return nil, errMissingWorkspaceID
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:     baseURL,
		workspaceID: workspaceID,
		accessToken: strings.TrimSpace(cfg.AccessToken),
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

// Deliver sends the mutation. Failures are returned as *DeliveryError; a
// 404 on delete counts as success because the entity is already gone.
func (c *Client) Deliver(ctx context.Context, request Request) (Response, error) {
	method, endpoint, err := c.route(request)
	if err != nil {
		return Response{}, &DeliveryError{Kind: KindClient, Message: err.Error(), Err: err}
	}

	var body io.Reader
	if method != http.MethodDelete {
		payload := make(map[string]any, len(request.Payload)+1)
		for key, value := range request.Payload {
			payload[key] = value
		}
		if method == http.MethodPatch && request.UpdatedAt != "" {
			payload[fieldUpdatedAt] = request.UpdatedAt
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			return Response{}, &DeliveryError{Kind: KindClient, Message: "payload encoding failed", Err: err}
		}
		body = bytes.NewReader(encoded)
	}

	httpRequest, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return Response{}, &DeliveryError{Kind: KindClient, Message: err.Error(), Err: err}
	}
	if body != nil {
		httpRequest.Header.Set(headerContentType, contentTypeJSON)
	}
	httpRequest.Header.Set(headerIdempotencyKey, request.IdempotencyKey)
	if c.accessToken != "" {
		httpRequest.Header.Set(headerAuthorization, "Bearer "+c.accessToken)
	}

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		c.logger.Debug("delivery got no response",
			zap.String("method", method),
			zap.String("idempotency_key", request.IdempotencyKey),
			zap.Error(err))
		return Response{}, &DeliveryError{Kind: KindNetwork, Err: err}
	}
	defer httpResponse.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResponse.Body, maxResponseBytes))
	if err != nil {
		return Response{}, &DeliveryError{Kind: KindNetwork, StatusCode: httpResponse.StatusCode, Err: err}
	}

	status := httpResponse.StatusCode
	if status >= 200 && status < 300 {
		return Response{StatusCode: status, Data: unwrapData(raw)}, nil
	}
	if status == http.StatusNotFound && method == http.MethodDelete {
		return Response{StatusCode: status}, nil
	}

	kind := ClassifyStatus(status)
	deliveryErr := &DeliveryError{
		Kind:       kind,
		StatusCode: status,
		Message:    TruncateMessage(errorMessage(raw, status)),
	}
	if kind == KindConflict {
		deliveryErr.ServerData = serverData(raw)
	}
	return Response{}, deliveryErr
}

func (c *Client) route(request Request) (string, string, error) {
	if request.EntityType == "" {
		return "", "", errors.New("entity type is required")
	}
	collection := fmt.Sprintf("%s/workspaces/%s/%s", c.baseURL, url.PathEscape(c.workspaceID), url.PathEscape(request.EntityType))
	switch request.Operation {
	case queue.OperationCreate:
		return http.MethodPost, collection, nil
	case queue.OperationUpdate, queue.OperationDelete:
		if request.EntityID == "" {
			return "", "", errors.New("entity id is required")
		}
		method := http.MethodPatch
		if request.Operation == queue.OperationDelete {
			method = http.MethodDelete
		}
		return method, collection + "/" + url.PathEscape(request.EntityID), nil
	}
	return "", "", fmt.Errorf("unsupported operation %q", request.Operation)
}

func decodeObject(raw []byte) map[string]any {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	var object map[string]any
	if err := json.Unmarshal(raw, &object); err != nil {
		return nil
	}
	return object
}

func unwrapData(raw []byte) map[string]any {
	object := decodeObject(raw)
	if nested, ok := object[fieldData].(map[string]any); ok {
		return nested
	}
	return object
}

func serverData(raw []byte) map[string]any {
	object := decodeObject(raw)
	if nested, ok := object[fieldServerData].(map[string]any); ok {
		return nested
	}
	if nested, ok := object[fieldData].(map[string]any); ok {
		if inner, ok := nested[fieldServerData].(map[string]any); ok {
			return inner
		}
	}
	return nil
}

func errorMessage(raw []byte, status int) string {
	object := decodeObject(raw)
	for _, key := range []string{"error", "message", "detail"} {
		if text, ok := object[key].(string); ok && text != "" {
			return text
		}
	}
	text := strings.TrimSpace(string(raw))
	if text == "" || object != nil {
		return http.StatusText(status)
	}
	return text
}
