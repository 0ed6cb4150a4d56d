package transport

import (
	"context"
	"net/http"
	"strings"
	"time"
)

const (
	healthPath         = "/health"
	defaultProbeWindow = 5 * time.Second
)

// HealthProbe reports connectivity by calling the server health endpoint.
type HealthProbe struct {
	endpoint   string
	httpClient *http.Client
	timeout    time.Duration
}

// NewHealthProbe builds a probe for the server at baseURL.
func NewHealthProbe(baseURL string, httpClient *http.Client) *HealthProbe {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HealthProbe{
		endpoint:   strings.TrimRight(strings.TrimSpace(baseURL), "/") + healthPath,
		httpClient: httpClient,
		timeout:    defaultProbeWindow,
	}
}

// Online reports whether the server answered the health check with 2xx.
func (p *HealthProbe) Online(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	request, err := http.NewRequestWithContext(probeCtx, http.MethodGet, p.endpoint, nil)
	if err != nil {
		return false
	}
	response, err := p.httpClient.Do(request)
	if err != nil {
		return false
	}
	defer response.Body.Close()
	return response.StatusCode >= 200 && response.StatusCode < 300
}

// AlwaysOnline is a connectivity source for setups without a probe.
type AlwaysOnline struct{}

// Online always reports true.
func (AlwaysOnline) Online(context.Context) bool {
	return true
}
