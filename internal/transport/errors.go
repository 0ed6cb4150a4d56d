package transport

import (
	"fmt"
	"net/http"
	"unicode/utf8"
)

// Kind classifies a delivery failure.
type Kind string

const (
	KindNetwork     Kind = "network"
	KindServer      Kind = "server"
	KindRateLimited Kind = "rate_limited"
	KindTimeout     Kind = "timeout"
	KindClient      Kind = "client"
	KindConflict    Kind = "conflict"
)

// MaxMessageLength bounds the error text stored on failed entries.
const MaxMessageLength = 500

// DeliveryError describes why a mutation was not accepted.
type DeliveryError struct {
	Kind       Kind
	StatusCode int
	Message    string
	// ServerData holds the server copy sent with a conflict response.
	ServerData map[string]any
	Err        error
}

func (e *DeliveryError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("transport: %s (%d): %s", e.Kind, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("transport: %s (%d)", e.Kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("transport: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("transport: %s", e.Kind)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may succeed.
func (e *DeliveryError) Retryable() bool {
	switch e.Kind {
	case KindNetwork, KindServer, KindRateLimited, KindTimeout:
		return true
	}
	return false
}

// ClassifyStatus maps a non-success status code to a failure kind.
func ClassifyStatus(statusCode int) Kind {
	switch {
	case statusCode == http.StatusConflict:
		return KindConflict
	case statusCode == http.StatusTooManyRequests:
		return KindRateLimited
	case statusCode == http.StatusRequestTimeout:
		return KindTimeout
	case statusCode >= 500:
		return KindServer
	}
	return KindClient
}

// TruncateMessage shortens text to MaxMessageLength bytes on a rune boundary.
func TruncateMessage(message string) string {
	if len(message) <= MaxMessageLength {
		return message
	}
	cut := MaxMessageLength
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}
	return message[:cut]
}
