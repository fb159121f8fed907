package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// RemoteRequestError is returned when DHIS2 answers with a non-2xx status.
type RemoteRequestError struct {
	StatusCode int
	ErrorClass ErrorClass
	Endpoint   string
	Message    string
	Err        error

	// RetryAfter is the server-requested wait from a Retry-After header, if any.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RemoteRequestError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("DHIS2 %s error (status %d) on %s: %s: %v",
			e.ErrorClass, e.StatusCode, e.Endpoint, e.Message, e.Err)
	}
	return fmt.Sprintf("DHIS2 %s error (status %d) on %s: %s",
		e.ErrorClass, e.StatusCode, e.Endpoint, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *RemoteRequestError) Unwrap() error {
	return e.Err
}

// webMessage is the error body DHIS2 sends with most non-2xx responses.
type webMessage struct {
	HTTPStatus string `json:"httpStatus"`
	Status     string `json:"status"`
	Message    string `json:"message"`
}

// maxMessageBytes bounds plain-text error bodies kept in a RemoteRequestError.
const maxMessageBytes = 200

// errorMessage extracts a readable message from a DHIS2 error body.
func errorMessage(statusCode int, body []byte) string {
	var msg webMessage
	if err := json.Unmarshal(body, &msg); err == nil && msg.Message != "" {
		return msg.Message
	}

	text := strings.TrimSpace(string(body))
	if text == "" || strings.HasPrefix(text, "<") {
		return http.StatusText(statusCode)
	}
	if len(text) > maxMessageBytes {
		cut := maxMessageBytes
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut] + "..."
	}
	return text
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassClient, ErrorClassAuth:
		// 4xx errors are deterministic for a given query
		return false
	case ErrorClassServer:
		return true
	case ErrorClassRateLimit:
		return true
	case ErrorClassNetwork:
		return true
	default:
		return false
	}
}
