package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const errLoggerKey = "err"

var (
	// ErrNoResponseBody is returned when the chat endpoint answers successfully but without a stream.
	ErrNoResponseBody = errors.New("no response body")
	// ErrIdleTimeout is returned when the chat endpoint sends nothing within the configured idle window.
	ErrIdleTimeout = errors.New("stream idle timeout")
	// ErrInvalidTranscript is returned when a transcript is sent that does not end with a user message.
	ErrInvalidTranscript = errors.New("transcript must end with a user message")
)

// RequestFailedError reports a chat request that could not be completed, either because the endpoint
// answered with a non-2xx status or because the request never reached it.
type RequestFailedError struct {
	// StatusCode is zero when the request failed before a response was received.
	StatusCode int
	Message    string
	Err        error
}

func (e *RequestFailedError) Error() string {
	return e.Message
}

func (e *RequestFailedError) Unwrap() error {
	return e.Err
}

// errorPayload accepts both {"error":"text"} and {"error":{"message":"text"}} bodies.
type errorPayload struct {
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
}

func parseErrorPayload(raw []byte) string {
	var p errorPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return ""
	}

	var text string
	if err := json.Unmarshal(p.Error, &text); err == nil && strings.TrimSpace(text) != "" {
		return strings.TrimSpace(text)
	}

	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(p.Error, &obj); err == nil && strings.TrimSpace(obj.Message) != "" {
		return strings.TrimSpace(obj.Message)
	}

	return strings.TrimSpace(p.Message)
}

func requestFailed(statusCode int, body []byte) *RequestFailedError {
	msg := parseErrorPayload(body)
	if msg == "" {
		msg = fmt.Sprintf("request failed with status %d", statusCode)
	}
	return &RequestFailedError{
		StatusCode: statusCode,
		Message:    msg,
	}
}
