// Package relay accepts HTTP requests delivered over the hub's duplex
// channel, validates them, and forwards them to the local API server.
package relay

import (
	"encoding/json"
	"errors"
)

// Sentinel errors for relay validation.
var (
	ErrInvalidRequestID = errors.New("invalid relay request id")
	ErrInvalidMethod    = errors.New("invalid relay method")
	ErrInvalidPath      = errors.New("invalid relay path")
	ErrBodyTooLarge     = errors.New("relay body too large")
	ErrPathNotAllowed   = errors.New("relay path not allowed")
)

// maxRequestIDLength bounds the request correlation ID.
const maxRequestIDLength = 100

// maxBodyBytes caps the serialized request body. The cap is exactly one
// million bytes, not 1 MiB.
const maxBodyBytes = 1_000_000

// Request is one HTTP request delivered through the channel.
type Request struct {
	RequestID string            `json:"requestId"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Query     string            `json:"query,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      json.RawMessage   `json:"body,omitempty"`
}

// Response is the reply written back through the channel. Either Data or
// Error is set, never both.
type Response struct {
	RequestID string            `json:"requestId"`
	Status    int               `json:"status"`
	Data      interface{}       `json:"data,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Encoding  string            `json:"encoding,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Body encodings.
const (
	EncodingBase64 = "base64"
	EncodingJSON   = "json"
	EncodingUTF8   = "utf8"
)
