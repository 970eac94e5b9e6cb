package relay

import (
	"fmt"
	"strings"
)

var allowedMethods = map[string]bool{
	"GET":     true,
	"POST":    true,
	"PUT":     true,
	"PATCH":   true,
	"DELETE":  true,
	"HEAD":    true,
	"OPTIONS": true,
}

// ValidateRequest checks the structural rules every relayed request must
// pass before routing is even considered.
func ValidateRequest(req *Request) error {
	if req.RequestID == "" {
		return fmt.Errorf("%w: missing", ErrInvalidRequestID)
	}
	if len(req.RequestID) > maxRequestIDLength {
		return fmt.Errorf("%w: over %d characters", ErrInvalidRequestID, maxRequestIDLength)
	}
	if !allowedMethods[strings.ToUpper(req.Method)] {
		return fmt.Errorf("%w: %q", ErrInvalidMethod, req.Method)
	}
	if !strings.HasPrefix(req.Path, "/") {
		return fmt.Errorf("%w: must start with /", ErrInvalidPath)
	}
	if strings.Contains(req.Path, "..") {
		return fmt.Errorf("%w: traversal sequence", ErrInvalidPath)
	}
	if strings.Contains(req.Path, "//") {
		return fmt.Errorf("%w: empty segment", ErrInvalidPath)
	}
	if len(req.Body) > maxBodyBytes {
		return fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, len(req.Body))
	}
	return nil
}
