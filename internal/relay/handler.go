package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// upstreamTimeout bounds the forwarded HTTP request.
	upstreamTimeout = 25 * time.Second

	// handleTimeout bounds the whole relay exchange; it always wins over
	// the upstream timer so exactly one reply is produced.
	handleTimeout = 30 * time.Second

	// maxResponseBytes caps the upstream body read back into the reply.
	maxResponseBytes = 4 << 20
)

// Config holds the relay handler settings.
type Config struct {
	// LocalBaseURL is the local API server requests are forwarded to.
	LocalBaseURL string

	// Routes are additional service prefixes.
	Routes []ServiceRoute

	// RateLimit is requests per second; RateBurst the burst size.
	RateLimit float64
	RateBurst int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.RateLimit == 0 {
		c.RateLimit = 50
	}
	if c.RateBurst == 0 {
		c.RateBurst = 100
	}
}

// Handler forwards validated relay requests to local HTTP servers.
type Handler struct {
	config  Config
	router  *Router
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewHandler creates a relay handler.
func NewHandler(config Config, logger *zap.Logger) *Handler {
	config.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		config:  config,
		router:  NewRouter(config.Routes),
		client:  &http.Client{Timeout: upstreamTimeout},
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), config.RateBurst),
		logger:  logger,
	}
}

// Handle processes one relayed request and always returns exactly one reply.
func (h *Handler) Handle(ctx context.Context, req *Request) *Response {
	if err := ValidateRequest(req); err != nil {
		return errorResponse(req.RequestID, http.StatusBadRequest, err.Error())
	}
	if !h.router.Allowed(req.Path) {
		return errorResponse(req.RequestID, http.StatusBadRequest, ErrPathNotAllowed.Error())
	}
	if !h.limiter.Allow() {
		return errorResponse(req.RequestID, http.StatusTooManyRequests, "relay rate limit exceeded")
	}

	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	// The latch guarantees a single reply even when the outer timer and
	// the upstream response race.
	var once sync.Once
	result := make(chan *Response, 1)
	respond := func(resp *Response) {
		once.Do(func() { result <- resp })
	}

	go func() {
		respond(h.forward(ctx, req))
	}()

	select {
	case resp := <-result:
		return resp
	case <-ctx.Done():
		respond(nil) // close the latch so the late reply is dropped
		return errorResponse(req.RequestID, http.StatusGatewayTimeout, "relay timeout")
	}
}

// forward executes the upstream request and encodes the reply.
func (h *Handler) forward(ctx context.Context, req *Request) *Response {
	targetURL, err := h.resolveTarget(req)
	if err != nil {
		return errorResponse(req.RequestID, http.StatusBadGateway, err.Error())
	}

	method := strings.ToUpper(req.Method)
	var body io.Reader
	hasBody := len(req.Body) > 0 && (method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch)
	if hasBody {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, targetURL, body)
	if err != nil {
		return errorResponse(req.RequestID, http.StatusBadGateway, fmt.Sprintf("building request: %v", err))
	}
	for k, v := range req.Headers {
		// Hop-by-hop and host headers never cross the relay boundary.
		switch strings.ToLower(k) {
		case "host", "connection", "content-length", "transfer-encoding", "upgrade":
			continue
		}
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("x-relay-source", "hub")
	if hasBody {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return errorResponse(req.RequestID, http.StatusBadGateway, fmt.Sprintf("upstream request failed: %v", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return errorResponse(req.RequestID, http.StatusBadGateway, fmt.Sprintf("reading upstream body: %v", err))
	}

	data, encoding := encodeBody(resp.Header.Get("Content-Type"), raw)
	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	h.logger.Debug("relayed request",
		zap.String("requestId", req.RequestID),
		zap.String("path", req.Path),
		zap.Int("status", resp.StatusCode),
	)
	return &Response{
		RequestID: req.RequestID,
		Status:    resp.StatusCode,
		Data:      data,
		Headers:   headers,
		Encoding:  encoding,
	}
}

// resolveTarget maps the request path to a concrete URL, applying service
// routes longest-prefix first and preserving the query string.
func (h *Handler) resolveTarget(req *Request) (string, error) {
	base := h.config.LocalBaseURL
	p := req.Path
	if route := h.router.Route(p); route != nil {
		base = route.Target
		p = route.Rewrite(p)
	}
	if base == "" {
		return "", fmt.Errorf("no target for path %q", req.Path)
	}
	target := strings.TrimSuffix(base, "/") + p
	if req.Query != "" {
		target += "?" + strings.TrimPrefix(req.Query, "?")
	}
	return target, nil
}

// encodeBody picks the reply encoding from the upstream content type:
// binary media becomes base64, JSON is embedded as parsed JSON (falling
// back to text), everything else travels as UTF-8 text.
func encodeBody(contentType string, raw []byte) (interface{}, string) {
	if len(raw) == 0 {
		return "", EncodingUTF8
	}
	mediaType := contentType
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	mediaType = strings.TrimSpace(strings.ToLower(mediaType))

	switch {
	case isBinaryMediaType(mediaType):
		return base64.StdEncoding.EncodeToString(raw), EncodingBase64
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		var parsed interface{}
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return string(raw), EncodingUTF8
		}
		return parsed, EncodingJSON
	default:
		return string(raw), EncodingUTF8
	}
}

func isBinaryMediaType(mediaType string) bool {
	switch {
	case strings.HasPrefix(mediaType, "image/"),
		strings.HasPrefix(mediaType, "audio/"),
		strings.HasPrefix(mediaType, "video/"),
		strings.HasPrefix(mediaType, "font/"):
		return true
	case mediaType == "application/octet-stream",
		mediaType == "application/pdf",
		mediaType == "application/zip",
		mediaType == "application/gzip",
		mediaType == "application/wasm":
		return true
	}
	return false
}

func errorResponse(requestID string, status int, msg string) *Response {
	return &Response{RequestID: requestID, Status: status, Error: msg}
}
