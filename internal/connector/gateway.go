package connector

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-cleanhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Gateway performs exactly one request against the connector service
// per call.  It neither retries nor interprets the body.
type Gateway interface {
	Do(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error)
}

// HTTPGatewayConfig configures an HTTPGateway.
type HTTPGatewayConfig struct {
	// BaseURL is the connector root, e.g. http://localhost:8088/connector-iaas.
	BaseURL string

	// HTTPClient overrides the pooled client.  Mostly for tests.
	HTTPClient *http.Client

	// Timeout bounds a single request.  Zero means no timeout.
	Timeout time.Duration

	Logger *slog.Logger
}

// HTTPGateway is the HTTP implementation of Gateway.
type HTTPGateway struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Compile-time check.
var _ Gateway = (*HTTPGateway)(nil)

// NewHTTPGateway creates an HTTPGateway.
func NewHTTPGateway(cfg HTTPGatewayConfig) (*HTTPGateway, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("connector base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse connector base URL: %w", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	client := cfg.HTTPClient
	if client == nil {
		client = cleanhttp.DefaultPooledClient()
		client.Transport = otelhttp.NewTransport(client.Transport)
	}
	if cfg.Timeout > 0 {
		client.Timeout = cfg.Timeout
	}

	return &HTTPGateway{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  client,
		logger:  cfg.Logger.WithGroup("gateway"),
	}, nil
}

// Do sends method to baseURL+path and returns the body of a 200 response.
// Any other status yields a *StatusError.
func (g *HTTPGateway) Do(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error) {
	target := g.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, target, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	requestID := uuid.NewString()
	req.Header.Set("X-Request-ID", requestID)

	g.logger.Debug("connector request",
		slog.String("method", method),
		slog.String("url", target),
		slog.String("requestID", requestID),
	)

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s %s response: %w", method, target, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{
			Method:     method,
			URL:        target,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
	}
	return data, nil
}
