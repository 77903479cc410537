package nodesource

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/hashicorp/go-cleanhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// WorkerKiller asks the worker process behind a node to stop.  Kill is
// best effort: RemoveNode logs and counts a failure and carries on.
type WorkerKiller interface {
	Kill(ctx context.Context, node Node) error
}

// HTTPWorkerKiller sends DELETE to the URL a node advertises.  Nodes
// without a URL are skipped.
type HTTPWorkerKiller struct {
	client *http.Client
}

// Compile-time check.
var _ WorkerKiller = (*HTTPWorkerKiller)(nil)

// NewHTTPWorkerKiller creates an HTTPWorkerKiller.  A nil client uses a
// non-pooled client.
func NewHTTPWorkerKiller(client *http.Client) *HTTPWorkerKiller {
	if client == nil {
		client = cleanhttp.DefaultClient()
		client.Transport = otelhttp.NewTransport(client.Transport)
	}
	return &HTTPWorkerKiller{client: client}
}

func (k *HTTPWorkerKiller) Kill(ctx context.Context, node Node) error {
	if node.URL == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, node.URL, nil)
	if err != nil {
		return fmt.Errorf("build kill request for %s: %w", node.Name, err)
	}
	resp, err := k.client.Do(req)
	if err != nil {
		return fmt.Errorf("kill %s: %w", node.Name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("kill %s: unexpected status %d", node.Name, resp.StatusCode)
	}
	return nil
}
