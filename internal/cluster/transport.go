// Package cluster implements the HTTP transport between the router and
// replicas (spec.md §1's "HTTP-like request/response channel between
// coordinator and workers" collaborator), generalized from torua's
// internal/cluster package: a shared client and typed JSON helpers
// parameterized by method, with deadlines supplied by the caller's
// context rather than a single fixed client timeout, since spec.md §5
// assigns different deadlines to heartbeats (2s), mutations (5s), and
// copy (10s).
package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dreamware/shardkv/internal/reqid"
)

// ServerInfo identifies a replica reachable over HTTP.
type ServerInfo struct {
	ID   string
	Addr string
}

// httpClient is shared across all cluster communication for connection
// reuse; per-call deadlines come from the context passed to DoJSON.
var httpClient = &http.Client{}

// DoJSON sends a JSON-encoded request with the given method to url and
// decodes the JSON response into out (skipped if out is nil). The caller
// is responsible for attaching a deadline to ctx.
func DoJSON(ctx context.Context, method, url string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("cluster: marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("cluster: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	reqid.Attach(ctx, req)

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cluster: %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("cluster: %s %s: http %d", method, url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// WithTimeout returns a context derived from ctx with the given deadline,
// and its cancel function.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d)
}
