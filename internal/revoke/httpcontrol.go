package revoke

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPControlPlane talks to a control plane exposing a JSON API:
// GET /active?workers=a,b lists active tasks, POST /terminate cancels one.
type HTTPControlPlane struct {
	baseURL string
	client  *http.Client
}

// NewHTTPControlPlane builds a client for the given base URL.
func NewHTTPControlPlane(baseURL string, timeout time.Duration) *HTTPControlPlane {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPControlPlane{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPControlPlane) ListActiveTasks(ctx context.Context, filter Filter) ([]ActiveTask, error) {
	endpoint := c.baseURL + "/active"
	if len(filter.Workers) > 0 {
		endpoint += "?workers=" + url.QueryEscape(strings.Join(filter.Workers, ","))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build active tasks request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, Unavailable(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, Unavailable(fmt.Errorf("active tasks query returned status %d", resp.StatusCode))
	}

	var active []ActiveTask
	if err := json.NewDecoder(resp.Body).Decode(&active); err != nil {
		return nil, fmt.Errorf("decode active tasks: %w", err)
	}
	return active, nil
}

func (c *HTTPControlPlane) Terminate(ctx context.Context, taskID string) error {
	body, err := json.Marshal(map[string]string{"id": taskID})
	if err != nil {
		return fmt.Errorf("encode terminate request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/terminate", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build terminate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Unavailable(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("terminate %s returned status %d", taskID, resp.StatusCode)
	}
	return nil
}
