// Package agentcall is the outbound client for agent webhook endpoints. Each
// agent names an arbitrary HTTP endpoint plus stored headers; the client
// builds the JSON payload for one exchange, posts it, and extracts the reply
// text from whatever shape the endpoint returns.
//
// The chat path never retries on its own: a failed call surfaces as an error
// string on the exchange, and any retry is user-initiated.
package agentcall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxResponseBytes = 4 << 20

type Request struct {
	Query     string
	AgentRole string
	Prompt    string
	UID       string
	SessionID string
	FormData  map[string]string
}

type Client struct {
	httpClient *http.Client
}

func New(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{httpClient: httpClient}
}

// Send posts one exchange to the agent endpoint and returns the reply text.
// An empty apiURL fails before any HTTP request is made.
func (c *Client) Send(ctx context.Context, apiURL string, headers map[string]string, req Request) (string, error) {
	if strings.TrimSpace(apiURL) == "" {
		return "", fmt.Errorf("agent API URL is not configured")
	}

	body, err := buildPayload(req)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build agent request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("agent request failed: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read agent response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("agent endpoint returned status %d", resp.StatusCode)
	}

	return extractMessage(b), nil
}

// buildPayload assembles {query, agent_role, prompt, UID, ...form data,
// session_id}. Form values are applied after the fixed keys, so a form field
// named like a fixed key overrides it; session_id always wins.
func buildPayload(req Request) ([]byte, error) {
	payload := map[string]any{
		"query":      req.Query,
		"agent_role": req.AgentRole,
		"prompt":     req.Prompt,
		"UID":        req.UID,
	}
	for k, v := range req.FormData {
		payload[k] = v
	}
	if req.SessionID != "" {
		payload["session_id"] = req.SessionID
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal agent payload: %w", err)
	}
	return b, nil
}

// extractMessage picks the reply out of the response body: first element's
// "message" for a non-empty array, the top-level "message" for an object,
// otherwise the body verbatim.
func extractMessage(body []byte) string {
	var arr []map[string]any
	if err := json.Unmarshal(body, &arr); err == nil && len(arr) > 0 {
		if msg, ok := arr[0]["message"].(string); ok {
			return msg
		}
		return strings.TrimSpace(string(body))
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err == nil {
		if msg, ok := obj["message"].(string); ok {
			return msg
		}
	}

	return strings.TrimSpace(string(body))
}
