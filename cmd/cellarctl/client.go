package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Header names understood by the server's tenancy middleware.
const (
	tenantHeader = "X-Tenant-ID"
	userHeader   = "X-Remote-User"
)

// cellarClient wraps an HTTP client and the server base URL.
type cellarClient struct {
	baseURL    string
	tenant     string
	user       string
	httpClient *http.Client
	logger     *slog.Logger
}

func newCellarClient(s settings) *cellarClient {
	return &cellarClient{
		baseURL: s.Server,
		tenant:  s.Tenant,
		user:    s.User,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: slog.Default(),
	}
}

// doRequest sends a request with an optional JSON body and returns the
// response body. Status codes of 400 and above are returned as errors
// carrying the server's error code and message.
func (c *cellarClient) doRequest(method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	url := c.baseURL + path
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.tenant != "" {
		req.Header.Set(tenantHeader, c.tenant)
	}
	if c.user != "" {
		req.Header.Set(userHeader, c.user)
	}

	c.logger.Debug("sending request", "method", method, "url", url)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting to cellar server at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Message != "" {
			return nil, fmt.Errorf("server error (%d %s): %s", resp.StatusCode, errResp.Error, errResp.Message)
		}
		return nil, fmt.Errorf("server error (%d): %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

// call performs the request and decodes the JSON response into a map.
func (c *cellarClient) call(method, path string, body any) (map[string]any, error) {
	data, err := c.doRequest(method, path, body)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	return out, nil
}
