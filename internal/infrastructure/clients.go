package infrastructure

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// APIError is a non-2xx answer from a platform REST API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status %d body=%s", e.Status, e.Body)
}

// jsonClient is the REST plumbing shared by the desk and AI clients.
type jsonClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter // nil means unthrottled
	headers map[string]string
}

func newJSONClient(baseURL string, timeout time.Duration, perSecond float64) *jsonClient {
	c := &jsonClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		headers: map[string]string{},
	}
	if perSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), int(perSecond)+1)
	}
	return c
}

// do sends body as JSON and decodes a JSON answer into out (when non-nil).
func (c *jsonClient) do(ctx context.Context, method, path string, headers map[string]string, body, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Body: string(respBody)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
