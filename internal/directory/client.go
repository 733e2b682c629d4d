// Package directory talks to the authoritative key directory / attester
// service: lookups by address, submissions and updates of public keys.
// A not-found lookup is a distinct, non-error outcome from transport failure.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrNotFound reports a definitive "no key on file" answer from the
// directory, as opposed to a transport or server failure.
var ErrNotFound = errors.New("directory: no key on file")

// APIError is a non-404 HTTP failure from the directory.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("directory: API error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("directory: API error %d", e.StatusCode)
}

// LookupResult is a positive directory answer.
type LookupResult struct {
	PublicKey  []byte `json:"publicKey"`
	ClientHint string `json:"clientHint,omitempty"`
}

// SubmitResult reports whether the directory saved a submitted key.
type SubmitResult struct {
	Saved bool `json:"saved"`
}

// Client is the HTTP directory client.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	retries    int
}

type Option func(*Client)

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithRetries sets the number of retries for 5xx and transport failures.
func WithRetries(retries int) Option {
	return func(c *Client) { c.retries = retries }
}

func New(baseURL, authToken string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("directory: base URL is required")
	}
	c := &Client{
		baseURL:   baseURL,
		authToken: authToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		retries: 2,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Lookup searches the directory for a key bound to the address.
func (c *Client) Lookup(ctx context.Context, email string) (*LookupResult, error) {
	var result LookupResult
	path := "/api/v1/key?email=" + url.QueryEscape(email)
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Submit publishes a public key for the address.
func (c *Client) Submit(ctx context.Context, email string, publicKey []byte) (*SubmitResult, error) {
	req := struct {
		Email     string `json:"email"`
		PublicKey string `json:"publicKey"`
	}{Email: email, PublicKey: string(publicKey)}
	var result SubmitResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/key", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Update replaces the key stored under an identity.
func (c *Client) Update(ctx context.Context, keyID string, publicKey []byte) error {
	req := struct {
		PublicKey string `json:"publicKey"`
	}{PublicKey: string(publicKey)}
	path := "/api/v1/key/" + url.PathEscape(keyID)
	return c.do(ctx, http.MethodPut, path, req, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("directory: marshal request: %w", err)
		}
		payload = data
	}

	var resp *http.Response
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return fmt.Errorf("directory: build request: %w", err)
		}
		if c.authToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.authToken)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, lastErr = c.httpClient.Do(req)
		if lastErr == nil && resp.StatusCode < 500 {
			break
		}
		if resp != nil {
			resp.Body.Close()
			resp = nil
		}
		if attempt < c.retries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt+1) * 500 * time.Millisecond):
			}
		}
	}
	if lastErr != nil {
		return fmt.Errorf("directory: request failed: %w", lastErr)
	}
	if resp == nil {
		return &APIError{StatusCode: http.StatusServiceUnavailable}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(msg))}
	}

	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("directory: decode response: %w", err)
	}
	return nil
}
