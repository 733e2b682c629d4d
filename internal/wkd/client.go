// Package wkd implements opportunistic web key discovery: a per-domain HTTPS
// lookup under the domain's well-known path. Everything here is best effort;
// network failures and missing endpoints read as "no result".
package wkd

import (
	"context"
	"crypto/sha1"
	"encoding/base32"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mailcrypt/go-backend/pkg/models"
)

const maxKeyBytes = 1 << 20

// zBase32 is the encoding WKD mandates for the hashed local part.
var zBase32 = base32.NewEncoding("ybndrfg8ejkmcpqxot1uwisza345h769").WithPadding(base32.NoPadding)

// Client performs advanced-method WKD lookups.
type Client struct {
	httpClient *http.Client
	baseFor    func(domain string) string
}

type Option func(*Client)

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

// WithBaseResolver overrides how the per-domain endpoint is derived; tests
// point this at a local server.
func WithBaseResolver(baseFor func(domain string) string) Option {
	return func(c *Client) { c.baseFor = baseFor }
}

func New(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseFor: func(domain string) string {
			return "https://openpgpkey." + domain
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Discover fetches the keys published for an address, or nil when the domain
// publishes nothing for it. Only malformed addresses return an error; the
// caller treats any error as absence anyway.
func (c *Client) Discover(ctx context.Context, email string) ([][]byte, error) {
	local, domain, err := splitAddress(email)
	if err != nil {
		return nil, err
	}

	lookupURL := fmt.Sprintf("%s/.well-known/openpgpkey/%s/hu/%s?l=%s",
		c.baseFor(domain), domain, hashedLocalPart(local), url.QueryEscape(local))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookupURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil // best effort: unreachable domains read as absence
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxKeyBytes))
	if err != nil || len(raw) == 0 {
		return nil, nil
	}
	return [][]byte{raw}, nil
}

func splitAddress(email string) (local, domain string, err error) {
	email = models.NormalizeEmail(email)
	at := strings.LastIndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return "", "", fmt.Errorf("wkd: malformed address %q", email)
	}
	return email[:at], email[at+1:], nil
}

func hashedLocalPart(local string) string {
	sum := sha1.Sum([]byte(strings.ToLower(local)))
	return zBase32.EncodeToString(sum[:])
}
