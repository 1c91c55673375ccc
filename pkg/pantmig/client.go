package pantmig

import (
	"net/http"
	"strings"
	"time"
)

// Client talks to the PantMig REST API. The zero-transport client only
// reaches the public auth endpoints; install an AuthTransport (see
// NewAuthenticatedClient) for everything that needs a bearer token.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates an API client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// NewAuthenticatedClient creates a client whose requests are authenticated by
// an AuthTransport: bearer injection, pre-emptive refresh near expiry, and a
// single refresh-and-retry on 401.
func NewAuthenticatedClient(baseURL string, transport *AuthTransport) *Client {
	c := NewClient(baseURL)
	c.HTTPClient.Transport = transport
	return c
}

// url builds a complete URL by appending the path to the base URL.
func (c *Client) url(path string) string {
	return c.BaseURL + path
}
