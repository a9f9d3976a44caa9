package vault

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client reads secrets from the local vault daemon. Used once at startup
// to obtain the DNS provider API token.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// NewClient creates a vault client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: timeout},
	}
}

type secretResponse struct {
	Value string `json:"value"`
}

// GetCredential fetches the secret stored at path.
func (c *Client) GetCredential(path string) (string, error) {
	resp, err := c.httpc.Get(c.baseURL + "/v1/secret/" + path)
	if err != nil {
		return "", fmt.Errorf("could not reach secrets vault: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("vault returned status %d for %q", resp.StatusCode, path)
	}

	var secret secretResponse
	if err := json.NewDecoder(resp.Body).Decode(&secret); err != nil {
		return "", fmt.Errorf("could not decode vault response: %w", err)
	}
	if secret.Value == "" {
		return "", fmt.Errorf("vault returned an empty credential for %q", path)
	}
	return secret.Value, nil
}
