package dnscf

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to a Cloudflare-compatible DNS API (v4 shape). The token
// comes from the secrets vault at startup.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

// NewClient creates a DNS provider client. timeout bounds every call so a
// hung provider cannot stall a lifecycle operation indefinitely.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpc:   &http.Client{Timeout: timeout},
	}
}

// Zone is one DNS zone the account controls.
type Zone struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Errors  []apiError      `json:"errors"`
	Result  json.RawMessage `json:"result"`
}

type dnsRecord struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	Proxied bool   `json:"proxied"`
	TTL     int    `json:"ttl"`
}

// ListZones fetches the zones the token can manage.
func (c *Client) ListZones(ctx context.Context) ([]Zone, error) {
	raw, err := c.do(ctx, http.MethodGet, "/zones", nil)
	if err != nil {
		return nil, err
	}
	var zones []Zone
	if err := json.Unmarshal(raw, &zones); err != nil {
		return nil, fmt.Errorf("failed to unmarshal zone list: %w", err)
	}
	return zones, nil
}

// CreateRecord creates a proxied CNAME pointing name at target and returns
// the provider's record ID.
func (c *Client) CreateRecord(ctx context.Context, zoneID, name, target string) (string, error) {
	record := dnsRecord{
		Type:    "CNAME",
		Name:    name,
		Content: target,
		Proxied: true,
		TTL:     1, // automatic
	}
	raw, err := c.do(ctx, http.MethodPost, "/zones/"+zoneID+"/dns_records", record)
	if err != nil {
		return "", err
	}
	var created dnsRecord
	if err := json.Unmarshal(raw, &created); err != nil {
		return "", fmt.Errorf("failed to unmarshal created record: %w", err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("provider returned no record ID for %q", name)
	}
	return created.ID, nil
}

// DeleteRecord removes a DNS record by provider ID.
func (c *Client) DeleteRecord(ctx context.Context, zoneID, recordID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/zones/"+zoneID+"/dns_records/"+recordID, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) (json.RawMessage, error) {
	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("DNS provider request %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	var envelope apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("failed to decode DNS provider response: %w", err)
	}
	if !envelope.Success {
		if len(envelope.Errors) > 0 {
			e := envelope.Errors[0]
			return nil, fmt.Errorf("DNS provider error %d: %s", e.Code, e.Message)
		}
		return nil, fmt.Errorf("DNS provider request %s %s failed with status %d", method, path, resp.StatusCode)
	}
	return envelope.Result, nil
}
