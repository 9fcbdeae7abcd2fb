// Package identity verifies external agent-identity tokens against the
// configured identity provider. Verified profiles attach reputation
// signals (username, karma, verified flag) to a registration.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/agoranet/marketplace/internal/core"
)

const verifyTimeout = 10 * time.Second

// Profile is a verified identity as the provider reports it.
type Profile struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Karma       int    `json:"karma"`
	Verified    bool   `json:"verified"`
}

// Provider verifies identity tokens. Tests substitute a fake.
type Provider interface {
	VerifyToken(ctx context.Context, token string) (*Profile, error)
}

// Client talks to the provider's verify endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *log.Logger
}

// NewClient builds a provider client for the given base URL.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: verifyTimeout},
		logger:     log.New(log.Writer(), "[IDENTITY] ", log.LstdFlags),
	}
}

// VerifyToken exchanges an identity token for the profile it belongs to.
// Invalid tokens are forbidden; provider outages are unavailable so the
// caller can distinguish "bad token" from "cannot check right now".
func (c *Client) VerifyToken(ctx context.Context, token string) (*Profile, error) {
	body, err := json.Marshal(map[string]string{"identity_token": token})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/identity/verify", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, core.Wrap(core.KindUnavailable, err, "identity provider unreachable")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, core.E(core.KindForbidden, "invalid or expired identity token")
	case resp.StatusCode != http.StatusOK:
		c.logger.Printf("verify returned %d", resp.StatusCode)
		return nil, core.E(core.KindUnavailable, "identity verification failed (status %d)", resp.StatusCode)
	}

	var profile Profile
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&profile); err != nil {
		return nil, core.Wrap(core.KindUnavailable, err, "identity provider sent malformed profile")
	}
	if profile.ID == "" {
		return nil, core.E(core.KindUnavailable, "identity provider sent empty profile")
	}
	return &profile, nil
}

var _ Provider = (*Client)(nil)

// String implements fmt.Stringer for logging without leaking the key.
func (c *Client) String() string {
	return fmt.Sprintf("identity provider %s", c.baseURL)
}
