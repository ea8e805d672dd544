package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/strand-protocol/devgate/pkg/model"
)

// IdentityProvider verifies caller session tokens.
type IdentityProvider interface {
	VerifyCredential(ctx context.Context, token string) (*model.Identity, error)
}

// SessionProvider validates session tokens against an external identity
// service exposing GET /sessions/whoami (Ory Kratos compatible).
type SessionProvider struct {
	publicURL string
	client    *http.Client
	now       func() time.Time
}

// whoamiSession is the raw whoami response shape.
type whoamiSession struct {
	ID       string `json:"id"`
	Active   bool   `json:"active"`
	Identity struct {
		ID     string `json:"id"`
		Traits struct {
			Email string `json:"email"`
		} `json:"traits"`
	} `json:"identity"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewSessionProvider creates a client for the identity service's public API.
func NewSessionProvider(publicURL string) *SessionProvider {
	return &SessionProvider{
		publicURL: strings.TrimRight(publicURL, "/"),
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
		now: time.Now,
	}
}

// VerifyCredential resolves token via whoami. 401 and 403 mean the token is
// not a session; an inactive or past-expiry session is reported as expired.
func (p *SessionProvider) VerifyCredential(ctx context.Context, token string) (*model.Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.publicURL+"/sessions/whoami", nil)
	if err != nil {
		return nil, fmt.Errorf("identity: build request: %w", err)
	}
	req.Header.Set("X-Session-Token", token)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity: request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, ErrInvalidCredential
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("identity: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var ws whoamiSession
	if err := json.NewDecoder(resp.Body).Decode(&ws); err != nil {
		return nil, fmt.Errorf("identity: decode: %w", err)
	}
	if !ws.Active || (!ws.ExpiresAt.IsZero() && !p.now().Before(ws.ExpiresAt)) {
		return nil, ErrExpiredSession
	}
	if ws.Identity.ID == "" {
		return nil, ErrInvalidCredential
	}
	return &model.Identity{ID: ws.Identity.ID, Email: ws.Identity.Traits.Email}, nil
}

// withIdentity overrides credential verification of a Client.
type withIdentity struct {
	Client
	provider IdentityProvider
}

// WithIdentityProvider returns c with caller verification delegated to p.
// Device lookups and access logging still go to c.
func WithIdentityProvider(c Client, p IdentityProvider) Client {
	if p == nil {
		return c
	}
	return &withIdentity{Client: c, provider: p}
}

func (w *withIdentity) VerifyCredential(ctx context.Context, token string) (*model.Identity, error) {
	return w.provider.VerifyCredential(ctx, token)
}
