package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// Claims represents the claims read from an ID token.
type Claims struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}

// Verifier checks bearer ID tokens issued by the identity provider.
type Verifier struct {
	verifier       *oidc.IDTokenVerifier
	allowedDomains []string
}

// NewVerifier discovers the provider at issuerURL and verifies tokens
// issued for clientID.
func NewVerifier(ctx context.Context, issuerURL, clientID string, allowedDomains []string) (*Verifier, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}
	return &Verifier{
		verifier:       provider.Verifier(&oidc.Config{ClientID: clientID}),
		allowedDomains: allowedDomains,
	}, nil
}

// NewStaticVerifier verifies tokens against a fixed key set without
// discovery.
func NewStaticVerifier(issuerURL, clientID string, keys oidc.KeySet, allowedDomains []string) *Verifier {
	return &Verifier{
		verifier:       oidc.NewVerifier(issuerURL, keys, &oidc.Config{ClientID: clientID}),
		allowedDomains: allowedDomains,
	}
}

// Verify validates rawIDToken and returns its claims.
func (v *Verifier) Verify(ctx context.Context, rawIDToken string) (*Claims, error) {
	idToken, err := v.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}

	var claims Claims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse claims: %w", err)
	}
	if claims.Subject == "" {
		claims.Subject = idToken.Subject
	}
	if err := v.ValidateClaims(&claims); err != nil {
		return nil, err
	}
	return &claims, nil
}

// ValidateClaims checks the subject and the domain restriction.
func (v *Verifier) ValidateClaims(claims *Claims) error {
	if claims.Subject == "" {
		return fmt.Errorf("sub claim is required")
	}
	if len(v.allowedDomains) == 0 {
		return nil
	}

	emailParts := strings.Split(claims.Email, "@")
	if len(emailParts) != 2 || emailParts[0] == "" {
		return fmt.Errorf("email claim is required when domains are restricted")
	}
	domain := strings.ToLower(emailParts[1])
	for _, d := range v.allowedDomains {
		if strings.ToLower(d) == domain {
			return nil
		}
	}
	return fmt.Errorf("email domain %s is not allowed", domain)
}

// LooksLikeJWT reports whether token has the three dot-separated segments of
// a compact JWS. API keys never contain dots.
func LooksLikeJWT(token string) bool {
	return strings.Count(token, ".") == 2
}
