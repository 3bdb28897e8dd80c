// Package google verifies Google ID tokens through the OAuth2 tokeninfo
// endpoint.
package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"

	"github.com/dmitrijs2005/gophauth/internal/server/services"
)

var (
	ErrInvalidAudience = errors.New("invalid google audience")
	ErrEmptyToken      = errors.New("empty id token")
)

// Verifier checks ID tokens issued for clientID.
type Verifier struct {
	clientID string
	svc      *oauth2.Service
}

// NewVerifier builds a Verifier. Extra options (for example
// option.WithEndpoint in tests) are passed to the oauth2 service.
func NewVerifier(ctx context.Context, clientID string, opts ...option.ClientOption) (*Verifier, error) {
	if clientID == "" {
		return nil, errors.New("google client id is required")
	}
	opts = append([]option.ClientOption{option.WithHTTPClient(&http.Client{})}, opts...)
	svc, err := oauth2.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("oauth2 service: %w", err)
	}
	return &Verifier{clientID: clientID, svc: svc}, nil
}

// Verify implements services.GoogleVerifier.
func (v *Verifier) Verify(ctx context.Context, idToken string) (*services.GoogleIdentity, error) {
	if idToken == "" {
		return nil, ErrEmptyToken
	}

	info, err := v.svc.Tokeninfo().IdToken(idToken).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("tokeninfo: %w", err)
	}
	if info.Audience != v.clientID && info.IssuedTo != v.clientID {
		return nil, ErrInvalidAudience
	}

	return &services.GoogleIdentity{
		Subject:       info.UserId,
		Email:         info.Email,
		EmailVerified: info.VerifiedEmail,
	}, nil
}
