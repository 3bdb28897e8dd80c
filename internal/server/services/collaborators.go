package services

import (
	"context"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/server/models"
)

// Notifier delivers account emails. Links are absolute URLs.
type Notifier interface {
	SendInvitation(ctx context.Context, to, link string, expiresAt time.Time) error
	SendPasswordReset(ctx context.Context, to, link string, expiresAt time.Time) error
}

// GoogleIdentity is the verified content of a Google ID token.
type GoogleIdentity struct {
	Subject       string
	Email         string
	EmailVerified bool
	Name          string
	Picture       string
}

// GoogleVerifier checks a Google ID token, including its audience.
type GoogleVerifier interface {
	Verify(ctx context.Context, idToken string) (*GoogleIdentity, error)
}

// PasskeyVerifier checks a WebAuthn assertion against a stored passkey and
// returns the authenticator's new signature counter.
type PasskeyVerifier interface {
	VerifyAssertion(ctx context.Context, pk models.Passkey, assertion []byte) (uint32, error)
}

type nopNotifier struct{}

func (nopNotifier) SendInvitation(context.Context, string, string, time.Time) error    { return nil }
func (nopNotifier) SendPasswordReset(context.Context, string, string, time.Time) error { return nil }
