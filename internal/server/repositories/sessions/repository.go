// Package sessions declares the repository contract for server-side login
// sessions.
package sessions

import (
	"context"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/server/models"
)

// Repository stores AuthSession rows.
type Repository interface {
	// Create inserts a new session. The caller supplies the id.
	Create(ctx context.Context, s *models.AuthSession) error

	// Find returns the session by id, or common.ErrorNotFound.
	Find(ctx context.Context, id string) (*models.AuthSession, error)

	// MarkMFAVerified flags the session as having passed the second factor
	// and moves its expiry.
	MarkMFAVerified(ctx context.Context, id string, expiresAt time.Time) error

	// Delete removes a session. Deleting a missing session is not an error.
	Delete(ctx context.Context, id string) error

	// DeleteExpired removes every session whose expiry is not after now and
	// returns how many were removed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
