// Package mfaattempts is the append-only ledger of MFA verification attempts.
// Rows are never updated or read back individually; the only query is a
// count of recent failures.
package mfaattempts

import (
	"context"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/server/models"
)

type Repository interface {
	Record(ctx context.Context, a models.MFAAttempt) error
	CountFailedSince(ctx context.Context, userID int64, since time.Time) (int, error)
}
