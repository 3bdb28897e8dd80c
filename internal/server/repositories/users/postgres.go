package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/dbx"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func dbError(err error) error {
	if dbx.IsUniqueViolation(err) {
		return common.ErrorConflict
	}
	return fmt.Errorf("db error: %w", err)
}

func (r *PostgresRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	authMethods, err := encodeList(user.AuthMethods)
	if err != nil {
		return nil, fmt.Errorf("encode auth_methods: %w", err)
	}
	backupCodes, err := encodeList(user.BackupCodes)
	if err != nil {
		return nil, fmt.Errorf("encode backup_codes: %w", err)
	}
	passkeys, err := encodeList(user.Passkeys)
	if err != nil {
		return nil, fmt.Errorf("encode passkeys: %w", err)
	}

	query :=
		`INSERT INTO users (email, password_hash, auth_methods, mfa_enabled, totp_secret,
		 backup_codes, passkeys, google_id, name, picture, role, is_active,
		 email_verified, status, invite_token, invite_expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 RETURNING id, created_at, updated_at
		 `

	err = r.db.QueryRowContext(ctx, query,
		user.Email, nullable(user.PasswordHash), authMethods, user.MFAEnabled, nullable(user.TOTPSecret),
		backupCodes, passkeys, nullable(user.GoogleID), nullable(user.Name), nullable(user.Picture),
		string(user.Role), user.IsActive, user.EmailVerified, string(user.Status),
		nullable(user.InviteToken), nullable(user.InviteExpiresAt),
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, dbError(err)
	}

	return user, nil
}

func (r *PostgresRepository) getOne(ctx context.Context, where string, arg any) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE ` + where

	user, err := scanUser(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return user, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id int64) (*models.User, error) {
	return r.getOne(ctx, `id = $1`, id)
}

func (r *PostgresRepository) GetByIDForUpdate(ctx context.Context, id int64) (*models.User, error) {
	return r.getOne(ctx, `id = $1 FOR UPDATE`, id)
}

func (r *PostgresRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.getOne(ctx, `email = $1`, email)
}

func (r *PostgresRepository) GetByGoogleID(ctx context.Context, googleID string) (*models.User, error) {
	return r.getOne(ctx, `google_id = $1`, googleID)
}

func (r *PostgresRepository) GetByInviteToken(ctx context.Context, token string) (*models.User, error) {
	return r.getOne(ctx, `invite_token = $1`, token)
}

func (r *PostgresRepository) GetByPasswordResetToken(ctx context.Context, token string) (*models.User, error) {
	return r.getOne(ctx, `password_reset_token = $1`, token)
}

func (r *PostgresRepository) list(ctx context.Context, query string) ([]*models.User, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		result = append(result, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return result, nil
}

func (r *PostgresRepository) ListActive(ctx context.Context) ([]*models.User, error) {
	return r.list(ctx, `SELECT `+userColumns+` FROM users WHERE is_active ORDER BY created_at DESC, id DESC`)
}

func (r *PostgresRepository) ListWithPasskeys(ctx context.Context) ([]*models.User, error) {
	return r.list(ctx, `SELECT `+userColumns+` FROM users WHERE passkeys IS NOT NULL ORDER BY id`)
}

func (r *PostgresRepository) LockCredentialID(ctx context.Context, credentialID string) error {
	if _, err := r.db.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "passkey:"+credentialID); err != nil {
		return dbError(err)
	}
	return nil
}

// exec runs a single-row write and reports ErrorNotFound if id matched nothing.
func (r *PostgresRepository) exec(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return dbError(err)
	}
	return dbx.RequireAffected(res)
}

func (r *PostgresRepository) UpdateProfile(ctx context.Context, id int64, upd ProfileUpdate) error {
	if upd.Empty() {
		return nil
	}

	sets := make([]string, 0, 5)
	args := []any{id}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if upd.Email != nil {
		add("email", *upd.Email)
	}
	if upd.Name != nil {
		add("name", *upd.Name)
	}
	if upd.Picture != nil {
		add("picture", *upd.Picture)
	}
	if upd.IsActive != nil {
		add("is_active", *upd.IsActive)
	}
	sets = append(sets, "updated_at = NOW()")

	query := `UPDATE users SET ` + strings.Join(sets, ", ") + ` WHERE id = $1`
	return r.exec(ctx, query, args...)
}

func (r *PostgresRepository) CompleteInvitation(ctx context.Context, id int64, name, passwordHash string, methods []models.AuthMethod) error {
	am, err := encodeList(methods)
	if err != nil {
		return fmt.Errorf("encode auth_methods: %w", err)
	}
	query :=
		`UPDATE users SET name = $2, password_hash = $3, auth_methods = $4,
		 status = 'active', email_verified = TRUE,
		 invite_token = NULL, invite_expires_at = NULL, updated_at = NOW()
		 WHERE id = $1`
	return r.exec(ctx, query, id, name, passwordHash, am)
}

func (r *PostgresRepository) ResendInvitation(ctx context.Context, id int64, token string, expiresAt time.Time) error {
	query :=
		`UPDATE users SET invite_token = $2, invite_expires_at = $3,
		 status = 'invited', updated_at = NOW()
		 WHERE id = $1`
	return r.exec(ctx, query, id, token, expiresAt)
}

func (r *PostgresRepository) SetPassword(ctx context.Context, id int64, passwordHash string, methods []models.AuthMethod) error {
	am, err := encodeList(methods)
	if err != nil {
		return fmt.Errorf("encode auth_methods: %w", err)
	}
	query := `UPDATE users SET password_hash = $2, auth_methods = $3, updated_at = NOW() WHERE id = $1`
	return r.exec(ctx, query, id, passwordHash, am)
}

func (r *PostgresRepository) LinkGoogle(ctx context.Context, id int64, googleID string, name, picture *string, methods []models.AuthMethod) error {
	am, err := encodeList(methods)
	if err != nil {
		return fmt.Errorf("encode auth_methods: %w", err)
	}
	query :=
		`UPDATE users SET google_id = $2, auth_methods = $3,
		 name = COALESCE(name, $4), picture = COALESCE(picture, $5), updated_at = NOW()
		 WHERE id = $1`
	return r.exec(ctx, query, id, googleID, am, nullable(name), nullable(picture))
}

func (r *PostgresRepository) SetMFA(ctx context.Context, id int64, secret *string, backupCodes []string) error {
	codes, err := encodeList(backupCodes)
	if err != nil {
		return fmt.Errorf("encode backup_codes: %w", err)
	}
	if secret == nil {
		codes = nil
	}
	query :=
		`UPDATE users SET totp_secret = $2, backup_codes = $3, mfa_enabled = $4, updated_at = NOW()
		 WHERE id = $1`
	return r.exec(ctx, query, id, nullable(secret), codes, secret != nil)
}

func (r *PostgresRepository) SetBackupCodes(ctx context.Context, id int64, backupCodes []string) error {
	codes, err := encodeList(backupCodes)
	if err != nil {
		return fmt.Errorf("encode backup_codes: %w", err)
	}
	query := `UPDATE users SET backup_codes = $2, updated_at = NOW() WHERE id = $1`
	return r.exec(ctx, query, id, codes)
}

func (r *PostgresRepository) SetPasskeys(ctx context.Context, id int64, passkeys []models.Passkey, methods []models.AuthMethod) error {
	pk, err := encodeList(passkeys)
	if err != nil {
		return fmt.Errorf("encode passkeys: %w", err)
	}
	am, err := encodeList(methods)
	if err != nil {
		return fmt.Errorf("encode auth_methods: %w", err)
	}
	query := `UPDATE users SET passkeys = $2, auth_methods = $3, updated_at = NOW() WHERE id = $1`
	return r.exec(ctx, query, id, pk, am)
}

func (r *PostgresRepository) SetPasswordResetToken(ctx context.Context, id int64, token string, expiresAt time.Time) error {
	query :=
		`UPDATE users SET password_reset_token = $2, password_reset_expires_at = $3, updated_at = NOW()
		 WHERE id = $1`
	return r.exec(ctx, query, id, token, expiresAt)
}

func (r *PostgresRepository) ClearPasswordResetToken(ctx context.Context, id int64) error {
	query :=
		`UPDATE users SET password_reset_token = NULL, password_reset_expires_at = NULL, updated_at = NOW()
		 WHERE id = $1`
	return r.exec(ctx, query, id)
}

func (r *PostgresRepository) UpdateStatus(ctx context.Context, id int64, status models.Status) error {
	query := `UPDATE users SET status = $2, updated_at = NOW() WHERE id = $1`
	return r.exec(ctx, query, id, string(status))
}

func (r *PostgresRepository) TouchLastLogin(ctx context.Context, id int64, at time.Time) error {
	query := `UPDATE users SET last_login_at = $2 WHERE id = $1`
	return r.exec(ctx, query, id, at)
}

func (r *PostgresRepository) Delete(ctx context.Context, id int64) error {
	return r.exec(ctx, `DELETE FROM users WHERE id = $1`, id)
}
