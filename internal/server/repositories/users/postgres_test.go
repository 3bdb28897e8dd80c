package users

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
)

var createdAt = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return NewPostgresRepository(db), mock
}

var userCols = []string{
	"id", "email", "password_hash", "auth_methods", "mfa_enabled", "totp_secret",
	"backup_codes", "passkeys", "google_id", "name", "picture", "role", "is_active",
	"email_verified", "status", "invite_token", "invite_expires_at",
	"password_reset_token", "password_reset_expires_at",
	"created_at", "updated_at", "last_login_at",
}

// userRow is a users row with every nullable column NULL; tests override
// what they need.
type userRow struct {
	id                                  int64
	email                               string
	passwordHash, authMethods           driver.Value
	mfaEnabled                          bool
	totpSecret, backupCodes, passkeys   driver.Value
	googleID, name, picture             driver.Value
	role                                string
	isActive, emailVerified             bool
	status                              string
	inviteToken, inviteExpiresAt        driver.Value
	resetToken, resetExpiresAt, lastLog driver.Value
}

func (r userRow) values() []driver.Value {
	return []driver.Value{
		r.id, r.email, r.passwordHash, r.authMethods, r.mfaEnabled, r.totpSecret,
		r.backupCodes, r.passkeys, r.googleID, r.name, r.picture, r.role, r.isActive,
		r.emailVerified, r.status, r.inviteToken, r.inviteExpiresAt,
		r.resetToken, r.resetExpiresAt, createdAt, createdAt, r.lastLog,
	}
}

func rowsOf(rs ...userRow) *sqlmock.Rows {
	rows := sqlmock.NewRows(userCols)
	for _, r := range rs {
		rows.AddRow(r.values()...)
	}
	return rows
}

func ptr[T any](v T) *T { return &v }

func TestCreate_Success(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	q := `(?s)^INSERT\s+INTO\s+users\s*\(email,.*\)\s*VALUES\s*\(\$1,.*\$16\)\s*RETURNING\s+id,\s*created_at,\s*updated_at\s*$`

	mock.ExpectQuery(q).
		WithArgs("a@b.com", "hash", `["credentials"]`, false, nil,
			nil, nil, nil, "Alice", nil,
			"viewer", true, false, "active", nil, nil).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(int64(42), createdAt, createdAt))

	u := &models.User{
		Email:        "a@b.com",
		PasswordHash: ptr("hash"),
		AuthMethods:  []models.AuthMethod{models.AuthMethodCredentials},
		Name:         ptr("Alice"),
		Role:         models.RoleViewer,
		IsActive:     true,
		Status:       models.StatusActive,
	}
	got, err := repo.Create(context.Background(), u)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.ID)
	assert.Equal(t, createdAt, got.CreatedAt)
}

func TestCreate_DuplicateIsConflict(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectQuery(`(?s)^INSERT\s+INTO\s+users`).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "users_email_key"})

	_, err := repo.Create(context.Background(), &models.User{Email: "dup@b.com"})
	assert.ErrorIs(t, err, common.ErrorConflict)
}

func TestCreate_DBError(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectQuery(`(?s)^INSERT\s+INTO\s+users`).WillReturnError(errors.New("db down"))

	_, err := repo.Create(context.Background(), &models.User{Email: "a@b.com"})
	require.Error(t, err)
	assert.Regexp(t, regexp.MustCompile(`db error: .*db down`), err.Error())
}

func TestGetByID_HydratesListsAndNullables(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	q := `(?s)^SELECT\s+id,\s*email,.*FROM\s+users\s+WHERE\s+id\s*=\s*\$1$`

	mock.ExpectQuery(q).WithArgs(int64(7)).WillReturnRows(rowsOf(userRow{
		id:           7,
		email:        "a@b.com",
		passwordHash: "hash",
		authMethods:  `["credentials","passkey"]`,
		mfaEnabled:   true,
		totpSecret:   "SECRET",
		backupCodes:  `["h1","h2"]`,
		passkeys:     `[{"id":"p1","name":"Key","credentialId":"cred-1","publicKey":"pk","counter":3,"createdAt":"2025-03-01T10:00:00Z"}]`,
		name:         "Alice",
		role:         "admin",
		isActive:     true,
		status:       "active",
	}))

	u, err := repo.GetByID(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, "a@b.com", u.Email)
	assert.Equal(t, "hash", *u.PasswordHash)
	assert.Equal(t, []models.AuthMethod{models.AuthMethodCredentials, models.AuthMethodPasskey}, u.AuthMethods)
	assert.Equal(t, []string{"h1", "h2"}, u.BackupCodes)
	require.Len(t, u.Passkeys, 1)
	assert.Equal(t, "cred-1", u.Passkeys[0].CredentialID)
	assert.Equal(t, uint32(3), u.Passkeys[0].Counter)
	assert.Equal(t, models.RoleAdmin, u.Role)
	assert.Nil(t, u.GoogleID)
	assert.Nil(t, u.InviteToken)
	assert.Nil(t, u.LastLoginAt)
}

func TestGetByID_ForUpdateLocksRow(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectQuery(`(?s)WHERE\s+id\s*=\s*\$1\s+FOR\s+UPDATE$`).
		WithArgs(int64(7)).
		WillReturnRows(rowsOf(userRow{id: 7, email: "a@b.com", role: "viewer", status: "active"}))

	u, err := repo.GetByIDForUpdate(context.Background(), 7)
	require.NoError(t, err)
	assert.Nil(t, u.AuthMethods)
}

func TestGetters_NotFound(t *testing.T) {
	tests := []struct {
		name  string
		where string
		arg   driver.Value
		call  func(r *PostgresRepository) (*models.User, error)
	}{
		{"email", `email`, "ghost@b.com", func(r *PostgresRepository) (*models.User, error) {
			return r.GetByEmail(context.Background(), "ghost@b.com")
		}},
		{"google", `google_id`, "g-1", func(r *PostgresRepository) (*models.User, error) {
			return r.GetByGoogleID(context.Background(), "g-1")
		}},
		{"invite", `invite_token`, "tok", func(r *PostgresRepository) (*models.User, error) {
			return r.GetByInviteToken(context.Background(), "tok")
		}},
		{"reset", `password_reset_token`, "rst", func(r *PostgresRepository) (*models.User, error) {
			return r.GetByPasswordResetToken(context.Background(), "rst")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newRepoWithMock(t)
			mock.ExpectQuery(`(?s)FROM\s+users\s+WHERE\s+` + tt.where + `\s*=\s*\$1$`).
				WithArgs(tt.arg).
				WillReturnError(sql.ErrNoRows)

			_, err := tt.call(repo)
			assert.ErrorIs(t, err, common.ErrorNotFound)
		})
	}
}

func TestGetByID_CorruptListColumn(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectQuery(`(?s)FROM\s+users`).
		WillReturnRows(rowsOf(userRow{id: 1, email: "x@y.z", passkeys: `not json`, role: "viewer", status: "active"}))

	_, err := repo.GetByID(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode passkeys")
}

func TestListActive_OrderAndMapping(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	q := `(?s)FROM\s+users\s+WHERE\s+is_active\s+ORDER\s+BY\s+created_at\s+DESC,\s*id\s+DESC$`
	mock.ExpectQuery(q).WillReturnRows(rowsOf(
		userRow{id: 2, email: "new@b.com", role: "viewer", status: "active", isActive: true},
		userRow{id: 1, email: "old@b.com", role: "admin", status: "active", isActive: true},
	))

	got, err := repo.ListActive(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].ID)
	assert.Equal(t, int64(1), got[1].ID)
}

func TestListWithPasskeys(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectQuery(`(?s)WHERE\s+passkeys\s+IS\s+NOT\s+NULL`).
		WillReturnRows(rowsOf(userRow{id: 3, email: "k@b.com", role: "viewer", status: "active",
			passkeys: `[{"id":"p","credentialId":"c","publicKey":"k","counter":0,"createdAt":"2025-03-01T10:00:00Z"}]`}))

	got, err := repo.ListWithPasskeys(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c", got[0].Passkeys[0].CredentialID)
}

func TestListActive_QueryError(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	mock.ExpectQuery(`(?s)FROM\s+users`).WillReturnError(errors.New("boom"))

	_, err := repo.ListActive(context.Background())
	assert.ErrorContains(t, err, "db error: boom")
}

func TestUpdateProfile_OnlySuppliedFields(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	q := `^UPDATE users SET name = \$2, is_active = \$3, updated_at = NOW\(\) WHERE id = \$1$`
	mock.ExpectExec(q).WithArgs(int64(5), "Bob", false).WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.UpdateProfile(context.Background(), 5, ProfileUpdate{Name: ptr("Bob"), IsActive: ptr(false)})
	require.NoError(t, err)
}

func TestUpdateProfile_EmptyIsNoop(t *testing.T) {
	repo, _ := newRepoWithMock(t)
	require.NoError(t, repo.UpdateProfile(context.Background(), 5, ProfileUpdate{}))
}

func TestUpdateProfile_DuplicateEmail(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	mock.ExpectExec(`^UPDATE users SET email = \$2`).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := repo.UpdateProfile(context.Background(), 5, ProfileUpdate{Email: ptr("taken@b.com")})
	assert.ErrorIs(t, err, common.ErrorConflict)
}

func TestWrites_MissingIDIsNotFound(t *testing.T) {
	ctx := context.Background()
	future := createdAt.Add(time.Hour)

	tests := []struct {
		name string
		call func(r *PostgresRepository) error
	}{
		{"complete invitation", func(r *PostgresRepository) error {
			return r.CompleteInvitation(ctx, 99, "n", "h", []models.AuthMethod{models.AuthMethodCredentials})
		}},
		{"resend invitation", func(r *PostgresRepository) error { return r.ResendInvitation(ctx, 99, "t", future) }},
		{"set password", func(r *PostgresRepository) error { return r.SetPassword(ctx, 99, "h", nil) }},
		{"link google", func(r *PostgresRepository) error { return r.LinkGoogle(ctx, 99, "g", nil, nil, nil) }},
		{"set mfa", func(r *PostgresRepository) error { return r.SetMFA(ctx, 99, nil, nil) }},
		{"set backup codes", func(r *PostgresRepository) error { return r.SetBackupCodes(ctx, 99, nil) }},
		{"set passkeys", func(r *PostgresRepository) error { return r.SetPasskeys(ctx, 99, nil, nil) }},
		{"set reset token", func(r *PostgresRepository) error { return r.SetPasswordResetToken(ctx, 99, "t", future) }},
		{"clear reset token", func(r *PostgresRepository) error { return r.ClearPasswordResetToken(ctx, 99) }},
		{"update status", func(r *PostgresRepository) error { return r.UpdateStatus(ctx, 99, models.StatusActive) }},
		{"touch last login", func(r *PostgresRepository) error { return r.TouchLastLogin(ctx, 99, future) }},
		{"delete", func(r *PostgresRepository) error { return r.Delete(ctx, 99) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newRepoWithMock(t)
			mock.ExpectExec(`(?s)^(UPDATE|DELETE FROM) users`).WillReturnResult(sqlmock.NewResult(0, 0))

			assert.ErrorIs(t, tt.call(repo), common.ErrorNotFound)
		})
	}
}

func TestCompleteInvitation_ClearsInviteFields(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	q := `(?s)^UPDATE\s+users\s+SET\s+name\s*=\s*\$2,\s*password_hash\s*=\s*\$3,\s*auth_methods\s*=\s*\$4,\s*` +
		`status\s*=\s*'active',\s*email_verified\s*=\s*TRUE,\s*invite_token\s*=\s*NULL,\s*invite_expires_at\s*=\s*NULL`
	mock.ExpectExec(q).
		WithArgs(int64(1), "Alice", "hash", `["credentials"]`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.CompleteInvitation(context.Background(), 1, "Alice", "hash", []models.AuthMethod{models.AuthMethodCredentials})
	require.NoError(t, err)
}

func TestLinkGoogle_CoalescesProfile(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	q := `(?s)SET\s+google_id\s*=\s*\$2,\s*auth_methods\s*=\s*\$3,\s*name\s*=\s*COALESCE\(name,\s*\$4\),\s*picture\s*=\s*COALESCE\(picture,\s*\$5\)`
	mock.ExpectExec(q).
		WithArgs(int64(1), "g-1", `["google","credentials"]`, "Alice", nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.LinkGoogle(context.Background(), 1, "g-1", ptr("Alice"), nil,
		[]models.AuthMethod{models.AuthMethodGoogle, models.AuthMethodCredentials})
	require.NoError(t, err)
}

func TestSetMFA_EnableAndDisableInOneStatement(t *testing.T) {
	q := `(?s)^UPDATE\s+users\s+SET\s+totp_secret\s*=\s*\$2,\s*backup_codes\s*=\s*\$3,\s*mfa_enabled\s*=\s*\$4`

	t.Run("enable", func(t *testing.T) {
		repo, mock := newRepoWithMock(t)
		mock.ExpectExec(q).WithArgs(int64(1), "SECRET", `["h1","h2"]`, true).WillReturnResult(sqlmock.NewResult(0, 1))
		require.NoError(t, repo.SetMFA(context.Background(), 1, ptr("SECRET"), []string{"h1", "h2"}))
	})

	t.Run("disable clears codes even if passed", func(t *testing.T) {
		repo, mock := newRepoWithMock(t)
		mock.ExpectExec(q).WithArgs(int64(1), nil, nil, false).WillReturnResult(sqlmock.NewResult(0, 1))
		require.NoError(t, repo.SetMFA(context.Background(), 1, nil, []string{"leftover"}))
	})
}

func TestSetPasskeys_EmptyStoredAsNull(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectExec(`^UPDATE users SET passkeys = \$2, auth_methods = \$3`).
		WithArgs(int64(1), nil, `["credentials"]`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.SetPasskeys(context.Background(), 1, []models.Passkey{}, []models.AuthMethod{models.AuthMethodCredentials})
	require.NoError(t, err)
}

func TestSetPasskeys_ExecError(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	mock.ExpectExec(`^UPDATE users SET passkeys`).WillReturnError(errors.New("conn reset"))

	err := repo.SetPasskeys(context.Background(), 1, nil, nil)
	assert.ErrorContains(t, err, "db error: conn reset")
}

func TestLockCredentialID(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock(hashtext($1))`)).
		WithArgs("passkey:cred-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.LockCredentialID(context.Background(), "cred-1"))
}

func TestLockCredentialID_Error(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	mock.ExpectExec(`pg_advisory_xact_lock`).WillReturnError(errors.New("conn reset"))

	err := repo.LockCredentialID(context.Background(), "cred-1")
	assert.ErrorContains(t, err, "db error: conn reset")
}
