package services

import (
	"context"
	"database/sql"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/cryptox"
	"github.com/dmitrijs2005/gophauth/internal/dbx"
	"github.com/dmitrijs2005/gophauth/internal/logging"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
	"github.com/dmitrijs2005/gophauth/internal/server/repositories/mfaattempts"
	"github.com/dmitrijs2005/gophauth/internal/server/repositories/sessions"
	"github.com/dmitrijs2005/gophauth/internal/server/repositories/users"
)

var testNow = time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

// --- users ---

type fakeUsersRepo struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*models.User
	err    error // returned by every call when set
	locks  []string
}

func newFakeUsersRepo() *fakeUsersRepo {
	return &fakeUsersRepo{rows: map[int64]*models.User{}}
}

func cloneUser(u *models.User) *models.User {
	c := *u
	c.AuthMethods = slices.Clone(u.AuthMethods)
	c.BackupCodes = slices.Clone(u.BackupCodes)
	c.Passkeys = slices.Clone(u.Passkeys)
	return &c
}

func (f *fakeUsersRepo) find(pred func(u *models.User) bool) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	for _, u := range f.rows {
		if pred(u) {
			return cloneUser(u), nil
		}
	}
	return nil, common.ErrorNotFound
}

func (f *fakeUsersRepo) update(id int64, fn func(u *models.User)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	u, ok := f.rows[id]
	if !ok {
		return common.ErrorNotFound
	}
	fn(u)
	u.UpdatedAt = testNow
	return nil
}

func nilIfEmpty[T any](s []T) []T {
	if len(s) == 0 {
		return nil
	}
	return slices.Clone(s)
}

func (f *fakeUsersRepo) Create(ctx context.Context, user *models.User) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	for _, u := range f.rows {
		if u.Email == user.Email {
			return nil, common.ErrorConflict
		}
		if user.GoogleID != nil && u.GoogleID != nil && *u.GoogleID == *user.GoogleID {
			return nil, common.ErrorConflict
		}
	}
	f.nextID++
	user.ID = f.nextID
	user.CreatedAt = testNow.Add(time.Duration(f.nextID) * time.Second)
	user.UpdatedAt = user.CreatedAt
	stored := cloneUser(user)
	stored.AuthMethods = nilIfEmpty(stored.AuthMethods)
	f.rows[user.ID] = stored
	return user, nil
}

func (f *fakeUsersRepo) GetByID(ctx context.Context, id int64) (*models.User, error) {
	return f.find(func(u *models.User) bool { return u.ID == id })
}

func (f *fakeUsersRepo) GetByIDForUpdate(ctx context.Context, id int64) (*models.User, error) {
	return f.GetByID(ctx, id)
}

func (f *fakeUsersRepo) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return f.find(func(u *models.User) bool { return u.Email == email })
}

func (f *fakeUsersRepo) GetByGoogleID(ctx context.Context, googleID string) (*models.User, error) {
	return f.find(func(u *models.User) bool { return u.GoogleID != nil && *u.GoogleID == googleID })
}

func (f *fakeUsersRepo) GetByInviteToken(ctx context.Context, token string) (*models.User, error) {
	return f.find(func(u *models.User) bool { return u.InviteToken != nil && *u.InviteToken == token })
}

func (f *fakeUsersRepo) GetByPasswordResetToken(ctx context.Context, token string) (*models.User, error) {
	return f.find(func(u *models.User) bool { return u.PasswordResetToken != nil && *u.PasswordResetToken == token })
}

func (f *fakeUsersRepo) list(pred func(u *models.User) bool) ([]*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []*models.User
	for _, u := range f.rows {
		if pred(u) {
			out = append(out, cloneUser(u))
		}
	}
	slices.SortFunc(out, func(a, b *models.User) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

func (f *fakeUsersRepo) ListActive(ctx context.Context) ([]*models.User, error) {
	return f.list(func(u *models.User) bool { return u.IsActive })
}

func (f *fakeUsersRepo) ListWithPasskeys(ctx context.Context) ([]*models.User, error) {
	return f.list(func(u *models.User) bool { return len(u.Passkeys) > 0 })
}

func (f *fakeUsersRepo) LockCredentialID(ctx context.Context, credentialID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.locks = append(f.locks, credentialID)
	return nil
}

func (f *fakeUsersRepo) UpdateProfile(ctx context.Context, id int64, upd users.ProfileUpdate) error {
	if upd.Email != nil {
		if other, err := f.GetByEmail(ctx, *upd.Email); err == nil && other.ID != id {
			return common.ErrorConflict
		}
	}
	return f.update(id, func(u *models.User) {
		if upd.Email != nil {
			u.Email = *upd.Email
		}
		if upd.Name != nil {
			u.Name = ptr(*upd.Name)
		}
		if upd.Picture != nil {
			u.Picture = ptr(*upd.Picture)
		}
		if upd.IsActive != nil {
			u.IsActive = *upd.IsActive
		}
	})
}

func (f *fakeUsersRepo) CompleteInvitation(ctx context.Context, id int64, name, hash string, methods []models.AuthMethod) error {
	return f.update(id, func(u *models.User) {
		u.Name = &name
		u.PasswordHash = &hash
		u.AuthMethods = nilIfEmpty(methods)
		u.Status = models.StatusActive
		u.EmailVerified = true
		u.InviteToken = nil
		u.InviteExpiresAt = nil
	})
}

func (f *fakeUsersRepo) ResendInvitation(ctx context.Context, id int64, token string, expiresAt time.Time) error {
	return f.update(id, func(u *models.User) {
		u.InviteToken = &token
		u.InviteExpiresAt = &expiresAt
		u.Status = models.StatusInvited
	})
}

func (f *fakeUsersRepo) SetPassword(ctx context.Context, id int64, hash string, methods []models.AuthMethod) error {
	return f.update(id, func(u *models.User) {
		u.PasswordHash = &hash
		u.AuthMethods = nilIfEmpty(methods)
	})
}

func (f *fakeUsersRepo) LinkGoogle(ctx context.Context, id int64, googleID string, name, picture *string, methods []models.AuthMethod) error {
	return f.update(id, func(u *models.User) {
		u.GoogleID = &googleID
		u.AuthMethods = nilIfEmpty(methods)
		if u.Name == nil && name != nil {
			u.Name = ptr(*name)
		}
		if u.Picture == nil && picture != nil {
			u.Picture = ptr(*picture)
		}
	})
}

func (f *fakeUsersRepo) SetMFA(ctx context.Context, id int64, secret *string, codes []string) error {
	return f.update(id, func(u *models.User) {
		u.TOTPSecret = secret
		u.MFAEnabled = secret != nil
		u.BackupCodes = nil
		if secret != nil {
			u.BackupCodes = nilIfEmpty(codes)
		}
	})
}

func (f *fakeUsersRepo) SetBackupCodes(ctx context.Context, id int64, codes []string) error {
	return f.update(id, func(u *models.User) { u.BackupCodes = nilIfEmpty(codes) })
}

func (f *fakeUsersRepo) SetPasskeys(ctx context.Context, id int64, passkeys []models.Passkey, methods []models.AuthMethod) error {
	return f.update(id, func(u *models.User) {
		u.Passkeys = nilIfEmpty(passkeys)
		u.AuthMethods = nilIfEmpty(methods)
	})
}

func (f *fakeUsersRepo) SetPasswordResetToken(ctx context.Context, id int64, token string, expiresAt time.Time) error {
	return f.update(id, func(u *models.User) {
		u.PasswordResetToken = &token
		u.PasswordResetExpiresAt = &expiresAt
	})
}

func (f *fakeUsersRepo) ClearPasswordResetToken(ctx context.Context, id int64) error {
	return f.update(id, func(u *models.User) {
		u.PasswordResetToken = nil
		u.PasswordResetExpiresAt = nil
	})
}

func (f *fakeUsersRepo) UpdateStatus(ctx context.Context, id int64, status models.Status) error {
	return f.update(id, func(u *models.User) { u.Status = status })
}

func (f *fakeUsersRepo) TouchLastLogin(ctx context.Context, id int64, at time.Time) error {
	return f.update(id, func(u *models.User) { u.LastLoginAt = &at })
}

func (f *fakeUsersRepo) Delete(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[id]; !ok {
		return common.ErrorNotFound
	}
	delete(f.rows, id)
	return nil
}

// --- sessions ---

type fakeSessionsRepo struct {
	mu   sync.Mutex
	rows map[string]*models.AuthSession
}

func newFakeSessionsRepo() *fakeSessionsRepo {
	return &fakeSessionsRepo{rows: map[string]*models.AuthSession{}}
}

func (f *fakeSessionsRepo) Create(ctx context.Context, s *models.AuthSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s.CreatedAt = testNow
	c := *s
	f.rows[s.ID] = &c
	return nil
}

func (f *fakeSessionsRepo) Find(ctx context.Context, id string) (*models.AuthSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.rows[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	c := *s
	return &c, nil
}

func (f *fakeSessionsRepo) MarkMFAVerified(ctx context.Context, id string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.rows[id]
	if !ok {
		return common.ErrorNotFound
	}
	s.MFAVerified = true
	s.ExpiresAt = expiresAt
	return nil
}

func (f *fakeSessionsRepo) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, id)
	return nil
}

func (f *fakeSessionsRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for id, s := range f.rows {
		if !s.ExpiresAt.After(now) {
			delete(f.rows, id)
			n++
		}
	}
	return n, nil
}

// --- mfa attempts ---

type fakeAttemptsRepo struct {
	mu   sync.Mutex
	rows []models.MFAAttempt
}

func (f *fakeAttemptsRepo) Record(ctx context.Context, a models.MFAAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, a)
	return nil
}

func (f *fakeAttemptsRepo) CountFailedSince(ctx context.Context, userID int64, since time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.rows {
		if a.UserID == userID && !a.Success && a.CreatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

// --- manager ---

type fakeRepoManager struct {
	u *fakeUsersRepo
	s *fakeSessionsRepo
	a *fakeAttemptsRepo
}

func newFakeRepoManager() *fakeRepoManager {
	return &fakeRepoManager{u: newFakeUsersRepo(), s: newFakeSessionsRepo(), a: &fakeAttemptsRepo{}}
}

func (m *fakeRepoManager) RunMigrations(context.Context, *sql.DB) error   { return nil }
func (m *fakeRepoManager) Users(db dbx.DBTX) users.Repository             { return m.u }
func (m *fakeRepoManager) Sessions(db dbx.DBTX) sessions.Repository       { return m.s }
func (m *fakeRepoManager) MFAAttempts(db dbx.DBTX) mfaattempts.Repository { return m.a }

// --- harness ---

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type harness struct {
	db    *sql.DB
	mock  sqlmock.Sqlmock
	rm    *fakeRepoManager
	clock *clock
	users *UserService
}

// newHarness wires a UserService over in-memory repositories. Transactions
// still go through sqlmock, so each test declares the Begin/Commit pairs it
// expects.
func newHarness(t *testing.T) *harness {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	rm := newFakeRepoManager()
	c := &clock{t: testNow}
	us := NewUserService(db, rm, cryptox.NewBcryptHasher(bcrypt.MinCost), logging.Nop(), WithClock(c.now))

	return &harness{db: db, mock: mock, rm: rm, clock: c, users: us}
}

// expectTx registers n committed transactions.
func (h *harness) expectTx(n int) {
	for i := 0; i < n; i++ {
		h.mock.ExpectBegin()
		h.mock.ExpectCommit()
	}
}

// expectRollback registers one transaction that ends in rollback.
func (h *harness) expectRollback() {
	h.mock.ExpectBegin()
	h.mock.ExpectRollback()
}

func (h *harness) verify(t *testing.T) {
	t.Helper()
	require.NoError(t, h.mock.ExpectationsWereMet())
}

// stored returns the raw stored row.
func (h *harness) stored(t *testing.T, id int64) *models.User {
	t.Helper()
	u, err := h.rm.u.GetByID(context.Background(), id)
	require.NoError(t, err)
	return u
}
