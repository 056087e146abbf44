// Package services contains server-side business logic. AccountService
// registers and authenticates users, resets passwords and manages the
// account lifecycle on top of the user store.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/dbx"
	"github.com/dmitrijs2005/gophauth/internal/logging"
	"github.com/dmitrijs2005/gophauth/internal/server/auth"
	"github.com/dmitrijs2005/gophauth/internal/server/credentials"
	"github.com/dmitrijs2005/gophauth/internal/server/metrics"
	"github.com/dmitrijs2005/gophauth/internal/server/models"
	"github.com/dmitrijs2005/gophauth/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/gophauth/internal/server/repositories/users"
	"github.com/google/uuid"
	"github.com/samber/oops"
	"golang.org/x/sync/semaphore"
)

// Operation names used for logging and metrics.
const (
	OpRegister      = "register"
	OpLogin         = "login"
	OpResetPassword = "reset_password"
	OpUpdate        = "update_user"
	OpBlock         = "block_user"
	OpUnblock       = "unblock_user"
	OpDelete        = "delete_user"
)

// Recorder receives operation outcomes. *metrics.Metrics implements it.
type Recorder interface {
	RecordAuth(operation, result string)
	ObserveKeyDerivation(d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordAuth(string, string)          {}
func (nopRecorder) ObserveKeyDerivation(time.Duration) {}

// AuthResult is returned by Register and Login.
type AuthResult struct {
	Token string
	User  *models.User
}

// UserChanges lists the admin-editable fields; nil fields are kept.
type UserChanges struct {
	Email   *string
	Blocked *bool
}

// AccountService is safe for concurrent use.
type AccountService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	hasher      *credentials.Hasher
	issuer      *auth.Issuer
	hashSlots   *semaphore.Weighted
	logger      logging.Logger
	recorder    Recorder
	now         func() time.Time
}

type Option func(*AccountService)

func WithLogger(l logging.Logger) Option {
	return func(s *AccountService) { s.logger = l.With("component", "accounts") }
}

func WithRecorder(r Recorder) Option {
	return func(s *AccountService) { s.recorder = r }
}

// WithMaxConcurrentHashes bounds how many key derivations run at once.
// Values below one are treated as one.
func WithMaxConcurrentHashes(n int64) Option {
	return func(s *AccountService) {
		if n < 1 {
			n = 1
		}
		s.hashSlots = semaphore.NewWeighted(n)
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *AccountService) { s.now = now }
}

// NewAccountService wires the service to its store and credential helpers.
func NewAccountService(db *sql.DB, m repomanager.RepositoryManager, hasher *credentials.Hasher, issuer *auth.Issuer, opts ...Option) *AccountService {
	s := &AccountService{
		db:          db,
		repomanager: m,
		hasher:      hasher,
		issuer:      issuer,
		hashSlots:   semaphore.NewWeighted(4),
		logger:      logging.NopLogger{},
		recorder:    nopRecorder{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates an account for email and returns a fresh session token.
func (s *AccountService) Register(ctx context.Context, email, password string) (res *AuthResult, err error) {
	defer func() { s.record(OpRegister, err) }()

	email = common.NormalizeEmail(email)
	if err := validateCredentials(email, password); err != nil {
		return nil, err
	}

	repo := s.repomanager.Users(s.db)
	if _, err := repo.GetByEmail(ctx, email); err == nil {
		return nil, accountExists(email)
	} else if !errors.Is(err, common.ErrorNotFound) {
		return nil, s.internal(ctx, OpRegister, err)
	}

	record, err := s.hash(ctx, password)
	if err != nil {
		return nil, s.internal(ctx, OpRegister, err)
	}

	now := s.now().UTC()
	user, err := repo.Create(ctx, &models.User{
		ID:             uuid.NewString(),
		Email:          email,
		PasswordRecord: record,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		if errors.Is(err, common.ErrorAlreadyExists) {
			return nil, accountExists(email)
		}
		return nil, s.internal(ctx, OpRegister, err)
	}

	token, err := s.issuer.Issue(user.ID, user.Email)
	if err != nil {
		return nil, s.internal(ctx, OpRegister, err)
	}

	s.logger.Info(ctx, "account registered", "user_id", user.ID)
	return &AuthResult{Token: token, User: user}, nil
}

// Login checks password against the stored record for email. Unknown
// accounts and wrong passwords fail with the same error.
func (s *AccountService) Login(ctx context.Context, email, password string) (res *AuthResult, err error) {
	defer func() { s.record(OpLogin, err) }()

	email = common.NormalizeEmail(email)
	repo := s.repomanager.Users(s.db)

	user, err := repo.GetByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, common.ErrorNotFound) {
			return nil, s.internal(ctx, OpLogin, err)
		}
		if err := s.verifyDummy(ctx, password); err != nil {
			return nil, s.internal(ctx, OpLogin, err)
		}
		return nil, invalidCredentials()
	}

	record, err := credentials.Decode(user.PasswordRecord)
	if err != nil {
		return nil, s.corrupt(ctx, user, err)
	}

	ok, err := s.verify(ctx, password, record)
	if err != nil {
		if errors.Is(err, common.ErrMalformedRecord) {
			return nil, s.corrupt(ctx, user, err)
		}
		return nil, s.internal(ctx, OpLogin, err)
	}
	if !ok {
		return nil, invalidCredentials()
	}

	if user.Blocked {
		return nil, oops.In("accounts").Code("ACCOUNT_BLOCKED").With("user_id", user.ID).Wrap(common.ErrAccountBlocked)
	}

	if s.hasher.NeedsUpgrade(record) {
		s.upgrade(ctx, repo, user, password, record)
	}

	token, err := s.issuer.Issue(user.ID, user.Email)
	if err != nil {
		return nil, s.internal(ctx, OpLogin, err)
	}
	return &AuthResult{Token: token, User: user}, nil
}

// ResetPassword replaces the credential of email with a random password and
// returns the plaintext. The plaintext is not kept anywhere else.
func (s *AccountService) ResetPassword(ctx context.Context, email string) (plaintext string, err error) {
	defer func() { s.record(OpResetPassword, err) }()

	email = common.NormalizeEmail(email)
	if email == "" {
		return "", oops.In("accounts").Code("VALIDATION").Wrapf(common.ErrValidation, "email is required")
	}

	plaintext, err = credentials.GenerateRandomPassword()
	if err != nil {
		return "", s.internal(ctx, OpResetPassword, err)
	}
	record, err := s.hash(ctx, plaintext)
	if err != nil {
		return "", s.internal(ctx, OpResetPassword, err)
	}

	var userID string
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Users(tx)
		user, err := repo.GetByEmail(ctx, email)
		if err != nil {
			return err
		}
		userID = user.ID
		_, err = repo.Update(ctx, user.ID, models.UserUpdate{PasswordRecord: &record})
		return err
	})
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			return "", userNotFound("email", email)
		}
		return "", s.internal(ctx, OpResetPassword, err)
	}

	s.logger.Info(ctx, "password reset", "user_id", userID)
	return plaintext, nil
}

func (s *AccountService) GetUser(ctx context.Context, id string) (*models.User, error) {
	user, err := s.repomanager.Users(s.db).GetByID(ctx, id)
	if err != nil {
		return nil, s.storeError(ctx, "get_user", "id", id, err)
	}
	return user, nil
}

// ListUsers returns all accounts, newest first.
func (s *AccountService) ListUsers(ctx context.Context) ([]*models.User, error) {
	list, err := s.repomanager.Users(s.db).List(ctx)
	if err != nil {
		return nil, s.internal(ctx, "list_users", err)
	}
	return list, nil
}

// UpdateUser applies admin changes. An empty change set returns the user
// unchanged.
func (s *AccountService) UpdateUser(ctx context.Context, id string, changes UserChanges) (user *models.User, err error) {
	defer func() { s.record(OpUpdate, err) }()

	upd := models.UserUpdate{Blocked: changes.Blocked}
	if changes.Email != nil {
		email := common.NormalizeEmail(*changes.Email)
		if !validEmail(email) {
			return nil, oops.In("accounts").Code("VALIDATION").Wrapf(common.ErrValidation, "invalid email")
		}
		upd.Email = &email
	}
	if upd.IsEmpty() {
		return s.GetUser(ctx, id)
	}

	user, err = s.repomanager.Users(s.db).Update(ctx, id, upd)
	if err != nil {
		if errors.Is(err, common.ErrorAlreadyExists) {
			return nil, accountExists(*upd.Email)
		}
		return nil, s.storeError(ctx, OpUpdate, "id", id, err)
	}
	return user, nil
}

// BlockUser marks the account blocked. Blocking a blocked account succeeds.
// Tokens issued before the block stay valid until they expire.
func (s *AccountService) BlockUser(ctx context.Context, id string) (user *models.User, err error) {
	defer func() { s.record(OpBlock, err) }()
	return s.setBlocked(ctx, id, true)
}

// UnblockUser clears the blocked flag. It is idempotent.
func (s *AccountService) UnblockUser(ctx context.Context, id string) (user *models.User, err error) {
	defer func() { s.record(OpUnblock, err) }()
	return s.setBlocked(ctx, id, false)
}

func (s *AccountService) setBlocked(ctx context.Context, id string, blocked bool) (*models.User, error) {
	user, err := s.repomanager.Users(s.db).Update(ctx, id, models.UserUpdate{Blocked: &blocked})
	if err != nil {
		return nil, s.storeError(ctx, "set_blocked", "id", id, err)
	}
	s.logger.Info(ctx, "account block state changed", "user_id", id, "blocked", blocked)
	return user, nil
}

func (s *AccountService) DeleteUser(ctx context.Context, id string) (user *models.User, err error) {
	defer func() { s.record(OpDelete, err) }()

	user, err = s.repomanager.Users(s.db).Delete(ctx, id)
	if err != nil {
		return nil, s.storeError(ctx, OpDelete, "id", id, err)
	}
	s.logger.Info(ctx, "account deleted", "user_id", id)
	return user, nil
}

// DeleteUserByEmail removes the account for email, matched after
// normalization.
func (s *AccountService) DeleteUserByEmail(ctx context.Context, email string) (user *models.User, err error) {
	defer func() { s.record(OpDelete, err) }()

	email = common.NormalizeEmail(email)
	user, err = s.repomanager.Users(s.db).DeleteByEmail(ctx, email)
	if err != nil {
		return nil, s.storeError(ctx, OpDelete, "email", email, err)
	}
	s.logger.Info(ctx, "account deleted", "user_id", user.ID)
	return user, nil
}

// upgrade rewrites an outdated record after a successful login. Failures
// are logged and do not fail the login.
func (s *AccountService) upgrade(ctx context.Context, repo users.Repository, user *models.User, password string, old credentials.Record) {
	record, err := s.hash(ctx, password)
	if err != nil {
		s.logger.Warn(ctx, "credential upgrade skipped", "user_id", user.ID, "error", err)
		return
	}
	updated, err := repo.Update(ctx, user.ID, models.UserUpdate{PasswordRecord: &record})
	if err != nil {
		s.logger.Warn(ctx, "credential upgrade failed", "user_id", user.ID, "error", err)
		return
	}
	*user = *updated
	s.logger.Info(ctx, "credential record upgraded",
		"user_id", user.ID, "from_version", old.Version.String(), "from_iterations", old.Iterations)
}

func (s *AccountService) hash(ctx context.Context, password string) (string, error) {
	if err := s.acquire(ctx); err != nil {
		return "", err
	}
	defer s.hashSlots.Release(1)

	start := time.Now()
	record, err := s.hasher.Generate(password)
	s.recorder.ObserveKeyDerivation(time.Since(start))
	if err != nil {
		return "", err
	}
	return record.Encode(), nil
}

func (s *AccountService) verify(ctx context.Context, password string, record credentials.Record) (bool, error) {
	if err := s.acquire(ctx); err != nil {
		return false, err
	}
	defer s.hashSlots.Release(1)

	start := time.Now()
	defer func() { s.recorder.ObserveKeyDerivation(time.Since(start)) }()
	return s.hasher.Verify(password, record)
}

func (s *AccountService) verifyDummy(ctx context.Context, password string) error {
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.hashSlots.Release(1)

	start := time.Now()
	s.hasher.VerifyDummy(password)
	s.recorder.ObserveKeyDerivation(time.Since(start))
	return nil
}

func (s *AccountService) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.hashSlots.Acquire(ctx, 1)
}

// corrupt reports a stored record that cannot be used. It is a data fault,
// never a failed login.
func (s *AccountService) corrupt(ctx context.Context, user *models.User, err error) error {
	s.logger.Error(ctx, "corrupt credential record", "user_id", user.ID, "error", err)
	return oops.In("accounts").Code("MALFORMED_RECORD").With("user_id", user.ID).Wrap(err)
}

func (s *AccountService) storeError(ctx context.Context, op, key, value string, err error) error {
	if errors.Is(err, common.ErrorNotFound) {
		return userNotFound(key, value)
	}
	return s.internal(ctx, op, err)
}

// internal logs err and hides it behind common.ErrorInternal.
func (s *AccountService) internal(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return oops.In("accounts").Code("CANCELED").With("operation", op).Wrap(err)
	}
	s.logger.Error(ctx, "account operation failed", "operation", op, "error", err)
	return oops.In("accounts").Code("INTERNAL").With("operation", op).Wrap(fmt.Errorf("%w: %s", common.ErrorInternal, op))
}

func (s *AccountService) record(op string, err error) {
	switch {
	case err == nil:
		s.recorder.RecordAuth(op, metrics.ResultSuccess)
	case errors.Is(err, common.ErrorInternal), errors.Is(err, common.ErrMalformedRecord):
		s.recorder.RecordAuth(op, metrics.ResultError)
	default:
		s.recorder.RecordAuth(op, metrics.ResultFailure)
	}
}

func invalidCredentials() error {
	return oops.In("accounts").Code("INVALID_CREDENTIALS").Wrap(common.ErrInvalidCredentials)
}

func accountExists(email string) error {
	return oops.In("accounts").Code("ACCOUNT_EXISTS").With("email", email).Wrap(common.ErrAccountExists)
}

func userNotFound(key, value string) error {
	return oops.In("accounts").Code("USER_NOT_FOUND").With(key, value).Wrap(common.ErrUserNotFound)
}

func validateCredentials(email, password string) error {
	switch {
	case !validEmail(email):
		return oops.In("accounts").Code("VALIDATION").Wrapf(common.ErrValidation, "invalid email")
	case password == "":
		return oops.In("accounts").Code("VALIDATION").Wrapf(common.ErrValidation, "password is required")
	}
	return nil
}

func validEmail(email string) bool {
	at := strings.IndexByte(email, '@')
	return at > 0 && at < len(email)-1 && !strings.ContainsAny(email, " \t\r\n")
}
