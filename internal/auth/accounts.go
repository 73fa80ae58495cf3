package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/collab/internal/datastore"
	"github.com/MarcoPoloResearchLab/collab/internal/ids"
	"github.com/MarcoPoloResearchLab/collab/internal/rows"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	minPasswordLength = 6
	// bcrypt rejects longer inputs.
	maxPasswordLength = 72
)

var (
	// ErrInvalidEmail indicates an email that is not a bare address.
	ErrInvalidEmail = errors.New("auth: invalid email")
	// ErrWeakPassword indicates a password below the minimum length.
	ErrWeakPassword = errors.New("auth: password too short")
	// ErrPasswordTooLong indicates a password over 72 bytes.
	ErrPasswordTooLong = errors.New("auth: password too long")
	// ErrUsernameRequired indicates a blank display name.
	ErrUsernameRequired = errors.New("auth: username required")
	// ErrEmailTaken indicates the email already has an account.
	ErrEmailTaken = errors.New("auth: email already registered")
	// ErrInvalidCredentials covers unknown emails and wrong passwords alike.
	ErrInvalidCredentials = errors.New("auth: invalid login credentials")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opAccountsNew = "auth.accounts.new"
	opSignUp      = "auth.sign_up"
	opSignIn      = "auth.sign_in"
)

// ServiceError reports an unexpected account storage failure.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Account is an email/password login bound to a users row of the same id.
type Account struct {
	UserID       string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Email        string    `gorm:"column:email;size:320;not null;uniqueIndex:idx_auth_accounts_email"`
	PasswordHash string    `gorm:"column:password_hash;not null"`
	Username     string    `gorm:"column:username;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;not null;autoCreateTime:false"`
}

// TableName provides the explicit table binding for GORM.
func (Account) TableName() string {
	return "auth_accounts"
}

// Identity returns the public view of the account.
func (a Account) Identity() Identity {
	return Identity{UserID: a.UserID, Email: a.Email, Username: a.Username}
}

// AccountsConfig wires the account service.
type AccountsConfig struct {
	Database   *gorm.DB
	Hasher     PasswordHasher
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
	// Publisher receives the users INSERT of each sign up. Optional.
	Publisher datastore.Publisher
}

// Accounts manages email/password accounts.
type Accounts struct {
	db         *gorm.DB
	hasher     PasswordHasher
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
	publisher  datastore.Publisher
}

// NewAccounts constructs an account service. A nil Hasher selects bcrypt.
func NewAccounts(cfg AccountsConfig) (*Accounts, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opAccountsNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opAccountsNew, "missing_id_provider", errMissingIDProvider)
	}
	hasher := cfg.Hasher
	if hasher == nil {
		hasher = NewBcryptPasswordHasher(DefaultBcryptCost)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Accounts{
		db:         cfg.Database,
		hasher:     hasher,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		publisher:  cfg.Publisher,
	}, nil
}

func normalizeEmail(raw string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	parsed, err := mail.ParseAddress(trimmed)
	if err != nil || parsed.Address != trimmed {
		return "", fmt.Errorf("%w: %q", ErrInvalidEmail, raw)
	}
	return trimmed, nil
}

// SignUp registers an account and its users row in one transaction.
func (a *Accounts) SignUp(ctx context.Context, email, password, username string) (Identity, error) {
	normalized, err := normalizeEmail(email)
	if err != nil {
		return Identity{}, err
	}
	if len(password) < minPasswordLength {
		return Identity{}, fmt.Errorf("%w: minimum %d characters", ErrWeakPassword, minPasswordLength)
	}
	if len(password) > maxPasswordLength {
		return Identity{}, fmt.Errorf("%w: maximum %d bytes", ErrPasswordTooLong, maxPasswordLength)
	}
	trimmedUsername := strings.TrimSpace(username)
	if trimmedUsername == "" {
		return Identity{}, ErrUsernameRequired
	}

	hash, err := a.hasher.HashPassword(password)
	if err != nil {
		a.logError(opSignUp, "hash_failed", err)
		return Identity{}, newServiceError(opSignUp, "hash_failed", err)
	}
	userID, err := a.idProvider.NewID()
	if err != nil {
		a.logError(opSignUp, "id_generation_failed", err)
		return Identity{}, newServiceError(opSignUp, "id_generation_failed", err)
	}

	now := a.clock().UTC()
	account := Account{
		UserID:       userID,
		Email:        normalized,
		PasswordHash: hash,
		Username:     trimmedUsername,
		CreatedAt:    now,
	}

	user := datastore.UserRow{ID: userID, Username: trimmedUsername, CreatedAt: now}
	txErr := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&Account{}).Where("email = ?", normalized).Count(&count).Error; err != nil {
			a.logError(opSignUp, "email_lookup_failed", err)
			return newServiceError(opSignUp, "email_lookup_failed", err)
		}
		if count > 0 {
			return ErrEmailTaken
		}
		if err := tx.Create(&user).Error; err != nil {
			a.logError(opSignUp, "user_insert_failed", err, zap.String("user_id", userID))
			return newServiceError(opSignUp, "user_insert_failed", err)
		}
		if err := tx.Create(&account).Error; err != nil {
			a.logError(opSignUp, "account_insert_failed", err, zap.String("user_id", userID))
			return newServiceError(opSignUp, "account_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Identity{}, txErr
	}

	a.publishUser(user)
	a.logger.Info("account registered", zap.String("user_id", userID))
	return account.Identity(), nil
}

// publishUser announces the users row created by a sign up, as a row insert
// through the datastore would.
func (a *Accounts) publishUser(user datastore.UserRow) {
	if a.publisher == nil {
		return
	}
	payload, err := json.Marshal(user)
	if err != nil {
		a.logError(opSignUp, "event_encode_failed", err, zap.String("user_id", user.ID))
		return
	}
	a.publisher.Publish(rows.ChangeEvent{
		Type:            rows.EventInsert,
		Table:           rows.TableUsers,
		New:             payload,
		CommitTimestamp: user.CreatedAt,
	})
}

// SignIn verifies the credentials and returns the account identity.
func (a *Accounts) SignIn(ctx context.Context, email, password string) (Identity, error) {
	normalized, err := normalizeEmail(email)
	if err != nil {
		return Identity{}, ErrInvalidCredentials
	}

	var account Account
	err = a.db.WithContext(ctx).Where("email = ?", normalized).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Identity{}, ErrInvalidCredentials
	}
	if err != nil {
		a.logError(opSignIn, "account_lookup_failed", err)
		return Identity{}, newServiceError(opSignIn, "account_lookup_failed", err)
	}
	if err := a.hasher.VerifyPassword(account.PasswordHash, password); err != nil {
		return Identity{}, ErrInvalidCredentials
	}
	return account.Identity(), nil
}

func (a *Accounts) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	a.logger.Error("auth accounts error", attrs...)
}
