package users

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/tally/backend/internal/serviceerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const searchLimit = 5

var (
	// ErrMissingCredentials indicates a registration without username, email or password.
	ErrMissingCredentials = errors.New("users: username, email and password are required")
	// ErrUserExists indicates the username or email is already taken.
	ErrUserExists = errors.New("users: username or email already taken")
	// ErrInvalidCredentials covers unknown emails and wrong passwords alike.
	ErrInvalidCredentials = errors.New("users: invalid credentials")
	// ErrMissingSearchTerm indicates an empty search.
	ErrMissingSearchTerm = errors.New("users: search term is required")
	// ErrUserNotFound indicates no account with the requested id.
	ErrUserNotFound = errors.New("users: user not found")
)

const (
	opRegister     = "users.register"
	opAuthenticate = "users.authenticate"
	opSearch       = "users.search"
	opGet          = "users.get"
)

// PasswordHasher hashes and verifies account passwords.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password, hash string) bool
}

// ServiceConfig describes the dependencies required for account management.
type ServiceConfig struct {
	Database *gorm.DB
	Hasher   PasswordHasher
	Logger   *zap.Logger
}

// Service registers, authenticates and looks up accounts.
type Service struct {
	db     *gorm.DB
	hasher PasswordHasher
	logger *zap.Logger
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	if cfg.Hasher == nil {
		return nil, fmt.Errorf("users: password hasher required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, hasher: cfg.Hasher, logger: logger}, nil
}

// RegisterInput carries the registration form.
type RegisterInput struct {
	Username string
	Email    string
	Password string
}

// Register creates an account with a hashed password.
func (s *Service) Register(ctx context.Context, input RegisterInput) (User, error) {
	username := normalize(input.Username)
	email := strings.ToLower(normalize(input.Email))
	if username == "" || email == "" || input.Password == "" {
		return User{}, ErrMissingCredentials
	}

	var existing int64
	if err := s.db.WithContext(ctx).Model(&User{}).
		Where("username = ? OR email = ?", username, email).
		Count(&existing).Error; err != nil {
		s.logError(opRegister, "lookup_failed", err)
		return User{}, serviceerr.New(opRegister, "lookup_failed", err)
	}
	if existing > 0 {
		return User{}, ErrUserExists
	}

	hash, err := s.hasher.Hash(input.Password)
	if err != nil {
		s.logError(opRegister, "hash_failed", err)
		return User{}, serviceerr.New(opRegister, "hash_failed", err)
	}

	user := User{Username: username, Email: email, PasswordHash: hash}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return User{}, ErrUserExists
		}
		s.logError(opRegister, "insert_failed", err, zap.String("username", username))
		return User{}, serviceerr.New(opRegister, "insert_failed", err)
	}
	return user, nil
}

// Authenticate resolves the account for email and verifies password.
func (s *Service) Authenticate(ctx context.Context, email, password string) (User, error) {
	email = strings.ToLower(normalize(email))
	if email == "" || password == "" {
		return User{}, ErrInvalidCredentials
	}
	var user User
	err := s.db.WithContext(ctx).Where("email = ?", email).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		s.logError(opAuthenticate, "lookup_failed", err)
		return User{}, serviceerr.New(opAuthenticate, "lookup_failed", err)
	}
	if !s.hasher.Verify(password, user.PasswordHash) {
		return User{}, ErrInvalidCredentials
	}
	return user, nil
}

// Search finds up to five users whose username contains term, case-insensitively,
// excluding the caller.
func (s *Service) Search(ctx context.Context, term string, excludeUserID uint) ([]User, error) {
	term = normalize(term)
	if term == "" {
		return nil, ErrMissingSearchTerm
	}
	pattern := "%" + escapeLike(strings.ToLower(term)) + "%"
	var found []User
	if err := s.db.WithContext(ctx).
		Where("LOWER(username) LIKE ? ESCAPE '\\' AND id <> ?", pattern, excludeUserID).
		Order("username ASC").
		Limit(searchLimit).
		Find(&found).Error; err != nil {
		s.logError(opSearch, "query_failed", err)
		return nil, serviceerr.New(opSearch, "query_failed", err)
	}
	return found, nil
}

// Get loads one account by id.
func (s *Service) Get(ctx context.Context, id uint) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		s.logError(opGet, "lookup_failed", err)
		return User{}, serviceerr.New(opGet, "lookup_failed", err)
	}
	return user, nil
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	s.logger.Error("users service error", attrs...)
}
