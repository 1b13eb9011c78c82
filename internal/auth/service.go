// ABOUTME: Credential and token store: login, refresh, validation and account lifecycle
// ABOUTME: Tokens live in memory and are purged lazily whenever the store is touched

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/2389/evdash-gateway/internal/store"
)

// Account errors
var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrDuplicateUser   = errors.New("duplicate user")
	ErrUserNotFound    = errors.New("user not found")
	ErrInvalidUsername = errors.New("invalid username")
	ErrBadPassword     = errors.New("bad password")
)

// BadPasswordError reports a password shorter than the configured minimum.
// It matches ErrBadPassword with errors.Is.
type BadPasswordError struct {
	MinLength int
}

func (e *BadPasswordError) Error() string {
	return fmt.Sprintf("password must be at least %d characters", e.MinLength)
}

func (e *BadPasswordError) Unwrap() error {
	return ErrBadPassword
}

// Session is an issued bearer token.
type Session struct {
	Token     string
	Username  string
	ExpiresAt time.Time
}

// Config controls token lifetime and password policy.
type Config struct {
	Secret            []byte
	TokenLifetime     time.Duration
	MinPasswordLength int
}

type account struct {
	hash []byte
	salt []byte
}

// Service verifies credentials and owns every issued token.
// All mutations happen under mu.
type Service struct {
	mu       sync.Mutex
	users    store.UserStore
	accounts map[string]account
	tokens   map[string]*Session

	signer    *TokenSigner
	lifetime  time.Duration
	minLength int
	now       func() time.Time
	logger    *slog.Logger

	// dummySalt keeps Login doing the same work for unknown usernames.
	dummySalt []byte
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now, used by tests to simulate token expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService loads existing accounts from users and returns a ready Service.
func NewService(ctx context.Context, users store.UserStore, cfg Config, opts ...Option) (*Service, error) {
	signer, err := NewTokenSigner(cfg.Secret)
	if err != nil {
		return nil, err
	}
	dummySalt, err := newSalt()
	if err != nil {
		return nil, err
	}

	s := &Service{
		users:     users,
		accounts:  make(map[string]account),
		tokens:    make(map[string]*Session),
		signer:    signer,
		lifetime:  cfg.TokenLifetime,
		minLength: cfg.MinPasswordLength,
		now:       time.Now,
		logger:    slog.Default(),
		dummySalt: dummySalt,
	}
	if s.lifetime <= 0 {
		s.lifetime = time.Hour
	}
	for _, opt := range opts {
		opt(s)
	}

	stored, err := users.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading users: %w", err)
	}
	for _, u := range stored {
		s.accounts[u.Username] = account{hash: u.PasswordHash, salt: u.Salt}
	}
	s.logger.Debug("loaded accounts", "count", len(s.accounts))

	return s, nil
}

// Login verifies username and password and issues a new token.
// Unknown usernames and wrong passwords both return ErrUnauthorized.
func (s *Service) Login(username, password string) (Session, error) {
	s.mu.Lock()
	acct, ok := s.accounts[username]
	s.mu.Unlock()

	if !ok {
		// Same hashing cost as a real account
		_ = passwordMatches(password, s.dummySalt, nil)
		return Session{}, ErrUnauthorized
	}
	if !passwordMatches(password, acct.salt, acct.hash) {
		return Session{}, ErrUnauthorized
	}

	now := s.now()
	token, err := s.signer.Issue(username, now)
	if err != nil {
		return Session{}, fmt.Errorf("issuing token: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeExpiredLocked(now)

	// The account may have been removed while the hash was being checked.
	if _, ok := s.accounts[username]; !ok {
		return Session{}, ErrUnauthorized
	}

	sess := &Session{Token: token, Username: username, ExpiresAt: now.Add(s.lifetime)}
	s.tokens[token] = sess

	s.logger.Info("user logged in", "username", username, "expires_at", sess.ExpiresAt)
	return *sess, nil
}

// Refresh extends the expiry of a valid token in place. The token value is unchanged.
func (s *Service) Refresh(token string) (Session, error) {
	subject, err := s.signer.Verify(token)
	if err != nil {
		return Session{}, ErrUnauthorized
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.purgeExpiredLocked(now)

	sess, ok := s.tokens[token]
	if !ok || sess.Username != subject {
		return Session{}, ErrUnauthorized
	}
	sess.ExpiresAt = now.Add(s.lifetime)

	s.logger.Debug("token refreshed", "username", sess.Username, "expires_at", sess.ExpiresAt)
	return *sess, nil
}

// Validate reports whether token exists and has not expired.
// Every call purges all expired tokens.
func (s *Service) Validate(token string) bool {
	_, ok := s.Lookup(token)
	return ok
}

// Lookup returns the session for a valid token. The signature and subject
// are checked before the token table is consulted.
// Every call purges all expired tokens.
func (s *Service) Lookup(token string) (Session, bool) {
	var subject string
	if token != "" {
		var err error
		if subject, err = s.signer.Verify(token); err != nil {
			s.logger.Debug("rejected token", "error", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeExpiredLocked(s.now())

	if subject == "" {
		return Session{}, false
	}
	sess, ok := s.tokens[token]
	if !ok || sess.Username != subject {
		return Session{}, false
	}
	return *sess, true
}

// purgeExpiredLocked drops every token with expiresAt <= now. Must be called with mu held.
func (s *Service) purgeExpiredLocked(now time.Time) {
	for token, sess := range s.tokens {
		if !sess.ExpiresAt.After(now) {
			delete(s.tokens, token)
		}
	}
}

// AddUser creates an account with a fresh salt.
// Returns ErrDuplicateUser, ErrInvalidUsername or a *BadPasswordError.
func (s *Service) AddUser(ctx context.Context, username, password string) error {
	if strings.TrimSpace(username) == "" || username != strings.TrimSpace(username) {
		return ErrInvalidUsername
	}

	s.mu.Lock()
	_, exists := s.accounts[username]
	s.mu.Unlock()
	if exists {
		return ErrDuplicateUser
	}

	if utf8.RuneCountInString(password) < s.minLength {
		return &BadPasswordError{MinLength: s.minLength}
	}

	salt, err := newSalt()
	if err != nil {
		return err
	}
	hash := hashPassword(password, salt)

	s.mu.Lock()
	defer s.mu.Unlock()

	// Another caller may have created the account while hashing.
	if _, exists := s.accounts[username]; exists {
		return ErrDuplicateUser
	}

	err = s.users.CreateUser(ctx, &store.User{
		Username:     username,
		PasswordHash: hash,
		Salt:         salt,
		CreatedAt:    s.now(),
	})
	if errors.Is(err, store.ErrDuplicateUser) {
		return ErrDuplicateUser
	}
	if err != nil {
		return fmt.Errorf("persisting user: %w", err)
	}

	s.accounts[username] = account{hash: hash, salt: salt}
	s.logger.Info("user added", "username", username)
	return nil
}

// RemoveUser deletes an account and revokes every token it owns.
func (s *Service) RemoveUser(ctx context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[username]; !exists {
		return ErrUserNotFound
	}

	err := s.users.DeleteUser(ctx, username)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("deleting user: %w", err)
	}

	delete(s.accounts, username)

	revoked := 0
	for token, sess := range s.tokens {
		if sess.Username == username {
			delete(s.tokens, token)
			revoked++
		}
	}

	s.logger.Info("user removed", "username", username, "revoked_tokens", revoked)
	return nil
}

// Usernames returns every account name in sorted order.
func (s *Service) Usernames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.accounts))
	for name := range s.accounts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TokenCount returns the number of unexpired tokens. Exported as a gauge.
func (s *Service) TokenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.purgeExpiredLocked(s.now())
	return len(s.tokens)
}
