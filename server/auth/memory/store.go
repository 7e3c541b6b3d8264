// Package memory keeps Basic-Auth users with Argon2id password hashes.
package memory

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/open-xchange/appsuite-middleware-sub085/server/auth"
	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
)

// Argon2id parameters.
const (
	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1
	argonKeyLen  uint32 = 32
	saltLen             = 16
)

// HashPassword returns the Argon2id hash of password with salt.
func HashPassword(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// NewHash salts and hashes password, hex encoded for configuration files.
func NewHash(password string) (salt, hash string, err error) {
	s := make([]byte, saltLen)
	if _, err := rand.Read(s); err != nil {
		return "", "", err
	}
	return hex.EncodeToString(s), hex.EncodeToString(HashPassword([]byte(password), s)), nil
}

// User represents a user in the memory store
type User struct {
	Username string
	Salt     []byte
	Hash     []byte
}

// Store implements an in-memory authentication store
type Store struct {
	mu     sync.RWMutex
	users  map[string]User // map[username]User
	logger *zap.Logger
}

// New creates a new in-memory authentication store
func New(opts ...Option) *Store {
	s := &Store{
		users:  make(map[string]User),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Option represents a configuration option for the Store
type Option func(*Store)

// WithLogger sets the logger for the store
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// AddUser hashes password and adds the user.
func (s *Store) AddUser(username, password string) error {
	salt, hash, err := NewHash(password)
	if err != nil {
		return err
	}
	return s.AddHashedUser(username, salt, hash)
}

// AddHashedUser adds a user from hex encoded salt and hash.
func (s *Store) AddHashedUser(username, salt, hash string) error {
	rawSalt, err := hex.DecodeString(salt)
	if err != nil {
		return fmt.Errorf("user %s: invalid salt: %w", username, err)
	}
	rawHash, err := hex.DecodeString(hash)
	if err != nil {
		return fmt.Errorf("user %s: invalid hash: %w", username, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[username]; exists {
		s.logger.Warn("failed to add user: already exists", zap.String("username", username))
		return fmt.Errorf("user already exists: %s", username)
	}
	s.users[username] = User{Username: username, Salt: rawSalt, Hash: rawHash}
	s.logger.Debug("user added", zap.String("username", username))
	return nil
}

// Authenticate implements auth.Authenticator
func (s *Store) Authenticate(_ context.Context, creds auth.Credentials) (*auth.Principal, error) {
	s.mu.RLock()
	user, exists := s.users[creds.Username]
	s.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown user %q: %w", creds.Username, auth.ErrInvalidCredentials)
	}
	got := HashPassword([]byte(creds.Password), user.Salt)
	if subtle.ConstantTimeCompare(got, user.Hash) != 1 {
		return nil, fmt.Errorf("password mismatch for %q: %w", creds.Username, auth.ErrInvalidCredentials)
	}

	s.logger.Debug("authentication successful", zap.String("username", creds.Username))
	return &auth.Principal{ID: creds.Username}, nil
}
