// Package meta manages operator accounts, API tokens, and runtime settings.
// The metadata file is encrypted at rest with the process master key.
package meta

import (
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/opsrelay/opsrelay/internal/pkg/security"
)

// User is an operator account.
type User struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"` // bcrypt hashed
	Role         string `json:"role"`          // "super_admin", "admin", "viewer"
	CreatedAt    int64  `json:"created_at"`
}

// APIToken is a machine-to-machine credential for producers and readers.
type APIToken struct {
	ID        string `json:"id"`
	Name      string `json:"name"`  // e.g. "arb-executor fleet"
	Token     string `json:"token"` // opk-xxxxxx
	Type      string `json:"type"`  // "ingest" (producers), "read" (dashboards)
	CreatedBy string `json:"created_by"`
}

// Settings are the operator-tunable runtime options kept alongside accounts.
// Webhook endpoints back the chat and email notification channels.
type Settings struct {
	Retention    string `json:"retention"` // e.g. "168h"
	ChatWebhook  string `json:"chat_webhook,omitempty"`
	EmailWebhook string `json:"email_webhook,omitempty"`
}

// MetaData is the top-level container persisted to the metadata file.
type MetaData struct {
	Initialized bool       `json:"initialized"`
	Users       []User     `json:"users"`
	Tokens      []APIToken `json:"tokens"`
	Settings    Settings   `json:"settings"`
}

// Store owns the metadata file and its in-memory view.
type Store struct {
	filePath string
	mu       sync.RWMutex
	data     *MetaData
}

// NewStore creates a store over the given file path. Call Load before use.
func NewStore(filePath string) *Store {
	return &Store{
		filePath: filePath,
		data: &MetaData{
			Users:    make([]User, 0),
			Tokens:   make([]APIToken, 0),
			Settings: Settings{Retention: "168h"},
		},
	}
}

// Load reads and decrypts the metadata file. A missing file leaves the
// store uninitialized, which is the first-run state.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.filePath); os.IsNotExist(err) {
		s.data.Initialized = false
		return nil
	}

	encrypted, err := os.ReadFile(s.filePath)
	if err != nil {
		return err
	}
	if len(encrypted) == 0 {
		return nil
	}

	// No plain-JSON fallback: an undecryptable file is an error, not data.
	decrypted, err := security.Decrypt(encrypted)
	if err != nil {
		return errors.New("failed to decrypt metadata (invalid key or corrupted file): " + err.Error())
	}
	return json.Unmarshal(decrypted, s.data)
}

// Save encrypts and writes the metadata file.
func (s *Store) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	jsonData, err := json.Marshal(s.data)
	if err != nil {
		return err
	}
	encrypted, err := security.Encrypt(jsonData)
	if err != nil {
		return err
	}
	return os.WriteFile(s.filePath, encrypted, 0600)
}

// GetData returns a copy of the current metadata.
func (s *Store) GetData() MetaData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.data
}

// IsInitialized reports whether the first super_admin exists yet.
func (s *Store) IsInitialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Initialized
}

// InitializeSystem creates the first super_admin account. It fails once the
// system is already initialized.
func (s *Store) InitializeSystem(username, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data.Initialized {
		return os.ErrExist
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	s.data.Users = append(s.data.Users, User{
		Username:     username,
		PasswordHash: string(hash),
		Role:         "super_admin",
		CreatedAt:    time.Now().Unix(),
	})
	s.data.Initialized = true
	return s.saveLocked()
}

// AddUser registers an account. Duplicate usernames are rejected.
func (s *Store) AddUser(u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.data.Users {
		if strings.EqualFold(existing.Username, u.Username) {
			return os.ErrExist
		}
	}
	s.data.Users = append(s.data.Users, u)
	return s.saveLocked()
}

// DeleteUser removes an account by username.
func (s *Store) DeleteUser(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, u := range s.data.Users {
		if u.Username == username {
			s.data.Users = append(s.data.Users[:i], s.data.Users[i+1:]...)
			return s.saveLocked()
		}
	}
	return os.ErrNotExist
}

// GetUser looks up an account by username, case-insensitively.
func (s *Store) GetUser(username string) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.data.Users {
		if strings.EqualFold(u.Username, username) {
			return u, true
		}
	}
	return User{}, false
}

// UpdateUserPassword replaces an account's password hash.
func (s *Store) UpdateUserPassword(username, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, u := range s.data.Users {
		if u.Username == username {
			s.data.Users[i].PasswordHash = passwordHash
			return s.saveLocked()
		}
	}
	return os.ErrNotExist
}

// AddToken registers an API token.
func (s *Store) AddToken(t APIToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.Tokens = append(s.data.Tokens, t)
	return s.saveLocked()
}

// DeleteToken removes a token by id.
func (s *Store) DeleteToken(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, t := range s.data.Tokens {
		if t.ID == id {
			s.data.Tokens = append(s.data.Tokens[:i], s.data.Tokens[i+1:]...)
			return s.saveLocked()
		}
	}
	return os.ErrNotExist
}

// GetTokenByValue finds a token by its secret value.
func (s *Store) GetTokenByValue(val string) (APIToken, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.data.Tokens {
		if t.Token == val {
			return t, true
		}
	}
	return APIToken{}, false
}

// UpdateSettings replaces the runtime settings.
func (s *Store) UpdateSettings(cfg Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.Settings = cfg
	return s.saveLocked()
}
