package auth

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
)

// MemoryStore keeps the account catalogue in process memory. It backs
// development setups and single-node deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	users  map[string]*User
	byID   map[int64]*Subject
	nextID int64
}

// NewMemoryStore builds a store pre-populated with the given seed accounts.
func NewMemoryStore(seeds []Seed) (*MemoryStore, error) {
	store := &MemoryStore{
		users:  make(map[string]*User),
		byID:   make(map[int64]*Subject),
		nextID: 1,
	}
	for _, seed := range seeds {
		if err := store.ApplySeed(context.Background(), seed); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// ApplySeed creates or overwrites the account described by seed.
func (s *MemoryStore) ApplySeed(_ context.Context, seed Seed) error {
	username := strings.TrimSpace(seed.Username)
	if username == "" {
		return errors.New("seed account has no username")
	}
	hashed, err := HashPassword(seed.Password)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[username]
	if !ok {
		user = &User{ID: s.nextID}
		s.nextID++
		s.users[username] = user
	}
	user.Username = username
	user.PasswordHash = hashed
	user.Disabled = seed.Disabled

	subject := &Subject{
		ID:          user.ID,
		Username:    username,
		Roles:       foldList(seed.Roles),
		Permissions: foldList(seed.Permissions),
		Disabled:    seed.Disabled,
	}
	subject.permissionSet()
	s.byID[user.ID] = subject
	return nil
}

// FindUserByUsername looks an account up by its login name.
func (s *MemoryStore) FindUserByUsername(_ context.Context, username string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[strings.TrimSpace(username)]
	if !ok {
		return nil, errors.New("user not found")
	}
	clone := *user
	return &clone, nil
}

// LoadSubject resolves the identity record for a user id.
func (s *MemoryStore) LoadSubject(_ context.Context, userID int64) (*Subject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subject, ok := s.byID[userID]
	if !ok {
		return nil, errors.New("subject not found")
	}
	return subject.Clone(), nil
}

// foldList lower-cases, trims, de-duplicates and sorts a string list.
func foldList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.ToLower(strings.TrimSpace(value))
		if value == "" || slices.Contains(result, value) {
			continue
		}
		result = append(result, value)
	}
	slices.Sort(result)
	return result
}
