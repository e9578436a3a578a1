// Package users holds the in-memory user store and its on-disk line format.
package users

import (
	"errors"
	"sort"
	"sync"

	"dustdevil/internal/proto"
)

var (
	ErrAlreadyExists = errors.New("user already exists")
	ErrInvalid       = errors.New("invalid username or password")
	ErrNotFound      = errors.New("user not found")
	ErrOnlyAdmin     = errors.New("cannot remove the only admin")
	ErrNoChange      = errors.New("nothing requested")
)

type entry struct {
	password string
	role     proto.UserRole
}

// Store is the map of username to credentials and role. Update and Delete
// refuse to demote or remove the only admin; Insert replaces entries
// without that check.
type Store struct {
	mu    sync.RWMutex
	users map[string]entry
}

func NewStore() *Store {
	return &Store{users: make(map[string]entry)}
}

func validCredential(s string) bool {
	return len(s) >= 1 && len(s) <= 255
}

// Login checks a username/password pair, returning the user's role on match.
func (s *Store) Login(username, password string) (proto.UserRole, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.users[username]
	if !ok || e.password != password {
		return 0, false
	}
	return e.role, true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// Snapshot returns every user sorted by username; passwords included, the
// caller decides what to expose.
func (s *Store) Snapshot() []proto.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]proto.User, 0, len(s.users))
	for username, e := range s.users {
		list = append(list, proto.User{Username: username, Password: e.password, Role: e.role})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Username < list[j].Username })
	return list
}

// Insert adds or replaces a user unconditionally. Used during bootstrap for
// file entries and --user overrides; reports whether an entry was replaced.
func (s *Store) Insert(u proto.User) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, replaced := s.users[u.Username]
	s.users[u.Username] = entry{password: u.Password, role: u.Role}
	return replaced
}

// Add registers a new user, refusing duplicates and out-of-range
// credentials.
func (s *Store) Add(u proto.User) error {
	if !validCredential(u.Username) || !validCredential(u.Password) || !u.Role.Valid() {
		return ErrInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.Username]; ok {
		return ErrAlreadyExists
	}
	s.users[u.Username] = entry{password: u.Password, role: u.Role}
	return nil
}

// Update changes a user's password and/or role. Demoting the only admin is
// refused. Returns the user's resulting role and whether the password
// changed.
func (s *Store) Update(username string, newPassword *string, newRole *proto.UserRole) (proto.UserRole, bool, error) {
	if newPassword == nil && newRole == nil {
		return 0, false, ErrNoChange
	}
	if newPassword != nil && !validCredential(*newPassword) {
		return 0, false, ErrInvalid
	}
	if newRole != nil && !newRole.Valid() {
		return 0, false, ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.users[username]
	if !ok {
		return 0, false, ErrNotFound
	}
	if newRole != nil && e.role == proto.RoleAdmin && *newRole != proto.RoleAdmin && s.adminCountLocked() == 1 {
		return 0, false, ErrOnlyAdmin
	}

	passwordChanged := false
	if newPassword != nil {
		e.password = *newPassword
		passwordChanged = true
	}
	if newRole != nil {
		e.role = *newRole
	}
	s.users[username] = e
	return e.role, passwordChanged, nil
}

// Delete removes a user, refusing to delete the only admin. Returns the
// deleted user's role.
func (s *Store) Delete(username string) (proto.UserRole, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.users[username]
	if !ok {
		return 0, ErrNotFound
	}
	if e.role == proto.RoleAdmin && s.adminCountLocked() == 1 {
		return 0, ErrOnlyAdmin
	}
	delete(s.users, username)
	return e.role, nil
}

func (s *Store) adminCountLocked() int {
	count := 0
	for _, e := range s.users {
		if e.role == proto.RoleAdmin {
			count++
		}
	}
	return count
}
