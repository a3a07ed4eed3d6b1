package chat

import (
	"errors"
	"strings"
	"sync"

	"github.com/jabolina/go-roam/pkg/roam/helper"
	"github.com/jabolina/go-roam/pkg/roam/types"
)

var (
	ErrDuplicateUser  = errors.New("username is invalid or already taken")
	ErrUnknownSession = errors.New("unknown session")
)

// UserList holds the connected users.
// Names are unique case-insensitively.
type UserList struct {
	mutex sync.RWMutex

	// uuid -> user.
	users map[types.ProcessID]types.User

	// Lowercase name -> uuid.
	names map[string]types.ProcessID

	// Session -> uuid.
	sessions map[string]types.ProcessID
}

func NewUserList() *UserList {
	return &UserList{
		users:    make(map[types.ProcessID]types.User),
		names:    make(map[string]types.ProcessID),
		sessions: make(map[string]types.ProcessID),
	}
}

// Add creates a new user with a fresh session.
// The previous UUID is kept when it is not in use, so a user
// reconnecting after a migration keeps its identity.
func (l *UserList) Add(name string, uri types.Address, previous types.ProcessID) (types.User, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return types.User{}, ErrDuplicateUser
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	if _, ok := l.names[key]; ok {
		return types.User{}, ErrDuplicateUser
	}

	id := previous
	if _, ok := l.users[id]; ok || id == "" || id == types.ServerID {
		id = types.ProcessID(helper.GenerateUID())
	}

	user := types.User{
		Name:      name,
		UUID:      id,
		URI:       uri,
		SessionID: helper.GenerateUID(),
	}
	l.users[user.UUID] = user
	l.names[key] = user.UUID
	l.sessions[user.SessionID] = user.UUID
	return user, nil
}

// Remove deletes the user owning the session.
func (l *UserList) Remove(session string) (types.User, bool) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	id, ok := l.sessions[session]
	if !ok {
		return types.User{}, false
	}
	user := l.users[id]
	delete(l.users, id)
	delete(l.names, strings.ToLower(strings.TrimSpace(user.Name)))
	delete(l.sessions, session)
	return user, true
}

func (l *UserList) BySession(session string) (types.User, bool) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	id, ok := l.sessions[session]
	if !ok {
		return types.User{}, false
	}
	return l.users[id], true
}

func (l *UserList) ByUUID(id types.ProcessID) (types.User, bool) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	user, ok := l.users[id]
	return user, ok
}

func (l *UserList) ByName(name string) (types.User, bool) {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	id, ok := l.names[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return types.User{}, false
	}
	return l.users[id], true
}

// All returns a copy of every user.
func (l *UserList) All() []types.User {
	l.mutex.RLock()
	defer l.mutex.RUnlock()

	users := make([]types.User, 0, len(l.users))
	for _, user := range l.users {
		users = append(users, user)
	}
	return users
}

// Clear removes every user, returning them.
func (l *UserList) Clear() []types.User {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	users := make([]types.User, 0, len(l.users))
	for _, user := range l.users {
		users = append(users, user)
	}
	l.users = make(map[types.ProcessID]types.User)
	l.names = make(map[string]types.ProcessID)
	l.sessions = make(map[string]types.ProcessID)
	return users
}

func (l *UserList) Len() int {
	l.mutex.RLock()
	defer l.mutex.RUnlock()
	return len(l.users)
}
