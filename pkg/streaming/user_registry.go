package streaming

import (
	"sync"

	"github.com/google/uuid"
)

// userGroup is one authenticated user's connection. Unlike market groups
// there is no multiplexing: each apiKey gets exactly one group, created on
// first connectUserSocket and torn down on disconnectUserSocket.
type userGroup struct {
	id         string
	apiKey     string
	auth       Auth
	socket     *UserSocket
	status     GroupStatus
	connecting bool
}

// UserRegistry owns the authenticated-user groups, one per apiKey.
type UserRegistry struct {
	mu     sync.Mutex
	groups []*userGroup
}

// NewUserRegistry returns an empty registry.
func NewUserRegistry() *UserRegistry {
	return &UserRegistry{}
}

func (r *UserRegistry) findByAPIKeyLocked(apiKey string) *userGroup {
	for _, g := range r.groups {
		if g.apiKey == apiKey {
			return g
		}
	}
	return nil
}

// AddUserSubscription creates a new PENDING group for apiKey if (and only
// if) one does not already exist, and returns its group id. If a group for
// this apiKey already exists, it returns "" and leaves state untouched:
// connectUserSocket on an already-connected user is a no-op.
func (r *UserRegistry) AddUserSubscription(auth Auth) string {
	return withLock(&r.mu, func() string {
		if r.findByAPIKeyLocked(auth.Key) != nil {
			return ""
		}
		g := &userGroup{id: uuid.New().String(), apiKey: auth.Key, auth: auth, status: StatusPending}
		r.groups = append(r.groups, g)
		return g.id
	})
}

// RemoveUserSubscription drops the group for apiKey, returning its socket
// (if any) for the caller to close outside the lock, and whether a group
// was actually found.
func (r *UserRegistry) RemoveUserSubscription(apiKey string) (*UserSocket, bool) {
	type result struct {
		socket *UserSocket
		found  bool
	}
	res := withLock(&r.mu, func() result {
		for i, g := range r.groups {
			if g.apiKey == apiKey {
				r.groups = append(r.groups[:i], r.groups[i+1:]...)
				return result{socket: g.socket, found: true}
			}
		}
		return result{}
	})
	return res.socket, res.found
}

// SetStatus transitions a group's lifecycle status and clears its
// in-flight connect marker.
func (r *UserRegistry) SetStatus(groupID string, status GroupStatus) {
	withLock(&r.mu, func() struct{} {
		for _, g := range r.groups {
			if g.id == groupID {
				g.status = status
				g.connecting = false
				return struct{}{}
			}
		}
		return struct{}{}
	})
}

// SetSocket attaches the socket object driving a group's connection.
func (r *UserRegistry) SetSocket(groupID string, socket *UserSocket) {
	withLock(&r.mu, func() struct{} {
		for _, g := range r.groups {
			if g.id == groupID {
				g.socket = socket
				return struct{}{}
			}
		}
		return struct{}{}
	})
}

// Snapshot returns the apiKey and auth of a group, for the caller to use
// when (re)connecting.
func (r *UserRegistry) Snapshot(groupID string) (string, Auth, bool) {
	type result struct {
		apiKey string
		auth   Auth
		found  bool
	}
	res := withLock(&r.mu, func() result {
		for _, g := range r.groups {
			if g.id == groupID {
				return result{apiKey: g.apiKey, auth: g.auth, found: true}
			}
		}
		return result{}
	})
	return res.apiKey, res.auth, res.found
}

// GetGroupsToReconnectAndCleanup returns the ids of PENDING or DEAD groups
// that need a fresh connect attempt. Unlike market groups, user groups are
// never emptied or regrouped, so there is nothing to reap here.
func (r *UserRegistry) GetGroupsToReconnectAndCleanup() []string {
	return withLock(&r.mu, func() []string {
		var toConnect []string
		for _, g := range r.groups {
			if g.connecting {
				continue
			}
			if g.status == StatusPending || g.status == StatusDead {
				g.connecting = true
				toConnect = append(toConnect, g.id)
			}
		}
		return toConnect
	})
}

// Clear closes every user group's socket and empties the registry.
func (r *UserRegistry) Clear() {
	sockets := withLock(&r.mu, func() []*UserSocket {
		var out []*UserSocket
		for _, g := range r.groups {
			if g.socket != nil {
				out = append(out, g.socket)
			}
		}
		r.groups = nil
		return out
	})
	for _, s := range sockets {
		s.Close(1000, "cleared")
	}
}

// GroupCount returns the number of groups currently tracked, for tests.
func (r *UserRegistry) GroupCount() int {
	return withLock(&r.mu, func() int { return len(r.groups) })
}
