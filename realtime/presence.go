package realtime

import (
	"sync"

	"board-api/domain"
)

// Registry tracks which connections are joined to which workspace room. A
// connection is present in at most one workspace.
type Registry struct {
	mu     sync.Mutex
	rooms  map[string][]domain.Presence
	byConn map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms:  make(map[string][]domain.Presence),
		byConn: make(map[string]string),
	}
}

// Join registers connectionID in workspaceID. Any presence the connection
// held in another workspace is removed in the same step and returned.
// Joining the same workspace again refreshes the entry in place.
func (r *Registry) Join(workspaceID, connectionID, username string, userID *string) (previous string, left *domain.Presence) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := domain.Presence{ConnectionID: connectionID, Username: username, UserID: userID}
	if current, ok := r.byConn[connectionID]; ok {
		if current == workspaceID {
			room := r.rooms[workspaceID]
			for i := range room {
				if room[i].ConnectionID == connectionID {
					room[i] = entry
				}
			}
			return "", nil
		}
		if p, ok := r.remove(current, connectionID); ok {
			previous, left = current, &p
		}
	}
	r.rooms[workspaceID] = append(r.rooms[workspaceID], entry)
	r.byConn[connectionID] = workspaceID
	return previous, left
}

// Leave removes connectionID from workspaceID and returns the removed entry.
func (r *Registry) Leave(workspaceID, connectionID string) (domain.Presence, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byConn[connectionID] != workspaceID {
		return domain.Presence{}, false
	}
	return r.remove(workspaceID, connectionID)
}

// List returns the entries of workspaceID in join order.
func (r *Registry) List(workspaceID string) []domain.Presence {
	r.mu.Lock()
	defer r.mu.Unlock()
	room := r.rooms[workspaceID]
	out := make([]domain.Presence, len(room))
	copy(out, room)
	return out
}

// WorkspaceOf returns the workspace connectionID is joined to.
func (r *Registry) WorkspaceOf(connectionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ws, ok := r.byConn[connectionID]
	return ws, ok
}

// Connected reports whether any connection of userID is joined to a
// workspace.
func (r *Registry) Connected(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, room := range r.rooms {
		for _, p := range room {
			if p.UserID != nil && *p.UserID == userID {
				return true
			}
		}
	}
	return false
}

func (r *Registry) remove(workspaceID, connectionID string) (domain.Presence, bool) {
	room := r.rooms[workspaceID]
	for i, p := range room {
		if p.ConnectionID != connectionID {
			continue
		}
		room = append(room[:i:i], room[i+1:]...)
		if len(room) == 0 {
			delete(r.rooms, workspaceID)
		} else {
			r.rooms[workspaceID] = room
		}
		delete(r.byConn, connectionID)
		return p, true
	}
	return domain.Presence{}, false
}
