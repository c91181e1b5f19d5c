// Package hub fans server-ordered events out to the live connections of each
// room. A room is one sheet; sessions join on connect and are dropped the
// moment their outbound buffer stops draining, so one stalled consumer never
// delays its peers.
package hub

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/golang/glog"
)

// Session is one live connection. Send must not block: it reports false when
// the session can no longer accept frames, and the registry then evicts it.
type Session interface {
	ID() string
	Send(frame []byte) bool
}

type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Session
}

func NewRegistry() *Registry {
	return &Registry{rooms: map[string]map[string]Session{}}
}

func (r *Registry) Join(room string, session Session) {
	if room == "" || session == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[room]
	if !ok {
		members = map[string]Session{}
		r.rooms[room] = members
	}
	members[session.ID()] = session
	glog.V(1).Infof("session %s joined room %s (%d members)", session.ID(), room, len(members))
}

func (r *Registry) Leave(room string, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, sessionID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// LeaveAll removes the session from every room it joined.
func (r *Registry) LeaveAll(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for room, members := range r.rooms {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
}

// Broadcast marshals the event once and delivers it to every member of the
// room except excludeID. Sessions whose Send reports failure are evicted
// from the room.
func (r *Registry) Broadcast(room string, event any, excludeID string) int {
	frame, err := json.Marshal(event)
	if err != nil {
		glog.Errorf("broadcast marshal for room %s: %v", room, err)
		return 0
	}
	return r.BroadcastFrame(room, frame, excludeID)
}

func (r *Registry) BroadcastFrame(room string, frame []byte, excludeID string) int {
	r.mu.RLock()
	members := make([]Session, 0, len(r.rooms[room]))
	for id, session := range r.rooms[room] {
		if id == excludeID {
			continue
		}
		members = append(members, session)
	}
	r.mu.RUnlock()

	delivered := 0
	var dead []string
	for _, session := range members {
		if session.Send(frame) {
			delivered++
		} else {
			dead = append(dead, session.ID())
		}
	}
	for _, id := range dead {
		glog.Warningf("dropping unresponsive session %s from room %s", id, room)
		r.Leave(room, id)
	}
	return delivered
}

// Count reports the number of sessions currently in a room.
func (r *Registry) Count(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// Rooms lists active rooms sorted by name.
func (r *Registry) Rooms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rooms))
	for room := range r.rooms {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}
