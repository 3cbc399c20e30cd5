package session

import (
	"context"
	"sync"
)

// Role is the leadership role of the local node.
type Role int32

const (
	RoleFollower Role = iota
	RoleLeader
)

func (r Role) String() string {
	if r == RoleLeader {
		return "LEADER"
	}
	return "FOLLOWER"
}

// Leadership is the {FOLLOWER, LEADER} state machine. Transition actions run
// with the state locked, so transitions never interleave.
type Leadership struct {
	mu        sync.Mutex
	role      Role
	onAcquire func(ctx context.Context)
	onLose    func(ctx context.Context)
}

// NewLeadership creates the state machine in role. Either action may be nil.
func NewLeadership(role Role, onAcquire, onLose func(ctx context.Context)) *Leadership {
	return &Leadership{role: role, onAcquire: onAcquire, onLose: onLose}
}

func (l *Leadership) Role() Role {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.role
}

func (l *Leadership) IsLeader() bool {
	return l.Role() == RoleLeader
}

// Update moves to the role matching leader and runs its action. Updates that
// do not change the role are ignored and return false.
func (l *Leadership) Update(ctx context.Context, leader bool) bool {
	next := RoleFollower
	if leader {
		next = RoleLeader
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.role == next {
		return false
	}
	l.role = next
	switch {
	case next == RoleLeader && l.onAcquire != nil:
		l.onAcquire(ctx)
	case next == RoleFollower && l.onLose != nil:
		l.onLose(ctx)
	}
	return true
}
