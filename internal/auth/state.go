package auth

import (
	"sync/atomic"
	"time"
)

// Phase is the session's position in the login/refresh lifecycle.
type Phase int32

const (
	Unauthenticated Phase = iota
	Authenticated
	Refreshing
)

func (p Phase) String() string {
	switch p {
	case Authenticated:
		return "authenticated"
	case Refreshing:
		return "refreshing"
	default:
		return "unauthenticated"
	}
}

// State is one immutable credential snapshot. A new State replaces the old one
// as a whole; fields are never patched in place.
type State struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64
	IssuedAt     int64
	HousingID    string
	UserEmail    string
}

// HasToken reports whether an access token is present.
func (s *State) HasToken() bool {
	return s != nil && s.AccessToken != ""
}

// Expired reports whether now is past the token's exp claim.
func (s *State) Expired(now time.Time) bool {
	return s == nil || now.Unix() > s.ExpiresAt
}

// stateBox publishes snapshots to lock-free readers.
type stateBox struct {
	p atomic.Pointer[State]
}

func (b *stateBox) load() *State {
	if s := b.p.Load(); s != nil {
		return s
	}
	return &State{}
}

func (b *stateBox) store(s *State) {
	b.p.Store(s)
}
