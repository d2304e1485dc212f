// Package session keeps per-user bot state in memory.
package session

import (
	"context"
	"sync"
	"time"
)

// Session is one user's portrait state. Original and Last are data URLs.
type Session struct {
	UserID       int64
	Username     string
	Race         string
	Region       string
	Original     string
	Last         string
	Busy         bool
	LastActivity time.Time
}

// Ready reports whether a generation can start from the original photo.
func (s Session) Ready() bool {
	return s.Original != "" && s.Race != "" && s.Region != ""
}

type Options struct {
	// IdleTTL is how long an untouched session survives Prune.
	IdleTTL time.Duration
	Now     func() time.Time
}

type Store struct {
	mu       sync.Mutex
	sessions map[int64]*Session
	idleTTL  time.Duration
	now      func() time.Time
}

func NewStore(opts Options) *Store {
	idleTTL := opts.IdleTTL
	if idleTTL <= 0 {
		idleTTL = 24 * time.Hour
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Store{
		sessions: make(map[int64]*Session),
		idleTTL:  idleTTL,
		now:      now,
	}
}

// Snapshot returns a copy of the user's session, creating it if needed.
func (s *Store) Snapshot(userID int64, username string) Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	return *s.touchLocked(userID, username)
}

func (s *Store) SetRace(userID int64, username, race string) Session {
	return s.update(userID, username, func(sess *Session) { sess.Race = race })
}

func (s *Store) SetRegion(userID int64, username, region string) Session {
	return s.update(userID, username, func(sess *Session) { sess.Region = region })
}

// SetOriginal stores a new uploaded photo and forgets the previous result.
func (s *Store) SetOriginal(userID int64, username, image string) Session {
	return s.update(userID, username, func(sess *Session) {
		sess.Original = image
		sess.Last = ""
	})
}

func (s *Store) SetLast(userID int64, image string) Session {
	return s.update(userID, "", func(sess *Session) { sess.Last = image })
}

// TryBegin marks the user busy. It returns false if a generation is
// already running for them.
func (s *Store) TryBegin(userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.touchLocked(userID, "")
	if sess.Busy {
		return false
	}
	sess.Busy = true
	return true
}

func (s *Store) End(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[userID]; ok {
		sess.Busy = false
		sess.LastActivity = s.now()
	}
}

// Reset clears everything but the busy flag.
func (s *Store) Reset(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[userID]; ok {
		*sess = Session{
			UserID:       sess.UserID,
			Username:     sess.Username,
			Busy:         sess.Busy,
			LastActivity: s.now(),
		}
	}
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Prune drops idle sessions that are not busy and returns how many went.
func (s *Store) Prune() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.idleTTL)
	removed := 0
	for id, sess := range s.sessions {
		if sess.Busy || sess.LastActivity.After(cutoff) {
			continue
		}
		delete(s.sessions, id)
		removed++
	}
	return removed
}

// Run prunes every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Prune()
		}
	}
}

func (s *Store) update(userID int64, username string, fn func(*Session)) Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.touchLocked(userID, username)
	fn(sess)
	return *sess
}

func (s *Store) touchLocked(userID int64, username string) *Session {
	now := s.now()
	if sess, ok := s.sessions[userID]; ok {
		if sess.Username == "" && username != "" {
			sess.Username = username
		}
		sess.LastActivity = now
		return sess
	}

	sess := &Session{
		UserID:       userID,
		Username:     username,
		LastActivity: now,
	}
	s.sessions[userID] = sess
	return sess
}
