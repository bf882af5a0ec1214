// Package auth owns the process-wide AuthSession and the coordinator that
// renews its access token.
package auth

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/agentworkforce/spotsync/internal/storage"
)

var Error = errs.Class("auth")

type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

type Session struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	User         *User  `json:"user"`
}

func (s Session) Authenticated() bool {
	return strings.TrimSpace(s.AccessToken) != ""
}

// Store is the single owner of the AuthSession. It is written only by
// login, refresh success and Clear; every read goes through Current.
type Store struct {
	kv  storage.KV
	key string
	log *zap.Logger

	mu        sync.RWMutex
	session   Session
	listeners []func(Session)
}

func NewStore(kv storage.KV, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{kv: kv, key: storage.AuthKey, log: log}
}

// Load replaces the in-memory session with the persisted one.
func (s *Store) Load(ctx context.Context) error {
	if s.kv == nil {
		return nil
	}
	data, ok, err := s.kv.Get(ctx, s.key)
	if err != nil {
		return Error.Wrap(err)
	}
	var session Session
	if ok && len(data) > 0 {
		if err := json.Unmarshal(data, &session); err != nil {
			return Error.Wrap(err)
		}
	}
	s.mu.Lock()
	changed := !sameSession(session, s.session)
	s.session = session
	listeners := append(([]func(Session))(nil), s.listeners...)
	s.mu.Unlock()
	if changed {
		notify(listeners, session)
	}
	return nil
}

func (s *Store) Current() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSession(s.session)
}

func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.AccessToken
}

func (s *Store) Set(ctx context.Context, session Session) error {
	s.mu.Lock()
	if session.User == nil && s.session.User != nil {
		session.User = s.session.User
	}
	if err := s.persistLocked(ctx, session); err != nil {
		s.mu.Unlock()
		return err
	}
	s.session = cloneSession(session)
	listeners := append(([]func(Session))(nil), s.listeners...)
	s.mu.Unlock()

	s.log.Debug("auth session updated", zap.Bool("has_refresh_token", session.RefreshToken != ""))
	notify(listeners, session)
	return nil
}

// Clear drops the session. The in-memory copy is cleared even when the
// persisted copy cannot be removed so no further request carries the token.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	wasAuthenticated := s.session.Authenticated()
	s.session = Session{}
	var err error
	if s.kv != nil {
		err = Error.Wrap(s.kv.Delete(ctx, s.key))
	}
	listeners := append(([]func(Session))(nil), s.listeners...)
	s.mu.Unlock()

	if wasAuthenticated {
		s.log.Info("auth session cleared")
		notify(listeners, Session{})
	}
	return err
}

// OnChange registers fn to be called after every change of the session.
func (s *Store) OnChange(fn func(Session)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Watch reloads the session whenever another process rewrites it, e.g. a
// `spotsync login` next to a running daemon. Backends that cannot be
// watched make Watch return immediately.
func (s *Store) Watch(ctx context.Context) error {
	watcher, ok := s.kv.(storage.Watcher)
	if !ok {
		return nil
	}
	err := watcher.Watch(ctx, s.key, func() {
		if err := s.Load(ctx); err != nil {
			s.log.Warn("reload auth session failed", zap.Error(err))
		}
	})
	if storage.ErrNotImplemented.Has(err) {
		return nil
	}
	return err
}

func (s *Store) persistLocked(ctx context.Context, session Session) error {
	if s.kv == nil {
		return nil
	}
	data, err := json.Marshal(session)
	if err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(s.kv.Put(ctx, s.key, data))
}

func notify(listeners []func(Session), session Session) {
	for _, fn := range listeners {
		fn(cloneSession(session))
	}
}

func cloneSession(s Session) Session {
	if s.User != nil {
		user := *s.User
		s.User = &user
	}
	return s
}

func sameSession(a, b Session) bool {
	if a.AccessToken != b.AccessToken || a.RefreshToken != b.RefreshToken {
		return false
	}
	if a.User == nil || b.User == nil {
		return a.User == b.User
	}
	return *a.User == *b.User
}
