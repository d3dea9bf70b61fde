package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/iwamot/collmbo/internal/observability"
)

// DefaultSessionDuration bounds how long a brokered token is reused.
const DefaultSessionDuration = 30 * time.Minute

// Key identifies a session.
type Key struct {
	User   string
	Server string
}

// Session is a cached access token.
type Session struct {
	AccessToken string
	ExpiresAt   time.Time
}

// Valid reports whether the session can still be used at now.
func (s *Session) Valid(now time.Time) bool {
	return s != nil && s.AccessToken != "" && now.Before(s.ExpiresAt)
}

// SessionStore caches brokered sessions per (user, server). Concurrent
// acquisitions for the same key share a single exchange.
type SessionStore struct {
	broker   Exchanger
	duration time.Duration
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[Key]*Session
	locks    map[Key]*keyLock
}

// keyLock serializes exchanges for one key. It is dropped once no caller
// holds or waits for it.
type keyLock struct {
	ch   chan struct{}
	refs int
}

// SessionOption configures a SessionStore.
type SessionOption func(*SessionStore)

// WithClock overrides the time source.
func WithClock(now func() time.Time) SessionOption {
	return func(s *SessionStore) { s.now = now }
}

// WithMetrics records exchanges.
func WithMetrics(m *observability.Metrics) SessionOption {
	return func(s *SessionStore) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) SessionOption {
	return func(s *SessionStore) { s.logger = logger }
}

// NewSessionStore creates a store backed by broker. A non-positive duration
// uses DefaultSessionDuration.
func NewSessionStore(broker Exchanger, duration time.Duration, opts ...SessionOption) *SessionStore {
	if duration <= 0 {
		duration = DefaultSessionDuration
	}
	s := &SessionStore{
		broker:   broker,
		duration: duration,
		logger:   slog.Default(),
		now:      time.Now,
		sessions: make(map[Key]*Session),
		locks:    make(map[Key]*keyLock),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "auth.sessions")
	return s
}

// Acquire returns a valid session for key, exchanging a new token through
// the broker on miss or expiry.
func (s *SessionStore) Acquire(ctx context.Context, key Key, req ExchangeRequest) (*Session, error) {
	unlock, err := s.lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if sess, ok := s.Peek(key); ok {
		return sess, nil
	}

	if req.UserID == "" {
		req.UserID = key.User
	}
	token, err := s.broker.Exchange(ctx, req)
	if err != nil {
		if oe, ok := GetOAuthError(err); ok {
			oe.Server = key.Server
			if oe.NeedsAuthorization() {
				s.metrics.RecordOAuthExchange(key.Server, "authorization_required")
				return nil, oe
			}
		}
		s.metrics.RecordOAuthExchange(key.Server, "error")
		if _, ok := GetOAuthError(err); ok {
			return nil, err
		}
		return nil, &OAuthError{Server: key.Server, Cause: err}
	}

	now := s.now()
	sess := &Session{AccessToken: token, ExpiresAt: SessionExpiry(token, now, s.duration)}
	s.mu.Lock()
	s.sessions[key] = sess
	s.mu.Unlock()

	s.metrics.RecordOAuthExchange(key.Server, "success")
	s.logger.Debug("session acquired", "user", key.User, "server", key.Server, "expires_at", sess.ExpiresAt)
	return sess, nil
}

// Peek returns the cached session when it is still valid.
func (s *SessionStore) Peek(key Key) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		return nil, false
	}
	if !sess.Valid(s.now()) {
		delete(s.sessions, key)
		return nil, false
	}
	return sess, true
}

// Clear drops the session for key.
func (s *SessionStore) Clear(key Key) {
	s.mu.Lock()
	delete(s.sessions, key)
	s.mu.Unlock()
	s.logger.Info("session cleared", "user", key.User, "server", key.Server)
}

func (s *SessionStore) lock(ctx context.Context, key Key) (func(), error) {
	s.mu.Lock()
	kl, ok := s.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		s.locks[key] = kl
	}
	kl.refs++
	s.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
		return func() {
			<-kl.ch
			s.release(key, kl)
		}, nil
	case <-ctx.Done():
		s.release(key, kl)
		return nil, ctx.Err()
	}
}

func (s *SessionStore) release(key Key, kl *keyLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kl.refs--
	if kl.refs == 0 && s.locks[key] == kl {
		delete(s.locks, key)
	}
}
