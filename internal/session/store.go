// Package session owns the agent pool's authentication state: one
// AgentSession per configured account, refreshed on a schedule and on demand.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/umuteyi/movliqbot/internal/actor"
	"github.com/umuteyi/movliqbot/internal/api"
	"github.com/umuteyi/movliqbot/internal/storage"
	"github.com/umuteyi/movliqbot/pkg/logger"
)

// ErrUnknownAgent is returned for an email that has no session.
var ErrUnknownAgent = errors.New("unknown agent")

// Authenticator exchanges credentials for a token pair. *api.Client
// implements it.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (api.TokenPair, error)
}

// TokenListener is told when an agent's token is replaced by a refresh.
type TokenListener interface {
	OnTokenRefreshed(ctx context.Context, email, token string)
}

// AgentSession is the authentication state of one agent.
type AgentSession struct {
	Email        string
	Token        string
	RefreshToken string
	IssuedAt     time.Time
	// ExpiresAt is the JWT exp claim, zero when the token carries none.
	ExpiresAt time.Time
	// Invalid is set when a call was rejected with this token.
	Invalid bool

	credential storage.Credential
}

// Valid reports whether the session holds a usable token at now.
func (s AgentSession) Valid(now time.Time) bool {
	if s.Token == "" || s.Invalid {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}

// Options configures a Store.
type Options struct {
	// LoginDelay separates consecutive login calls in LoginAll and RefreshAll.
	LoginDelay time.Duration
	// Clock defaults to actor.RealClock.
	Clock actor.Clock
}

// Store holds every agent session. It is safe for concurrent use.
type Store struct {
	auth       Authenticator
	clock      actor.Clock
	loginDelay time.Duration
	log        *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*AgentSession
	order    []string
	listener TokenListener

	refreshReq chan string
}

// NewStore returns an empty Store.
func NewStore(auth Authenticator, opts Options) *Store {
	clock := opts.Clock
	if clock == nil {
		clock = actor.RealClock{}
	}
	return &Store{
		auth:       auth,
		clock:      clock,
		loginDelay: opts.LoginDelay,
		log:        logger.With("session"),
		sessions:   make(map[string]*AgentSession),
		refreshReq: make(chan string, 64),
	}
}

// SetTokenListener registers the listener notified after a refresh.
func (s *Store) SetTokenListener(l TokenListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
}

// Login authenticates one credential and stores the resulting session. On
// failure the previous session, if any, is left untouched.
func (s *Store) Login(ctx context.Context, cred storage.Credential) (AgentSession, error) {
	pair, err := s.auth.Login(ctx, cred.Email, cred.Password)
	if err != nil {
		return AgentSession{}, fmt.Errorf("login %s: %w", cred.Email, err)
	}

	sess := &AgentSession{
		Email:        cred.Email,
		Token:        pair.Access(),
		RefreshToken: pair.RefreshToken,
		IssuedAt:     s.clock.Now(),
		ExpiresAt:    tokenExpiry(pair.Access()),
		credential:   cred,
	}

	key := normalize(cred.Email)
	s.mu.Lock()
	if _, ok := s.sessions[key]; !ok {
		s.order = append(s.order, key)
	}
	s.sessions[key] = sess
	s.mu.Unlock()

	return *sess, nil
}

// LoginAll logs in every credential in order, waiting the login delay
// between calls. Failures are logged and skipped. It returns the number of
// agents holding a token afterwards, or ctx.Err() if ctx ended.
func (s *Store) LoginAll(ctx context.Context, creds []storage.Credential) (int, error) {
	for i, cred := range creds {
		if i > 0 {
			if err := s.clock.Sleep(ctx, s.loginDelay); err != nil {
				return s.countWithToken(), err
			}
		}
		sess, err := s.Login(ctx, cred)
		if err != nil {
			if ctx.Err() != nil {
				return s.countWithToken(), ctx.Err()
			}
			s.log.Warnf("%v", err)
			continue
		}
		s.log.Infof("logged in %s (expires %s)", sess.Email, formatExpiry(sess.ExpiresAt))
	}
	return s.countWithToken(), nil
}

// Refresh re-authenticates email with its stored credential, replaces the
// token and notifies the token listener.
func (s *Store) Refresh(ctx context.Context, email string) error {
	s.mu.RLock()
	sess, ok := s.sessions[normalize(email)]
	var cred storage.Credential
	if ok {
		cred = sess.credential
	}
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("refresh %s: %w", email, ErrUnknownAgent)
	}

	fresh, err := s.Login(ctx, cred)
	if err != nil {
		return err
	}

	s.mu.RLock()
	l := s.listener
	s.mu.RUnlock()
	if l != nil {
		l.OnTokenRefreshed(ctx, fresh.Email, fresh.Token)
	}
	return nil
}

// RefreshAll refreshes every session in login order with the login delay
// between calls. It returns how many refreshes succeeded.
func (s *Store) RefreshAll(ctx context.Context) (int, error) {
	s.mu.RLock()
	emails := make([]string, 0, len(s.order))
	for _, key := range s.order {
		emails = append(emails, s.sessions[key].Email)
	}
	s.mu.RUnlock()

	ok := 0
	for i, email := range emails {
		if i > 0 {
			if err := s.clock.Sleep(ctx, s.loginDelay); err != nil {
				return ok, err
			}
		}
		if err := s.Refresh(ctx, email); err != nil {
			if ctx.Err() != nil {
				return ok, ctx.Err()
			}
			s.log.Warnf("%v", err)
			continue
		}
		ok++
	}
	return ok, nil
}

// Invalidate marks the agent's current token unusable.
func (s *Store) Invalidate(email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[normalize(email)]; ok {
		sess.Invalid = true
	}
}

// RequestRefresh invalidates the agent's token and queues it for an
// out-of-band refresh. Requests beyond the queue capacity are dropped; the
// periodic refresh still covers them.
func (s *Store) RequestRefresh(email string) {
	s.Invalidate(email)
	select {
	case s.refreshReq <- email:
	default:
		s.log.Warnf("refresh queue full, dropping request for %s", email)
	}
}

// RefreshRequests delivers agents queued by RequestRefresh.
func (s *Store) RefreshRequests() <-chan string {
	return s.refreshReq
}

// Get returns a copy of the agent's session.
func (s *Store) Get(email string) (AgentSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[normalize(email)]
	if !ok {
		return AgentSession{}, false
	}
	return *sess, true
}

// Token returns the agent's token if it is currently valid.
func (s *Store) Token(email string) (string, bool) {
	sess, ok := s.Get(email)
	if !ok || !sess.Valid(s.clock.Now()) {
		return "", false
	}
	return sess.Token, true
}

// Valid returns the sessions holding a usable token, in login order.
func (s *Store) Valid() []AgentSession {
	now := s.clock.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AgentSession, 0, len(s.order))
	for _, key := range s.order {
		if sess := s.sessions[key]; sess.Valid(now) {
			out = append(out, *sess)
		}
	}
	return out
}

// AnyValid returns one usable session, preferring the earliest login.
func (s *Store) AnyValid() (AgentSession, bool) {
	valid := s.Valid()
	if len(valid) == 0 {
		return AgentSession{}, false
	}
	return valid[0], true
}

// Emails lists every known agent, sorted.
func (s *Store) Emails() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Email)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of known agents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Store) countWithToken() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.Token != "" {
			n++
		}
	}
	return n
}

func normalize(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// tokenExpiry reads the exp claim without verifying the signature; the bot
// holds no key and only needs to know when to stop using the token.
func tokenExpiry(token string) time.Time {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time.UTC()
}

func formatExpiry(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.UTC().Format(time.RFC3339)
}
