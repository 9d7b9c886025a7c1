package shared

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionManager orchestrates bearer-token sessions backed by Redis.
// The directory API is consumed by devices, not browsers, so sessions travel
// in the Authorization header rather than cookies.
type SessionManager struct {
	client *redis.Client
	ttl    time.Duration
}

// Session holds per-request session data for an authenticated guardian.
type Session struct {
	ID        string
	MemberID  string
	values    map[string]string
	manager   *SessionManager
	dirty     bool
	destroyed bool
}

type sessionPayload struct {
	MemberID string            `json:"member_id"`
	Values   map[string]string `json:"values"`
}

// NewSessionManager constructs a SessionManager.
func NewSessionManager(client *redis.Client, ttl time.Duration) *SessionManager {
	return &SessionManager{client: client, ttl: ttl}
}

// Create opens a new session for the given member and persists it.
func (sm *SessionManager) Create(ctx context.Context, memberID string) (*Session, error) {
	sess := &Session{
		ID:       sm.generateSessionID(),
		MemberID: memberID,
		values:   make(map[string]string),
		manager:  sm,
	}
	if err := sm.persist(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Load resolves the session referenced by the request's bearer token.
// A missing or unknown token yields a nil session, not an error.
func (sm *SessionManager) Load(ctx context.Context, r *http.Request) (*Session, error) {
	token := bearerToken(r)
	if token == "" {
		return nil, nil
	}
	return sm.Get(ctx, token)
}

// Get resolves a session by its token.
func (sm *SessionManager) Get(ctx context.Context, token string) (*Session, error) {
	payload, err := sm.client.Get(ctx, sm.redisKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var stored sessionPayload
	if err := json.Unmarshal(payload, &stored); err != nil {
		return nil, err
	}

	return &Session{
		ID:       token,
		MemberID: stored.MemberID,
		values:   stored.Values,
		manager:  sm,
	}, nil
}

// Commit persists pending session changes.
func (sm *SessionManager) Commit(ctx context.Context, sess *Session) error {
	if sess == nil {
		return nil
	}
	if sess.destroyed {
		if err := sm.client.Del(ctx, sm.redisKey(sess.ID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		return nil
	}
	if !sess.dirty {
		return nil
	}
	if err := sm.persist(ctx, sess); err != nil {
		return err
	}
	sess.dirty = false
	return nil
}

// Destroy deletes the session immediately. Used on sign-out and on
// tenancy-invariant violations, where the session must not outlive the check.
func (sm *SessionManager) Destroy(ctx context.Context, sess *Session) error {
	if sess == nil {
		return nil
	}
	sess.destroyed = true
	return sm.Commit(ctx, sess)
}

// TTL exposes the configured session lifetime.
func (sm *SessionManager) TTL() time.Duration {
	return sm.ttl
}

func (sm *SessionManager) persist(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sessionPayload{MemberID: sess.MemberID, Values: sess.values})
	if err != nil {
		return err
	}
	return sm.client.Set(ctx, sm.redisKey(sess.ID), data, sm.ttl).Err()
}

func (sm *SessionManager) redisKey(id string) string {
	return "session:" + id
}

func (sm *SessionManager) generateSessionID() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// Session helpers

// Set stores a key-value pair.
func (s *Session) Set(key, value string) {
	if s.values == nil {
		s.values = make(map[string]string)
	}
	s.values[key] = value
	s.dirty = true
}

// Get retrieves a value.
func (s *Session) Get(key string) string {
	if s.values == nil {
		return ""
	}
	return s.values[key]
}
