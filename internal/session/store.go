package session

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/smallbiznis/tpp-broker/internal/domain"
	"github.com/smallbiznis/tpp-broker/internal/repository"
)

// Store maps opaque session tokens to usernames.
type Store struct {
	kv repository.KVStore
}

// NewStore constructs a Store.
func NewStore(kv repository.KVStore) *Store {
	return &Store{kv: kv}
}

// Create issues a new session id for username.
func (s *Store) Create(ctx context.Context, username string) (string, error) {
	if strings.TrimSpace(username) == "" {
		return "", domain.ValidationInput("username missing")
	}
	sid := uuid.NewString()
	if err := repository.SetJSON(ctx, s.kv, repository.CollectionSessions, sid, domain.Session{SID: sid, Username: username}); err != nil {
		return "", err
	}
	return sid, nil
}

// Resolve returns the session for sid, or nil when the token is unknown.
func (s *Store) Resolve(ctx context.Context, sid string) (*domain.Session, error) {
	sid = strings.TrimSpace(sid)
	if sid == "" {
		return nil, nil
	}
	sess, err := repository.GetJSON[domain.Session](ctx, s.kv, repository.CollectionSessions, sid)
	if err != nil {
		return nil, err
	}
	if sess == nil || sess.SID != sid {
		return nil, nil
	}
	return sess, nil
}

// Destroy removes sid.
func (s *Store) Destroy(ctx context.Context, sid string) error {
	return s.kv.Remove(ctx, repository.CollectionSessions, sid)
}
