// Package session reads browser session records from Redis. Sessions are
// written by the web tier; this service only validates them against
// connection claims.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/opsdeck/pushgate/internal/authn"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var ErrSessionNotFound = errors.New("session not found")

const keyPrefix = "session:"

type record struct {
	UserID    int64 `json:"user_id"`
	ExpiresAt int64 `json:"expires_at"`
}

// Store implements authn.SessionStore on Redis.
type Store struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewStore(rdb *redis.Client, log *zap.Logger) *Store {
	return &Store{rdb: rdb, log: log}
}

// Get fetches the session record for sessionID. A missing key is
// ErrSessionNotFound; any other failure is returned so the caller fails
// closed.
func (s *Store) Get(ctx context.Context, sessionID string) (*authn.Session, error) {
	raw, err := s.rdb.Get(ctx, keyPrefix+sessionID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		s.log.Error("session store read failed",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("session store read: %w", err)
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("malformed session record: %w", err)
	}
	session := &authn.Session{UserID: rec.UserID}
	if rec.ExpiresAt > 0 {
		session.ExpiresAt = time.Unix(rec.ExpiresAt, 0)
	}
	return session, nil
}
