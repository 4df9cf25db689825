package identity

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/veriaccess/veriaccess/internal/platform/httpx"
)

// TokenManager issues opaque bearer tokens backed by Redis. Only an HMAC
// of the token is stored server side, so a Redis dump never contains a
// usable credential.
type TokenManager struct {
	client *redis.Client
	secret []byte
	ttl    time.Duration
}

// NewTokenManager constructs a TokenManager.
func NewTokenManager(client *redis.Client, secret string, ttl time.Duration) *TokenManager {
	return &TokenManager{client: client, secret: []byte(secret), ttl: ttl}
}

// Issue creates a new bearer token for the subject.
func (tm *TokenManager) Issue(ctx context.Context, subject Subject) (string, error) {
	token := uuid.NewString()
	payload, err := json.Marshal(subject)
	if err != nil {
		return "", err
	}
	if err := tm.client.Set(ctx, tm.redisKey(token), payload, tm.ttl).Err(); err != nil {
		return "", err
	}
	return token, nil
}

// Resolve returns the subject associated with a bearer token.
func (tm *TokenManager) Resolve(ctx context.Context, token string) (Subject, error) {
	if token == "" {
		return Subject{}, httpx.ErrUnauthorized
	}
	payload, err := tm.client.Get(ctx, tm.redisKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Subject{}, httpx.ErrUnauthorized
		}
		return Subject{}, err
	}
	var subject Subject
	if err := json.Unmarshal(payload, &subject); err != nil {
		return Subject{}, err
	}
	return subject, nil
}

// Revoke deletes the token.
func (tm *TokenManager) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	err := tm.client.Del(ctx, tm.redisKey(token)).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

// TTL exposes the configured token lifetime.
func (tm *TokenManager) TTL() time.Duration {
	return tm.ttl
}

func (tm *TokenManager) redisKey(token string) string {
	mac := hmac.New(sha256.New, tm.secret)
	mac.Write([]byte(token))
	return "session:" + hex.EncodeToString(mac.Sum(nil))
}
