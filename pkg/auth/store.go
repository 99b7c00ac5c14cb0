package auth

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryTokenStore is an immutable snapshot of token records keyed by
// token hash. Updates are external: a new snapshot replaces the old one
// at the wiring layer, never in place.
type MemoryTokenStore struct {
	records map[string]TokenRecord
}

func NewMemoryTokenStore(records map[string]TokenRecord) *MemoryTokenStore {
	copied := make(map[string]TokenRecord, len(records))
	for k, v := range records {
		copied[k] = v
	}
	return &MemoryTokenStore{records: copied}
}

func (s *MemoryTokenStore) Lookup(ctx context.Context, tokenHash string) (*TokenRecord, error) {
	rec, ok := s.records[tokenHash]
	if !ok {
		return nil, ErrTokenNotFound
	}
	return &rec, nil
}

// RedisTokenStore reads token records from redis hashes written by the
// identity service. Key layout: <prefix><token hash> with fields
// subject, scopes, issued_at, expires_at, revoked.
type RedisTokenStore struct {
	Client  *redis.Client
	Prefix  string
	Timeout time.Duration
}

func NewRedisTokenStore(client *redis.Client) *RedisTokenStore {
	return &RedisTokenStore{
		Client:  client,
		Prefix:  "docgate:token:",
		Timeout: 2 * time.Second,
	}
}

func (s *RedisTokenStore) Lookup(ctx context.Context, tokenHash string) (*TokenRecord, error) {
	if s.Client == nil {
		return nil, errors.New("redis client not configured")
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	fields, err := s.Client.HGetAll(ctx, s.Prefix+tokenHash).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, ErrTokenNotFound
	}
	rec := &TokenRecord{Subject: fields["subject"]}
	if raw := fields["scopes"]; raw != "" {
		rec.Scopes = splitScopes(raw)
	}
	if raw := fields["issued_at"]; raw != "" {
		sec, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, errors.New("invalid issued_at in token record")
		}
		rec.IssuedAt = time.Unix(sec, 0).UTC()
	}
	if raw := fields["expires_at"]; raw != "" {
		sec, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, errors.New("invalid expires_at in token record")
		}
		rec.ExpiresAt = time.Unix(sec, 0).UTC()
	}
	rec.Revoked = fields["revoked"] == "true" || fields["revoked"] == "1"
	return rec, nil
}

func splitScopes(raw string) []string {
	var out []string
	for _, scope := range strings.Split(raw, ",") {
		if scope = strings.TrimSpace(scope); scope != "" {
			out = append(out, scope)
		}
	}
	return out
}
