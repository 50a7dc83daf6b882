// Package preauth stores short-lived, single-use pre-auth tokens issued by the host application so that an already
// authenticated web session can open a push WebSocket without resending a password.
package preauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is the token lifetime used when the bus message does not specify one: roughly how long a freshly
// rendered page takes to open its WebSocket.
const DefaultTTL = 30 * time.Second

// redeemScript performs an atomic get-then-delete: a token observed once can never be observed again, even under
// concurrent redemption attempts racing the same key.
var redeemScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v then
	redis.call("DEL", KEYS[1])
end
return v
`)

// Store holds pre-auth tokens in Valkey/Redis, keyed by the token string.
type Store struct {
	rdb *redis.Client
}

// NewStore creates a pre-auth token store backed by rdb.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Register records that token authenticates user, expiring after ttl if never redeemed. A zero ttl uses DefaultTTL.
func (s *Store) Register(ctx context.Context, user, token string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := s.rdb.Set(ctx, tokenKey(token), user, ttl).Err(); err != nil {
		return fmt.Errorf("register pre-auth token: %w", err)
	}
	return nil
}

// Redeem atomically consumes token, returning the bound user and true if it existed and had not expired. A second
// call with the same token, concurrent or not, returns ok=false.
func (s *Store) Redeem(ctx context.Context, token string) (user string, ok bool, err error) {
	res, err := redeemScript.Run(ctx, s.rdb, []string{tokenKey(token)}).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redeem pre-auth token: %w", err)
	}
	if res == nil {
		return "", false, nil
	}
	user, ok = res.(string)
	return user, ok, nil
}

func tokenKey(token string) string {
	return "pushgate:preauth:" + token
}
