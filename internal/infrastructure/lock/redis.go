// Package lock provides a Redis lease used to keep batch cycles single-flight
// across processes.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// DefaultKey is the lease shared by every batch processor instance.
const DefaultKey = "tierqueue:batch:lock"

// Only the holder's token may delete the lease.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a SET NX lease with a TTL. The TTL must be longer than the worst
// case cycle (retries included), otherwise two holders may overlap.
type Redis struct {
	Client *redis.Client
	Key    string
	TTL    time.Duration
}

func (l *Redis) key() string {
	if l.Key == "" {
		return DefaultKey
	}
	return l.Key
}

// TryAcquire takes the lease without waiting. ok is false if someone else holds it.
func (l *Redis) TryAcquire(ctx context.Context) (func(), bool, error) {
	if l.Client == nil {
		return nil, false, errors.New("lock: redis client is nil")
	}
	ttl := l.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	token := uuid.NewString()
	ok, err := l.Client.SetNX(ctx, l.key(), token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		if err := releaseScript.Run(context.Background(), l.Client, []string{l.key()}, token).Err(); err != nil {
			log.Warn().Err(err).Str("key", l.key()).Msg("lock: release failed")
		}
	}
	return release, true, nil
}
