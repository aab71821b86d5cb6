package redisclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrRequestInFlight = errors.New("a request with this idempotency key is still in progress")
	ErrNotReserved     = errors.New("idempotency reservation lost")
)

const (
	pendingPrefix = "pending:"
	donePrefix    = "done:"
)

// Reservation is held by the request that won the idempotency key.
type Reservation struct {
	key   string
	token string
}

// IdempotencyStore lets a retried request observe the result of the first
// attempt instead of executing twice.
type IdempotencyStore interface {
	// Reserve claims key. If a previous attempt completed, its stored
	// payload is returned instead of a reservation.
	Reserve(ctx context.Context, key string) (*Reservation, []byte, error)
	Complete(ctx context.Context, r *Reservation, payload []byte) error
	Abandon(ctx context.Context, r *Reservation) error
}

type redisIdempotencyStore struct {
	client     *redis.Client
	pendingTTL time.Duration
	ttl        time.Duration
}

// NewIdempotencyStore holds a reservation for pendingTTL and keeps a
// completed payload for ttl. An attempt that never finishes frees its key
// once pendingTTL passes.
func NewIdempotencyStore(client *redis.Client, pendingTTL, ttl time.Duration) IdempotencyStore {
	if pendingTTL <= 0 || pendingTTL > ttl {
		pendingTTL = ttl
	}
	return &redisIdempotencyStore{
		client:     client,
		pendingTTL: pendingTTL,
		ttl:        ttl,
	}
}

// BookingKey scopes a client supplied key to the patient and the slot, so a
// key reused for another slot starts a new attempt.
func BookingKey(patientID, slotID uuid.UUID, clientKey string) string {
	return fmt.Sprintf("idem:book:%s:%s:%s", patientID, slotID, clientKey)
}

func (s *redisIdempotencyStore) Reserve(ctx context.Context, key string) (*Reservation, []byte, error) {
	token := uuid.NewString()

	ok, err := s.client.SetNX(ctx, key, pendingPrefix+token, s.pendingTTL).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if ok {
		return &Reservation{key: key, token: token}, nil, nil
	}

	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET
		return nil, nil, ErrRequestInFlight
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read idempotency key: %w", err)
	}

	if strings.HasPrefix(val, donePrefix) {
		return nil, []byte(strings.TrimPrefix(val, donePrefix)), nil
	}
	return nil, nil, ErrRequestInFlight
}

var completeScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
  return 1
else
  return 0
end
`)

func (s *redisIdempotencyStore) Complete(ctx context.Context, r *Reservation, payload []byte) error {
	res, err := completeScript.Run(ctx, s.client, []string{r.key},
		pendingPrefix+r.token, donePrefix+string(payload), s.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	if res == 0 {
		return ErrNotReserved
	}
	return nil
}

var abandonScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

// Abandon frees the key so the client can retry right away.
func (s *redisIdempotencyStore) Abandon(ctx context.Context, r *Reservation) error {
	_, err := abandonScript.Run(ctx, s.client, []string{r.key}, pendingPrefix+r.token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("abandon idempotency key: %w", err)
	}
	return nil
}
