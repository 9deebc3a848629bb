package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/angelmondragon/genstudio-backend/pkg/redis"
)

// State is the outcome of claiming an event for a consumer.
type State int

const (
	// Claimed means the caller owns the event and must Complete or Release it.
	Claimed State = iota
	// InFlight means another delivery holds the claim.
	InFlight
	// Done means the event was already handled.
	Done
)

const (
	markerPending = "pending"
	markerDone    = "done"

	defaultPendingTTL = 2 * time.Minute
)

// Manager guards per-consumer event handling in Redis. A claim starts as a
// short-lived pending marker so a crashed consumer frees the event, and is
// promoted to a done marker that lives for ttl.
// Keys follow gs:idempotency:evt:<consumer>:<event_id>.
type Manager struct {
	store      redis.IdempotencyStore
	ttl        time.Duration
	pendingTTL time.Duration
}

func NewManager(store redis.IdempotencyStore, ttl time.Duration) (*Manager, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl <= 0 {
		return nil, errors.New("ttl must be positive")
	}
	pending := defaultPendingTTL
	if pending > ttl {
		pending = ttl
	}
	return &Manager{store: store, ttl: ttl, pendingTTL: pending}, nil
}

// Claim takes the pending marker for eventID or reports who holds it.
func (m *Manager) Claim(ctx context.Context, consumer string, eventID uuid.UUID) (State, error) {
	key, err := m.key(consumer, eventID)
	if err != nil {
		return 0, err
	}
	ok, err := m.store.SetNX(ctx, key, markerPending, m.pendingTTL)
	if err != nil {
		return 0, fmt.Errorf("claim %s: %w", key, err)
	}
	if ok {
		return Claimed, nil
	}
	marker, err := m.store.Get(ctx, key)
	switch {
	case errors.Is(err, goredis.Nil):
		// The holder released between SetNX and Get.
		return InFlight, nil
	case err != nil:
		return 0, fmt.Errorf("read claim %s: %w", key, err)
	case marker == markerDone:
		return Done, nil
	default:
		return InFlight, nil
	}
}

// Complete promotes a claim to done.
func (m *Manager) Complete(ctx context.Context, consumer string, eventID uuid.UUID) error {
	key, err := m.key(consumer, eventID)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, key, markerDone, m.ttl)
}

// Release drops a claim so a redelivery can retry the event.
func (m *Manager) Release(ctx context.Context, consumer string, eventID uuid.UUID) error {
	key, err := m.key(consumer, eventID)
	if err != nil {
		return err
	}
	return m.store.Del(ctx, key)
}

func (m *Manager) key(consumer string, eventID uuid.UUID) (string, error) {
	if consumer == "" {
		return "", errors.New("consumer name is required")
	}
	if eventID == uuid.Nil {
		return "", errors.New("event id is required")
	}
	return m.store.IdempotencyKey("evt:"+consumer, eventID.String()), nil
}
