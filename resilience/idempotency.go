package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/c360studio/stagecraft/kvstore"
)

// DefaultDedupeTTL is the idempotency ledger window.
const DefaultDedupeTTL = 24 * time.Hour

// DeduplicateEvent records eventID in the ledger and reports whether it was
// new. Within the TTL window this returns true exactly once per id, so every
// redelivered attempt after the first is visible as a duplicate.
func DeduplicateEvent(ctx context.Context, store kvstore.Store, eventID string, ttl time.Duration) (bool, error) {
	if ttl == 0 {
		ttl = DefaultDedupeTTL
	}
	key := kvstore.SeenKey(eventID)

	claimed, err := store.CAS(ctx, key, nil, true)
	if err != nil {
		return false, fmt.Errorf("claim ledger key %s: %w", key, err)
	}
	if !claimed {
		return false, nil
	}
	// CAS-created entries carry the bucket TTL; refresh explicitly for
	// stores with per-key expiry.
	if err := store.Set(ctx, key, true, ttl); err != nil {
		return true, fmt.Errorf("refresh ledger key %s: %w", key, err)
	}
	return true, nil
}

// ForgetEvent releases a ledger claim so eventID can be processed again.
// Used when the work behind a claim fails after the claim was recorded.
func ForgetEvent(ctx context.Context, store kvstore.Store, eventID string) error {
	key := kvstore.SeenKey(eventID)
	if err := store.Delete(ctx, key); err != nil {
		return fmt.Errorf("release ledger key %s: %w", key, err)
	}
	return nil
}

// Once executes fn only if key has not been claimed within the TTL window.
// The claim happens before fn so concurrent callers cannot both execute;
// a failed fn releases the claim so a later caller can retry. Returns
// whether fn was executed.
func Once(ctx context.Context, store kvstore.Store, key string, ttl time.Duration, fn func() error) (bool, error) {
	claimed, err := store.CAS(ctx, key, nil, true)
	if err != nil {
		return false, fmt.Errorf("claim once key %s: %w", key, err)
	}
	if !claimed {
		return false, nil
	}

	if err := fn(); err != nil {
		if delErr := store.Delete(ctx, key); delErr != nil {
			return true, fmt.Errorf("%w (release failed: %v)", err, delErr)
		}
		return true, err
	}

	if ttl > 0 {
		if err := store.Set(ctx, key, true, ttl); err != nil {
			return true, fmt.Errorf("mark once key %s: %w", key, err)
		}
	}
	return true, nil
}
