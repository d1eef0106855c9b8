// Package idempotency gates side-effecting operations behind caller-supplied
// keys so retries replay cached results instead of re-executing.
//
// The claim insert is its own commit point, deliberately outside the guarded
// operation's transaction: a claim survives the operation failing, so a retry
// with the same key reports a conflict instead of silently re-running. Claims
// clear only by TTL expiry.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/convohubhq/convohub/pkg/model"
	"github.com/convohubhq/convohub/pkg/store"
)

// TTL is how long a record - completed or in flight - stays authoritative.
const TTL = 24 * time.Hour

const (
	minKeyLength = 10
	maxKeyLength = 100
)

var keyPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ErrConflict is returned when the key is already claimed: either the
// operation is still in flight, or a concurrent request won the insert race.
var ErrConflict = errors.New("idempotency key already in use for this operation")

// InvalidKeyError is returned for a malformed idempotency key.
type InvalidKeyError struct {
	Reason string
}

func (e InvalidKeyError) Error() string {
	return "invalid idempotency key: " + e.Reason
}

// ValidateKey checks length and charset. It runs before any store access.
func ValidateKey(key string) error {
	if len(key) < minKeyLength || len(key) > maxKeyLength {
		return InvalidKeyError{Reason: fmt.Sprintf("length must be %d-%d characters", minKeyLength, maxKeyLength)}
	}
	if !keyPattern.MatchString(key) {
		return InvalidKeyError{Reason: "only letters, digits, underscore and hyphen are allowed"}
	}
	return nil
}

// Coordinator implements the at-most-once gate over a store.
type Coordinator struct {
	store store.Store
	now   func() time.Time
}

// NewCoordinator creates a Coordinator backed by the given store. The store
// must be the base store, not a transaction: claims commit independently of
// the guarded operation.
func NewCoordinator(s store.Store) *Coordinator {
	return &Coordinator{store: s, now: time.Now}
}

// CheckAndLock claims (key, operation). It returns the cached result when a
// completed record is younger than the TTL, (nil, nil) when the caller should
// proceed (a placeholder claim is now in place), ErrConflict when the key is
// in flight or lost a race, or a validation error for malformed keys.
func (c *Coordinator) CheckAndLock(ctx context.Context, key, operation string) (json.RawMessage, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	rec, err := c.store.GetIdempotency(ctx, key, operation)
	if err != nil {
		return nil, fmt.Errorf("looking up idempotency record: %w", err)
	}
	if rec != nil {
		if c.now().Sub(rec.CreatedAt) > TTL {
			if err := c.store.DeleteIdempotency(ctx, key, operation); err != nil {
				return nil, fmt.Errorf("expiring idempotency record: %w", err)
			}
		} else {
			if rec.Result == nil {
				return nil, ErrConflict
			}
			return rec.Result, nil
		}
	}

	placeholder := &model.IdempotencyRecord{
		ID:        model.NewID(),
		Key:       key,
		Operation: operation,
		CreatedAt: c.now().UTC(),
		UpdatedAt: c.now().UTC(),
	}
	if err := c.store.CreateIdempotency(ctx, placeholder); err != nil {
		if store.IsDuplicate(err) {
			// Two identical requests raced; the other one holds the claim.
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("claiming idempotency key: %w", err)
	}
	return nil, nil
}

// StoreResult records the operation's outcome against an existing claim.
// Call it only after CheckAndLock returned (nil, nil).
func (c *Coordinator) StoreResult(ctx context.Context, key, operation string, result any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("serializing idempotency result: %w", err)
	}

	rec, err := c.store.GetIdempotency(ctx, key, operation)
	if err != nil {
		return fmt.Errorf("looking up idempotency record: %w", err)
	}
	if rec == nil {
		return store.NotFoundError{Kind: "idempotency record", ID: key}
	}

	rec.Result = payload
	rec.UpdatedAt = c.now().UTC()
	if err := c.store.UpdateIdempotency(ctx, rec); err != nil {
		return fmt.Errorf("storing idempotency result: %w", err)
	}
	return nil
}
