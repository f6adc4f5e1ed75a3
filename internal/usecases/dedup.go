package usecases

import (
	"context"
	"time"

	"chatbridge/internal/interfaces"
)

// DedupController guards against redelivered messages and throttles AI
// replies per conversation. All state lives in the injected store.
type DedupController struct {
	store interfaces.StateStore
	now   func() time.Time
}

func NewDedupController(store interfaces.StateStore, now func() time.Time) *DedupController {
	if now == nil {
		now = time.Now
	}
	return &DedupController{store: store, now: now}
}

func (d *DedupController) IsProcessed(ctx context.Context, key string) (bool, error) {
	return d.store.IsProcessed(ctx, key)
}

func (d *DedupController) MarkProcessed(ctx context.Context, key string) error {
	_, err := d.store.Claim(ctx, key)
	return err
}

// TryClaim marks key processed and reports whether this caller owns it.
func (d *DedupController) TryClaim(ctx context.Context, key string) (bool, error) {
	return d.store.Claim(ctx, key)
}

// Release forgets a claim so a redelivery can be processed again.
func (d *DedupController) Release(ctx context.Context, key string) error {
	return d.store.Release(ctx, key)
}

func (d *DedupController) IsOnCooldown(ctx context.Context, key string, window time.Duration) (bool, error) {
	if window <= 0 {
		return false, nil
	}
	last, ok, err := d.store.LastResponse(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	return d.now().Sub(last) < window, nil
}

func (d *DedupController) RecordResponse(ctx context.Context, key string) error {
	return d.store.Record(ctx, key, d.now())
}

// TryAcquireCooldown checks the window and records the response in one step.
// A false result means the reply must be dropped. The returned time
// identifies the acquire for ReleaseCooldown.
func (d *DedupController) TryAcquireCooldown(ctx context.Context, key string, window time.Duration) (time.Time, bool, error) {
	if window < 0 {
		window = 0
	}
	now := d.now()
	ok, err := d.store.TryAcquire(ctx, key, window, now)
	return now, ok, err
}

// ReleaseCooldown gives back a slot whose reply could not be delivered.
func (d *DedupController) ReleaseCooldown(ctx context.Context, key string, acquiredAt time.Time) error {
	return d.store.ReleaseCooldown(ctx, key, acquiredAt)
}
