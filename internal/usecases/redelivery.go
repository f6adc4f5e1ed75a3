package usecases

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"chatbridge/internal/entities"
)

// Router routes one normalized message.
type Router interface {
	Route(ctx context.Context, msg entities.Message) (*entities.RoutingResult, error)
}

// Redelivery retries failed messages in process for transports that never
// resend them, such as Telegram long polling once the update offset moved.
// A failed Route releases its claim, so each retry runs the message again.
type Redelivery struct {
	router   Router
	attempts int
	backoff  time.Duration
	wait     func(ctx context.Context, d time.Duration) error
	log      logrus.FieldLogger
}

func NewRedelivery(router Router, attempts int, backoff time.Duration, log logrus.FieldLogger) *Redelivery {
	if attempts < 1 {
		attempts = 1
	}
	return &Redelivery{router: router, attempts: attempts, backoff: backoff, wait: sleepCtx, log: log}
}

// Route calls the router until it succeeds, the error is permanent or the
// attempts run out. The backoff doubles after every failure.
func (r *Redelivery) Route(ctx context.Context, msg entities.Message) (*entities.RoutingResult, error) {
	delay := r.backoff
	for attempt := 1; ; attempt++ {
		res, err := r.router.Route(ctx, msg)
		if err == nil || attempt >= r.attempts || !retryable(err) {
			return res, err
		}
		r.log.WithError(err).WithFields(logrus.Fields{
			"message_id": msg.ID,
			"attempt":    attempt,
			"retry_in":   delay,
		}).Warn("routing failed, redelivering")
		if werr := r.wait(ctx, delay); werr != nil {
			return res, err
		}
		delay *= 2
	}
}

func retryable(err error) bool {
	return !errors.Is(err, entities.ErrValidation) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
