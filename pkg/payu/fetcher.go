package payu

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/oxzoid/attendpay/pkg/models"
)

// PaymentSource is what the fetcher polls. *Client implements it.
type PaymentSource interface {
	FetchPayment(ctx context.Context, referenceCode string) (*Payment, error)
}

// Fetcher retries a PaymentSource a fixed number of times at a fixed
// interval while the payment is missing or pending.
type Fetcher struct {
	source   PaymentSource
	attempts int
	interval time.Duration
	log      *zap.Logger
}

func NewFetcher(source PaymentSource, attempts int, interval time.Duration, logger *zap.Logger) *Fetcher {
	if attempts < 1 {
		attempts = 1
	}
	return &Fetcher{source: source, attempts: attempts, interval: interval, log: logger}
}

// PaymentFetcher returns the last observed payment, which may still be
// pending or nil. Callers treat that as "not yet confirmable".
func (f *Fetcher) PaymentFetcher(ctx context.Context, referenceCode string) (*Payment, error) {
	var last *Payment
	for i := 0; i < f.attempts; i++ {
		p, err := f.source.FetchPayment(ctx, referenceCode)
		if err != nil {
			return nil, err
		}
		last = p
		if p != nil && p.State != models.PaymentPending {
			return p, nil
		}
		if i == f.attempts-1 {
			break
		}
		f.log.Debug("payment not final, retrying",
			zap.String("reference_code", referenceCode),
			zap.Int("attempt", i+1),
			zap.Duration("interval", f.interval))
		if err := sleep(ctx, f.interval); err != nil {
			return last, err
		}
	}
	return last, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
