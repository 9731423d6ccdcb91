package settlement

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/oxzoid/attendpay/pkg/db"
	"github.com/oxzoid/attendpay/pkg/models"
	"github.com/oxzoid/attendpay/pkg/payu"
	"github.com/oxzoid/attendpay/pkg/reference"
)

// maxScan bounds a single counter scan.
const maxScan = 1000

type PullLog interface {
	GetTransaction(ctx context.Context, event, user string) (*models.Transaction, error)
	AppendPull(ctx context.Context, event, user string, p models.PullEntry) error
	ReplacePull(ctx context.Context, event, user string, position int, p models.PullEntry) error
}

// Aggregator mirrors the gateway's order history for an (event, user) into
// the pull stream. Entry i of the stream is always counter firstCounter+i.
type Aggregator struct {
	store        PullLog
	source       payu.PaymentSource
	env          string
	firstCounter int
	log          *zap.Logger

	locks sync.Map // "event\x00user" -> *sync.Mutex
}

func NewAggregator(store PullLog, source payu.PaymentSource, env string, firstCounter int, logger *zap.Logger) *Aggregator {
	return &Aggregator{store: store, source: source, env: env, firstCounter: firstCounter, log: logger}
}

func (a *Aggregator) lock(event, user string) func() {
	v, _ := a.locks.LoadOrStore(event+"\x00"+user, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// UpdateTransaction refreshes a pending tail entry in place, then appends
// every order found at the following counters. Running it again without new
// gateway activity changes nothing.
func (a *Aggregator) UpdateTransaction(ctx context.Context, event, user string) error {
	defer a.lock(event, user)()

	t, err := a.store.GetTransaction(ctx, event, user)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return err
	}

	next := a.firstCounter
	if last, pos, ok := t.LastPull(); ok {
		next = last.Counter + 1
		if last.State == models.PaymentPending {
			p, err := a.source.FetchPayment(ctx, last.ReferenceCode)
			if err != nil {
				return err
			}
			if p != nil && p.State != models.PaymentPending {
				if err := a.store.ReplacePull(ctx, event, user, pos, p.Entry(last.Counter)); err != nil && !errors.Is(err, db.ErrNotFound) {
					return err
				}
				a.log.Info("pending payment resolved",
					zap.String("reference_code", last.ReferenceCode),
					zap.String("state", p.State))
			}
		}
	}

	found, err := a.FindLatestPayments(ctx, event, user, next)
	for _, p := range found {
		if err := a.store.AppendPull(ctx, event, user, p); err != nil {
			return err
		}
	}
	return err
}

// FindLatestPayments queries consecutive counters starting at from and stops
// at the first one the gateway does not know. Entries found before a gateway
// error are returned together with the error.
func (a *Aggregator) FindLatestPayments(ctx context.Context, event, user string, from int) ([]models.PullEntry, error) {
	var found []models.PullEntry
	for counter := from; counter < from+maxScan; counter++ {
		ref := reference.Encode(event, user, counter, a.env)
		p, err := a.source.FetchPayment(ctx, ref)
		if err != nil {
			return found, err
		}
		if p == nil {
			break
		}
		found = append(found, p.Entry(counter))
	}
	return found, nil
}
