package settlement

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/oxzoid/attendpay/pkg/db"
	"github.com/oxzoid/attendpay/pkg/models"
)

type TransactionReader interface {
	GetTransaction(ctx context.Context, event, user string) (*models.Transaction, error)
}

// TransactionUpdater refreshes one (event, user) record.
type TransactionUpdater interface {
	UpdateTransaction(ctx context.Context, event, user string) error
}

// Service answers transaction queries after bringing the record up to date.
type Service struct {
	store      TransactionReader
	aggregator TransactionUpdater
	confirmer  TransactionUpdater
	log        *zap.Logger
}

func NewService(store TransactionReader, aggregator, confirmer TransactionUpdater, logger *zap.Logger) *Service {
	return &Service{store: store, aggregator: aggregator, confirmer: confirmer, log: logger}
}

// Transaction refreshes the pull stream and register confirmations, then
// returns the record. A pair with no activity yields empty streams.
// Confirmation lookups are best effort; gateway failures are returned.
func (s *Service) Transaction(ctx context.Context, event, user string) (*models.Transaction, error) {
	if err := s.aggregator.UpdateTransaction(ctx, event, user); err != nil {
		return nil, err
	}
	if err := s.confirmer.UpdateTransaction(ctx, event, user); err != nil {
		s.log.Warn("confirmation refresh failed", zap.String("event", event), zap.String("user", user), zap.Error(err))
	}
	t, err := s.store.GetTransaction(ctx, event, user)
	if errors.Is(err, db.ErrNotFound) {
		return &models.Transaction{
			Event:    event,
			User:     user,
			Push:     []models.PushEntry{},
			Pull:     []models.PullEntry{},
			Register: []models.RegisterEntry{},
		}, nil
	}
	return t, err
}

type SentLister interface {
	WithRegisterState(ctx context.Context, state string) ([]db.TransactionKey, error)
	StaleRegistrations(ctx context.Context, cutoff time.Time) ([]db.StaleRegistration, error)
}

// StaleClaimAge is how long a claimed registration may stay CREATED before
// the sweep reports it.
const StaleClaimAge = 15 * time.Minute

// StartConfirmationScheduler periodically confirms sent registrations that
// no client has polled for, and reports claims that never got an outcome.
// It stops when ctx is done.
func StartConfirmationScheduler(ctx context.Context, store SentLister, confirmer TransactionUpdater, interval time.Duration, logger *zap.Logger) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			sweep(ctx, store, confirmer, time.Now().Add(-StaleClaimAge), logger)
		}
	}()
}

// sweep runs one confirmation pass and returns the stale claims it reported.
func sweep(ctx context.Context, store SentLister, confirmer TransactionUpdater, staleBefore time.Time, logger *zap.Logger) []db.StaleRegistration {
	keys, err := store.WithRegisterState(ctx, models.StateSent)
	if err != nil {
		logger.Error("failed to list sent registrations", zap.Error(err))
	}
	for _, k := range keys {
		if err := confirmer.UpdateTransaction(ctx, k.Event, k.User); err != nil {
			logger.Warn("confirmation sweep failed", zap.String("event", k.Event), zap.String("user", k.User), zap.Error(err))
		}
	}

	stale, err := store.StaleRegistrations(ctx, staleBefore)
	if err != nil {
		logger.Error("failed to list stale registrations", zap.Error(err))
		return nil
	}
	for _, r := range stale {
		logger.Warn("registration claimed without outcome",
			zap.String("entry_id", r.ID),
			zap.String("reference_code", r.ReferenceCode),
			zap.String("event", r.Event),
			zap.String("user", r.User),
			zap.Time("claimed_at", r.Date))
	}
	return stale
}
