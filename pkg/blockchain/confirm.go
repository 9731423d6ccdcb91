package blockchain

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/oxzoid/attendpay/pkg/db"
	"github.com/oxzoid/attendpay/pkg/models"
)

// RegisterStore is the slice of *db.Store the confirmer needs.
type RegisterStore interface {
	GetTransaction(ctx context.Context, event, user string) (*models.Transaction, error)
	SetRegisterState(ctx context.Context, id, from, to string) (bool, error)
}

// TxLookup is satisfied by ChainBackend and *ethclient.Client.
type TxLookup interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
}

// Confirmer promotes sent registrations once they are mined.
type Confirmer struct {
	store RegisterStore
	chain TxLookup
	log   *zap.Logger
}

func NewConfirmer(store RegisterStore, chain TxLookup, logger *zap.Logger) *Confirmer {
	return &Confirmer{store: store, chain: chain, log: logger}
}

// UpdateTransaction checks every sent register entry of (event, user) and
// marks it confirmed when the node no longer reports it pending. Lookup
// failures leave the entry untouched for the next call.
func (c *Confirmer) UpdateTransaction(ctx context.Context, event, user string) error {
	t, err := c.store.GetTransaction(ctx, event, user)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, r := range t.Register {
		if r.State != models.StateSent || r.TxHash == "" {
			continue
		}
		_, pending, err := c.chain.TransactionByHash(ctx, common.HexToHash(r.TxHash))
		if errors.Is(err, ethereum.NotFound) {
			continue
		}
		if err != nil {
			c.log.Warn("transaction lookup failed", zap.String("tx_hash", r.TxHash), zap.Error(err))
			continue
		}
		if pending {
			continue
		}
		ok, err := c.store.SetRegisterState(ctx, r.ID, models.StateSent, models.StateConfirmed)
		if err != nil {
			return err
		}
		if ok {
			c.log.Info("registration confirmed",
				zap.String("event", event),
				zap.String("user", user),
				zap.String("tx_hash", r.TxHash))
		}
	}
	return nil
}
