// Package settlement turns authenticated gateway payments into on-chain event
// registrations and keeps the per-attendee transaction log current.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/oxzoid/attendpay/pkg/apierr"
	"github.com/oxzoid/attendpay/pkg/blockchain"
	"github.com/oxzoid/attendpay/pkg/db"
	"github.com/oxzoid/attendpay/pkg/fees"
	"github.com/oxzoid/attendpay/pkg/models"
	"github.com/oxzoid/attendpay/pkg/payu"
)

// SettlementCurrency is the only currency accepted for registrations.
const SettlementCurrency = "USD"

// Failure is a settlement precondition that did not hold. It is recorded on
// the transaction log, never returned to an HTTP caller.
type Failure struct {
	Code apierr.Code
	Err  error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", f.Code, f.Err)
	}
	return string(f.Code)
}

func (f *Failure) Unwrap() error { return f.Err }

func fail(code apierr.Code, err error) *Failure {
	return &Failure{Code: code, Err: err}
}

// Payment is an authenticated push payment addressed to (Event, User).
type Payment struct {
	Event string
	User  string
	Push  models.PushEntry
}

type RegisterLog interface {
	GetEvent(ctx context.Context, url string) (*models.Event, error)
	ClaimRegistration(ctx context.Context, event, user string, r models.RegisterEntry) (string, error)
	AppendRegister(ctx context.Context, event, user string, r models.RegisterEntry) (string, error)
	UpdateRegister(ctx context.Context, id string, r models.RegisterEntry) error
}

type PaymentFetcher interface {
	PaymentFetcher(ctx context.Context, referenceCode string) (*payu.Payment, error)
}

type FeeConverter interface {
	USDToWei(ctx context.Context, usd decimal.Decimal) (*big.Int, decimal.Decimal, error)
}

type Registrar interface {
	RegisterFor(ctx context.Context, contract, attendee common.Address, feeWei *big.Int) (blockchain.Result, error)
}

const recordTimeout = 10 * time.Second

type Orchestrator struct {
	store     RegisterLog
	fetcher   PaymentFetcher
	converter FeeConverter
	registrar Registrar
	threshold decimal.Decimal
	log       *zap.Logger
}

func NewOrchestrator(store RegisterLog, fetcher PaymentFetcher, converter FeeConverter, registrar Registrar, threshold decimal.Decimal, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		store:     store,
		fetcher:   fetcher,
		converter: converter,
		registrar: registrar,
		threshold: threshold,
		log:       logger,
	}
}

// ProcessPayment runs the settlement checks in order and registers the user
// when all of them hold. Every outcome ends up as a register entry; the
// returned error is reserved for storage failures.
func (o *Orchestrator) ProcessPayment(ctx context.Context, p Payment) (models.RegisterEntry, error) {
	log := o.log.With(
		zap.String("reference_code", p.Push.ReferenceCode),
		zap.String("event", p.Event),
		zap.String("user", p.User))

	entry := models.RegisterEntry{
		ReferenceCode: p.Push.ReferenceCode,
		Date:          time.Now().UTC(),
		Amount:        p.Push.Amount,
		Currency:      p.Push.Currency,
	}

	if f := precheck(p.Push); f != nil {
		log.Info("payment not settled", zap.String("code", string(f.Code)))
		entry.State = models.StateNotSent
		entry.Error = string(f.Code)
		_, err := o.store.AppendRegister(ctx, p.Event, p.User, entry)
		return entry, err
	}

	id, err := o.store.ClaimRegistration(ctx, p.Event, p.User, entry)
	if errors.Is(err, db.ErrAlreadyClaimed) {
		log.Info("payment already processed")
		entry.State = models.StateNotSent
		entry.Error = string(apierr.PaymentAlreadyProcessed)
		_, err := o.store.AppendRegister(ctx, p.Event, p.User, entry)
		return entry, err
	}
	if err != nil {
		return entry, fmt.Errorf("claim %s: %w", p.Push.ReferenceCode, err)
	}

	result, feeWei, price, f := o.settle(ctx, p)
	if feeWei != nil {
		entry.FeeWei = feeWei.String()
	}
	if !price.IsZero() {
		entry.ETHPrice = price.String()
	}
	if f != nil {
		log.Info("payment not settled", zap.String("code", string(f.Code)), zap.Error(f.Err))
		entry.State = models.StateNotSent
		entry.Error = string(f.Code)
	} else {
		entry.State = result.State
		entry.TxHash = result.TxHash
		entry.Error = result.Message
		if result.State == models.StateAlreadyRegistered {
			entry.Error = string(apierr.AlreadyRegistered)
		}
		log.Info("registration attempted", zap.String("state", result.State), zap.String("tx_hash", result.TxHash))
	}
	// the outcome is recorded even when the job deadline passed mid-broadcast
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := o.store.UpdateRegister(recordCtx, id, entry); err != nil {
		log.Error("registration outcome not recorded",
			zap.String("entry_id", id),
			zap.String("state", entry.State),
			zap.String("tx_hash", entry.TxHash),
			zap.String("code", entry.Error),
			zap.Error(err))
		return entry, fmt.Errorf("record registration %s: %w", p.Push.ReferenceCode, err)
	}
	entry.ID = id
	return entry, nil
}

func precheck(push models.PushEntry) *Failure {
	if push.State != models.PaymentApproved {
		return fail(apierr.PaymentNotApproved, nil)
	}
	if push.Currency != SettlementCurrency {
		return fail(apierr.InvalidCurrency, nil)
	}
	return nil
}

// settle runs the checks that follow the claim and, if they pass, sends the
// registration. It returns the event fee and the price snapshot it used.
func (o *Orchestrator) settle(ctx context.Context, p Payment) (blockchain.Result, *big.Int, decimal.Decimal, *Failure) {
	event, err := o.store.GetEvent(ctx, p.Event)
	if err != nil {
		return blockchain.Result{}, nil, decimal.Zero, fail(apierr.EventNonexistent, err)
	}
	feeWei, ok := new(big.Int).SetString(event.FeeWei, 10)
	if !ok || !common.IsHexAddress(event.Address) {
		return blockchain.Result{}, nil, decimal.Zero, fail(apierr.EventNonexistent, fmt.Errorf("event %s is misconfigured", event.URL))
	}

	amount, err := decimal.NewFromString(p.Push.Amount)
	if err != nil {
		return blockchain.Result{}, feeWei, decimal.Zero, fail(apierr.InvalidFee, err)
	}
	paidWei, price, err := o.converter.USDToWei(ctx, amount)
	if err != nil {
		return blockchain.Result{}, feeWei, decimal.Zero, fail(apierr.ServiceUnavailable, err)
	}
	if !fees.CheckFee(feeWei, paidWei, o.threshold) {
		return blockchain.Result{}, feeWei, price, fail(apierr.InvalidFee, fmt.Errorf("paid %s ETH, fee %s ETH", fees.WeiToETH(paidWei), fees.WeiToETH(feeWei)))
	}

	pull, err := o.fetcher.PaymentFetcher(ctx, p.Push.ReferenceCode)
	if err != nil {
		return blockchain.Result{}, feeWei, price, fail(apierr.PaymentNonexistent, err)
	}
	if pull == nil {
		return blockchain.Result{}, feeWei, price, fail(apierr.PaymentNonexistent, nil)
	}
	if err := matchPull(p.Push, pull); err != nil {
		return blockchain.Result{}, feeWei, price, fail(apierr.InvalidPayment, err)
	}

	result, err := o.registrar.RegisterFor(ctx, common.HexToAddress(event.Address), common.HexToAddress(p.User), feeWei)
	if err != nil {
		return blockchain.Result{}, feeWei, price, fail(apierr.ServiceUnavailable, err)
	}
	return result, feeWei, price, nil
}

// matchPull requires the gateway's own record to agree with the webhook.
func matchPull(push models.PushEntry, pull *payu.Payment) error {
	if pull.State != models.PaymentApproved {
		return fmt.Errorf("pull state %s", pull.State)
	}
	if pull.Currency != push.Currency {
		return fmt.Errorf("pull currency %s, push currency %s", pull.Currency, push.Currency)
	}
	pushAmount, err := decimal.NewFromString(push.Amount)
	if err != nil {
		return err
	}
	pullAmount, err := decimal.NewFromString(pull.Amount)
	if err != nil {
		return fmt.Errorf("pull amount %q: %w", pull.Amount, err)
	}
	if !pushAmount.Equal(pullAmount) {
		return fmt.Errorf("pull amount %s, push amount %s", pull.Amount, push.Amount)
	}
	return nil
}
