package settlement

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/oxzoid/attendpay/pkg/apierr"
	"github.com/oxzoid/attendpay/pkg/blockchain"
	"github.com/oxzoid/attendpay/pkg/db"
	"github.com/oxzoid/attendpay/pkg/models"
	"github.com/oxzoid/attendpay/pkg/payu"
	"github.com/oxzoid/attendpay/pkg/reference"
)

const (
	testEvent    = "bitcoin-pizza-day-2020"
	testUser     = "0x748c886A5aE916A08A493a29a5ff93880Ee000eD"
	testContract = "0xFd4F6865A2C5a7a80436991c033dCa5697a808d7"
	testEnv      = "testing"
	testFeeWei   = "100000000000000000" // 0.1 ETH
)

var testRef = reference.Encode(testEvent, testUser, 0, testEnv)

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	database, err := db.Open("file:" + filepath.Join(t.TempDir(), "settlement.db") + "?_pragma=busy_timeout=5000&_txlock=immediate")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.EnsureSchema(database))
	s := db.NewStore(database)
	require.NoError(t, s.PutEvent(context.Background(), models.Event{
		URL:       testEvent,
		Address:   testContract,
		FeeWei:    testFeeWei,
		Organizer: testUser,
	}))
	return s
}

type fakeFetcher struct {
	payment *payu.Payment
	err     error
}

func (f *fakeFetcher) PaymentFetcher(context.Context, string) (*payu.Payment, error) {
	return f.payment, f.err
}

type fakeConverter struct {
	price decimal.Decimal
	err   error
}

func (c fakeConverter) USDToWei(_ context.Context, usd decimal.Decimal) (*big.Int, decimal.Decimal, error) {
	if c.err != nil {
		return nil, decimal.Zero, c.err
	}
	return usd.Div(c.price).Shift(18).BigInt(), c.price, nil
}

type registerCall struct {
	contract, attendee common.Address
	fee                *big.Int
}

type fakeRegistrar struct {
	mu     sync.Mutex
	calls  []registerCall
	result blockchain.Result
	err    error
	onCall func()
}

func (r *fakeRegistrar) RegisterFor(_ context.Context, contract, attendee common.Address, fee *big.Int) (blockchain.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, registerCall{contract, attendee, fee})
	if r.onCall != nil {
		r.onCall()
	}
	return r.result, r.err
}

func (r *fakeRegistrar) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func approvedPush() models.PushEntry {
	return models.PushEntry{
		ReferenceCode: testRef,
		Date:          time.Now().UTC(),
		Amount:        "25.2",
		Currency:      "USD",
		State:         models.PaymentApproved,
	}
}

func approvedPull() *payu.Payment {
	return &payu.Payment{ReferenceCode: testRef, State: models.PaymentApproved, Amount: "25.20", Currency: "USD"}
}

type harness struct {
	store     *db.Store
	fetcher   *fakeFetcher
	converter fakeConverter
	registrar *fakeRegistrar
}

func newHarness(t *testing.T) *harness {
	return &harness{
		store:     newTestStore(t),
		fetcher:   &fakeFetcher{payment: approvedPull()},
		converter: fakeConverter{price: decimal.NewFromInt(200)},
		registrar: &fakeRegistrar{result: blockchain.Result{State: models.StateSent, TxHash: "0xabc"}},
	}
}

func (h *harness) orchestrator() *Orchestrator {
	return NewOrchestrator(h.store, h.fetcher, h.converter, h.registrar, decimal.RequireFromString("0.9"), zap.NewNop())
}

func (h *harness) register(t *testing.T) []models.RegisterEntry {
	t.Helper()
	tx, err := h.store.GetTransaction(context.Background(), testEvent, testUser)
	require.NoError(t, err)
	return tx.Register
}

func TestProcessPaymentRegisters(t *testing.T) {
	h := newHarness(t)
	entry, err := h.orchestrator().ProcessPayment(context.Background(), Payment{Event: testEvent, User: testUser, Push: approvedPush()})
	require.NoError(t, err)
	assert.Equal(t, models.StateSent, entry.State)

	require.Equal(t, 1, h.registrar.count())
	call := h.registrar.calls[0]
	assert.Equal(t, common.HexToAddress(testContract), call.contract)
	assert.Equal(t, common.HexToAddress(testUser), call.attendee)
	assert.Equal(t, testFeeWei, call.fee.String())

	reg := h.register(t)
	require.Len(t, reg, 1)
	assert.Equal(t, models.StateSent, reg[0].State)
	assert.Equal(t, "0xabc", reg[0].TxHash)
	assert.Equal(t, testRef, reg[0].ReferenceCode)
	assert.Equal(t, testFeeWei, reg[0].FeeWei)
	assert.Equal(t, "200", reg[0].ETHPrice)
	assert.Empty(t, reg[0].Error)
}

func TestProcessPaymentRecordsOutcomeAfterDeadline(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.registrar.onCall = cancel

	entry, err := h.orchestrator().ProcessPayment(ctx, Payment{Event: testEvent, User: testUser, Push: approvedPush()})
	require.NoError(t, err)
	assert.Equal(t, models.StateSent, entry.State)

	reg := h.register(t)
	require.Len(t, reg, 1)
	assert.Equal(t, models.StateSent, reg[0].State)
	assert.Equal(t, "0xabc", reg[0].TxHash)
}

func TestProcessPaymentFailures(t *testing.T) {
	cases := []struct {
		name  string
		setup func(h *harness, p *Payment)
		code  apierr.Code
	}{
		{"declined push", func(h *harness, p *Payment) { p.Push.State = models.PaymentDeclined }, apierr.PaymentNotApproved},
		{"foreign currency", func(h *harness, p *Payment) { p.Push.Currency = "COP" }, apierr.InvalidCurrency},
		{"unknown event", func(h *harness, p *Payment) { p.Event = "no-such-event" }, apierr.EventNonexistent},
		{"short payment", func(h *harness, p *Payment) { p.Push.Amount = "17.9" }, apierr.InvalidFee},
		{"price feed down", func(h *harness, p *Payment) { h.converter.err = apierr.Unavailable("down") }, apierr.ServiceUnavailable},
		{"no pull payment", func(h *harness, p *Payment) { h.fetcher.payment = nil }, apierr.PaymentNonexistent},
		{"gateway error", func(h *harness, p *Payment) { h.fetcher.err = apierr.Unavailable("ERROR") }, apierr.PaymentNonexistent},
		{"pull pending", func(h *harness, p *Payment) { h.fetcher.payment.State = models.PaymentPending }, apierr.InvalidPayment},
		{"pull currency", func(h *harness, p *Payment) { h.fetcher.payment.Currency = "COP" }, apierr.InvalidPayment},
		{"pull amount", func(h *harness, p *Payment) { h.fetcher.payment.Amount = "25.19" }, apierr.InvalidPayment},
		{"signer unavailable", func(h *harness, p *Payment) { h.registrar.err = errors.New("dial tcp") }, apierr.ServiceUnavailable},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := newHarness(t)
			p := Payment{Event: testEvent, User: testUser, Push: approvedPush()}
			c.setup(h, &p)

			entry, err := h.orchestrator().ProcessPayment(context.Background(), p)
			require.NoError(t, err)
			assert.Equal(t, models.StateNotSent, entry.State)
			assert.Equal(t, string(c.code), entry.Error)

			tx, err := h.store.GetTransaction(context.Background(), p.Event, testUser)
			require.NoError(t, err)
			require.Len(t, tx.Register, 1)
			assert.Equal(t, models.StateNotSent, tx.Register[0].State)
			assert.Equal(t, string(c.code), tx.Register[0].Error)

			if c.code != apierr.ServiceUnavailable || h.registrar.err == nil {
				assert.Zero(t, h.registrar.count())
			}
		})
	}
}

func TestProcessPaymentShortPaymentAtThreshold(t *testing.T) {
	h := newHarness(t)
	p := Payment{Event: testEvent, User: testUser, Push: approvedPush()}
	// 18 USD at 200 USD/ETH is 0.09 ETH, exactly 90% of the fee
	p.Push.Amount = "18"
	h.fetcher.payment.Amount = "18.00"

	entry, err := h.orchestrator().ProcessPayment(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, models.StateSent, entry.State)
}

func TestProcessPaymentShortPaymentLogsETHAmounts(t *testing.T) {
	h := newHarness(t)
	core, logs := observer.New(zap.InfoLevel)
	o := NewOrchestrator(h.store, h.fetcher, h.converter, h.registrar, decimal.RequireFromString("0.9"), zap.New(core))
	p := Payment{Event: testEvent, User: testUser, Push: approvedPush()}
	p.Push.Amount = "10"

	entry, err := o.ProcessPayment(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, string(apierr.InvalidFee), entry.Error)

	failed := logs.FilterMessage("payment not settled").All()
	require.Len(t, failed, 1)
	assert.Equal(t, "paid 0.05 ETH, fee 0.1 ETH", failed[0].ContextMap()["error"])
}

func TestProcessPaymentAlreadyRegistered(t *testing.T) {
	h := newHarness(t)
	h.registrar.result = blockchain.Result{State: models.StateAlreadyRegistered}

	entry, err := h.orchestrator().ProcessPayment(context.Background(), Payment{Event: testEvent, User: testUser, Push: approvedPush()})
	require.NoError(t, err)
	assert.Equal(t, models.StateAlreadyRegistered, entry.State)
	assert.Equal(t, string(apierr.AlreadyRegistered), entry.Error)
}

func TestProcessPaymentIsIdempotent(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator()
	p := Payment{Event: testEvent, User: testUser, Push: approvedPush()}

	_, err := o.ProcessPayment(context.Background(), p)
	require.NoError(t, err)
	second, err := o.ProcessPayment(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, string(apierr.PaymentAlreadyProcessed), second.Error)

	reg := h.register(t)
	require.Len(t, reg, 2)
	assert.Equal(t, models.StateSent, reg[0].State)
	assert.Equal(t, models.StateNotSent, reg[1].State)
	assert.Equal(t, string(apierr.PaymentAlreadyProcessed), reg[1].Error)
	assert.Equal(t, 1, h.registrar.count())
}

func TestProcessPaymentConcurrentDuplicates(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator()
	p := Payment{Event: testEvent, User: testUser, Push: approvedPush()}

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.ProcessPayment(context.Background(), p)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.registrar.count())
	var processed, duplicates int
	for _, r := range h.register(t) {
		if r.Error == string(apierr.PaymentAlreadyProcessed) {
			duplicates++
		} else {
			processed++
		}
	}
	assert.Equal(t, 1, processed)
	assert.Equal(t, 5, duplicates)
}
