package settlement

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/oxzoid/attendpay/pkg/apierr"
	"github.com/oxzoid/attendpay/pkg/models"
	"github.com/oxzoid/attendpay/pkg/payu"
	"github.com/oxzoid/attendpay/pkg/reference"
)

// gatewayOrders answers FetchPayment from a map keyed by counter.
type gatewayOrders struct {
	mu     sync.Mutex
	orders map[int]*payu.Payment
	calls  int
}

func (g *gatewayOrders) set(counter int, state, amount string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.orders == nil {
		g.orders = map[int]*payu.Payment{}
	}
	g.orders[counter] = &payu.Payment{
		ReferenceCode: reference.Encode(testEvent, testUser, counter, testEnv),
		State:         state,
		Amount:        amount,
		Currency:      "USD",
		Date:          time.Date(2020, 5, 22, 0, 0, 0, 0, time.UTC),
	}
}

func (g *gatewayOrders) FetchPayment(_ context.Context, ref string) (*payu.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	code, err := reference.Decode(ref)
	if err != nil {
		return nil, err
	}
	p, ok := g.orders[code.Counter]
	if !ok {
		return nil, nil
	}
	cp := *p
	cp.ReferenceCode = ref
	return &cp, nil
}

func pullStates(t *testing.T, store PullLog) []string {
	t.Helper()
	tx, err := store.GetTransaction(context.Background(), testEvent, testUser)
	require.NoError(t, err)
	var states []string
	for i, p := range tx.Pull {
		assert.Equal(t, i, p.Counter, "pull index matches counter")
		states = append(states, p.State)
	}
	return states
}

func TestAggregatorAppendsAndRefreshesPending(t *testing.T) {
	store := newTestStore(t)
	gw := &gatewayOrders{}
	gw.set(0, models.PaymentDeclined, "25.2")
	gw.set(1, models.PaymentApproved, "25.2")
	gw.set(2, models.PaymentPending, "25.2")
	a := NewAggregator(store, gw, testEnv, 0, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, a.UpdateTransaction(ctx, testEvent, testUser))
	assert.Equal(t, []string{models.PaymentDeclined, models.PaymentApproved, models.PaymentPending}, pullStates(t, store))

	// nothing changed at the gateway
	require.NoError(t, a.UpdateTransaction(ctx, testEvent, testUser))
	assert.Equal(t, []string{models.PaymentDeclined, models.PaymentApproved, models.PaymentPending}, pullStates(t, store))

	gw.set(2, models.PaymentApproved, "25.2")
	gw.set(3, models.PaymentDeclined, "10")
	require.NoError(t, a.UpdateTransaction(ctx, testEvent, testUser))
	assert.Equal(t, []string{models.PaymentDeclined, models.PaymentApproved, models.PaymentApproved, models.PaymentDeclined}, pullStates(t, store))

	require.NoError(t, a.UpdateTransaction(ctx, testEvent, testUser))
	assert.Len(t, pullStates(t, store), 4)
}

func TestAggregatorResolvedEntriesAreNotRefetched(t *testing.T) {
	store := newTestStore(t)
	gw := &gatewayOrders{}
	gw.set(0, models.PaymentApproved, "25.2")
	a := NewAggregator(store, gw, testEnv, 0, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, a.UpdateTransaction(ctx, testEvent, testUser))
	gw.mu.Lock()
	gw.calls = 0
	gw.mu.Unlock()

	require.NoError(t, a.UpdateTransaction(ctx, testEvent, testUser))
	assert.Equal(t, 1, gw.calls, "only the next counter is probed")
}

func TestAggregatorLegacyFirstCounter(t *testing.T) {
	store := newTestStore(t)
	gw := &gatewayOrders{}
	gw.set(0, models.PaymentApproved, "1")
	gw.set(1, models.PaymentApproved, "25.2")
	a := NewAggregator(store, gw, testEnv, 1, zap.NewNop())

	require.NoError(t, a.UpdateTransaction(context.Background(), testEvent, testUser))
	tx, err := store.GetTransaction(context.Background(), testEvent, testUser)
	require.NoError(t, err)
	require.Len(t, tx.Pull, 1)
	assert.Equal(t, 1, tx.Pull[0].Counter)
}

func TestFindLatestPaymentsStopsAtFirstGap(t *testing.T) {
	gw := &gatewayOrders{}
	gw.set(0, models.PaymentApproved, "25.2")
	gw.set(2, models.PaymentApproved, "25.2")
	a := NewAggregator(nil, gw, testEnv, 0, zap.NewNop())

	found, err := a.FindLatestPayments(context.Background(), testEvent, testUser, 0)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, reference.Encode(testEvent, testUser, 0, testEnv), found[0].ReferenceCode)
}

func TestReceiverRecordsPush(t *testing.T) {
	store := newTestStore(t)
	const key, merchant = "4Vj8eK4rloUd272L48hsrarnUA", "508029"
	r := NewReceiver(payu.NewAuthenticator(key, merchant), store, zap.NewNop())
	ref := reference.Encode(testEvent, testUser, 0, testEnv)
	body := map[string]string{
		"reference_sale": ref,
		"value":          "25.20",
		"currency":       "USD",
		"state_pol":      "4",
		"sign": payu.Sign(key, payu.HashParams{
			MerchantID:    merchant,
			ReferenceCode: ref,
			Amount:        payu.HashableAmount("25.20"),
			Currency:      "USD",
			State:         "4",
		}),
	}
	ctx := context.Background()

	p, err := r.Receive(ctx, Webhook{Body: body, IP: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, testEvent, p.Event)
	assert.Equal(t, testUser, p.User)
	assert.Equal(t, models.PaymentApproved, p.Push.State)

	tx, err := store.GetTransaction(ctx, testEvent, testUser)
	require.NoError(t, err)
	require.Len(t, tx.Push, 1)
	assert.Equal(t, "25.20", tx.Push[0].Amount)

	raw, err := store.GetRawPayment(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, body, raw.Body)
	assert.Equal(t, "10.0.0.1", raw.IP)

	body["value"] = "2.52"
	_, err = r.Receive(ctx, Webhook{Body: body})
	httpErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, httpErr.Status)
}

type recordingProcessor struct {
	mu   sync.Mutex
	seen []string
}

func (r *recordingProcessor) ProcessPayment(_ context.Context, p Payment) (models.RegisterEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, p.Push.ReferenceCode)
	return models.RegisterEntry{ReferenceCode: p.Push.ReferenceCode, State: models.StateSent}, nil
}

func TestQueueRunsJobsAndCallsBack(t *testing.T) {
	proc := &recordingProcessor{}
	q := NewQueue(proc, 1, time.Second, zap.NewNop())
	q.Start(2)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		q.Enqueue(Job{
			Payment: Payment{Push: models.PushEntry{ReferenceCode: reference.Encode(testEvent, testUser, i, testEnv)}},
			Done: func(e models.RegisterEntry, err error) {
				defer wg.Done()
				assert.NoError(t, err)
				assert.Equal(t, models.StateSent, e.State)
			},
		})
	}
	wg.Wait()
	q.Close()

	stats := q.Stats()
	assert.EqualValues(t, 10, stats.Enqueued)
	assert.EqualValues(t, 10, stats.Processed)
	assert.Zero(t, stats.Failed)
	assert.Len(t, proc.seen, 10)
}

type nopUpdater struct{ calls int }

func (n *nopUpdater) UpdateTransaction(context.Context, string, string) error {
	n.calls++
	return nil
}

func TestServiceEmptyRecord(t *testing.T) {
	store := newTestStore(t)
	agg, conf := &nopUpdater{}, &nopUpdater{}
	s := NewService(store, agg, conf, zap.NewNop())

	tx, err := s.Transaction(context.Background(), testEvent, testUser)
	require.NoError(t, err)
	assert.Empty(t, tx.Push)
	assert.NotNil(t, tx.Pull)
	assert.NotNil(t, tx.Register)
	assert.Equal(t, 1, agg.calls)
	assert.Equal(t, 1, conf.calls)
}

type recordingUpdater struct {
	mu   sync.Mutex
	keys []string
}

func (r *recordingUpdater) UpdateTransaction(_ context.Context, event, user string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, event+"/"+user)
	return nil
}

func TestSweepConfirmsSentAndReportsStaleClaims(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	sent, err := store.ClaimRegistration(ctx, testEvent, testUser, models.RegisterEntry{ReferenceCode: testRef, Date: now})
	require.NoError(t, err)
	require.NoError(t, store.UpdateRegister(ctx, sent, models.RegisterEntry{State: models.StateSent, TxHash: "0xabc"}))

	stuckRef := reference.Encode(testEvent, testUser, 1, testEnv)
	_, err = store.ClaimRegistration(ctx, testEvent, testUser, models.RegisterEntry{ReferenceCode: stuckRef, Date: now.Add(-time.Hour)})
	require.NoError(t, err)

	conf := &recordingUpdater{}
	stale := sweep(ctx, store, conf, now.Add(-StaleClaimAge), zap.NewNop())

	assert.Equal(t, []string{testEvent + "/" + testUser}, conf.keys)
	require.Len(t, stale, 1)
	assert.Equal(t, stuckRef, stale[0].ReferenceCode)
}
