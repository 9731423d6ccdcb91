package blockchain

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/oxzoid/attendpay/pkg/models"
)

var (
	testChainID  = big.NewInt(1337)
	testContract = common.HexToAddress("0xFd4F6865A2C5a7a80436991c033dCa5697a808d7")
	testAttendee = common.HexToAddress("0x748c886A5aE916A08A493a29a5ff93880Ee000eD")
)

type fakeChain struct {
	mu         sync.Mutex
	nonce      uint64
	nonceCalls int
	attendees  []common.Address
	pending    map[common.Hash]bool
}

func (f *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonceCalls++
	return f.nonce, nil
}

func (f *fakeChain) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := append([]common.Address{}, f.attendees...)
	return EventABI.Methods["getAttendees"].Outputs.Pack(list)
}

func (f *fakeChain) TransactionByHash(_ context.Context, h common.Hash) (*types.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.pending[h]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return types.NewTx(&types.LegacyTx{}), p, nil
}

func (f *fakeChain) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonceCalls
}

type fixedGas struct{ propose *big.Int }

func (g fixedGas) GasPrices(context.Context) (*GasPrices, error) {
	return &GasPrices{Safe: big.NewInt(1), Propose: g.propose}, nil
}

// rpcNode decodes every eth_sendRawTransaction it receives. The first
// rejectFirst calls are answered with rejectMsg.
type rpcNode struct {
	t           *testing.T
	mu          sync.Mutex
	txs         []*types.Transaction
	rejectFirst int
	rejectMsg   string
}

func (n *rpcNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method string   `json:"method"`
		Params []string `json:"params"`
		ID     uint64   `json:"id"`
	}
	require.NoError(n.t, json.NewDecoder(r.Body).Decode(&req))
	require.Equal(n.t, "eth_sendRawTransaction", req.Method)
	raw, err := hexutil.Decode(req.Params[0])
	require.NoError(n.t, err)
	tx := new(types.Transaction)
	require.NoError(n.t, tx.UnmarshalBinary(raw))

	n.mu.Lock()
	n.txs = append(n.txs, tx)
	reject := len(n.txs) <= n.rejectFirst
	n.mu.Unlock()

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if reject {
		resp["error"] = map[string]any{"code": -32000, "message": n.rejectMsg}
	} else {
		resp["result"] = tx.Hash().Hex()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (n *rpcNode) sent() []*types.Transaction {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*types.Transaction{}, n.txs...)
}

func newTestSigner(t *testing.T, chain *fakeChain, node *rpcNode) *Signer {
	t.Helper()
	node.t = t
	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	s, err := NewSigner(SignerConfig{
		RPCURL:     srv.URL,
		ChainID:    testChainID,
		PrivateKey: hexutil.Encode(crypto.FromECDSA(key)),
		GasLimit:   500000,
	}, chain, fixedGas{propose: big.NewInt(2_000_000_000)}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestRegisterForSendsSignedTransaction(t *testing.T) {
	chain := &fakeChain{nonce: 7}
	node := &rpcNode{}
	s := newTestSigner(t, chain, node)
	fee := big.NewInt(126_000_000_000_000_000)

	res, err := s.RegisterFor(context.Background(), testContract, testAttendee, fee)
	require.NoError(t, err)
	assert.Equal(t, models.StateSent, res.State)

	txs := node.sent()
	require.Len(t, txs, 1)
	tx := txs[0]
	assert.Equal(t, tx.Hash().Hex(), res.TxHash)
	assert.EqualValues(t, 7, tx.Nonce())
	assert.Equal(t, testContract, *tx.To())
	assert.Equal(t, 0, fee.Cmp(tx.Value()))
	assert.EqualValues(t, 500000, tx.Gas())
	assert.EqualValues(t, 2_000_000_000, tx.GasPrice().Int64())

	from, err := types.Sender(types.NewEIP155Signer(testChainID), tx)
	require.NoError(t, err)
	assert.Equal(t, s.Account(), from)

	method := EventABI.Methods["registerFor"]
	require.True(t, len(tx.Data()) > 4)
	assert.Equal(t, method.ID, tx.Data()[:4])
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, testAttendee, args[0].(common.Address))
}

func TestRegisterForAlreadyRegisteredSendsNothing(t *testing.T) {
	chain := &fakeChain{attendees: []common.Address{common.HexToAddress("0x01"), testAttendee}}
	node := &rpcNode{}
	s := newTestSigner(t, chain, node)

	for i := 0; i < 2; i++ {
		res, err := s.RegisterFor(context.Background(), testContract, testAttendee, big.NewInt(1))
		require.NoError(t, err)
		assert.Equal(t, models.StateAlreadyRegistered, res.State)
	}
	assert.Empty(t, node.sent())
	assert.Equal(t, 0, chain.calls())
}

func TestRegisterForResyncsOnNonceError(t *testing.T) {
	chain := &fakeChain{nonce: 3}
	node := &rpcNode{rejectFirst: 1, rejectMsg: "nonce too low"}
	s := newTestSigner(t, chain, node)

	res, err := s.RegisterFor(context.Background(), testContract, testAttendee, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, models.StateSent, res.State)

	txs := node.sent()
	require.Len(t, txs, 2)
	assert.EqualValues(t, 3, txs[0].Nonce())
	assert.EqualValues(t, 3, txs[1].Nonce())
	assert.Equal(t, 2, chain.calls())
}

func TestRegisterForRetriesNonceErrorOnlyOnce(t *testing.T) {
	chain := &fakeChain{}
	node := &rpcNode{rejectFirst: 5, rejectMsg: "Nonce too high"}
	s := newTestSigner(t, chain, node)

	res, err := s.RegisterFor(context.Background(), testContract, testAttendee, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, models.StateNotSent, res.State)
	assert.Equal(t, "Nonce too high", res.Message)
	assert.Len(t, node.sent(), 2)
}

func TestRegisterForOtherRejectionIsTerminal(t *testing.T) {
	chain := &fakeChain{}
	node := &rpcNode{rejectFirst: 5, rejectMsg: "insufficient funds for gas * price + value"}
	s := newTestSigner(t, chain, node)

	res, err := s.RegisterFor(context.Background(), testContract, testAttendee, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, models.StateNotSent, res.State)
	assert.Contains(t, res.Message, "insufficient funds")
	assert.Len(t, node.sent(), 1)
	assert.Equal(t, 1, chain.calls())
}

func TestRejectedBroadcastNonceIsReused(t *testing.T) {
	chain := &fakeChain{nonce: 10}
	node := &rpcNode{rejectFirst: 1, rejectMsg: "insufficient funds for gas * price + value"}
	s := newTestSigner(t, chain, node)
	ctx := context.Background()

	first, err := s.RegisterFor(ctx, testContract, testAttendee, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, models.StateNotSent, first.State)

	second, err := s.RegisterFor(ctx, testContract, testAttendee, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, models.StateSent, second.State)

	txs := node.sent()
	require.Len(t, txs, 2)
	assert.EqualValues(t, 10, txs[0].Nonce())
	assert.EqualValues(t, 10, txs[1].Nonce(), "no gap after a rejected broadcast")
	assert.Equal(t, 1, chain.calls())
}

func TestUndeliveredBroadcastNonceIsReused(t *testing.T) {
	chain := &fakeChain{nonce: 7}
	node := &rpcNode{}
	s := newTestSigner(t, chain, node)
	ctx := context.Background()

	reachable := s.rpcURL
	s.rpcURL = "http://127.0.0.1:1"
	_, err := s.RegisterFor(ctx, testContract, testAttendee, big.NewInt(1))
	require.Error(t, err)

	s.rpcURL = reachable
	res, err := s.RegisterFor(ctx, testContract, testAttendee, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, models.StateSent, res.State)
	txs := node.sent()
	require.Len(t, txs, 1)
	assert.EqualValues(t, 7, txs[0].Nonce())
}

func TestClapFor(t *testing.T) {
	chain := &fakeChain{nonce: 1}
	node := &rpcNode{}
	s := newTestSigner(t, chain, node)
	clapper := common.HexToAddress("0x02")

	_, err := s.ClapFor(context.Background(), testContract, clapper, []common.Address{testAttendee}, nil)
	assert.Error(t, err)

	res, err := s.ClapFor(context.Background(), testContract, clapper,
		[]common.Address{testAttendee}, []*big.Int{big.NewInt(3)})
	require.NoError(t, err)
	assert.Equal(t, models.StateSent, res.State)

	txs := node.sent()
	require.Len(t, txs, 1)
	assert.Zero(t, txs[0].Value().Sign())
	assert.Equal(t, EventABI.Methods["clapFor"].ID, txs[0].Data()[:4])
}

func TestConcurrentBroadcastsUseDistinctNonces(t *testing.T) {
	chain := &fakeChain{nonce: 10}
	node := &rpcNode{}
	s := newTestSigner(t, chain, node)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RegisterFor(context.Background(), testContract, testAttendee, big.NewInt(1))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var nonces []int
	for _, tx := range node.sent() {
		nonces = append(nonces, int(tx.Nonce()))
	}
	sort.Ints(nonces)
	assert.Equal(t, []int{10, 11, 12, 13, 14, 15, 16, 17}, nonces)
}
