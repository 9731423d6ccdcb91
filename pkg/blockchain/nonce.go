package blockchain

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var ErrNonceManagerClosed = errors.New("nonce manager closed")

// NonceSource reports the account's next nonce including transactions still
// in the node's pool. *ethclient.Client implements it.
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

type nonceOp int

const (
	opAllocate nonceOp = iota
	opResync
	opPeek
	opRelease
)

type nonceRequest struct {
	ctx   context.Context
	op    nonceOp
	nonce uint64
	reply chan nonceReply
}

type nonceReply struct {
	nonce uint64
	err   error
}

// NonceManager hands out strictly increasing nonces for one account. A single
// goroutine owns the counter; callers talk to it over a channel.
type NonceManager struct {
	source  NonceSource
	account common.Address
	log     *zap.Logger

	reqs chan nonceRequest
	done chan struct{}
}

func NewNonceManager(source NonceSource, account common.Address, logger *zap.Logger) *NonceManager {
	m := &NonceManager{
		source:  source,
		account: account,
		log:     logger,
		reqs:    make(chan nonceRequest),
		done:    make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *NonceManager) run() {
	var (
		next   uint64
		loaded bool
	)
	for {
		select {
		case <-m.done:
			return
		case req := <-m.reqs:
			if req.op == opRelease {
				switch {
				case !loaded:
				case req.nonce+1 == next:
					next = req.nonce
					m.log.Debug("nonce released", zap.Uint64("nonce", req.nonce))
				default:
					// later nonces are already out; reload before the next allocation
					loaded = false
					m.log.Warn("nonce released behind the tail", zap.Uint64("nonce", req.nonce), zap.Uint64("next", next))
				}
				req.reply <- nonceReply{nonce: next}
				continue
			}
			if req.op == opResync || !loaded {
				n, err := m.source.PendingNonceAt(req.ctx, m.account)
				if err != nil {
					m.log.Error("nonce load failed", zap.String("account", m.account.Hex()), zap.Error(err))
					req.reply <- nonceReply{err: err}
					continue
				}
				if loaded {
					m.log.Info("nonce resynced", zap.Uint64("old", next), zap.Uint64("nonce", n))
				} else {
					m.log.Info("obtained nonce", zap.Uint64("nonce", n))
				}
				next, loaded = n, true
			}
			switch req.op {
			case opAllocate:
				m.log.Debug("using nonce", zap.Uint64("nonce", next))
				req.reply <- nonceReply{nonce: next}
				next++
			default:
				req.reply <- nonceReply{nonce: next}
			}
		}
	}
}

func (m *NonceManager) call(ctx context.Context, op nonceOp, nonce uint64) (uint64, error) {
	select {
	case <-m.done:
		return 0, ErrNonceManagerClosed
	default:
	}
	req := nonceRequest{ctx: ctx, op: op, nonce: nonce, reply: make(chan nonceReply, 1)}
	select {
	case m.reqs <- req:
	case <-m.done:
		return 0, ErrNonceManagerClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case r := <-req.reply:
		return r.nonce, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Allocate returns the next nonce and advances the counter.
func (m *NonceManager) Allocate(ctx context.Context) (uint64, error) {
	return m.call(ctx, opAllocate, 0)
}

// Resync reloads the counter from the chain.
func (m *NonceManager) Resync(ctx context.Context) error {
	_, err := m.call(ctx, opResync, 0)
	return err
}

// Release hands back a nonce whose transaction never reached the pool. The
// most recent allocation is reused directly; an older one forces a reload on
// the next allocation.
func (m *NonceManager) Release(ctx context.Context, nonce uint64) error {
	_, err := m.call(ctx, opRelease, nonce)
	return err
}

// Peek returns the nonce the next Allocate would hand out.
func (m *NonceManager) Peek(ctx context.Context) (uint64, error) {
	return m.call(ctx, opPeek, 0)
}

// Close stops the owning goroutine. Further calls fail.
func (m *NonceManager) Close() {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
}
