// Package blockchain signs and broadcasts registrations against event
// contracts and tracks their confirmation.
package blockchain

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/oxzoid/attendpay/pkg/models"
)

// eventABI covers the calls made against event contracts.
const eventABI = `[
  {"type":"function","name":"getAttendees","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address[]"}]},
  {"type":"function","name":"registerFor","stateMutability":"payable","inputs":[{"name":"attendee","type":"address"}],"outputs":[]},
  {"type":"function","name":"clapFor","stateMutability":"nonpayable","inputs":[{"name":"clapper","type":"address"},{"name":"attendees","type":"address[]"},{"name":"claps","type":"uint256[]"}],"outputs":[]}
]`

var EventABI = mustParseABI(eventABI)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

// ChainBackend is the read side of the node. *ethclient.Client implements it.
type ChainBackend interface {
	NonceSource
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
}

// GasOracle supplies gas prices. *Etherscan implements it.
type GasOracle interface {
	GasPrices(ctx context.Context) (*GasPrices, error)
}

// Result is the outcome of one broadcast.
type Result struct {
	State   string `json:"state"`
	TxHash  string `json:"txHash,omitempty"`
	Message string `json:"message,omitempty"`
}

type SignerConfig struct {
	RPCURL     string
	ChainID    *big.Int
	PrivateKey string
	GasLimit   uint64
}

// Signer builds, signs and sends transactions from the custodial account.
type Signer struct {
	backend  ChainBackend
	gas      GasOracle
	nonces   *NonceManager
	rpc      *resty.Client
	rpcURL   string
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	gasLimit uint64
	log      *zap.Logger
}

func NewSigner(cfg SignerConfig, backend ChainBackend, gas GasOracle, logger *zap.Logger) (*Signer, error) {
	if cfg.PrivateKey == "" {
		return nil, errors.New("private key not set")
	}
	if cfg.ChainID == nil {
		return nil, errors.New("chain id not set")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 1000000
	}
	from := crypto.PubkeyToAddress(key.PublicKey)
	return &Signer{
		backend:  backend,
		gas:      gas,
		nonces:   NewNonceManager(backend, from, logger),
		rpc:      resty.New().SetTimeout(20 * time.Second),
		rpcURL:   cfg.RPCURL,
		key:      key,
		from:     from,
		chainID:  cfg.ChainID,
		gasLimit: cfg.GasLimit,
		log:      logger,
	}, nil
}

func (s *Signer) Account() common.Address { return s.from }

func (s *Signer) Nonces() *NonceManager { return s.nonces }

func (s *Signer) Close() { s.nonces.Close() }

// Attendees reads the contract's current attendee list.
func (s *Signer) Attendees(ctx context.Context, contract common.Address) ([]common.Address, error) {
	data, err := EventABI.Pack("getAttendees")
	if err != nil {
		return nil, err
	}
	out, err := s.backend.CallContract(ctx, ethereum.CallMsg{From: s.from, To: &contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("getAttendees: %w", err)
	}
	values, err := EventABI.Unpack("getAttendees", out)
	if err != nil {
		return nil, fmt.Errorf("decode getAttendees: %w", err)
	}
	if len(values) == 0 {
		return nil, nil
	}
	return *abi.ConvertType(values[0], new([]common.Address)).(*[]common.Address), nil
}

// RegisterFor pays feeWei into contract on behalf of attendee. An attendee
// already on the list short-circuits with ALREADY_REGISTERED and nothing is
// sent. Errors are returned only when nothing could be attempted; node
// rejections come back as a REJECTED result.
func (s *Signer) RegisterFor(ctx context.Context, contract, attendee common.Address, feeWei *big.Int) (Result, error) {
	s.log.Info("registerFor",
		zap.String("contract", contract.Hex()),
		zap.String("attendee", attendee.Hex()),
		zap.String("fee_wei", feeWei.String()))

	attendees, err := s.Attendees(ctx, contract)
	if err != nil {
		return Result{}, err
	}
	for _, a := range attendees {
		if a == attendee {
			return Result{State: models.StateAlreadyRegistered}, nil
		}
	}
	data, err := EventABI.Pack("registerFor", attendee)
	if err != nil {
		return Result{}, err
	}
	return s.send(ctx, contract, feeWei, data)
}

// ClapFor records claps from clapper to attendees. It sends no value.
func (s *Signer) ClapFor(ctx context.Context, contract, clapper common.Address, attendees []common.Address, claps []*big.Int) (Result, error) {
	if len(attendees) != len(claps) {
		return Result{}, fmt.Errorf("clapFor: %d attendees but %d claps", len(attendees), len(claps))
	}
	s.log.Info("clapFor",
		zap.String("contract", contract.Hex()),
		zap.String("clapper", clapper.Hex()),
		zap.Int("attendees", len(attendees)))

	data, err := EventABI.Pack("clapFor", clapper, attendees, claps)
	if err != nil {
		return Result{}, err
	}
	return s.send(ctx, contract, new(big.Int), data)
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      uint64 `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// send broadcasts once and, when the node complains about the nonce,
// resyncs and retries exactly once. A nonce whose transaction was rejected
// or never delivered is released so the next broadcast reuses it.
func (s *Signer) send(ctx context.Context, to common.Address, value *big.Int, data []byte) (Result, error) {
	prices, err := s.gas.GasPrices(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("gas price: %w", err)
	}

	resp, nonce, err := s.sendRaw(ctx, to, value, data, prices.Propose)
	if err != nil {
		return Result{}, err
	}
	if resp.Error != nil && strings.Contains(strings.ToLower(resp.Error.Message), "nonce") {
		s.log.Warn("nonce rejected, resyncing", zap.Uint64("nonce", nonce), zap.String("message", resp.Error.Message))
		if err := s.nonces.Resync(ctx); err != nil {
			return Result{}, fmt.Errorf("resync nonce: %w", err)
		}
		if resp, nonce, err = s.sendRaw(ctx, to, value, data, prices.Propose); err != nil {
			return Result{}, err
		}
	}
	if resp.Error != nil {
		s.log.Warn("transaction rejected", zap.Uint64("nonce", nonce), zap.Int("code", resp.Error.Code), zap.String("message", resp.Error.Message))
		s.release(ctx, nonce)
		return Result{State: models.StateNotSent, Message: resp.Error.Message}, nil
	}

	var hash string
	if err := json.Unmarshal(resp.Result, &hash); err != nil || hash == "" {
		return Result{State: models.StateNotSent, Message: "empty eth_sendRawTransaction result"}, nil
	}
	s.log.Info("transaction sent", zap.Uint64("nonce", nonce), zap.String("tx_hash", hash))
	return Result{State: models.StateSent, TxHash: hash}, nil
}

func (s *Signer) release(ctx context.Context, nonce uint64) {
	if err := s.nonces.Release(context.WithoutCancel(ctx), nonce); err != nil {
		s.log.Error("nonce release failed", zap.Uint64("nonce", nonce), zap.Error(err))
	}
}

func (s *Signer) sendRaw(ctx context.Context, to common.Address, value *big.Int, data []byte, gasPrice *big.Int) (*rpcResponse, uint64, error) {
	nonce, err := s.nonces.Allocate(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("allocate nonce: %w", err)
	}
	resp, err := s.broadcast(ctx, nonce, to, value, data, gasPrice)
	if err != nil {
		s.release(ctx, nonce)
		return nil, nonce, err
	}
	return resp, nonce, nil
}

func (s *Signer) broadcast(ctx context.Context, nonce uint64, to common.Address, value *big.Int, data []byte, gasPrice *big.Int) (*rpcResponse, error) {
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      s.gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(s.chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, err
	}

	resp, err := s.rpc.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(rpcRequest{
			JSONRPC: "2.0",
			Method:  "eth_sendRawTransaction",
			Params:  []any{hexutil.Encode(raw)},
			ID:      nonce,
		}).
		Post(s.rpcURL)
	if err != nil {
		return nil, fmt.Errorf("eth_sendRawTransaction: %w", err)
	}
	var out rpcResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("eth_sendRawTransaction: status %d: %w", resp.StatusCode(), err)
	}
	s.log.Debug("eth_sendRawTransaction",
		zap.Uint64("nonce", nonce),
		zap.String("tx_hash", signed.Hash().Hex()),
		zap.Bool("rejected", out.Error != nil))
	return &out, nil
}
