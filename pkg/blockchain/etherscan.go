package blockchain

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/oxzoid/attendpay/pkg/apierr"
)

const DefaultEtherscanURL = "https://api.etherscan.io/api"

// GasPrices are the gas oracle tiers, in wei.
type GasPrices struct {
	Safe    *big.Int `json:"safe"`
	Propose *big.Int `json:"propose"`
}

// Etherscan reads the ETH/USD price and the gas oracle.
type Etherscan struct {
	http *resty.Client
	url  string
	key  string
	log  *zap.Logger
	// free-tier keys allow a handful of calls per second
	sem chan struct{}
}

func NewEtherscan(url, key string, logger *zap.Logger) *Etherscan {
	if url == "" {
		url = DefaultEtherscanURL
	}
	return &Etherscan{
		http: resty.New().SetTimeout(10 * time.Second),
		url:  url,
		key:  key,
		log:  logger,
		sem:  make(chan struct{}, 5),
	}
}

type etherscanResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

func (e *Etherscan) get(ctx context.Context, module, action string, out any) error {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-e.sem }()

	resp, err := e.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"module": module, "action": action, "apikey": e.key}).
		Get(e.url)
	if err != nil {
		e.log.Error("etherscan request failed", zap.String("action", action), zap.Error(err))
		return apierr.Unavailable(err.Error())
	}
	if !resp.IsSuccess() {
		e.log.Error("etherscan non-2xx", zap.String("action", action), zap.Int("status", resp.StatusCode()))
		return apierr.Unavailable(resp.Status())
	}
	var data etherscanResponse
	if err := json.Unmarshal(resp.Body(), &data); err != nil {
		return apierr.Unavailable(err.Error())
	}
	if data.Status != "1" {
		e.log.Error("etherscan rejected request", zap.String("action", action), zap.String("message", data.Message), zap.ByteString("result", data.Result))
		return apierr.Unavailable(data.Message)
	}
	if err := json.Unmarshal(data.Result, out); err != nil {
		return apierr.Unavailable(fmt.Sprintf("decode %s result: %v", action, err))
	}
	return nil
}

// ETHPrice returns the last ETH price in USD.
func (e *Etherscan) ETHPrice(ctx context.Context) (decimal.Decimal, error) {
	var res struct {
		ETHUSD string `json:"ethusd"`
	}
	if err := e.get(ctx, "stats", "ethprice", &res); err != nil {
		return decimal.Zero, err
	}
	price, err := decimal.NewFromString(res.ETHUSD)
	if err != nil {
		return decimal.Zero, apierr.Unavailable(fmt.Sprintf("ethusd %q: %v", res.ETHUSD, err))
	}
	return price, nil
}

// GasPrices returns the safe and proposed gas prices converted from gwei.
func (e *Etherscan) GasPrices(ctx context.Context) (*GasPrices, error) {
	var res struct {
		SafeGasPrice    string `json:"SafeGasPrice"`
		ProposeGasPrice string `json:"ProposeGasPrice"`
	}
	if err := e.get(ctx, "gastracker", "gasoracle", &res); err != nil {
		return nil, err
	}
	safe, err := GweiToWei(res.SafeGasPrice)
	if err != nil {
		return nil, apierr.Unavailable(err.Error())
	}
	propose, err := GweiToWei(res.ProposeGasPrice)
	if err != nil {
		return nil, apierr.Unavailable(err.Error())
	}
	return &GasPrices{Safe: safe, Propose: propose}, nil
}

// GweiToWei parses a decimal gwei amount. Sub-wei digits are truncated.
func GweiToWei(gwei string) (*big.Int, error) {
	d, err := decimal.NewFromString(gwei)
	if err != nil {
		return nil, fmt.Errorf("gas price %q: %w", gwei, err)
	}
	return d.Shift(9).BigInt(), nil
}
