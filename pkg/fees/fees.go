// Package fees converts fiat payments into native-chain units and checks them
// against event fees.
package fees

import (
	"context"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/oxzoid/attendpay/pkg/apierr"
)

const weiDecimals = 18

// PriceFeed returns the ETH price in USD.
type PriceFeed interface {
	ETHPrice(ctx context.Context) (decimal.Decimal, error)
}

type Converter struct {
	feed PriceFeed
}

func NewConverter(feed PriceFeed) *Converter {
	return &Converter{feed: feed}
}

// USDToWei converts usd at the current ETH price. The ETH amount is truncated
// to 18 decimals before scaling. The price used is returned alongside.
func (c *Converter) USDToWei(ctx context.Context, usd decimal.Decimal) (*big.Int, decimal.Decimal, error) {
	price, err := c.feed.ETHPrice(ctx)
	if err != nil {
		return nil, decimal.Zero, err
	}
	if !price.IsPositive() {
		return nil, decimal.Zero, apierr.Unavailable("non-positive ETH price " + price.String())
	}
	eth := usd.DivRound(price, 2*weiDecimals).Truncate(weiDecimals)
	return eth.Shift(weiDecimals).BigInt(), price, nil
}

// WeiToETH renders wei as an ETH decimal.
func WeiToETH(wei *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(wei, -weiDecimals)
}

// CheckFee reports whether actual covers at least threshold of expected.
func CheckFee(expected, actual *big.Int, threshold decimal.Decimal) bool {
	lowest := decimal.NewFromBigInt(expected, 0).Mul(threshold)
	return decimal.NewFromBigInt(actual, 0).GreaterThanOrEqual(lowest)
}
