// Command chainctl runs one-off operations against the custodial account:
// manual registrations, claps, confirmation sweeps and price lookups.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/oxzoid/attendpay/pkg/blockchain"
	"github.com/oxzoid/attendpay/pkg/config"
	"github.com/oxzoid/attendpay/pkg/db"
	"github.com/oxzoid/attendpay/pkg/fees"
	"github.com/oxzoid/attendpay/pkg/logging"
)

type app struct {
	cfg       *config.Config
	log       *zap.Logger
	etherscan *blockchain.Etherscan
	timeout   time.Duration
}

func main() {
	a := &app{}
	root := &cobra.Command{
		Use:           "chainctl",
		Short:         "Operate the attendpay custodial account",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			config.LoadEnvFile()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			a.cfg, a.log = cfg, logger
			a.etherscan = blockchain.NewEtherscan(cfg.EtherscanURL, cfg.EtherscanKey, logger.Named("etherscan"))
			return nil
		},
	}
	root.PersistentFlags().DurationVar(&a.timeout, "timeout", 2*time.Minute, "overall deadline for the command")

	root.AddCommand(a.registerCmd(), a.clapCmd(), a.confirmCmd(), a.nonceCmd(), a.priceCmd(), a.gasCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func (a *app) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), a.timeout)
}

// signer dials the node and builds the custodial signer. The caller closes both.
func (a *app) signer(ctx context.Context) (*blockchain.Signer, *ethclient.Client, error) {
	if err := a.cfg.RequireSigner(); err != nil {
		return nil, nil, err
	}
	chain, err := ethclient.DialContext(ctx, a.cfg.Web3Provider)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", a.cfg.Web3Provider, err)
	}
	s, err := blockchain.NewSigner(blockchain.SignerConfig{
		RPCURL:     a.cfg.Web3Provider,
		ChainID:    big.NewInt(a.cfg.ChainID),
		PrivateKey: a.cfg.PrivateKey,
		GasLimit:   a.cfg.GasLimit,
	}, chain, a.etherscan, a.log.Named("signer"))
	if err != nil {
		chain.Close()
		return nil, nil, err
	}
	return s, chain, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseAddress(name, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s: %q is not an address", name, s)
	}
	return common.HexToAddress(s), nil
}

func decimalArg(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%q is not a number", s)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%q must be positive", s)
	}
	return d, nil
}

func (a *app) registerCmd() *cobra.Command {
	var feeWei, feeUSD string
	cmd := &cobra.Command{
		Use:   "register-for <contract> <attendee>",
		Short: "Register an attendee paying the fee from the custodial account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			contract, err := parseAddress("contract", args[0])
			if err != nil {
				return err
			}
			attendee, err := parseAddress("attendee", args[1])
			if err != nil {
				return err
			}
			ctx, cancel := a.context()
			defer cancel()

			fee, ok := new(big.Int).SetString(feeWei, 10)
			switch {
			case feeUSD != "":
				usd, err := decimalArg(feeUSD)
				if err != nil {
					return err
				}
				if fee, _, err = fees.NewConverter(a.etherscan).USDToWei(ctx, usd); err != nil {
					return err
				}
			case !ok || fee.Sign() <= 0:
				return fmt.Errorf("--fee-wei or --fee-usd is required")
			}

			s, chain, err := a.signer(ctx)
			if err != nil {
				return err
			}
			defer chain.Close()
			defer s.Close()

			res, err := s.RegisterFor(ctx, contract, attendee, fee)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().StringVar(&feeWei, "fee-wei", "", "fee in wei")
	cmd.Flags().StringVar(&feeUSD, "fee-usd", "", "fee in USD, converted at the current ETH price")
	return cmd
}

func (a *app) clapCmd() *cobra.Command {
	var attendees []string
	var claps []int64
	cmd := &cobra.Command{
		Use:   "clap-for <contract> <clapper>",
		Short: "Submit claps on behalf of a registered attendee",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			contract, err := parseAddress("contract", args[0])
			if err != nil {
				return err
			}
			clapper, err := parseAddress("clapper", args[1])
			if err != nil {
				return err
			}
			if len(attendees) != len(claps) {
				return fmt.Errorf("%d attendees but %d clap counts", len(attendees), len(claps))
			}
			targets := make([]common.Address, len(attendees))
			counts := make([]*big.Int, len(claps))
			for i := range attendees {
				if targets[i], err = parseAddress("attendee", attendees[i]); err != nil {
					return err
				}
				counts[i] = big.NewInt(claps[i])
			}

			ctx, cancel := a.context()
			defer cancel()
			s, chain, err := a.signer(ctx)
			if err != nil {
				return err
			}
			defer chain.Close()
			defer s.Close()

			res, err := s.ClapFor(ctx, contract, clapper, targets, counts)
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().StringSliceVar(&attendees, "attendee", nil, "attendee receiving claps (repeatable)")
	cmd.Flags().Int64SliceVar(&claps, "claps", nil, "clap count per attendee, same order")
	return cmd
}

func (a *app) confirmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "confirm <event> <user>",
		Short: "Promote mined registrations of one record to confirmed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.context()
			defer cancel()

			database, err := db.Open(a.cfg.DSN)
			if err != nil {
				return err
			}
			defer database.Close()
			if err := db.EnsureSchema(database); err != nil {
				return err
			}
			store := db.NewStore(database)

			chain, err := ethclient.DialContext(ctx, a.cfg.Web3Provider)
			if err != nil {
				return err
			}
			defer chain.Close()

			if err := blockchain.NewConfirmer(store, chain, a.log.Named("confirmer")).UpdateTransaction(ctx, args[0], args[1]); err != nil {
				return err
			}
			tx, err := store.GetTransaction(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(tx.Register)
		},
	}
}

func (a *app) nonceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "nonce",
		Short: "Show the custodial account and its next nonce",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.context()
			defer cancel()
			s, chain, err := a.signer(ctx)
			if err != nil {
				return err
			}
			defer chain.Close()
			defer s.Close()

			n, err := s.Nonces().Peek(ctx)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"account": s.Account().Hex(), "nonce": n})
		},
	}
}

func (a *app) priceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "price",
		Short: "Print the ETH price in USD",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.context()
			defer cancel()
			price, err := a.etherscan.ETHPrice(ctx)
			if err != nil {
				return err
			}
			fmt.Println(price.String())
			return nil
		},
	}
}

func (a *app) gasCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gas",
		Short: "Print safe and proposed gas prices in wei",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.context()
			defer cancel()
			prices, err := a.etherscan.GasPrices(ctx)
			if err != nil {
				return err
			}
			return printJSON(map[string]string{"safe": prices.Safe.String(), "propose": prices.Propose.String()})
		},
	}
}
