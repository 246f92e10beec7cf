package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/tradedesk/client"
	"github.com/urfave/cli/v2"
)

func swapCommands() *cli.Command {
	return &cli.Command{
		Name:  "swap",
		Usage: "Build swap transactions",
		Subcommands: []*cli.Command{
			buildSwapCommand(),
		},
	}
}

func buildSwapCommand() *cli.Command {
	return &cli.Command{
		Name:  "build",
		Usage: "Quote, assemble and simulate an unsigned swap transaction",
		Description: `Ask the server for a simulated, unsigned swap transaction. The printed
transaction is base64 and must be signed by the wallet before submission.

Example:
  tradedesk swap build \
    --input So11111111111111111111111111111111111111112 \
    --output EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v \
    --amount 1000000 --wallet <address>`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "input",
				Aliases:  []string{"i"},
				Usage:    "Input token mint",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "output",
				Aliases:  []string{"o"},
				Usage:    "Output token mint",
				Required: true,
			},
			&cli.Uint64Flag{
				Name:     "amount",
				Aliases:  []string{"a"},
				Usage:    "Input amount in base units",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "wallet",
				Aliases:  []string{"w"},
				Usage:    "Wallet that will sign and pay for the swap",
				Required: true,
			},
			&cli.IntFlag{
				Name:  "slippage-bps",
				Usage: "Slippage tolerance in basis points (server default when unset)",
			},
			&cli.IntFlag{
				Name:  "fee-bps",
				Usage: "Platform fee in basis points (server default when unset)",
			},
			&cli.StringFlag{
				Name:  "fee-owner",
				Usage: "Platform fee account owner (server default when unset)",
			},
			&cli.Uint64Flag{
				Name:  "priority-fee",
				Usage: "Prioritization fee in lamports",
			},
			&cli.BoolFlag{
				Name:  "simulate-only",
				Usage: "Only simulate; the result is not meant to be signed",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout",
				Value: 30 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			if c.Uint64("amount") == 0 {
				return fmt.Errorf("amount must be greater than zero")
			}

			cl, err := newClient(c, c.Duration("timeout"))
			if err != nil {
				return err
			}

			resp, err := cl.BuildSwap(context.Background(), client.SwapRequest{
				InputMint:                 c.String("input"),
				OutputMint:                c.String("output"),
				Amount:                    c.Uint64("amount"),
				SlippageBps:               c.Int("slippage-bps"),
				WalletAddress:             c.String("wallet"),
				FeeAccountOwner:           c.String("fee-owner"),
				FeeBps:                    c.Int("fee-bps"),
				PrioritizationFeeLamports: c.Uint64("priority-fee"),
				SimulateOnly:              c.Bool("simulate-only"),
			})
			if err != nil {
				var apiErr *client.APIError
				if errors.As(err, &apiErr) && len(apiErr.Simulation) > 0 && wantsJSON(c) {
					if outErr := emit(c, map[string]interface{}{
						"error":      apiErr.Message,
						"simulation": apiErr.Simulation,
					}); outErr != nil {
						return outErr
					}
				}
				return fmt.Errorf("failed to build swap: %w", err)
			}

			if wantsJSON(c) {
				return emit(c, resp)
			}

			fmt.Printf("✓ Swap transaction built\n")
			fmt.Printf("  Blockhash:         %s\n", resp.LastValidCheckpoint.Blockhash)
			fmt.Printf("  Valid until:       block height %d\n", resp.LastValidCheckpoint.LastValidBlockHeight)
			fmt.Printf("  Compute limit:     %d units\n", resp.ComputeUnitLimit)
			fmt.Printf("  Priority fee:      %d lamports\n", resp.PrioritizationFee)
			if resp.FeeAmount > 0 {
				fmt.Printf("  Platform fee:      %d\n", resp.FeeAmount)
			}
			if resp.SimulateOnly {
				fmt.Printf("  Simulate only:     true\n")
			}
			fmt.Printf("\n%s\n", resp.Transaction)
			return nil
		},
	}
}
