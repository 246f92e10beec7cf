package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/brojonat/tradedesk/client"
	"github.com/urfave/cli/v2"
)

func txCommands() *cli.Command {
	return &cli.Command{
		Name:  "tx",
		Usage: "Submit and track transactions",
		Subcommands: []*cli.Command{
			submitCommand(),
			statusCommand(),
			watchCommand(),
		},
	}
}

func submitCommand() *cli.Command {
	return &cli.Command{
		Name:  "submit",
		Usage: "Broadcast a signed transaction and wait for its outcome",
		Description: `Submit a base64-encoded, fully signed transaction. The command blocks
until the server reports a terminal status (confirmed, failed or timeout).

Example:
  tradedesk tx submit --file signed.b64 --meta orderId=o-42`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "tx",
				Usage: "Base64-encoded signed transaction",
			},
			&cli.StringFlag{
				Name:    "file",
				Aliases: []string{"f"},
				Usage:   "Read the base64-encoded transaction from a file (- for stdin)",
			},
			&cli.StringFlag{
				Name:    "wallet",
				Aliases: []string{"w"},
				Usage:   "Wallet address to audit the submission under (defaults to the fee payer)",
			},
			&cli.StringSliceFlag{
				Name:  "meta",
				Usage: "Metadata key=value (can be specified multiple times)",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout",
				Value: 90 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			encoded, err := readTransaction(c.String("tx"), c.String("file"))
			if err != nil {
				return err
			}
			meta, err := parseMetadata(c.StringSlice("meta"))
			if err != nil {
				return err
			}

			cl, err := newClient(c, c.Duration("timeout"))
			if err != nil {
				return err
			}

			status, err := cl.Submit(context.Background(), client.SubmitRequest{
				SerializedTransaction: encoded,
				WalletAddress:         c.String("wallet"),
				Metadata:              meta,
			})
			if err != nil {
				return fmt.Errorf("failed to submit transaction: %w", err)
			}

			if wantsJSON(c) {
				return emit(c, status)
			}
			printStatus(status)
			if status.Status != "confirmed" {
				return fmt.Errorf("transaction did not confirm: %s", status.Status)
			}
			return nil
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Watch a signature for a bounded time and print its latest status",
		ArgsUsage: "<signature>",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "How long the server watches before answering (max 2m)",
				Value: 10 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("exactly one signature is required")
			}
			timeout := c.Duration("timeout")

			cl, err := newClient(c, timeout+10*time.Second)
			if err != nil {
				return err
			}

			status, err := cl.Status(context.Background(), c.Args().First(), timeout)
			if err != nil {
				return fmt.Errorf("failed to get transaction status: %w", err)
			}

			if wantsJSON(c) {
				return emit(c, status)
			}
			printStatus(status)
			return nil
		},
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Stream status updates for a signature until it settles",
		ArgsUsage: "<signature>",
		Description: `Follow a signature over server-sent events and print every status update.

The stream ends on a terminal status. Use --until to stop earlier, once every
jq expression is truthy for an update.

Example:
  tradedesk tx watch <sig> --until '.confirmationLevel == "confirmed"'`,
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "until",
				Usage: "jq expression that stops the stream when truthy (can be specified multiple times)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("exactly one signature is required")
			}
			until, err := compileJQ(c.StringSlice("until"))
			if err != nil {
				return err
			}

			cl, err := newClient(c, 0)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			var outputErr error
			err = cl.Stream(ctx, c.Args().First(), func(status *client.TransactionStatus) bool {
				if wantsJSON(c) {
					if outputErr = emit(c, status); outputErr != nil {
						return false
					}
				} else {
					printStatus(status)
				}
				if len(until) > 0 && matchesAll(status, until) {
					return false
				}
				return !status.Terminal()
			})
			if outputErr != nil {
				return outputErr
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("stream failed: %w", err)
			}
			return nil
		},
	}
}

// readTransaction returns the encoded transaction from exactly one of the inline
// flag or a file.
func readTransaction(inline, path string) (string, error) {
	switch {
	case inline != "" && path != "":
		return "", fmt.Errorf("use either --tx or --file, not both")
	case inline != "":
		return strings.TrimSpace(inline), nil
	case path == "-":
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read transaction from stdin: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read transaction file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	default:
		return "", fmt.Errorf("a transaction is required (use --tx or --file)")
	}
}

func printStatus(s *client.TransactionStatus) {
	fmt.Printf("%-11s %s", s.Status, s.Signature)
	if s.ConfirmationLevel != "" {
		fmt.Printf("  level=%s", s.ConfirmationLevel)
	}
	if s.Slot != nil {
		fmt.Printf("  slot=%d", *s.Slot)
	}
	if s.Error != "" {
		fmt.Printf("  error=%q", s.Error)
	}
	fmt.Println()
}
