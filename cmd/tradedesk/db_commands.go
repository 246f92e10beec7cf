package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/tradedesk/service/db"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
)

func listSubmissionsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-submissions",
		Usage:   "List audited submissions for a wallet",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "wallet",
				Aliases:  []string{"w"},
				Usage:    "Wallet address",
				Required: true,
			},
			&cli.StringFlag{
				Name:    "status",
				Aliases: []string{"s"},
				Usage:   "Filter by status (sending, confirming, confirmed, failed, timeout)",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"l"},
				Usage:   "Maximum number of submissions to return",
				Value:   50,
			},
			&cli.IntFlag{
				Name:  "offset",
				Usage: "Number of submissions to skip",
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			subs, err := store.ListSubmissionsByWallet(context.Background(), db.ListSubmissionsByWalletParams{
				WalletAddress: c.String("wallet"),
				Limit:         int32(c.Int("limit")),
				Offset:        int32(c.Int("offset")),
			})
			if err != nil {
				return fmt.Errorf("failed to list submissions: %w", err)
			}

			// Filter by status if specified
			if statusFilter := c.String("status"); statusFilter != "" {
				filtered := make([]*db.Submission, 0, len(subs))
				for _, s := range subs {
					if s.Status == statusFilter {
						filtered = append(filtered, s)
					}
				}
				subs = filtered
			}

			if wantsJSON(c) {
				return emit(c, subs)
			}

			// Pretty table output
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SIGNATURE\tSTATUS\tLEVEL\tSLOT\tCREATED")
			for _, s := range subs {
				level := "-"
				if s.ConfirmationLevel != nil {
					level = *s.ConfirmationLevel
				}
				slot := "-"
				if s.Slot != nil {
					slot = fmt.Sprintf("%d", *s.Slot)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					s.Signature,
					s.Status,
					level,
					slot,
					s.CreatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Printf("\nTotal: %d submission(s)\n", len(subs))
			return nil
		},
	}
}

func getSubmissionCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-submission",
		Usage:     "Show the audit record of one signature",
		ArgsUsage: "<signature>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("exactly one signature is required")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			sub, err := store.GetSubmission(context.Background(), c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get submission: %w", err)
			}

			if wantsJSON(c) {
				return emit(c, sub)
			}

			fmt.Printf("Signature:        %s\n", sub.Signature)
			fmt.Printf("Wallet:           %s\n", sub.WalletAddress)
			fmt.Printf("Status:           %s\n", sub.Status)
			if sub.ConfirmationLevel != nil {
				fmt.Printf("Level:            %s\n", *sub.ConfirmationLevel)
			}
			if sub.Slot != nil {
				fmt.Printf("Slot:             %d\n", *sub.Slot)
			}
			if sub.Error != nil {
				fmt.Printf("Error:            %s\n", *sub.Error)
			}
			fmt.Printf("Recent blockhash: %s\n", sub.RecentBlockhash)
			fmt.Printf("Created:          %s\n", sub.CreatedAt.Format(time.RFC3339))
			fmt.Printf("Updated:          %s\n", sub.UpdatedAt.Format(time.RFC3339))
			if len(sub.Metadata) > 0 {
				fmt.Println("Metadata:")
				return outputJSON(sub.Metadata)
			}
			return nil
		},
	}
}

// getStore creates a database store from the CLI context.
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database URL is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := db.NewStore(pool, nil)
	closer := func() {
		pool.Close()
	}

	return store, closer, nil
}
