package main

import (
	"github.com/spf13/cobra"

	"github.com/loykin/botkeeper/pkg/client"
)

func createAccountCommand(c *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Exchange accounts, trades and reconciliation",
		Long: `Manage the exchange accounts workers trade on.

Examples:
  botkeeper account create --id=paper1 --currency=USDT
  botkeeper account order paper1 --symbol=BTC-USDT --side=buy --quantity=0.1
  botkeeper account sync paper1
  botkeeper account halt paper1      # stop all of its workers`,
	}
	cmd.AddCommand(
		createAccountListCommand(c),
		createAccountCreateCommand(c),
		idCommand(c, "show", "Show an account with its stored positions",
			func(cmd *cobra.Command, cl *client.Client, id string) (any, error) {
				return cl.GetAccount(cmd.Context(), id)
			}),
		idCommand(c, "delete", "Remove an account with its trades and positions",
			func(cmd *cobra.Command, cl *client.Client, id string) (any, error) {
				return map[string]any{"id": id, "deleted": true}, cl.DeleteAccount(cmd.Context(), id)
			}),
		createAccountTradesCommand(c),
		createAccountOrderCommand(c),
		idCommand(c, "sync", "Reconcile stored positions and balance with the exchange",
			func(cmd *cobra.Command, cl *client.Client, id string) (any, error) {
				return cl.Sync(cmd.Context(), id)
			}),
		idCommand(c, "halt", "Stop every worker trading on the account",
			func(cmd *cobra.Command, cl *client.Client, id string) (any, error) {
				return cl.Halt(cmd.Context(), id)
			}),
		idCommand(c, "resume", "Start every worker trading on the account",
			func(cmd *cobra.Command, cl *client.Client, id string) (any, error) {
				return cl.Resume(cmd.Context(), id)
			}),
	)
	return cmd
}

func createAccountListCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			as, err := cl.ListAccounts(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), as)
		},
	}
}

func createAccountCreateCommand(c *command) *cobra.Command {
	var req client.CreateAccountRequest
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			a, err := cl.CreateAccount(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), a)
		},
	}
	cmd.Flags().StringVar(&req.ID, "id", "", "account id (required)")
	cmd.Flags().StringVar(&req.Name, "name", "", "display name")
	cmd.Flags().StringVar(&req.Exchange, "exchange", "paper", "exchange name")
	cmd.Flags().StringVar(&req.Currency, "currency", "USD", "quote currency")
	if err := cmd.MarkFlagRequired("id"); err != nil {
		panic(err)
	}
	return cmd
}

func createAccountTradesCommand(c *command) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "trades <id>",
		Short: "List recorded trades, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			ts, err := cl.Trades(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ts)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum trades")
	return cmd
}

func createAccountOrderCommand(c *command) *cobra.Command {
	var req client.OrderRequest
	cmd := &cobra.Command{
		Use:   "order <id>",
		Short: "Place a market order and record the fill",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cl, err := c.client()
			if err != nil {
				return err
			}
			t, err := cl.PlaceOrder(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), t)
		},
	}
	cmd.Flags().StringVar(&req.Symbol, "symbol", "", "instrument, e.g. BTC-USDT (required)")
	cmd.Flags().StringVar(&req.Side, "side", "", "buy or sell (required)")
	cmd.Flags().Float64Var(&req.Quantity, "quantity", 0, "order quantity (required)")
	cmd.Flags().StringVar(&req.WorkerID, "worker", "", "worker the trade is attributed to")
	for _, f := range []string{"symbol", "side", "quantity"} {
		if err := cmd.MarkFlagRequired(f); err != nil {
			panic(err)
		}
	}
	return cmd
}
