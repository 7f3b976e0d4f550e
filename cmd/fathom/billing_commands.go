package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"fathom/internal/ipc"
)

func newUsageCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "usage <userID>",
		Short: "Show a user's credit and subscription standing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Usage(strings.TrimSpace(args[0]))
				if err != nil {
					return err
				}
				if ctx.jsonMode() {
					return writeJSON(cmd, resp)
				}
				usage := resp.Usage
				out := cmd.OutOrStdout()
				if usage.PlanName != "" {
					fmt.Fprintf(out, "Plan: %s (%s)\n", usage.PlanName, usage.PlanCode)
				}
				fmt.Fprintf(out, "Subscription active: %s\n", yesNo(usage.SubscriptionActive))
				fmt.Fprintf(out, "Subscription remaining: %s\n", formatSeconds(usage.SubscriptionRemaining))
				fmt.Fprintf(out, "Free tier remaining: %s\n", formatSeconds(usage.FreeRemaining))
				fmt.Fprintf(out, "Pack remaining: %s\n", formatSeconds(usage.PackRemaining))
				if usage.PackExpiresAt != "" {
					fmt.Fprintf(out, "Pack expires: %s\n", formatDisplayTime(usage.PackExpiresAt))
				}
				fmt.Fprintf(out, "Total remaining: %s\n", formatSeconds(usage.TotalRemaining))
				fmt.Fprintf(out, "Debt: %s (cap %s)\n", formatSeconds(usage.DebtSeconds), formatSeconds(usage.DebtCapSeconds))
				fmt.Fprintf(out, "Blocked: %s\n", yesNo(usage.Blocked))
				return nil
			})
		},
	}
}

func newPlansCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "plans",
		Short: "List the purchasable billing plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Plans()
				if err != nil {
					return err
				}
				if ctx.jsonMode() {
					return writeJSON(cmd, resp)
				}
				if len(resp.Plans) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No plans configured")
					return nil
				}
				rows := make([][]string, 0, len(resp.Plans))
				for _, plan := range resp.Plans {
					rows = append(rows, []string{
						plan.Code,
						plan.Name,
						formatStatusLabel(plan.Kind),
						formatPrice(plan.PriceCents, plan.Currency),
						formatSeconds(plan.SecondsGranted),
					})
				}
				table := renderTable(
					[]string{"Code", "Name", "Kind", "Price", "Credit"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight},
				)
				fmt.Fprintln(cmd.OutOrStdout(), table)
				return nil
			})
		},
	}
}

func formatPrice(cents int64, currency string) string {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = "USD"
	}
	if cents == 0 {
		return "Free"
	}
	return fmt.Sprintf("%.2f %s", float64(cents)/100, currency)
}
