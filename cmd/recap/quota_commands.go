package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"recap/internal/ipc"
)

func newQuotaCommand(ctx *commandContext) *cobra.Command {
	quotaCmd := &cobra.Command{
		Use:   "quota",
		Short: "Inspect and adjust owner quotas",
	}
	quotaCmd.AddCommand(newQuotaShowCommand(ctx))
	quotaCmd.AddCommand(newQuotaSetPlanCommand(ctx))
	quotaCmd.AddCommand(newQuotaTopUpCommand(ctx))
	return quotaCmd
}

func newQuotaShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <owner>",
		Short: "Show quota state for an owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.QuotaSummary(args[0])
				if err != nil {
					return err
				}
				summary := resp.Summary

				stdout := cmd.OutOrStdout()
				fmt.Fprintf(stdout, "Owner:          %s\n", summary.OwnerID)
				fmt.Fprintf(stdout, "Billing period: %s\n", summary.BillingPeriod)
				fmt.Fprintf(stdout, "Subscription:   %.1f / %.1f minutes used\n",
					summary.SubscriptionMinutesUsed, summary.SubscriptionMinutesLimit)
				fmt.Fprintf(stdout, "Top-ups:        %.1f minutes remaining\n", summary.TopUpMinutesRemaining)
				fmt.Fprintf(stdout, "Available:      %.1f minutes\n", summary.AvailableMinutes)
				fmt.Fprintf(stdout, "Reserved:       %.1f minutes (%d active reservations)\n",
					summary.ReservedMinutes, summary.ActiveReservations)

				if len(summary.TopUps) > 0 {
					fmt.Fprintln(stdout)
					rows := make([][]string, 0, len(summary.TopUps))
					for _, topup := range summary.TopUps {
						rows = append(rows, []string{
							topup.ExternalReference,
							fmt.Sprintf("%.1f", topup.PurchasedMinutes),
							fmt.Sprintf("%.1f", topup.RemainingMinutes),
							topup.CreatedAt.Local().Format("2006-01-02"),
						})
					}
					fmt.Fprintln(stdout, renderTable(
						[]string{"Reference", "Purchased", "Remaining", "Date"},
						rows,
						[]columnAlignment{alignLeft, alignRight, alignRight, alignLeft},
					))
				}
				return nil
			})
		},
	}
}

func newQuotaSetPlanCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "set-plan <owner> <minutes>",
		Short: "Set an owner's subscription minute allowance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			minutes, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("parse minutes: %w", err)
			}
			return ctx.withClient(func(client *ipc.Client) error {
				if _, err := client.SetPlan(args[0], minutes); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Plan for %s set to %.1f minutes per period\n", args[0], minutes)
				return nil
			})
		},
	}
}

func newQuotaTopUpCommand(ctx *commandContext) *cobra.Command {
	var reference string

	cmd := &cobra.Command{
		Use:   "topup <owner> <minutes>",
		Short: "Credit purchased minutes to an owner",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			minutes, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("parse minutes: %w", err)
			}
			return ctx.withClient(func(client *ipc.Client) error {
				if _, err := client.TopUp(args[0], minutes, reference); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Credited %.1f minutes to %s\n", minutes, args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reference, "reference", "", "External payment reference")
	return cmd
}
