package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"recap/internal/ipc"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and manage pipeline jobs",
	}
	jobsCmd.AddCommand(newJobsListCommand(ctx))
	jobsCmd.AddCommand(newJobsDescribeCommand(ctx))
	jobsCmd.AddCommand(newJobsCancelCommand(ctx))
	return jobsCmd
}

func newJobsListCommand(ctx *commandContext) *cobra.Command {
	var owner string
	var statuses string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				req := ipc.JobListRequest{Owner: owner, Limit: limit}
				if trimmed := strings.TrimSpace(statuses); trimmed != "" {
					req.Statuses = strings.Split(trimmed, ",")
				}
				resp, err := client.JobList(req)
				if err != nil {
					return err
				}

				stdout := cmd.OutOrStdout()
				if len(resp.Jobs) == 0 {
					fmt.Fprintln(stdout, "No jobs found")
					return nil
				}
				rows := make([][]string, 0, len(resp.Jobs))
				for _, job := range resp.Jobs {
					rows = append(rows, []string{
						job.ID,
						job.Owner,
						job.Stage,
						fmt.Sprintf("%.0f%%", job.Progress),
						fmt.Sprintf("%d/%d", job.CompletedSegments, job.PlannedSegments),
						job.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
						job.Error,
					})
				}
				fmt.Fprintln(stdout, renderTable(
					[]string{"ID", "Owner", "Stage", "Progress", "Segments", "Updated", "Error"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Only show jobs for this owner")
	cmd.Flags().StringVar(&statuses, "status", "", "Comma separated stage filter (e.g. pending,failed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of jobs to show")
	return cmd
}

func newJobsDescribeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "describe <job-id>",
		Short: "Show one job with its segment plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.JobDescribe(args[0])
				if err != nil {
					return err
				}

				stdout := cmd.OutOrStdout()
				job := resp.Job
				fmt.Fprintf(stdout, "Job:      %s\n", job.ID)
				fmt.Fprintf(stdout, "Owner:    %s\n", job.Owner)
				fmt.Fprintf(stdout, "Stage:    %s (%s)\n", job.Stage, job.CurrentStep)
				fmt.Fprintf(stdout, "Progress: %.1f%%\n", job.Progress)
				fmt.Fprintf(stdout, "Priority: %s\n", yesNo(job.Priority))
				fmt.Fprintf(stdout, "Source:   %s (%s)\n", resp.SourceHandle, fmtSeconds(resp.SourceDurationSeconds))
				fmt.Fprintf(stdout, "Target:   %.1f min\n", resp.TargetDurationMinutes)
				if resp.OutputHandle != "" {
					fmt.Fprintf(stdout, "Output:   %s (%s)\n", resp.OutputHandle, fmtSeconds(resp.OutputDurationSeconds))
				}
				if job.Error != "" {
					fmt.Fprintf(stdout, "Error:    %s\n", job.Error)
				}
				fmt.Fprintf(stdout, "Created:  %s\n", job.CreatedAt.Local().Format(time.RFC1123))
				fmt.Fprintf(stdout, "Updated:  %s\n", job.UpdatedAt.Local().Format(time.RFC1123))

				if len(resp.Segments) == 0 {
					return nil
				}
				fmt.Fprintln(stdout)
				rows := make([][]string, 0, len(resp.Segments))
				for _, seg := range resp.Segments {
					speed := ""
					if seg.SpeedFactor > 0 {
						speed = fmt.Sprintf("%.2fx", seg.SpeedFactor)
					}
					rows = append(rows, []string{
						fmt.Sprintf("%d", seg.Index),
						fmt.Sprintf("%s - %s", fmtSeconds(seg.StartSeconds), fmtSeconds(seg.EndSeconds)),
						seg.Status,
						speed,
						seg.Error,
					})
				}
				fmt.Fprintln(stdout, renderTable(
					[]string{"#", "Interval", "Status", "Speed", "Error"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignLeft},
				))
				return nil
			})
		},
	}
}

func newJobsCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.JobCancel(args[0])
				if err != nil {
					return err
				}
				stdout := cmd.OutOrStdout()
				if !resp.Accepted {
					return fmt.Errorf("cancel rejected: %s", resp.Message)
				}
				fmt.Fprintln(stdout, "Cancel requested")
				return nil
			})
		},
	}
}

func fmtSeconds(seconds float64) string {
	if seconds <= 0 {
		return "0s"
	}
	d := time.Duration(seconds * float64(time.Second))
	return d.Truncate(time.Second).String()
}
