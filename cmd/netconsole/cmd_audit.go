package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/netconsole/netconsole/pkg/audit"
	"github.com/netconsole/netconsole/pkg/auth"
	"github.com/netconsole/netconsole/pkg/cli"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "View audit logs",
	Long: `View the audit log of changes.

Every change is logged with:
  - Timestamp
  - User who made the change
  - Interface and connection affected
  - Checkpoint outcome
  - Success/failure status

Examples:
  netconsole audit list --interface eth0
  netconsole audit list --last 24h
  netconsole audit list --user alice --failures
  netconsole audit list --checkpoint rolled-back`,
}

var (
	auditUser       string
	auditInterface  string
	auditConnection string
	auditCheckpoint string
	auditLast       string
	auditLimit      int
	auditFailures   bool
)

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit events",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := permChecker.Check(auth.PermAuditView, nil); err != nil {
			return err
		}

		filter := audit.Filter{
			User:        auditUser,
			Interface:   auditInterface,
			Connection:  auditConnection,
			Checkpoint:  auditCheckpoint,
			Limit:       auditLimit,
			FailureOnly: auditFailures,
		}
		if auditLast != "" {
			duration, err := time.ParseDuration(auditLast)
			if err != nil {
				return fmt.Errorf("invalid duration: %s", auditLast)
			}
			filter.StartTime = time.Now().Add(-duration)
		}

		events, err := audit.Query(filter)
		if err != nil {
			return fmt.Errorf("querying audit log: %w", err)
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return writeJSON(out, events)
		}
		if len(events) == 0 {
			fmt.Fprintln(out, "No audit events found")
			return nil
		}

		t := cli.NewTableTo(out, "TIMESTAMP", "USER", "OPERATION", "INTERFACE", "CONNECTION", "CHECKPOINT", "STATUS")
		for _, event := range events {
			status := cli.Green("ok")
			if !event.Success {
				status = cli.Red("failed")
			}
			t.Row(
				event.Timestamp.Format("2006-01-02 15:04:05"),
				event.User,
				event.Operation,
				cli.OrDash(event.Interface),
				cli.OrDash(event.Connection),
				cli.OrDash(event.Checkpoint),
				status,
			)
		}
		t.Flush()
		return nil
	},
}

func init() {
	auditListCmd.Flags().StringVar(&auditUser, "user", "", "Filter by user")
	auditListCmd.Flags().StringVar(&auditInterface, "interface", "", "Filter by interface")
	auditListCmd.Flags().StringVar(&auditConnection, "connection", "", "Filter by connection")
	auditListCmd.Flags().StringVar(&auditCheckpoint, "checkpoint", "", "Filter by checkpoint outcome (committed, rolled-back, unguarded)")
	auditListCmd.Flags().StringVar(&auditLast, "last", "", "Show events from last duration (e.g., 24h)")
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 100, "Show at most this many of the newest events")
	auditListCmd.Flags().BoolVar(&auditFailures, "failures", false, "Show only failed operations")

	auditCmd.AddCommand(auditListCmd)
}
