package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zulandar/senderyard/internal/queue"
)

func newActionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "action",
		Short: "Action queue commands",
	}

	cmd.AddCommand(newActionEnqueueCmd())
	cmd.AddCommand(newActionListCmd())
	cmd.AddCommand(newActionShowCmd())
	cmd.AddCommand(newActionRequeueCmd())
	return cmd
}

func newActionEnqueueCmd() *cobra.Command {
	var (
		configPath string
		opts       queue.EnqueueOpts
	)

	cmd := &cobra.Command{
		Use:   "enqueue <sender-id> <action-type>",
		Short: "Queue an action for a sender",
		Long: `Queues one action. Known types are view_profile, connect, message,
follow, like and comment. Payload is optional JSON, for example
{"note":"Hi"} for connect or {"message":"..."} for message.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.SenderID, opts.ActionType = args[0], args[1]
			return runActionEnqueue(cmd, configPath, opts)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Senderyard config file")
	cmd.Flags().StringVarP(&opts.PersonID, "person", "p", "", "target person ID")
	cmd.Flags().StringVar(&opts.Payload, "payload", "", "JSON payload")
	return cmd
}

func runActionEnqueue(cmd *cobra.Command, configPath string, opts queue.EnqueueOpts) error {
	ctx := context.Background()
	s, err := openStack(ctx, configPath)
	if err != nil {
		return err
	}
	defer s.close()

	action, err := s.queue.Enqueue(ctx, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queued %s %s for %s\n", action.ActionType, action.ID, action.SenderID)
	return nil
}

func newActionListCmd() *cobra.Command {
	var (
		configPath string
		opts       queue.ListOpts
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actions, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runActionList(cmd, configPath, opts)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Senderyard config file")
	cmd.Flags().StringVarP(&opts.SenderID, "sender", "s", "", "filter by sender")
	cmd.Flags().StringVar(&opts.Status, "status", "", "filter by status (pending, running, complete, failed)")
	cmd.Flags().StringVarP(&opts.ActionType, "type", "t", "", "filter by action type")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 50, "maximum actions to show (0 for all)")
	return cmd
}

func runActionList(cmd *cobra.Command, configPath string, opts queue.ListOpts) error {
	ctx := context.Background()
	s, err := openStack(ctx, configPath)
	if err != nil {
		return err
	}
	defer s.close()

	actions, err := s.queue.List(ctx, opts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(actions) == 0 {
		fmt.Fprintln(out, "No actions found.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSENDER\tTYPE\tPERSON\tSTATUS\tATTEMPTS\tCREATED")
	for _, a := range actions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			a.ID, a.SenderID, a.ActionType, orDash(a.PersonID), a.Status, a.Attempts, formatTime(&a.CreatedAt))
	}
	return w.Flush()
}

func newActionShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one action in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runActionShow(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Senderyard config file")
	return cmd
}

func runActionShow(cmd *cobra.Command, configPath, actionID string) error {
	ctx := context.Background()
	s, err := openStack(ctx, configPath)
	if err != nil {
		return err
	}
	defer s.close()

	a, err := s.queue.Get(ctx, actionID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID:         %s\n", a.ID)
	fmt.Fprintf(out, "Sender:     %s\n", a.SenderID)
	fmt.Fprintf(out, "Type:       %s\n", a.ActionType)
	fmt.Fprintf(out, "Person:     %s\n", orDash(a.PersonID))
	fmt.Fprintf(out, "Status:     %s\n", a.Status)
	fmt.Fprintf(out, "Attempts:   %d\n", a.Attempts)
	fmt.Fprintf(out, "Created:    %s\n", formatTime(&a.CreatedAt))
	fmt.Fprintf(out, "Claimed:    %s\n", formatTime(a.ClaimedAt))
	fmt.Fprintf(out, "Completed:  %s\n", formatTime(a.CompletedAt))
	if a.BudgetDay != "" {
		fmt.Fprintf(out, "Budget day: %s\n", a.BudgetDay)
	}
	if a.Payload != "" {
		fmt.Fprintf(out, "Payload:    %s\n", a.Payload)
	}
	if a.Result != "" {
		fmt.Fprintf(out, "Result:     %s\n", a.Result)
	}
	if a.Error != "" {
		fmt.Fprintf(out, "Error:      %s\n", a.Error)
	}
	return nil
}

func newActionRequeueCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "requeue <id>...",
		Short: "Move failed actions back to pending",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runActionRequeue(cmd, configPath, args)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Senderyard config file")
	return cmd
}

func runActionRequeue(cmd *cobra.Command, configPath string, ids []string) error {
	ctx := context.Background()
	s, err := openStack(ctx, configPath)
	if err != nil {
		return err
	}
	defer s.close()

	out := cmd.OutOrStdout()
	for _, id := range ids {
		if err := s.queue.Requeue(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(out, "Requeued %s\n", id)
	}
	return nil
}
