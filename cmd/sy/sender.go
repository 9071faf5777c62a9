package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/zulandar/senderyard/internal/models"
	"github.com/zulandar/senderyard/internal/session"
)

func newSenderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sender",
		Short: "Sender management commands",
	}

	cmd.AddCommand(newSenderAddCmd())
	cmd.AddCommand(newSenderListCmd())
	cmd.AddCommand(newSenderCredentialsCmd())
	cmd.AddCommand(newSenderHealthCmd())
	cmd.AddCommand(newSenderHistoryCmd())
	cmd.AddCommand(newSenderUsageCmd())
	cmd.AddCommand(newSenderConnectionsCmd())
	return cmd
}

func newSenderAddCmd() *cobra.Command {
	var (
		configPath string
		sender     models.Sender
	)

	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Register a new sender",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sender.ID = args[0]
			return runSenderAdd(cmd, configPath, &sender)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Senderyard config file")
	cmd.Flags().StringVarP(&sender.WorkspaceID, "workspace", "w", "", "workspace the sender belongs to")
	cmd.Flags().StringVar(&sender.Name, "name", "", "display name")
	cmd.Flags().StringVar(&sender.Tier, "tier", "", "budget tier (defaults to budget.default_tier)")
	cmd.Flags().StringVar(&sender.ProxyRef, "proxy", "", "proxy URL the worker routes this sender through")
	return cmd
}

func runSenderAdd(cmd *cobra.Command, configPath string, sender *models.Sender) error {
	ctx := context.Background()
	s, err := openStack(ctx, configPath)
	if err != nil {
		return err
	}
	defer s.close()

	if sender.Tier == "" {
		sender.Tier = s.cfg.Budget.DefaultTier
	}
	if _, ok := s.cfg.Budget.Tiers[sender.Tier]; !ok {
		return fmt.Errorf("tier %q is not defined in budget.tiers", sender.Tier)
	}
	if err := s.sessions.CreateSender(ctx, sender); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added sender %s (tier %s)\n", sender.ID, sender.Tier)
	return nil
}

func newSenderListCmd() *cobra.Command {
	var (
		configPath string
		workspace  string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List senders with session and health status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSenderList(cmd, configPath, workspace)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Senderyard config file")
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "only senders in this workspace")
	return cmd
}

func runSenderList(cmd *cobra.Command, configPath, workspace string) error {
	ctx := context.Background()
	s, err := openStack(ctx, configPath)
	if err != nil {
		return err
	}
	defer s.close()

	views, err := s.sessions.List(ctx, workspace)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(views) == 0 {
		fmt.Fprintln(out, "No senders found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWORKSPACE\tTIER\tSESSION\tHEALTH\tCREDS\tLAST ACTIVE")
	for _, v := range views {
		creds := "no"
		if v.HasCredentials {
			creds = "yes"
		}
		health := v.HealthStatus
		if v.HealthReason != "" {
			health += " (" + truncate(v.HealthReason, 40) + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			v.ID, v.WorkspaceID, v.Tier, v.SessionStatus, health, creds, formatTime(v.LastActiveAt))
	}
	return w.Flush()
}

func newSenderCredentialsCmd() *cobra.Command {
	var (
		configPath string
		creds      session.Credentials
	)

	cmd := &cobra.Command{
		Use:   "credentials <id>",
		Short: "Store a sender's login credentials",
		Long: `Encrypts and stores the email, password and optional TOTP seed a worker
uses to sign the sender in. The password is prompted for when --password is
not given; on a non-terminal stdin it is read from the first line.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSenderCredentials(cmd, configPath, args[0], creds)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Senderyard config file")
	cmd.Flags().StringVar(&creds.Email, "email", "", "login email (required)")
	cmd.Flags().StringVar(&creds.Password, "password", "", "login password (prompted when omitted)")
	cmd.Flags().StringVar(&creds.TOTPSecret, "totp-secret", "", "base32 TOTP seed for two-step verification")
	cmd.MarkFlagRequired("email")
	return cmd
}

func runSenderCredentials(cmd *cobra.Command, configPath, senderID string, creds session.Credentials) error {
	ctx := context.Background()
	s, err := openStack(ctx, configPath)
	if err != nil {
		return err
	}
	defer s.close()

	if s.cfg.Vault.Key == "" {
		return fmt.Errorf("vault.key is required to store credentials")
	}
	if creds.Password == "" {
		pw, err := readPassword(cmd)
		if err != nil {
			return err
		}
		creds.Password = pw
	}
	if err := s.sessions.SaveCredentials(ctx, senderID, creds); err != nil {
		return err
	}

	totp := "without"
	if creds.TOTPSecret != "" {
		totp = "with"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stored credentials for %s (%s TOTP seed)\n", senderID, totp)
	return nil
}

// readPassword prompts without echo on a terminal, otherwise reads one line.
func readPassword(cmd *cobra.Command) (string, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.OutOrStdout(), "Password: ")
		pw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.OutOrStdout())
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(pw), nil
	}

	scanner := bufio.NewScanner(cmd.InOrStdin())
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return "", fmt.Errorf("read password: no input")
	}
	return strings.TrimRight(scanner.Text(), "\r"), nil
}

func newSenderHealthCmd() *cobra.Command {
	var (
		configPath string
		reason     string
	)

	cmd := &cobra.Command{
		Use:   "health <id> <status>",
		Short: "Override a sender's health status",
		Long: `Sets a sender's health status as an operator. Status is one of
healthy, warning, paused, blocked, session_expired. Paused and blocked
senders receive no work.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSenderHealth(cmd, configPath, args[0], args[1], reason)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Senderyard config file")
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "reason recorded in the health log")
	return cmd
}

func runSenderHealth(cmd *cobra.Command, configPath, senderID, status, reason string) error {
	ctx := context.Background()
	s, err := openStack(ctx, configPath)
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.sessions.SetHealth(ctx, senderID, session.HealthChange{
		Status: status,
		Reason: reason,
		Source: session.SourceOperator,
	}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Sender %s health set to %s\n", senderID, status)
	return nil
}

func newSenderHistoryCmd() *cobra.Command {
	var (
		configPath string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show a sender's health change log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSenderHistory(cmd, configPath, args[0], limit)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Senderyard config file")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum events to show")
	return cmd
}

func runSenderHistory(cmd *cobra.Command, configPath, senderID string, limit int) error {
	ctx := context.Background()
	s, err := openStack(ctx, configPath)
	if err != nil {
		return err
	}
	defer s.close()

	if _, err := s.sessions.Get(ctx, senderID); err != nil {
		return err
	}
	events, err := s.sessions.HealthHistory(ctx, senderID, limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(events) == 0 {
		fmt.Fprintf(out, "No health changes recorded for %s.\n", senderID)
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tFROM\tTO\tSOURCE\tREASON")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.UTC().Format(time.RFC3339), orDash(e.FromStatus), e.ToStatus, e.Source, e.Reason)
	}
	return w.Flush()
}

func newSenderUsageCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "usage <id>",
		Short: "Show today's budget usage for a sender",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSenderUsage(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Senderyard config file")
	return cmd
}

func runSenderUsage(cmd *cobra.Command, configPath, senderID string) error {
	ctx := context.Background()
	s, err := openStack(ctx, configPath)
	if err != nil {
		return err
	}
	defer s.close()

	report, err := s.dispatcher.Usage(ctx, senderID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Sender %s, tier %s, day %s (UTC)\n\n", report.SenderID, report.Tier, report.Day)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tLIMIT\tCONSUMED\tRESERVED\tREMAINING\tAVAILABLE")
	for _, u := range report.Usage {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\n", u.ActionType, u.Limit, u.Consumed, u.Reserved, u.Remaining, u.Available)
	}
	return w.Flush()
}

func newSenderConnectionsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "connections <id>",
		Short: "List connection requests a sender has sent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSenderConnections(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Senderyard config file")
	return cmd
}

func runSenderConnections(cmd *cobra.Command, configPath, senderID string) error {
	ctx := context.Background()
	s, err := openStack(ctx, configPath)
	if err != nil {
		return err
	}
	defer s.close()

	conns, err := s.queue.ListConnections(ctx, senderID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(conns) == 0 {
		fmt.Fprintf(out, "No connections recorded for %s.\n", senderID)
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PERSON\tSTATUS\tREQUESTED")
	for _, c := range conns {
		fmt.Fprintf(w, "%s\t%s\t%s\n", c.PersonID, c.Status, formatTime(c.RequestSentAt))
	}
	return w.Flush()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
