// ABOUTME: tokens and audit subcommands: list a user's grants and the tool call audit trail
// ABOUTME: Read the gateway store directly and print tab-aligned tables

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/tablegate/internal/config"
	"github.com/2389/tablegate/internal/store"
)

const tableTimeFormat = "Jan 02 15:04"

// grantsUserID resolves --user-id or --login to the user id grants are
// stored under. --login names a CLI-minted principal.
func grantsUserID(flags map[string]string) (string, error) {
	userID, login := flags["user-id"], flags["login"]
	switch {
	case userID != "" && login != "":
		return "", errors.New("use either --user-id or --login, not both")
	case userID != "":
		return userID, nil
	case login != "":
		return "cli:" + login, nil
	default:
		return "", errors.New("--user-id or --login is required")
	}
}

// auditFilter builds a ToolCallFilter from the audit command's flags.
func auditFilter(flags map[string]string, now time.Time) (store.ToolCallFilter, error) {
	f := store.ToolCallFilter{
		UserID:    flags["user"],
		SessionID: flags["session"],
		Tool:      flags["tool"],
	}
	if v := flags["limit"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, fmt.Errorf("invalid --limit %q", v)
		}
		f.Limit = n
	}
	if v := flags["since"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return f, fmt.Errorf("invalid --since %q", v)
		}
		since := now.Add(-d)
		f.Since = &since
	}
	return f, nil
}

func openStore() (*store.SQLiteStore, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	s, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return s, nil
}

func runTokens(ctx context.Context, args []string) error {
	flags, err := parseFlags(args, "user-id", "login")
	if err != nil {
		return err
	}
	userID, err := grantsUserID(flags)
	if err != nil {
		return err
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	grants, err := s.ListGrants(ctx, userID)
	if err != nil {
		return fmt.Errorf("listing tokens: %w", err)
	}
	printGrants(os.Stdout, userID, grants, time.Now())
	return nil
}

func runAudit(ctx context.Context, args []string) error {
	flags, err := parseFlags(args, "user", "tool", "session", "since", "limit")
	if err != nil {
		return err
	}
	filter, err := auditFilter(flags, time.Now())
	if err != nil {
		return err
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	calls, err := s.ListToolCalls(ctx, filter)
	if err != nil {
		return fmt.Errorf("listing tool calls: %w", err)
	}
	printToolCalls(os.Stdout, calls)
	return nil
}

func grantStatus(g *store.Grant, now time.Time) string {
	switch {
	case g.RevokedAt != nil:
		return "revoked"
	case !now.Before(g.ExpiresAt):
		return "expired"
	default:
		return "active"
	}
}

func printGrants(out io.Writer, userID string, grants []*store.Grant, now time.Time) {
	cyan := color.New(color.FgCyan)
	fmt.Fprintln(out)
	cyan.Fprintf(out, "  Tokens for %s\n", userID)
	cyan.Fprintln(out, "  ----------")

	if len(grants) == 0 {
		fmt.Fprintln(out, "  (no tokens issued)")
		fmt.Fprintln(out)
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  JTI\tTIER\tSTATUS\tISSUED\tEXPIRES")
	fmt.Fprintln(w, "  ---\t----\t------\t------\t-------")
	for _, g := range grants {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n",
			g.ID, g.Tier, grantStatus(g, now),
			g.IssuedAt.Local().Format(tableTimeFormat),
			g.ExpiresAt.Local().Format(tableTimeFormat))
	}
	w.Flush()
	fmt.Fprintln(out)
}

func printToolCalls(out io.Writer, calls []*store.ToolCall) {
	cyan := color.New(color.FgCyan)
	fmt.Fprintln(out)
	cyan.Fprintln(out, "  Tool Calls")
	cyan.Fprintln(out, "  ----------")

	if len(calls) == 0 {
		fmt.Fprintln(out, "  (no tool calls recorded)")
		fmt.Fprintln(out)
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  TIME\tUSER\tTOOL\tOUTCOME\tMS\tSESSION\tERROR")
	fmt.Fprintln(w, "  ----\t----\t----\t-------\t--\t-------\t-----")
	for _, c := range calls {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			c.CreatedAt.Local().Format(tableTimeFormat),
			truncate(c.UserID, 24), c.Tool, c.Outcome, c.DurationMS,
			truncate(c.SessionID, 12), truncate(c.Error, 40))
	}
	w.Flush()
	fmt.Fprintln(out)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
