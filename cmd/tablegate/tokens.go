// ABOUTME: token and revoke subcommands: mint a bearer token for a login, or revoke one by jti
// ABOUTME: Both open the gateway store directly and need no running server

package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fatih/color"

	"github.com/2389/tablegate/internal/auth"
	"github.com/2389/tablegate/internal/config"
	"github.com/2389/tablegate/internal/store"
)

// parseFlags reads "--name value" and "--name=value" pairs for the allowed
// names. Positional arguments and unknown flags are errors.
func parseFlags(args []string, allowed ...string) (map[string]string, error) {
	known := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		known[name] = true
	}

	values := make(map[string]string)
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			return nil, fmt.Errorf("unexpected argument: %s", arg)
		}
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if !known[name] {
			return nil, fmt.Errorf("unknown flag: %s", arg)
		}
		if !hasValue {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--%s requires a value", name)
			}
			value = args[i+1]
			i++
		}
		values[name] = strings.TrimSpace(value)
	}
	return values, nil
}

// principalForLogin builds the principal a CLI-minted token carries. The
// tier comes from --tier when given, otherwise from access.privileged_logins.
func principalForLogin(cfg *config.Config, login, tier, userID string) (auth.Principal, error) {
	if login == "" {
		return auth.Principal{}, errors.New("--login is required")
	}

	t := auth.TierFor(login, cfg.Access.PrivilegedLogins)
	if tier != "" {
		parsed, err := auth.ParseTier(tier)
		if err != nil {
			return auth.Principal{}, err
		}
		t = parsed
	}

	if userID == "" {
		userID = "cli:" + login
	}
	return auth.Principal{UserID: userID, Login: login, Tier: t}, nil
}

func runToken(ctx context.Context, args []string) error {
	flags, err := parseFlags(args, "login", "tier", "user-id")
	if err != nil {
		return err
	}

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	p, err := principalForLogin(cfg, flags["login"], flags["tier"], flags["user-id"])
	if err != nil {
		return err
	}

	issuer, err := auth.NewTokenIssuer([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		return fmt.Errorf("creating token issuer: %w", err)
	}

	s, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	issued, err := auth.Mint(ctx, issuer, s, p)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)

	green.Printf("  ✓ Minted %s token for %s\n", p.Tier, p.Login)
	fmt.Println()
	cyan.Println("  Bearer Token")
	cyan.Println("  ------------")
	fmt.Printf("  User ID: %s\n", p.UserID)
	fmt.Printf("  JTI:     %s\n", issued.ID)
	fmt.Printf("  Expires: %s\n", issued.ExpiresAt.Format("Jan 02, 2006 15:04 MST"))
	fmt.Println()
	fmt.Println(issued.Token)
	return nil
}

func runRevoke(ctx context.Context, args []string) error {
	flags, err := parseFlags(args, "jti")
	if err != nil {
		return err
	}
	jti := flags["jti"]
	if jti == "" {
		return errors.New("--jti is required")
	}

	s, err := openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.RevokeGrant(ctx, jti); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no token with jti %s", jti)
		}
		return err
	}

	color.New(color.FgGreen).Printf("  ✓ Revoked %s\n", jti)
	return nil
}
