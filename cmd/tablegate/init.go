// ABOUTME: init subcommand: interactive prompts that write a starter YAML config
// ABOUTME: Generates a random JWT secret and places the store under the XDG data dir

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// initAnswers holds everything the init prompts collect.
type initAnswers struct {
	HTTPAddr         string
	DatabaseDriver   string
	DatabaseDSN      string
	StorePath        string
	JWTSecret        string
	ClientID         string
	ClientSecret     string
	PrivilegedLogins []string

	TailscaleEnabled bool
	TailscaleHost    string
	TailscaleAuthKey string
	TailscaleFunnel  bool

	LogLevel  string
	LogFormat string
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("tablegate configuration setup")
	fmt.Println("=============================")
	fmt.Println()

	dataPath := getDataPath()

	outputFile := prompt(reader, "Config file path", getConfigPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	secret, err := randomSecret()
	if err != nil {
		return err
	}
	a := initAnswers{JWTSecret: secret}

	fmt.Println("\n--- Server Configuration ---")
	a.HTTPAddr = prompt(reader, "HTTP address", "localhost:8787")

	fmt.Println("\n--- Backend Database ---")
	a.DatabaseDriver = prompt(reader, "Driver (sqlite/sqlite3)", "sqlite")
	a.DatabaseDSN = prompt(reader, "DSN", filepath.Join(dataPath, "backend.db"))
	a.StorePath = prompt(reader, "Gateway state database path", filepath.Join(dataPath, "gateway.db"))

	fmt.Println("\n--- GitHub OAuth App ---")
	a.ClientID = prompt(reader, "Client ID", "${GITHUB_CLIENT_ID}")
	a.ClientSecret = prompt(reader, "Client secret", "${GITHUB_CLIENT_SECRET}")
	if logins := prompt(reader, "Privileged logins (comma separated)", ""); logins != "" {
		for _, l := range strings.Split(logins, ",") {
			if l = strings.TrimSpace(l); l != "" {
				a.PrivilegedLogins = append(a.PrivilegedLogins, l)
			}
		}
	}

	fmt.Println("\n--- Tailscale Configuration ---")
	a.TailscaleEnabled = yes(prompt(reader, "Enable Tailscale?", "no"))
	if a.TailscaleEnabled {
		a.TailscaleHost = prompt(reader, "Tailscale hostname", "tablegate")
		a.TailscaleAuthKey = prompt(reader, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		a.TailscaleFunnel = yes(prompt(reader, "Enable Funnel (public HTTPS, needed for OAuth callbacks)?", "yes"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	a.LogLevel = prompt(reader, "Log level (debug/info/warn/error)", "info")
	a.LogFormat = prompt(reader, "Log format (text/json)", "text")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(a.StorePath), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Println("  tablegate serve")
	fmt.Println("\nTo mint a token without a browser:")
	fmt.Println("  tablegate token --login <github-login>")
	return nil
}

// renderConfig produces the YAML written by init.
func renderConfig(a initAnswers) string {
	var b strings.Builder
	b.WriteString("# tablegate configuration\n")
	b.WriteString("# Generated by tablegate init\n\n")

	b.WriteString("server:\n")
	fmt.Fprintf(&b, "  http_addr: %q\n\n", a.HTTPAddr)

	b.WriteString("database:\n")
	fmt.Fprintf(&b, "  driver: %q\n", a.DatabaseDriver)
	fmt.Fprintf(&b, "  dsn: %q\n", a.DatabaseDSN)
	b.WriteString("  connect_timeout: \"5s\"\n\n")

	b.WriteString("store:\n")
	fmt.Fprintf(&b, "  path: %q\n\n", a.StorePath)

	b.WriteString("oauth:\n")
	b.WriteString("  provider: \"github\"\n")
	fmt.Fprintf(&b, "  client_id: %q\n", a.ClientID)
	fmt.Fprintf(&b, "  client_secret: %q\n\n", a.ClientSecret)

	b.WriteString("auth:\n")
	fmt.Fprintf(&b, "  jwt_secret: %q\n", a.JWTSecret)
	b.WriteString("  token_ttl: \"24h\"\n\n")

	b.WriteString("access:\n")
	if len(a.PrivilegedLogins) == 0 {
		b.WriteString("  privileged_logins: []\n\n")
	} else {
		b.WriteString("  privileged_logins:\n")
		for _, l := range a.PrivilegedLogins {
			fmt.Fprintf(&b, "    - %q\n", l)
		}
		b.WriteString("\n")
	}

	b.WriteString("sessions:\n")
	b.WriteString("  idle_timeout: \"10m\"\n")
	b.WriteString("  sweep_interval: \"30s\"\n\n")

	b.WriteString("tailscale:\n")
	fmt.Fprintf(&b, "  enabled: %t\n", a.TailscaleEnabled)
	if a.TailscaleEnabled {
		fmt.Fprintf(&b, "  hostname: %q\n", a.TailscaleHost)
		if a.TailscaleAuthKey != "" {
			fmt.Fprintf(&b, "  auth_key: %q\n", a.TailscaleAuthKey)
		}
		fmt.Fprintf(&b, "  funnel: %t\n", a.TailscaleFunnel)
	}
	b.WriteString("\n")

	b.WriteString("logging:\n")
	fmt.Fprintf(&b, "  level: %q\n", a.LogLevel)
	fmt.Fprintf(&b, "  format: %q\n\n", a.LogFormat)

	b.WriteString("metrics:\n")
	b.WriteString("  enabled: false\n")
	b.WriteString("  path: \"/metrics\"\n")
	return b.String()
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

func yes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && (err != io.EOF || input == "") {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
