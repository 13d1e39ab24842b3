// ABOUTME: Operator CLI for wa-gateway sessions, pairing, messages and tenant configuration
// ABOUTME: Talks to the internal HTTP API with a bearer token or the development tenant header

package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/wa-gateway/internal/api"
	"github.com/2389/wa-gateway/internal/apiclient"
	"github.com/2389/wa-gateway/internal/reconcile"
	"github.com/2389/wa-gateway/internal/waha"
)

const banner = `
                                             _           _
__      ____ _        __ _  __ _ _ __ ___ (_)_ __     __ _  __| |_ __ ___ (_)_ __
\ \ /\ / / _' |_____ / _' |/ _' | '_ ' _ \| | '_ \   / _' |/ _' | '_ ' _ \| | '_ \
 \ V  V / (_| |_____| (_| | (_| | | | | | | | | | | | (_| | (_| | | | | | | | | | |
  \_/\_/ \__,_|      \__,_|\__,_|_| |_| |_|_|_| |_|  \__,_|\__,_|_| |_| |_|_|_| |_|
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	baseURL := getEnv("WAGW_URL", "http://localhost:8080")
	client := apiclient.New(baseURL, getToken(), os.Getenv("WAGW_TENANT"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "status":
		err = cmdStatus(ctx, client)
	case "connect", "reconnect", "logout", "change-number":
		err = cmdAction(ctx, client, api.Action(strings.ReplaceAll(cmd, "-", "_")))
	case "qr":
		err = cmdQR(ctx, client, args)
	case "send":
		err = cmdSend(ctx, client, args)
	case "webhook":
		err = cmdWebhook(ctx, client, args)
	case "watch":
		err = cmdWatch(ctx, client, args)
	case "tenants":
		err = cmdTenants(ctx, client, args)
	case "audit":
		err = cmdAudit(ctx, client, args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: wa-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  status                        Show the session status for your tenant")
	fmt.Println("  connect                       Create the session and bind its webhook")
	fmt.Println("  reconnect                     Restart the session")
	fmt.Println("  logout                        Log the linked device out")
	fmt.Println("  change-number                 Log out and start pairing a new number")
	fmt.Println("  qr [--png FILE]               Fetch a pairing code (terminal or PNG)")
	fmt.Println("  send TO TEXT...               Send a text message")
	fmt.Println("  webhook [verify|ensure]       Check or repair the webhook binding")
	fmt.Println("  watch [--until-connected]     Follow pairing until the session connects")
	fmt.Println("  tenants set ID --url URL --key KEY")
	fmt.Println("                                Store gateway credentials for a tenant (admin)")
	fmt.Println("  audit [--tenant ID] [--limit N]")
	fmt.Println("                                Show recent audit entries (admin)")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  WAGW_URL        Gateway URL (default: http://localhost:8080)")
	fmt.Println("  WAGW_TOKEN      JWT from 'wa-gateway token' (or ~/.config/wa-gateway/token)")
	fmt.Println("  WAGW_TENANT     Tenant id sent as X-Tenant-ID when no token is set")
	fmt.Println()
	yellow.Println("Examples:")
	fmt.Println("  export WAGW_TOKEN=\"eyJhbG...\"")
	fmt.Println("  wa-admin qr --png pair.png")
	fmt.Println("  wa-admin send 15551234567 'hello from the gateway'")
	fmt.Println("  wa-admin tenants set 5c1e2d3f-4a5b --url http://waha:3000 --key secret")
	fmt.Println()
}

// getToken returns the token from WAGW_TOKEN or the token file.
func getToken() string {
	if token := os.Getenv("WAGW_TOKEN"); token != "" {
		return token
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(home, ".config", "wa-gateway", "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// parseFlags splits args into --name value flags and positionals. Names
// listed in bools take no value. Both --name value and --name=value work.
func parseFlags(args []string, names []string, bools ...string) (map[string]string, []string, error) {
	known := make(map[string]bool, len(names)+len(bools))
	for _, n := range names {
		known[n] = false
	}
	for _, n := range bools {
		known[n] = true
	}

	flags := make(map[string]string)
	var positional []string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			positional = append(positional, arg)
			continue
		}
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		isBool, ok := known[name]
		if !ok {
			return nil, nil, fmt.Errorf("unknown flag: --%s", name)
		}
		switch {
		case isBool:
			value = "true"
		case !hasValue:
			if i+1 >= len(args) {
				return nil, nil, fmt.Errorf("--%s requires a value", name)
			}
			i++
			value = args[i]
		}
		flags[name] = value
	}
	return flags, positional, nil
}

func printStatus(st *api.SessionStatus) {
	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Session")
	cyan.Println("  -------")

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "  Name:\t%s\n", orDash(st.Session))
	fmt.Fprintf(w, "  Status:\t%s\n", statusColor(st.Status))
	if st.Account != nil {
		fmt.Fprintf(w, "  Account:\t%s\n", describeAccount(*st.Account))
	}
	w.Flush()
	fmt.Println()
}

func statusColor(s waha.Status) string {
	switch s {
	case waha.StatusWorking:
		return color.GreenString(string(s))
	case waha.StatusFailed, waha.StatusNotFound:
		return color.RedString(string(s))
	default:
		return color.YellowString(string(s))
	}
}

func describeAccount(a waha.Account) string {
	parts := []string{a.ID}
	if a.Phone != "" {
		parts = append(parts, "+"+a.Phone)
	}
	if a.DisplayName != "" {
		parts = append(parts, fmt.Sprintf("(%s)", a.DisplayName))
	}
	return strings.Join(parts, " ")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func cmdStatus(ctx context.Context, client *apiclient.Client) error {
	st, err := client.SessionStatus(ctx)
	if err != nil {
		return err
	}
	printStatus(st)
	if st.QR != nil {
		fmt.Println("  A pairing code is waiting. Run 'wa-admin qr' to display it.")
		fmt.Println()
	}
	return nil
}

func cmdAction(ctx context.Context, client *apiclient.Client, action api.Action) error {
	st, err := client.SessionAction(ctx, action)
	if err != nil {
		return err
	}
	color.Green("✓ %s requested", action)
	printStatus(st)
	return nil
}

func cmdQR(ctx context.Context, client *apiclient.Client, args []string) error {
	flags, positional, err := parseFlags(args, []string{"png"})
	if err != nil {
		return err
	}
	if len(positional) > 0 {
		return fmt.Errorf("unexpected argument: %s", positional[0])
	}

	st, err := client.QR(ctx)
	if err != nil {
		return err
	}
	if st.AlreadyConnected {
		color.Green("✓ Session %s is already connected", st.Session)
		return nil
	}
	if st.QR == nil {
		return fmt.Errorf("gateway returned no pairing payload (status %s)", st.Status)
	}

	if out := flags["png"]; out != "" {
		if err := writePayloadPNG(*st.QR, out); err != nil {
			return err
		}
		color.Green("✓ Pairing code written to %s", out)
		return nil
	}

	fmt.Println()
	if err := renderPayload(os.Stdout, *st.QR); err != nil {
		return err
	}
	fmt.Printf("  Scan with WhatsApp > Linked devices (session %s)\n\n", st.Session)
	return nil
}

func cmdSend(ctx context.Context, client *apiclient.Client, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: wa-admin send TO TEXT")
	}
	res, err := client.SendText(ctx, args[0], strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	color.Green("✓ Sent (message id %s)", orDash(res.MessageID))
	return nil
}

func cmdWebhook(ctx context.Context, client *apiclient.Client, args []string) error {
	sub := "verify"
	if len(args) > 0 {
		sub = args[0]
	}

	verify := client.VerifyWebhook
	switch sub {
	case "verify":
	case "ensure":
		verify = client.EnsureWebhook
	default:
		return fmt.Errorf("unknown webhook command: %s", sub)
	}

	v, err := verify(ctx)
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Webhook")
	cyan.Println("  -------")
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "  URL:\t%s\n", orDash(v.URL))
	fmt.Fprintf(w, "  Configured:\t%t\n", v.IsConfigured)
	fmt.Fprintf(w, "  Expected tenant:\t%s\n", v.ExpectedTenant)
	fmt.Fprintf(w, "  Actual tenant:\t%s\n", orDash(v.ActualTenant))
	w.Flush()
	fmt.Println()

	if v.IsCorrect {
		color.Green("✓ Webhook routes to this tenant")
	} else {
		color.Yellow("⚠ Webhook is missing or misrouted; run 'wa-admin webhook ensure'")
	}
	return nil
}

func cmdWatch(ctx context.Context, client *apiclient.Client, args []string) error {
	flags, _, err := parseFlags(args, nil, "until-connected")
	if err != nil {
		return err
	}
	untilConnected := flags["until-connected"] == "true"

	connected := make(chan struct{}, 1)
	r := &watchRenderer{out: os.Stdout, now: time.Now}

	loop := reconcile.NewLoop(client, reconcile.Options{
		OnChange: r.render,
		OnConnected: func(session string, acct waha.Account) {
			color.Green("✓ %s connected as %s", session, describeAccount(acct))
			select {
			case connected <- struct{}{}:
			default:
			}
		},
	}, nil)
	loop.Start(ctx)
	defer loop.Stop()

	fmt.Println("  Watching session. Keys: r=refresh  c=connect  l=logout  q=quit")

	keys := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			keys <- strings.TrimSpace(scanner.Text())
		}
		close(keys)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-loop.Done():
			return nil
		case <-connected:
			if untilConnected {
				return nil
			}
		case key, ok := <-keys:
			if !ok {
				keys = nil
				continue
			}
			switch key {
			case "r":
				loop.Refresh()
			case "c":
				_, err = loop.Do(ctx, api.ActionConnect)
			case "l":
				_, err = loop.Do(ctx, api.ActionLogout)
			case "q":
				return nil
			}
			if err != nil {
				color.Red("Error: %v\n", err)
				err = nil
			}
		}
	}
}

func cmdTenants(ctx context.Context, client *apiclient.Client, args []string) error {
	if len(args) == 0 || args[0] != "set" {
		return fmt.Errorf("usage: wa-admin tenants set ID --url URL --key KEY")
	}
	flags, positional, err := parseFlags(args[1:], []string{"url", "key"})
	if err != nil {
		return err
	}
	if len(positional) != 1 {
		return fmt.Errorf("usage: wa-admin tenants set ID --url URL --key KEY")
	}

	resp, err := client.SetTenantConfig(ctx, positional[0], api.TenantConfigRequest{
		BaseURL: flags["url"],
		APIKey:  flags["key"],
	})
	if err != nil {
		return err
	}

	color.Green("✓ Tenant configuration saved")
	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "  Tenant:\t%s\n", resp.TenantID)
	fmt.Fprintf(w, "  Base URL:\t%s\n", orDash(resp.BaseURL))
	fmt.Fprintf(w, "  API key:\t%s\n", orDash(resp.APIKey))
	fmt.Fprintf(w, "  Session:\t%s\n", orDash(resp.SessionName))
	w.Flush()
	fmt.Println()
	return nil
}

func cmdAudit(ctx context.Context, client *apiclient.Client, args []string) error {
	flags, _, err := parseFlags(args, []string{"tenant", "limit"})
	if err != nil {
		return err
	}
	limit := 50
	if s := flags["limit"]; s != "" {
		limit, err = strconv.Atoi(s)
		if err != nil || limit <= 0 {
			return fmt.Errorf("invalid --limit: %s", s)
		}
	}

	entries, err := client.ListAudit(ctx, flags["tenant"], limit)
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Audit Log")
	cyan.Println("  ---------")

	if len(entries) == 0 {
		fmt.Println("  (no entries)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  TIME\tACTOR\tACTION\tTENANT\tTARGET")
	fmt.Fprintln(w, "  ----\t-----\t------\t------\t------")
	for _, e := range entries {
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format("Jan 02 15:04"),
			truncate(e.Actor, 20),
			e.Action,
			truncate(orDash(e.TenantID), 20),
			truncate(orDash(e.Target), 32))
	}
	w.Flush()
	fmt.Println()
	return nil
}
