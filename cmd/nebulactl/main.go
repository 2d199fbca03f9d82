package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nebula-cp/nebula/pkg/client"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL string
	apiKey    string
	cfgFile   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nebulactl",
	Short: "Nebula control plane CLI",
	Long: `nebulactl is the command-line interface for a Nebula deployment.

It enrolls agents, reviews pending approvals, manages API keys, and
invokes actions against the server's mediated write surface.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".nebula"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("nebula")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
		if apiKey == "" {
			apiKey = viper.GetString("api_key")
		}
		if apiKey == "" {
			apiKey = savedCredential()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.nebula/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Nebula server URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key (default NEBULA_API_KEY or ~/.nebula/credentials)")

	rootCmd.AddCommand(enrollCmd)
	rootCmd.AddCommand(whoamiCmd)
	rootCmd.AddCommand(actionsCmd)
	rootCmd.AddCommand(invokeCmd)
	rootCmd.AddCommand(approvalsCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(taxonomyCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() *client.Client {
	opts := []client.Option{}
	if apiKey != "" {
		opts = append(opts, client.WithCredential(apiKey))
	}
	return client.New(serverURL, opts...)
}

// credentialPath is where enroll stores the redeemed API key.
func credentialPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".nebula", "credentials"), nil
}

func savedCredential() string {
	path, err := credentialPath()
	if err != nil {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func printJSON(raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ── enroll ───────────────────────────────────────────────────────────────────

var (
	enrollDescription string
	enrollCaps        []string
	enrollScopes      []string
	enrollTimeoutMin  int
	enrollNoSave      bool
)

var enrollCmd = &cobra.Command{
	Use:   "enroll <agent-name>",
	Short: "Enroll this machine as a new agent via the bootstrap protocol",
	Long: `enroll runs the complete bootstrap flow: it files an enrollment request,
waits for a reviewer to approve it, redeems the one-time token, and stores
the resulting API key in ~/.nebula/credentials.

The server must run with bootstrap.enabled and the request must originate
from an allowed network position.

Example:

  nebulactl enroll crawler-7 --capability fetch --capability summarize --scope public`,
	Args: cobra.ExactArgs(1),
	RunE: runEnroll,
}

func init() {
	enrollCmd.Flags().StringVar(&enrollDescription, "description", "", "Agent description")
	enrollCmd.Flags().StringArrayVar(&enrollCaps, "capability", nil, "Declared capability (repeatable)")
	enrollCmd.Flags().StringArrayVar(&enrollScopes, "scope", nil, "Requested scope name (repeatable)")
	enrollCmd.Flags().IntVar(&enrollTimeoutMin, "timeout", 10, "Approval polling timeout in minutes")
	enrollCmd.Flags().BoolVar(&enrollNoSave, "no-save", false, "Print the API key instead of writing ~/.nebula/credentials")
}

func runEnroll(cmd *cobra.Command, args []string) error {
	name := args[0]
	ctx := context.Background()
	c := newClient()

	start, err := c.StartEnrollment(ctx, name, enrollDescription, enrollCaps, enrollScopes)
	if err != nil {
		return fmt.Errorf("start enrollment: %w", err)
	}

	fmt.Printf("Enrollment started for %q\n\n", name)
	fmt.Printf("  Session:          %s\n", start.SessionID)
	fmt.Printf("  Approval request: %s\n", start.ApprovalRequestID)
	fmt.Printf("  Token expires:    %s\n\n", start.ExpiresAt.Format(time.RFC3339))
	fmt.Println("A reviewer must approve the request:")
	fmt.Printf("  nebulactl approvals approve %s\n\n", start.ApprovalRequestID)

	// Long-poll until decided or timed out.
	deadline := time.Now().Add(time.Duration(enrollTimeoutMin) * time.Minute)
	spinner := []string{"|", "/", "-", "\\"}
	spinIdx := 0
	approved := false

	for time.Now().Before(deadline) {
		res, waitErr := c.WaitEnrollment(ctx, start.SessionID, start.Token, 30)
		if waitErr != nil {
			fmt.Println()
			return fmt.Errorf("wait for approval: %w", waitErr)
		}
		if res.CanRedeem {
			approved = true
			break
		}
		switch res.Status {
		case "rejected":
			fmt.Println()
			return fmt.Errorf("enrollment rejected: %s", res.Reason)
		case "expired":
			fmt.Println()
			return errors.New("enrollment token expired before a decision was made")
		}
		fmt.Printf("\rWaiting for approval... %s ", spinner[spinIdx%len(spinner)])
		spinIdx++
		if res.RetryAfterMs > 0 {
			time.Sleep(time.Duration(res.RetryAfterMs) * time.Millisecond)
		}
	}
	fmt.Println()

	if !approved {
		return fmt.Errorf("no decision after %d minute(s); the session stays valid until the token expires — rerun wait later", enrollTimeoutMin)
	}
	fmt.Println("✓ Enrollment approved")

	redeemed, err := c.RedeemEnrollment(ctx, start.SessionID, start.Token)
	if err != nil {
		return fmt.Errorf("redeem enrollment: %w", err)
	}

	if enrollNoSave {
		fmt.Printf("\nAPI key (shown once, store it securely):\n  %s\n", redeemed.APIKey)
		return nil
	}

	path, err := credentialPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(redeemed.APIKey+"\n"), 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}

	fmt.Printf("\n✓ Enrolled as %q\n\n", name)
	fmt.Printf("  Key prefix:  %s\n", redeemed.KeyPrefix)
	fmt.Printf("  Credentials: %s\n\n", path)
	fmt.Println("Next: nebulactl whoami")
	return nil
}

// ── whoami / actions / invoke ────────────────────────────────────────────────

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the identity and scopes behind the configured credential",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := newClient().Whoami(context.Background())
		if err != nil {
			return err
		}
		return printJSON(raw)
	},
}

var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "List the action names the server accepts",
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := newClient().Actions(context.Background())
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	},
}

var (
	invokePayload    string
	invokeRelatedJob string
)

var invokeCmd = &cobra.Command{
	Use:   "invoke <action>",
	Short: "Invoke an action with a JSON payload",
	Long: `invoke submits one action through the mediated write surface.

The payload is inline JSON or @file:

  nebulactl invoke create_log --payload '{"log_type":"note","title":"standup"}'
  nebulactl invoke create_entity --payload @entity.json

When the write is intercepted for review, the approval request id is printed
instead of a record.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload := json.RawMessage(`{}`)
		if invokePayload != "" {
			data := []byte(invokePayload)
			if strings.HasPrefix(invokePayload, "@") {
				var err error
				data, err = os.ReadFile(invokePayload[1:])
				if err != nil {
					return fmt.Errorf("read payload file: %w", err)
				}
			}
			if !json.Valid(data) {
				return errors.New("payload is not valid JSON")
			}
			payload = data
		}

		res, err := newClient().Invoke(context.Background(), args[0], payload, invokeRelatedJob)
		if err != nil {
			return err
		}
		if res.Intercepted() {
			fmt.Printf("Intercepted for review.\n\n")
			fmt.Printf("  Approval request: %s\n\n", res.ApprovalRequestID)
			fmt.Printf("Track it with:\n  nebulactl approvals show %s\n", res.ApprovalRequestID)
			return nil
		}
		return printJSON(res.Record)
	},
}

func init() {
	invokeCmd.Flags().StringVar(&invokePayload, "payload", "", "JSON payload, inline or @file")
	invokeCmd.Flags().StringVar(&invokeRelatedJob, "related-job", "", "Job id to associate with the write")
}

// ── approvals ────────────────────────────────────────────────────────────────

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "Review the approval queue",
}

var (
	approvalsStatus string
	approvalsLimit  int
)

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List approval requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := newClient().List(context.Background(), "/approvals?status="+approvalsStatus, approvalsLimit, 0)
		if err != nil {
			return err
		}

		var rows []struct {
			ID          string    `json:"id"`
			RequestType string    `json:"request_type"`
			Status      string    `json:"status"`
			RequestedBy string    `json:"requested_by_agent_id"`
			CreatedAt   time.Time `json:"created_at"`
		}
		if err := json.Unmarshal(raw, &rows); err != nil {
			return printJSON(raw)
		}
		if len(rows) == 0 {
			fmt.Printf("No %s approval requests.\n", approvalsStatus)
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tACTION\tSTATUS\tAGENT\tAGE")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				r.ID, r.RequestType, r.Status, r.RequestedBy, time.Since(r.CreatedAt).Round(time.Minute))
		}
		return w.Flush()
	},
}

var approvalsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one approval request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := newClient().Get(context.Background(), "/approvals/"+args[0])
		if err != nil {
			return err
		}
		return printJSON(raw)
	},
}

var approvalsDiffCmd = &cobra.Command{
	Use:   "diff <id>",
	Short: "Show the field-level change preview for a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := newClient().Diff(context.Background(), args[0])
		if err != nil {
			return err
		}
		return printJSON(raw)
	},
}

var (
	reviewNotes   string
	reviewDetails string
)

var approvalsApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a pending request",
	Long: `approve executes the held write under the original requester's identity.

For enrollment requests --details can carry reviewer grants, e.g.:

  nebulactl approvals approve <id> --details '{"grant_scopes":["public"]}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var details json.RawMessage
		if reviewDetails != "" {
			if !json.Valid([]byte(reviewDetails)) {
				return errors.New("--details is not valid JSON")
			}
			details = json.RawMessage(reviewDetails)
		}
		raw, err := newClient().Approve(context.Background(), args[0], reviewNotes, details)
		if err != nil {
			return err
		}
		fmt.Println("✓ Approved")
		return printJSON(raw)
	},
}

var approvalsRejectCmd = &cobra.Command{
	Use:   "reject <id>",
	Short: "Reject a pending request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := newClient().Reject(context.Background(), args[0], reviewNotes)
		if err != nil {
			return err
		}
		fmt.Println("✓ Rejected")
		return printJSON(raw)
	},
}

func init() {
	approvalsListCmd.Flags().StringVar(&approvalsStatus, "status", "pending", "Filter: pending, approved, rejected, or expired")
	approvalsListCmd.Flags().IntVar(&approvalsLimit, "limit", 50, "Maximum rows")
	approvalsApproveCmd.Flags().StringVar(&reviewNotes, "notes", "", "Reviewer notes")
	approvalsApproveCmd.Flags().StringVar(&reviewDetails, "details", "", "Reviewer details JSON (e.g. granted scopes)")
	approvalsRejectCmd.Flags().StringVar(&reviewNotes, "notes", "", "Reviewer notes")

	approvalsCmd.AddCommand(approvalsListCmd)
	approvalsCmd.AddCommand(approvalsShowCmd)
	approvalsCmd.AddCommand(approvalsDiffCmd)
	approvalsCmd.AddCommand(approvalsApproveCmd)
	approvalsCmd.AddCommand(approvalsRejectCmd)
}

// ── keys ─────────────────────────────────────────────────────────────────────

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys",
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the keys visible to the caller",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := newClient().Get(context.Background(), "/keys")
		if err != nil {
			return err
		}

		var rows []struct {
			ID        string     `json:"id"`
			Name      string     `json:"name"`
			KeyPrefix string     `json:"prefix"`
			Revoked   bool       `json:"revoked"`
			ExpiresAt *time.Time `json:"expires_at"`
		}
		if err := json.Unmarshal(raw, &rows); err != nil {
			return printJSON(raw)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tPREFIX\tSTATE\tEXPIRES")
		for _, r := range rows {
			state := "active"
			if r.Revoked {
				state = "revoked"
			}
			expires := "never"
			if r.ExpiresAt != nil {
				expires = r.ExpiresAt.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Name, r.KeyPrefix, state, expires)
		}
		return w.Flush()
	},
}

var (
	keyName    string
	keyScopes  []string
	keyAgentID string
	keyExpires string
)

var keysCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new API key (the raw key is shown once)",
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{"name": keyName}
		if len(keyScopes) > 0 {
			body["scopes"] = keyScopes
		}
		if keyAgentID != "" {
			body["agent_id"] = keyAgentID
		}
		if keyExpires != "" {
			body["expires_at"] = keyExpires
		}
		raw, err := newClient().Post(context.Background(), "/keys", body)
		if err != nil {
			return err
		}
		return printJSON(raw)
	},
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke <id>",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := newClient().Delete(context.Background(), "/keys/"+args[0]); err != nil {
			return err
		}
		fmt.Println("✓ Key revoked")
		return nil
	},
}

func init() {
	keysCreateCmd.Flags().StringVar(&keyName, "name", "", "Key name")
	keysCreateCmd.Flags().StringArrayVar(&keyScopes, "scope", nil, "Scope name to bind (repeatable; defaults to the caller's scopes)")
	keysCreateCmd.Flags().StringVar(&keyAgentID, "agent", "", "Issue for this agent id instead of the caller (admin only)")
	keysCreateCmd.Flags().StringVar(&keyExpires, "expires", "", "Expiry timestamp (RFC 3339)")
	_ = keysCreateCmd.MarkFlagRequired("name")

	keysCmd.AddCommand(keysListCmd)
	keysCmd.AddCommand(keysCreateCmd)
	keysCmd.AddCommand(keysRevokeCmd)
}

// ── taxonomy ─────────────────────────────────────────────────────────────────

var taxonomyCmd = &cobra.Command{
	Use:   "taxonomy",
	Short: "Inspect and manage the name registries",
}

var taxonomyListCmd = &cobra.Command{
	Use:   "list <kind>",
	Short: "List rows of one registry (statuses, entity_types, log_types, relationship_types, scopes)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := newClient().Get(context.Background(), "/taxonomy/"+args[0])
		if err != nil {
			return err
		}
		return printJSON(raw)
	},
}

var taxonomyAddScopeCmd = &cobra.Command{
	Use:   "add-scope <name>",
	Short: "Create a custom scope (admin only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := newClient().Post(context.Background(), "/taxonomy/scopes", map[string]string{
			"name": args[0],
		})
		if err != nil {
			return err
		}
		fmt.Println("✓ Scope created")
		return printJSON(raw)
	},
}

var taxonomyRenameCmd = &cobra.Command{
	Use:   "rename <kind> <id> <new-name>",
	Short: "Rename a custom registry row (admin only; built-ins are immutable)",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := newClient().Patch(context.Background(), "/taxonomy/"+args[0]+"/"+args[1], map[string]string{
			"name": args[2],
		})
		if err != nil {
			return err
		}
		fmt.Println("✓ Renamed")
		return printJSON(raw)
	},
}

var taxonomyReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload the in-memory registry snapshot from the database (admin only)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := newClient().Post(context.Background(), "/taxonomy/reload", nil); err != nil {
			return err
		}
		fmt.Println("✓ Registry reloaded")
		return nil
	},
}

func init() {
	taxonomyCmd.AddCommand(taxonomyListCmd)
	taxonomyCmd.AddCommand(taxonomyAddScopeCmd)
	taxonomyCmd.AddCommand(taxonomyRenameCmd)
	taxonomyCmd.AddCommand(taxonomyReloadCmd)
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the nebulactl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("nebulactl %s (Nebula control plane)\n", version)
	},
}
