package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token [tenant-id]",
	Short: "Request a development token from the JWKS server",
	Long: `Request an RS256 development token for a tenant from jwks-server.

Example:
  export JWT_TOKEN=$(hookctl token tn_123 --raw)`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		issuerURL, _ := cmd.Flags().GetString("issuer-url")
		ttl, _ := cmd.Flags().GetInt("ttl")
		raw, _ := cmd.Flags().GetBool("raw")

		body, _ := json.Marshal(map[string]any{"tenant_id": args[0], "ttl_seconds": ttl})
		ctx, cancel := commandContext(cmd)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(issuerURL, "/")+"/token", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("token request failed: %w", err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("token request failed (HTTP %d): %s", resp.StatusCode, strings.TrimSpace(string(b)))
		}

		var tok struct {
			Token     string `json:"token"`
			ExpiresIn int    `json:"expires_in"`
			ExpiresAt string `json:"expires_at"`
		}
		if err := json.Unmarshal(b, &tok); err != nil {
			return fmt.Errorf("failed to decode token response: %w", err)
		}

		out := cmd.OutOrStdout()
		switch {
		case raw:
			fmt.Fprintln(out, tok.Token)
		case outputJSON:
			return printJSON(out, tok)
		default:
			fmt.Fprintf(out, "Token for %s (expires %s):\n%s\n", args[0], tok.ExpiresAt, tok.Token)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().String("issuer-url", "http://localhost:8082", "jwks-server base URL")
	tokenCmd.Flags().Int("ttl", 3600, "token lifetime in seconds")
	tokenCmd.Flags().Bool("raw", false, "print only the token")
}
