package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_dispatch/internal/registry"
	"github.com/austindbirch/harbor_dispatch/internal/webhook"
)

// subscription mirrors the API's webhook view.
type subscription struct {
	webhook.Subscription
	HasSecret bool `json:"has_secret"`
}

var webhookCmd = &cobra.Command{
	Use:     "webhook",
	Aliases: []string{"webhooks", "wh"},
	Short:   "Manage webhook subscriptions",
	Long:    `Create, inspect, update and delete the webhook subscriptions of your tenant.`,
}

var webhookListCmd = &cobra.Command{
	Use:   "list",
	Short: "List webhook subscriptions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		var resp struct {
			Webhooks []subscription `json:"webhooks"`
		}
		if err := newAPIClient().do(ctx, http.MethodGet, "/v1/webhooks", nil, &resp); err != nil {
			return fmt.Errorf("failed to list webhooks: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), resp)
		}

		out := cmd.OutOrStdout()
		if len(resp.Webhooks) == 0 {
			fmt.Fprintln(out, "No webhooks found")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tACTIVE\tEVENTS\tURL")
		for _, s := range resp.Webhooks {
			fmt.Fprintf(tw, "%s\t%s\t%v\t%s\t%s\n", s.ID, s.Name, s.Active, strings.Join(s.Events, ","), s.URL)
		}
		return tw.Flush()
	},
}

var webhookGetCmd = &cobra.Command{
	Use:   "get [webhook-id]",
	Short: "Show one webhook subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		var sub subscription
		if err := newAPIClient().do(ctx, http.MethodGet, "/v1/webhooks/"+url.PathEscape(args[0]), nil, &sub); err != nil {
			return fmt.Errorf("failed to get webhook: %w", err)
		}
		return printSubscription(cmd.OutOrStdout(), sub)
	},
}

var webhookCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Register a webhook subscription",
	Long: `Register a webhook subscription.

Example:
  hookctl webhook create --name orders --url https://example.com/hook \
    --events order.created,order.cancelled --secret s3cret --header X-Team=billing`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := inputFromFlags(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		var sub subscription
		if err := newAPIClient().do(ctx, http.MethodPost, "/v1/webhooks", in, &sub); err != nil {
			return fmt.Errorf("failed to create webhook: %w", err)
		}
		return printSubscription(cmd.OutOrStdout(), sub)
	},
}

var webhookUpdateCmd = &cobra.Command{
	Use:   "update [webhook-id]",
	Short: "Update a webhook subscription",
	Long: `Update a webhook subscription. Only the flags you pass are changed.

Example:
  hookctl webhook update wh_123 --active=false`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in, err := inputFromFlags(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd)
		defer cancel()

		var sub subscription
		if err := newAPIClient().do(ctx, http.MethodPut, "/v1/webhooks/"+url.PathEscape(args[0]), in, &sub); err != nil {
			return fmt.Errorf("failed to update webhook: %w", err)
		}
		return printSubscription(cmd.OutOrStdout(), sub)
	},
}

var webhookDeleteCmd = &cobra.Command{
	Use:   "delete [webhook-id]",
	Short: "Delete a webhook subscription and its delivery history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		if err := newAPIClient().do(ctx, http.MethodDelete, "/v1/webhooks/"+url.PathEscape(args[0]), nil, nil); err != nil {
			return fmt.Errorf("failed to delete webhook: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), map[string]any{"deleted": true, "id": args[0]})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted webhook %s\n", args[0])
		return nil
	},
}

var webhookTestCmd = &cobra.Command{
	Use:   "test [webhook-id]",
	Short: "Send a webhook.test delivery and show the outcome",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		var res registry.TestResult
		if err := newAPIClient().do(ctx, http.MethodPost, "/v1/webhooks/"+url.PathEscape(args[0])+"/test", nil, &res); err != nil {
			return fmt.Errorf("failed to test webhook: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), res)
		}

		out := cmd.OutOrStdout()
		mark := "✓"
		if !res.Success {
			mark = "✗"
		}
		fmt.Fprintf(out, "%s Test delivery %s\n", mark, res.DeliveryID)
		if res.StatusCode > 0 {
			fmt.Fprintf(out, "  Status: %d\n", res.StatusCode)
		}
		fmt.Fprintf(out, "  Duration: %dms\n", res.DurationMs)
		if res.Error != "" {
			fmt.Fprintf(out, "  Error: %s\n", res.Error)
		}
		if res.ResponseBody != "" {
			fmt.Fprintf(out, "  Response: %s\n", res.ResponseBody)
		}
		return nil
	},
}

var webhookDeliveriesCmd = &cobra.Command{
	Use:   "deliveries [webhook-id]",
	Short: "List delivery attempts, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		page, _ := cmd.Flags().GetInt("page")
		limit, _ := cmd.Flags().GetInt("limit")
		q := url.Values{}
		if page > 0 {
			q.Set("page", strconv.Itoa(page))
		}
		if limit > 0 {
			q.Set("limit", strconv.Itoa(limit))
		}
		path := "/v1/webhooks/" + url.PathEscape(args[0]) + "/deliveries"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()

		var resp webhook.AttemptPage
		if err := newAPIClient().do(ctx, http.MethodGet, path, nil, &resp); err != nil {
			return fmt.Errorf("failed to list deliveries: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), resp)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Deliveries for webhook %s (page %d, %d of %d):\n", args[0], resp.Page, len(resp.Attempts), resp.Total)
		if len(resp.Attempts) == 0 {
			fmt.Fprintln(out, "  No delivery attempts found")
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CREATED\tEVENT\tATTEMPT\tSTATUS\tOK\tDURATION\tDELIVERY ID")
		for _, a := range resp.Attempts {
			status := "-"
			if a.StatusCode != nil {
				status = strconv.Itoa(*a.StatusCode)
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%v\t%dms\t%s\n",
				a.CreatedAt.Format("2006-01-02 15:04:05"), a.EventType, a.AttemptNumber, status, a.Success, a.DurationMs, a.DeliveryID)
		}
		return tw.Flush()
	},
}

var webhookStatsCmd = &cobra.Command{
	Use:   "stats [webhook-id]",
	Short: "Show delivery statistics over recent attempts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		var st webhook.Stats
		if err := newAPIClient().do(ctx, http.MethodGet, "/v1/webhooks/"+url.PathEscape(args[0])+"/stats", nil, &st); err != nil {
			return fmt.Errorf("failed to get stats: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), st)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Stats for webhook %s:\n", args[0])
		fmt.Fprintf(out, "  Total: %d\n", st.Total)
		fmt.Fprintf(out, "  Successful: %d\n", st.Successful)
		fmt.Fprintf(out, "  Failed: %d\n", st.Failed)
		fmt.Fprintf(out, "  Success rate: %.2f%%\n", st.SuccessRate)
		fmt.Fprintf(out, "  Avg duration: %dms\n", st.AvgDurationMs)
		return nil
	},
}

// inputFromFlags builds a registry.Input from the flags the user set.
func inputFromFlags(cmd *cobra.Command) (registry.Input, error) {
	var in registry.Input
	f := cmd.Flags()

	if f.Changed("name") {
		v, _ := f.GetString("name")
		in.Name = &v
	}
	if f.Changed("url") {
		v, _ := f.GetString("url")
		in.URL = &v
	}
	if f.Changed("secret") {
		v, _ := f.GetString("secret")
		in.Secret = &v
	}
	if f.Changed("events") {
		in.Events, _ = f.GetStringSlice("events")
	}
	if f.Changed("active") {
		v, _ := f.GetBool("active")
		in.Active = &v
	}
	if f.Changed("max-retries") {
		v, _ := f.GetInt("max-retries")
		in.MaxRetries = &v
	}
	if f.Changed("header") {
		raw, _ := f.GetStringArray("header")
		in.Headers = make(map[string]string, len(raw))
		for _, h := range raw {
			k, v, ok := strings.Cut(h, "=")
			if !ok || strings.TrimSpace(k) == "" {
				return in, fmt.Errorf("invalid --header %q, want Name=value", h)
			}
			in.Headers[strings.TrimSpace(k)] = v
		}
	}
	return in, nil
}

func printSubscription(out io.Writer, s subscription) error {
	if outputJSON {
		return printJSON(out, s)
	}
	fmt.Fprintf(out, "Webhook %s\n", s.ID)
	fmt.Fprintf(out, "  Name: %s\n", s.Name)
	fmt.Fprintf(out, "  URL: %s\n", s.URL)
	fmt.Fprintf(out, "  Events: %s\n", strings.Join(s.Events, ", "))
	fmt.Fprintf(out, "  Active: %v\n", s.Active)
	fmt.Fprintf(out, "  Signed: %v\n", s.HasSecret)
	fmt.Fprintf(out, "  Max retries: %d\n", s.MaxRetries)
	if len(s.Headers) > 0 {
		b, _ := json.Marshal(s.Headers)
		fmt.Fprintf(out, "  Headers: %s\n", b)
	}
	fmt.Fprintf(out, "  Created: %s\n", s.CreatedAt.Format("2006-01-02 15:04:05"))
	return nil
}

func addInputFlags(c *cobra.Command) {
	c.Flags().String("name", "", "display name")
	c.Flags().String("url", "", "target URL (absolute http or https)")
	c.Flags().String("secret", "", "signing secret; empty disables X-Webhook-Signature")
	c.Flags().StringSlice("events", nil, "comma separated event types")
	c.Flags().Bool("active", true, "whether the subscription receives deliveries")
	c.Flags().Int("max-retries", 0, "attempt budget per delivery (1-10)")
	c.Flags().StringArray("header", nil, "custom header Name=value (repeatable)")
}

func init() {
	rootCmd.AddCommand(webhookCmd)
	webhookCmd.AddCommand(webhookListCmd, webhookGetCmd, webhookCreateCmd, webhookUpdateCmd,
		webhookDeleteCmd, webhookTestCmd, webhookDeliveriesCmd, webhookStatsCmd)

	addInputFlags(webhookCreateCmd)
	addInputFlags(webhookUpdateCmd)
	webhookDeliveriesCmd.Flags().Int("page", 0, "page number (default 1)")
	webhookDeliveriesCmd.Flags().Int("limit", 0, "page size (default 20, max 100)")
}
