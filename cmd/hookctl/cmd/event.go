package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/nsqio/go-nsq"
	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_dispatch/internal/events"
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Publish events to the dispatcher",
}

var publishCmd = &cobra.Command{
	Use:   "publish [tenant-id] [event-type] [data-json]",
	Short: "Publish an event",
	Long: `Publish an event. The dispatcher delivers it to every active webhook of
the tenant that subscribes to the event type.

By default the event goes to the NSQ events topic. With --via-api it is posted
to the admin API instead, using the tenant from your token or --tenant.

Example:
  hookctl event publish tn_123 video.deleted '{"video_id":"v_789"}'`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		msg := events.EventMessage{TenantID: args[0], EventType: args[1]}
		if len(args) == 3 {
			if !json.Valid([]byte(args[2])) {
				return fmt.Errorf("invalid data JSON")
			}
			msg.Data = json.RawMessage(args[2])
		}
		if err := msg.Validate(); err != nil {
			return err
		}

		viaAPI, _ := cmd.Flags().GetBool("via-api")
		topic, _ := cmd.Flags().GetString("topic")
		ctx, cancel := commandContext(cmd)
		defer cancel()

		if viaAPI {
			c := newAPIClient()
			if c.tenant == "" {
				c.tenant = msg.TenantID
			}
			body := map[string]any{"event_type": msg.EventType}
			if len(msg.Data) > 0 {
				body["data"] = msg.Data
			}
			if err := c.do(ctx, http.MethodPost, "/v1/events", body, nil); err != nil {
				return fmt.Errorf("failed to publish event: %w", err)
			}
		} else {
			producer, err := nsq.NewProducer(nsqdAddr, nsq.NewConfig())
			if err != nil {
				return fmt.Errorf("failed to create nsq producer: %w", err)
			}
			defer producer.Stop()
			producer.SetLogger(nil, nsq.LogLevelError)

			if err := events.PublishEvent(ctx, producer, topic, msg); err != nil {
				return fmt.Errorf("failed to publish event: %w", err)
			}
		}

		if outputJSON {
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"published":  true,
				"tenant_id":  msg.TenantID,
				"event_type": msg.EventType,
				"via_api":    viaAPI,
			})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Published %s for tenant %s\n", msg.EventType, msg.TenantID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eventCmd)
	eventCmd.AddCommand(publishCmd)

	publishCmd.Flags().String("topic", "events", "NSQ topic the dispatcher consumes")
	publishCmd.Flags().Bool("via-api", false, "post to the admin API instead of NSQ")
}
