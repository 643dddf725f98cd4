package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/harbor_dispatch/internal/health"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the dispatcher",
	Long: `Check the dispatcher using the standard gRPC health service, or its
/healthz endpoint with --http (which also pings the store).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		useHTTP, _ := cmd.Flags().GetBool("http")
		ctx, cancel := commandContext(cmd)
		defer cancel()
		out := cmd.OutOrStdout()

		if useHTTP {
			var st health.Status
			err := newAPIClient().do(ctx, http.MethodGet, "/healthz", nil, &st)
			if outputJSON && err == nil {
				return printJSON(out, st)
			}
			if err != nil {
				fmt.Fprintf(out, "✗ Service is unhealthy: %v\n", err)
				return err
			}
			fmt.Fprintln(out, "✓ Service is healthy (HTTP)")
			return nil
		}

		conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		defer conn.Close()

		resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: health.ServiceName})
		if err != nil {
			fmt.Fprintf(out, "✗ Service is unhealthy: %v\n", err)
			return err
		}
		if outputJSON {
			return printJSON(out, map[string]string{"service": health.ServiceName, "status": resp.GetStatus().String()})
		}
		if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			fmt.Fprintf(out, "✗ Service status: %s\n", resp.GetStatus())
			return fmt.Errorf("service not serving")
		}
		fmt.Fprintln(out, "✓ Service is healthy")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().Bool("http", false, "use the HTTP /healthz endpoint instead of gRPC")
}
