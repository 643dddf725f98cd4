package cmd

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage hookctl configuration",
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		current := currentConfig()
		if outputJSON {
			return printJSON(out, current)
		}
		fmt.Fprintln(out, "Current configuration:")
		for _, key := range configKeys {
			fmt.Fprintf(out, "  %s: %v\n", key, current[key])
		}
		if prettyJSON && !checkJQAvailable() {
			fmt.Fprintln(out, "  ⚠️  Warning: pretty=true but jq not found in PATH")
		}
		if used := viper.ConfigFileUsed(); used != "" {
			fmt.Fprintf(out, "  Config file: %s\n", used)
		} else {
			fmt.Fprintln(out, "  Config file: none (using defaults)")
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Long: `Set a configuration value and save it to the config file.

Examples:
  hookctl config set server http://localhost:8080
  hookctl config set tenant tn_123
  hookctl config set timeout 60s`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := setConfigValue(key, value); err != nil {
			return err
		}
		path, err := configPath()
		if err != nil {
			return err
		}
		if err := viper.WriteConfigAs(path); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\nConfiguration saved to: %s\n", key, value, path)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil {
			if force, _ := cmd.Flags().GetBool("force"); !force {
				return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
			}
		}

		viper.Set("server", "http://localhost:8080")
		viper.Set("grpc-server", "localhost:50051")
		viper.Set("nsqd", "localhost:4150")
		viper.Set("timeout", "30s")
		viper.Set("json", false)
		viper.Set("pretty", false)

		if err := viper.WriteConfigAs(path); err != nil {
			return fmt.Errorf("failed to create config file: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration file created: %s\n", path)
		return nil
	},
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check configuration and connectivity",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Configuration check:")
		fmt.Fprintf(out, "  ✅ hookctl version: %s\n", Version)

		if used := viper.ConfigFileUsed(); used != "" {
			fmt.Fprintf(out, "  ✅ Config file: %s\n", used)
		} else {
			fmt.Fprintln(out, "  ⚠️  Config file: not found (using defaults)")
		}
		if checkJQAvailable() {
			fmt.Fprintln(out, "  ✅ jq: available")
		} else {
			fmt.Fprintln(out, "  ❌ jq: not found in PATH")
		}
		if jwtToken == "" && tenantID == "" {
			fmt.Fprintln(out, "  ⚠️  Credentials: neither token nor tenant set")
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()
		if err := newAPIClient().do(ctx, http.MethodGet, "/healthz", nil, nil); err != nil {
			fmt.Fprintf(out, "  ❌ Server %s: %v\n", serverAddr, err)
			return nil
		}
		fmt.Fprintf(out, "  ✅ Server %s: reachable\n", serverAddr)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd, configSetCmd, configInitCmd, configCheckCmd)
	configInitCmd.Flags().Bool("force", false, "overwrite existing config file")
}

func currentConfig() map[string]any {
	return map[string]any{
		"server":      serverAddr,
		"grpc-server": grpcAddr,
		"nsqd":        nsqdAddr,
		"timeout":     timeout.String(),
		"json":        outputJSON,
		"pretty":      prettyJSON,
		"token":       maskToken(jwtToken),
		"tenant":      tenantID,
	}
}

func setConfigValue(key, value string) error {
	if !slices.Contains(configKeys, key) {
		return fmt.Errorf("invalid configuration key: %s. Valid keys are: %s", key, strings.Join(configKeys, ", "))
	}
	switch key {
	case "json", "pretty":
		switch value {
		case "true", "1", "yes", "on":
			viper.Set(key, true)
		case "false", "0", "no", "off":
			viper.Set(key, false)
		default:
			return fmt.Errorf("invalid boolean value for %s: %s (use true/false)", key, value)
		}
		if key == "pretty" && viper.GetBool(key) && !checkJQAvailable() {
			fmt.Fprintln(os.Stderr, "⚠️  Warning: jq not found in PATH. Pretty formatting will fall back to standard formatting.")
		}
	case "timeout":
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for timeout: %s", value)
		}
		viper.Set(key, value)
	default:
		viper.Set(key, value)
	}
	return nil
}

func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".hookctl.yaml"), nil
}

func maskToken(t string) string {
	if len(t) <= 12 {
		if t == "" {
			return ""
		}
		return "****"
	}
	return t[:6] + "…" + t[len(t)-4:]
}
