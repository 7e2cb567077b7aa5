package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmaas/playwarden/internal/config"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the Playwarden configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump the effective configuration")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	// Check for unknown keys (always, not just with -dump)
	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	// Warn about unknown keys
	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		dumpConfig(cfg)
	}
	return nil
}

// findUnknownKeys compares the keys present in the config file against
// the keys the application defines defaults for.
func findUnknownKeys(path string) ([]string, error) {
	file := viper.New()
	file.SetConfigFile(path)
	if err := file.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil, nil
		}
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	known := viper.New()
	config.SetDefaults(known)
	knownKeys := make(map[string]bool)
	for _, k := range known.AllKeys() {
		knownKeys[k] = true
	}

	var unknown []string
	for _, k := range file.AllKeys() {
		if !knownKeys[k] {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	return unknown, nil
}

func dumpConfig(cfg *config.Config) {
	bold := color.New(color.Bold)
	bold.Println("Effective configuration:")
	fmt.Printf("  mqtt.broker_url:              %s\n", cfg.MQTT.BrokerURL)
	fmt.Printf("  mqtt.topic_prefix:            %s\n", cfg.MQTT.TopicPrefix)
	fmt.Printf("  mqtt.discovery_prefix:        %s\n", cfg.MQTT.DiscoveryPrefix)
	fmt.Printf("  http.port:                    %d\n", cfg.HTTP.Port)
	fmt.Printf("  http.metrics_port:            %d\n", cfg.HTTP.MetricsPort)
	fmt.Printf("  storage.path:                 %s\n", cfg.Storage.Path)
	fmt.Printf("  storage.retention_days:       %d\n", cfg.Storage.RetentionDays)
	fmt.Printf("  policy.default_daily_minutes: %d\n", cfg.Policy.DefaultDailyMinutes)
	fmt.Printf("  policy.warning_seconds:       %d\n", cfg.Policy.WarningSeconds)
	fmt.Printf("  policy.warn_before_minutes:   %d\n", cfg.Policy.WarnBeforeMinutes)
	fmt.Printf("  policy.check_interval:        %s\n", cfg.Policy.CheckInterval)
	fmt.Printf("  session.stale_timeout:        %s\n", cfg.Session.StaleTimeout)
	fmt.Printf("  session.recovery_grace:       %s\n", cfg.Session.RecoveryGrace)
	fmt.Printf("  history.enabled:              %v\n", cfg.History.Enabled)
	fmt.Printf("  artwork.enabled:              %v\n", cfg.Artwork.Enabled)
}
