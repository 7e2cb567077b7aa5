package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jmaas/playwarden/internal/config"
	"github.com/jmaas/playwarden/internal/policy"
	"github.com/jmaas/playwarden/internal/session"
	"github.com/jmaas/playwarden/internal/stats"
	"github.com/jmaas/playwarden/internal/storage"
	"github.com/jmaas/playwarden/internal/storage/sqlite"
)

// readOnlyEvents keeps check from writing to the database: decisions
// still read the shutdown history, but nothing is recorded.
type readOnlyEvents struct {
	storage.EventStore
}

func (readOnlyEvents) AppendShutdown(context.Context, storage.ShutdownEvent) error { return nil }
func (readOnlyEvents) AddNotification(context.Context, storage.Notification) error { return nil }

var (
	checkDevice string
	checkDay    string
	checkTime   string
)

var checkCmd = &cobra.Command{
	Use:   "check [flags] USER",
	Short: "Check the limit decision for a user",
	Long:  `Check what Playwarden would decide right now for a user: allow, warn or enforce, based on the stored limits and usage.`,
	Example: `  playwarden -c config.yaml check alice
  playwarden check --day saturday --time 19:30 alice`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkDevice, "device", "console", "Device id to evaluate against")
	checkCmd.Flags().StringVar(&checkDay, "day", "", "Day of week (monday, tuesday, etc.) - defaults to current day")
	checkCmd.Flags().StringVar(&checkTime, "time", "", "Time of day (HH:MM) - defaults to current time")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	user := args[0]

	// Parse time (if provided)
	checkDateTime := time.Now()
	if checkDay != "" || checkTime != "" {
		var err error
		checkDateTime, err = parseCheckTime(checkDay, checkTime)
		if err != nil {
			return fmt.Errorf("invalid time value: %w", err)
		}
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Create a quiet logger for check mode
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	store, err := sqlite.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	clock := &policy.TestClock{CurrentTime: checkDateTime}
	tracker := session.NewTracker(store.Sessions(), store.Stats(), logger)
	tracker.SetClock(clock)
	aggregator := stats.NewAggregator(store.Stats(), tracker, nil, logger)
	aggregator.SetClock(clock)

	policyEngine := policy.NewEngine(store.Limits(), readOnlyEvents{store.Events()}, aggregator, policy.Config{
		DefaultDailyMinutes: cfg.Policy.DefaultDailyMinutes,
		WarningSeconds:      cfg.Policy.WarningSeconds,
		WarnBeforeMinutes:   cfg.Policy.WarnBeforeMinutes,
	}, logger)
	policyEngine.SetClock(clock)

	decision, err := policyEngine.Evaluate(context.Background(), user, checkDevice)
	if err != nil {
		return fmt.Errorf("evaluation failed: %w", err)
	}

	printDecision(user, checkDateTime, decision)
	return nil
}

// parseCheckTime builds a timestamp from day and time overrides,
// relative to the current week.
func parseCheckTime(day, clock string) (time.Time, error) {
	now := time.Now()

	target := now
	if day != "" {
		weekdays := map[string]time.Weekday{
			"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
			"wednesday": time.Wednesday, "thursday": time.Thursday,
			"friday": time.Friday, "saturday": time.Saturday,
		}
		wd, ok := weekdays[day]
		if !ok {
			return time.Time{}, fmt.Errorf("unknown day: %s", day)
		}
		offset := (int(wd) - int(now.Weekday()) + 7) % 7
		target = now.AddDate(0, 0, offset)
	}
	if clock != "" {
		t, err := time.Parse("15:04", clock)
		if err != nil {
			return time.Time{}, fmt.Errorf("time must be HH:MM: %w", err)
		}
		target = time.Date(target.Year(), target.Month(), target.Day(),
			t.Hour(), t.Minute(), 0, 0, target.Location())
	}
	return target, nil
}

// printDecision prints the check result with colors
func printDecision(user string, at time.Time, d policy.Decision) {
	bold := color.New(color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	fmt.Println()
	bold.Printf("Limit check for %s\n", user)
	fmt.Printf("  Time:      %s\n", at.Format("Monday 15:04"))
	if d.LimitMin < 0 {
		fmt.Printf("  Limit:     unlimited\n")
	} else {
		fmt.Printf("  Limit:     %d min\n", d.LimitMin)
		fmt.Printf("  Used:      %d min\n", d.UsedMin)
		fmt.Printf("  Remaining: %d min\n", d.Remaining)
	}
	fmt.Printf("  Decision:  ")
	switch d.Action {
	case policy.ActionAllow:
		green.Println("ALLOW")
	case policy.ActionWarn:
		yellow.Println("WARN")
		fmt.Printf("  Reason:    %s\n", d.Reason)
		fmt.Printf("  Deadline:  %s\n", d.Deadline.Format("15:04:05"))
	case policy.ActionEnforce:
		red.Println("ENFORCE")
		fmt.Printf("  Reason:    %s\n", d.Reason)
	}
	fmt.Println()
}
