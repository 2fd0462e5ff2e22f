package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/lucasew/dbregistry"
	"github.com/lucasew/dbregistry/internal/errutil"
)

var rootCmd = &cobra.Command{
	Use:   "dbregistry",
	Short: "Shared database engine registry",
	Long: `dbregistry keeps one connection engine per database URL, expires idle
engines after a TTL and only disposes them once no connection is checked out.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if _, printErr := fmt.Fprintln(os.Stderr, err); printErr != nil {
			errutil.ReportError(printErr, "Failed to print error to stderr")
		}
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.Duration("sweep-interval", 0, "Interval between background sweeps of expired engines (0 disables the sweep)")
	flags.Bool("refresh-on-get", false, "Restart an engine's TTL every time it is looked up")
	flags.Duration("item-ttl", 0, "Time an engine stays registered without use (0 never expires)")
	flags.String("removal-strategy", dbregistry.StrategyDefault,
		fmt.Sprintf("How expired engines are removed (%s)", strings.Join(dbregistry.StrategyNames(), ", ")))
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")

	for _, name := range []string{"sweep-interval", "refresh-on-get", "item-ttl", "removal-strategy", "log-level"} {
		mustBindPFlag(name, flags.Lookup(name))
	}
}

func initConfig() {
	viper.SetEnvPrefix("DBREGISTRY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		errutil.LogMsg(err, "Invalid log level, using info")
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %s: %v", key, err))
	}
}

// registryConfig reads the registry policy from flags and environment.
func registryConfig() (dbregistry.Config, error) {
	sweepInterval, err := durationSetting("sweep-interval")
	if err != nil {
		return dbregistry.Config{}, err
	}
	itemTTL, err := durationSetting("item-ttl")
	if err != nil {
		return dbregistry.Config{}, err
	}
	return dbregistry.Config{
		SweepInterval:   sweepInterval,
		RefreshOnGet:    viper.GetBool("refresh-on-get"),
		ItemTTL:         itemTTL,
		RemovalStrategy: viper.GetString("removal-strategy"),
	}, nil
}

// durationSetting reads a duration such as "90s" or "1m30s". A bare number
// is a count of seconds, so DBREGISTRY_ITEM_TTL=300 means five minutes.
func durationSetting(key string) (time.Duration, error) {
	raw := strings.TrimSpace(viper.GetString(key))
	if raw == "" {
		return 0, nil
	}
	if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
		if seconds < 0 {
			return 0, fmt.Errorf("invalid %s %q: must not be negative", key, raw)
		}
		return time.Duration(seconds * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s %q: must not be negative", key, raw)
	}
	return d, nil
}
