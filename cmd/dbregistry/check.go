package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lucasew/dbregistry"
	"github.com/lucasew/dbregistry/internal/dburl"
	"github.com/lucasew/dbregistry/internal/errutil"
)

type checkResult struct {
	URL     string                  `yaml:"url"`
	OK      bool                    `yaml:"ok"`
	Driver  string                  `yaml:"driver,omitempty"`
	ID      string                  `yaml:"id,omitempty"`
	Latency string                  `yaml:"latency,omitempty"`
	Error   string                  `yaml:"error,omitempty"`
	Stats   *dbregistry.EngineStats `yaml:"stats,omitempty"`
}

var checkCmd = &cobra.Command{
	Use:   "check <url>...",
	Short: "Opens and pings each engine, printing a YAML report",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, err := cmd.Flags().GetDuration("timeout")
		if err != nil {
			return err
		}

		cfg, err := registryConfig()
		if err != nil {
			return err
		}
		engines, err := dbregistry.New(cfg)
		if err != nil {
			return err
		}
		defer func() {
			errutil.ReportError(engines.Close(), "Failed to close engines")
		}()

		results := make([]checkResult, 0, len(args))
		failed := 0
		for _, raw := range args {
			r := check(cmd.Context(), engines, raw, timeout)
			if !r.OK {
				failed++
			}
			results = append(results, r)
		}

		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(results); err != nil {
			return err
		}
		if err := enc.Close(); err != nil {
			return err
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d engines failed", failed, len(args))
		}
		return nil
	},
}

func check(ctx context.Context, engines *dbregistry.EngineRegistry, raw string, timeout time.Duration) checkResult {
	result := checkResult{URL: dburl.Redact(raw)}
	if key, err := dburl.Normalize(raw); err == nil {
		result.URL = key.Redacted()
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	e, err := engines.GetOrCreateLocked(ctx, raw)
	if err == nil {
		err = e.Ping(ctx)
	}
	result.Latency = time.Since(start).Round(time.Microsecond).String()
	if err != nil {
		result.Error = err.Error()
		return result
	}

	stats := e.Stats()
	result.OK = true
	result.Driver = e.Driver
	result.ID = e.ID
	result.Stats = &stats
	return result
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().Duration("timeout", 10*time.Second, "Timeout for opening and pinging each engine")
}
