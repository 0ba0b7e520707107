/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/friendsincode/feedplay/internal/config"
	"github.com/friendsincode/feedplay/internal/simulate"
)

var (
	simScenario string
	simProfile  string
	simOutput   string
	simTimeline bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Replay a scripted scroll against the scheduler",
	Long: `Run a playback scheduler on virtual time against a synthetic feed.

The scenario describes the feed geometry, the scroll script, how often
play attempts fail and how long items take to buffer. Playback knobs come
from the environment exactly as for serve, so the same FEEDPLAY_* variables
can be tuned offline.

Examples:
  # Built-in scenario with desktop knobs
  feedplay simulate

  # Custom scenario on the mobile profile, full report as YAML
  feedplay simulate --scenario fling.yaml --profile mobile --output yaml --timeline
`,
	RunE: runSimulate,
}

func init() {
	simulateCmd.Flags().StringVar(&simScenario, "scenario", "", "Scenario YAML file (default: built-in)")
	simulateCmd.Flags().StringVar(&simProfile, "profile", "", "Device profile, overrides the scenario (desktop or mobile)")
	simulateCmd.Flags().StringVarP(&simOutput, "output", "o", "text", "Report format: text or yaml")
	simulateCmd.Flags().BoolVar(&simTimeline, "timeline", false, "Include the sampled active set in the report")
	rootCmd.AddCommand(simulateCmd)
}

func runSimulate(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	sc := simulate.DefaultScenario()
	if simScenario != "" {
		loaded, err := simulate.LoadScenario(simScenario)
		if err != nil {
			return err
		}
		sc = loaded
	}
	if simProfile != "" {
		sc.Profile = simProfile
	}
	profile := config.ParseProfile(sc.Profile)
	sc.Profile = string(profile)

	report, err := simulate.Run(cmd.Context(), sc, cfg.Playback(profile), logger)
	if err != nil {
		return fmt.Errorf("simulate: %w", err)
	}
	if !simTimeline {
		report.Timeline = nil
	}

	out := cmd.OutOrStdout()
	switch strings.ToLower(simOutput) {
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(report)
	case "text":
		printReport(out, report)
		return nil
	default:
		return fmt.Errorf("unknown output format %q", simOutput)
	}
}

func printReport(w io.Writer, r *simulate.Report) {
	fmt.Fprintf(w, "scenario:        %s (%s, max %d concurrent)\n", r.Scenario, r.Profile, r.MaxConcurrent)
	fmt.Fprintf(w, "simulated time:  %s\n", r.Duration)
	fmt.Fprintf(w, "play attempts:   %d (%d failed)\n", r.PlayAttempts, r.PlayFailures)
	fmt.Fprintf(w, "started:         %d\n", r.Started)
	fmt.Fprintf(w, "paused:          %d\n", r.Paused)
	fmt.Fprintf(w, "evictions:       %d\n", r.Evictions)
	fmt.Fprintf(w, "exhausted:       %d\n", r.Exhausted)
	fmt.Fprintf(w, "visible/hidden:  %d/%d\n", r.Visible, r.Hidden)
	fmt.Fprintf(w, "max active:      %d\n", r.MaxActive)
	for _, s := range r.Timeline {
		fmt.Fprintf(w, "  %8s  y=%-7.0f active=%v\n", s.At, s.Position, s.Active)
	}
}
