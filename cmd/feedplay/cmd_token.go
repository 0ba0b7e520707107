/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/friendsincode/feedplay/internal/auth"
	"github.com/friendsincode/feedplay/internal/config"
)

var (
	tokenViewer  string
	tokenProfile string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a feed token",
	Long: `Sign a token accepted by /feed/ws and the /debug endpoints.

Requires FEEDPLAY_JWT_SIGNING_KEY. The profile claim, when set, pins the
device profile of the feed regardless of the ?profile query parameter.

Examples:
  feedplay token --viewer alice
  feedplay token --viewer kiosk-3 --profile mobile --ttl 720h
`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenViewer, "viewer", "", "Viewer id to embed in the token")
	tokenCmd.Flags().StringVar(&tokenProfile, "profile", "", "Pin the device profile (desktop or mobile)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
	_ = tokenCmd.MarkFlagRequired("viewer")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	if cfg.JWTSigningKey == "" {
		return errors.New("FEEDPLAY_JWT_SIGNING_KEY is not set")
	}
	if tokenTTL <= 0 {
		return errors.New("--ttl must be positive")
	}

	claims := auth.Claims{ViewerID: tokenViewer}
	if tokenProfile != "" {
		claims.Profile = string(config.ParseProfile(tokenProfile))
	}

	token, err := auth.Issue([]byte(cfg.JWTSigningKey), claims, tokenTTL)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
