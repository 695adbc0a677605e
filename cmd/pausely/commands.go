package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/pausely/pausely/internal/auth"
	"github.com/pausely/pausely/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pausely server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			printError("config error: %v", err)
			return nil
		}

		client := &http.Client{Timeout: 2 * time.Second}
		healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Port)

		resp, err := client.Get(healthURL)
		if err != nil {
			printStatus("Server", "stopped")
		} else {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				printStatus("Server", "running on port %d", cfg.Port)
			} else {
				printStatus("Server", "error (HTTP %d)", resp.StatusCode)
			}
		}

		printStatus("Reflection model", "%s at %s", cfg.ReflectionModel, cfg.ReflectionURL)
		if cfg.TelemetryURL != "" {
			printStatus("Telemetry", "%s", cfg.TelemetryURL)
		} else {
			printStatus("Telemetry", "disabled")
		}
		printStatus("Data dir", "%s", cfg.DataDir)
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a session token for a user",
	Long: `Mint a bearer session token for local development and testing.

Example:
  pausely token --user user-1`,
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		if userID == "" {
			return fmt.Errorf("--user is required")
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		sessions, err := auth.NewSessions(cfg.SessionSecret, cfg.SessionTTL)
		if err != nil {
			return err
		}

		token, err := sessions.Issue(userID)
		if err != nil {
			return fmt.Errorf("minting token: %w", err)
		}

		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("user", "", "user id to mint the session for")
}
