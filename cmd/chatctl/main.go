package main

import (
	"fmt"
	"log/slog"
	"market-chat/auth"
	"market-chat/domain"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
	"github.com/spf13/cobra"
)

var logLevel string

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:          "chatctl",
		Short:        "Operator tool for the market chat service",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", envOr("LOG_LEVEL", "INFO"), "DEBUG, INFO, WARN or ERROR")

	root.AddCommand(tokenCmd())
	root.AddCommand(hashKeyCmd())
	root.AddCommand(inspectCmd())
	root.AddCommand(tailCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func logger() *slog.Logger {
	return logs.GetLoggerFromString(logLevel)
}

func envOr(name, fallback string) string {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v
	}
	return fallback
}

// envDuration reads a duration such as "12h" from the environment.
func envDuration(name string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(envOr(name, ""))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func tokenCmd() *cobra.Command {
	var (
		secret   string
		duration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a signed access token for a user (development only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return fmt.Errorf("a secret is required: --secret or JWT_SECRET")
			}
			token, err := auth.GenerateToken(secret, domain.UserID(args[0]), duration)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", os.Getenv("JWT_SECRET"), "HMAC secret shared with the server")
	cmd.Flags().DurationVar(&duration, "ttl", envDuration("AUTH_TOKEN_DURATION", 24*time.Hour), "token lifetime, AUTH_TOKEN_DURATION by default")
	return cmd
}

func hashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key <operator-key>",
		Short: "Hash an operator key for OPERATOR_KEY_HASH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashOperatorKey(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
