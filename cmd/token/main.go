package main

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"WxPayGateway/pkg/token"
)

// 只读取签发所需的配置，不要求完整的网关配置
type tokenConfig struct {
	JWTSecret        string `env:"JWT_SECRET"`
	JWTExpireMinutes int    `env:"JWT_EXPIRE_MINUTES" envDefault:"43200"`
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "wxpay-token",
		Short: "Issue and inspect service tokens for the /pay API",
	}

	rootCmd.AddCommand(issueCmd())
	rootCmd.AddCommand(inspectCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initToken(expire time.Duration) error {
	_ = godotenv.Load()

	var cfg tokenConfig
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("failed to parse environment variables: %w", err)
	}
	if expire <= 0 {
		expire = time.Duration(cfg.JWTExpireMinutes) * time.Minute
	}

	return token.Init(token.Options{Secret: cfg.JWTSecret, Expire: expire})
}

func issueCmd() *cobra.Command {
	var expire time.Duration

	cmd := &cobra.Command{
		Use:   "issue [caller]",
		Short: "Issue a token for an internal caller",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initToken(expire); err != nil {
				return err
			}

			signed, expiresAt, err := token.GenerateServiceToken(args[0])
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", signed)
			fmt.Fprintf(cmd.ErrOrStderr(), "caller=%s expires_at=%s\n", args[0], expiresAt.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().DurationVarP(&expire, "expire", "e", 0, "Token lifetime, defaults to JWT_EXPIRE_MINUTES")
	return cmd
}

func inspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect [token]",
		Short: "Validate a token and print its caller",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := initToken(0); err != nil {
				return err
			}

			caller, err := token.ValidateServiceToken(args[0])
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), caller)
			return nil
		},
	}
}
