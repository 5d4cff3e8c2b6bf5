package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tabletoptime/chatbridge/internal/config"
)

var (
	configureBotToken      string
	configureMode          string
	configureBaseURL       string
	configurePort          int
	configureSharedSecret  string
	configureWebhookSecret string
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write the chatbridge configuration file",
	Long: `Write the chatbridge configuration file from flags, starting from
defaults. Existing settings not covered by a flag are preserved.`,
	RunE: runConfigure,
}

func init() {
	configureCmd.Flags().StringVar(&configureBotToken, "bot-token", "", "Telegram bot token")
	configureCmd.Flags().StringVar(&configureMode, "mode", "", "ingestion transport (poll or webhook)")
	configureCmd.Flags().StringVar(&configureBaseURL, "base-url", "", "public base URL of the scheduling app")
	configureCmd.Flags().IntVar(&configurePort, "port", 0, "HTTP server port")
	configureCmd.Flags().StringVar(&configureSharedSecret, "shared-secret", "", "secret for the internal notify API")
	configureCmd.Flags().StringVar(&configureWebhookSecret, "webhook-secret", "", "Telegram webhook secret token")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)

	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if configureBotToken != "" {
		cfg.Telegram.BotToken = configureBotToken
	}
	if configureMode != "" {
		cfg.Telegram.Mode = configureMode
	}
	if configureBaseURL != "" {
		cfg.BaseURL = configureBaseURL
	}
	if configurePort != 0 {
		cfg.Server.Port = configurePort
	}
	if configureSharedSecret != "" {
		cfg.Server.SharedSecret = configureSharedSecret
	}
	if configureWebhookSecret != "" {
		cfg.Telegram.WebhookSecret = configureWebhookSecret
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Printf("Configuration saved to: %s\n", loader.GetConfigPath())
	fmt.Println("You can now start chatbridge with: chatbridge start")

	return nil
}
