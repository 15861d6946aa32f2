package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/whatsapp-automation/broadcaster/internal/config"
	"github.com/whatsapp-automation/broadcaster/internal/fingerprint"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file and environment",
	RunE:  runConfigValidate,
}

func init() {
	configCmd.AddCommand(configValidateCmd)
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	fmt.Println("Configuration is valid")
	fmt.Printf("  Listen address: %s\n", cfg.Server.ListenAddr)
	fmt.Printf("  Storage: %s\n", cfg.Storage.Driver)
	fmt.Printf("  Sessions dir: %s\n", cfg.WhatsApp.SessionsDir)
	fmt.Printf("  Max delay: %s (rotation %s)\n", cfg.Dispatch.MaxDelay, cfg.Dispatch.RotationMode)
	fmt.Printf("  Auto pause: %d errors in a row or %.0f%% of %d sends, cooldown %s\n",
		cfg.AutoPause.ConsecutiveErrorsThreshold,
		cfg.AutoPause.ErrorRateThreshold*100,
		cfg.AutoPause.WindowSize,
		cfg.AutoPause.Cooldown)
	fmt.Printf("  Proxies: %d\n", len(cfg.WhatsApp.Proxy.List))
	fmt.Printf("  AMQP events: %v\n", cfg.Notify.AMQP.URL != "")
	fmt.Printf("  Telegram alerts: %v\n", cfg.Notify.Telegram.Token != "" && cfg.Notify.Telegram.ChatID != "")

	device := fingerprint.Generate(cfg.WhatsApp.DeviceSeed, cfg.WhatsApp.Country)
	fmt.Printf("  Device: %s %s (%s, %s)\n", device.OSName(), device.DeviceID, device.Timezone, device.Language)
	return nil
}
