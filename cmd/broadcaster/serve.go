package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/whatsapp-automation/broadcaster/internal/app"
	"github.com/whatsapp-automation/broadcaster/internal/config"
	"github.com/whatsapp-automation/broadcaster/internal/fingerprint"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the broadcaster and its HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	logger := app.NewLogger(cfg.Logging, os.Stdout)

	device := fingerprint.Generate(cfg.WhatsApp.DeviceSeed, cfg.WhatsApp.Country)
	logger.WithFields(logrus.Fields{
		"version":   version,
		"country":   cfg.WhatsApp.Country,
		"device_id": device.DeviceID,
		"os":        device.OSName(),
		"timezone":  device.Timezone,
		"storage":   cfg.Storage.Driver,
		"proxies":   len(cfg.WhatsApp.Proxy.List),
	}).Info("Starting broadcaster")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, logger, version)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}
