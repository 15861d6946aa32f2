// Package app wires the broadcaster components and runs them until the
// process is asked to stop.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/whatsapp-automation/broadcaster/internal/antiban"
	"github.com/whatsapp-automation/broadcaster/internal/api"
	"github.com/whatsapp-automation/broadcaster/internal/autopause"
	"github.com/whatsapp-automation/broadcaster/internal/campaign"
	"github.com/whatsapp-automation/broadcaster/internal/config"
	"github.com/whatsapp-automation/broadcaster/internal/dispatcher"
	"github.com/whatsapp-automation/broadcaster/internal/metrics"
	"github.com/whatsapp-automation/broadcaster/internal/notify"
	"github.com/whatsapp-automation/broadcaster/internal/rotator"
	"github.com/whatsapp-automation/broadcaster/internal/session"
	"github.com/whatsapp-automation/broadcaster/internal/storage"
	"github.com/whatsapp-automation/broadcaster/internal/storage/bolt"
	"github.com/whatsapp-automation/broadcaster/internal/storage/postgres"
	"github.com/whatsapp-automation/broadcaster/internal/whatsapp"
)

const (
	shutdownTimeout = 30 * time.Second
	gaugeInterval   = 15 * time.Second
)

// App holds every long-lived component.
type App struct {
	cfg     *config.Config
	log     *logrus.Entry
	store   storage.Store
	metrics *metrics.Metrics
	hub     *notify.Hub
	bridge  *bridge

	campaigns  *campaign.Manager
	pool       *session.Pool
	health     *autopause.Monitor
	dispatcher *dispatcher.Dispatcher
	sessions   *whatsapp.Manager
	server     *http.Server
}

// New builds the application from cfg. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger, version string) (*App, error) {
	log := logrus.NewEntry(logger)

	mode, err := rotator.ParseMode(cfg.Dispatch.RotationMode)
	if err != nil {
		return nil, err
	}

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	hub := notify.NewHub(log, sinks(cfg.Notify, log)...)
	hub.OnDeliveryError = func(sink string, _ error) { m.IncNotificationError(sink) }

	abort := func(err error) (*App, error) {
		hub.Close()
		store.Close()
		return nil, err
	}

	campaigns := campaign.NewManager(store, cfg.Dispatch.MaxDelay, log)
	campaigns.OnPersistError = func(string, error) { m.IncPersistenceError() }

	pool := session.NewPool(log)
	health := autopause.New(autopause.Config{
		WindowSize:                 cfg.AutoPause.WindowSize,
		ErrorRateThreshold:         cfg.AutoPause.ErrorRateThreshold,
		ConsecutiveErrorsThreshold: cfg.AutoPause.ConsecutiveErrorsThreshold,
		Cooldown:                   cfg.AutoPause.Cooldown,
	}, log)

	b := newBridge(hub, m, campaigns)
	d := dispatcher.New(
		dispatcher.Config{
			RotationMode:      mode,
			PausePollInterval: cfg.Dispatch.PausePollInterval,
			SendTimeout:       cfg.Dispatch.SendTimeout,
		},
		campaigns, pool, health,
		antiban.NewDelayModel(antiban.DelayOptions{
			MinPercent:          cfg.Dispatch.MinPercent,
			LongPauseEvery:      cfg.Dispatch.LongPauseEvery,
			LongPauseMultiplier: cfg.Dispatch.LongPauseMultiplier,
			Jitter:              cfg.Dispatch.Jitter,
		}),
		b.hooks(),
		log,
	)

	proxies, err := config.NewProxyPool(cfg.WhatsApp.Proxy, log)
	if err != nil {
		d.Close()
		health.Close()
		return abort(err)
	}

	sessions, err := whatsapp.NewManager(whatsapp.Config{
		SessionsDir:       cfg.WhatsApp.SessionsDir,
		QRDir:             cfg.WhatsApp.QRDir,
		LogLevel:          cfg.WhatsApp.LogLevel,
		DeviceSeed:        cfg.WhatsApp.DeviceSeed,
		Country:           cfg.WhatsApp.Country,
		HeartbeatInterval: cfg.WhatsApp.HeartbeatInterval,
		Reconnect: whatsapp.Backoff{
			MaxAttempts: cfg.WhatsApp.Reconnect.MaxAttempts,
			BaseDelay:   cfg.WhatsApp.Reconnect.BaseDelay,
			MaxDelay:    cfg.WhatsApp.Reconnect.MaxDelay,
		},
	}, pool, store, proxies, campaigns, log)
	if err != nil {
		d.Close()
		health.Close()
		return abort(err)
	}
	sessions.Subscribe(b.onLifecycle)
	health.Subscribe(b.onHealth)

	srv := api.NewServer(api.Deps{
		Sessions:   sessions,
		Campaigns:  campaigns,
		Dispatcher: d,
		Pool:       pool,
		Health:     health,
		Metrics:    m,
		Version:    version,
		Log:        log,
	})
	router := mux.NewRouter()
	router.Use(loggingMiddleware(log.WithField("component", "http")))
	router.Use(m.HTTPMiddleware)
	srv.RegisterRoutes(router)

	return &App{
		cfg:        cfg,
		log:        log,
		store:      store,
		metrics:    m,
		hub:        hub,
		bridge:     b,
		campaigns:  campaigns,
		pool:       pool,
		health:     health,
		dispatcher: d,
		sessions:   sessions,
		server: &http.Server{
			Addr:         cfg.Server.ListenAddr,
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
	}, nil
}

func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Driver {
	case "postgres":
		s, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return s, nil
	default:
		s, err := bolt.Open(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open bolt store: %w", err)
		}
		return s, nil
	}
}

func sinks(cfg config.NotifyConfig, log *logrus.Entry) []notify.Sink {
	out := []notify.Sink{notify.NewLogSink(log)}
	if cfg.AMQP.URL != "" {
		out = append(out, notify.NewAMQPSink(cfg.AMQP.URL, cfg.AMQP.Exchange, log))
	}
	if cfg.Telegram.Token != "" && cfg.Telegram.ChatID != "" {
		out = append(out, notify.NewTelegramSink(cfg.Telegram.Token, cfg.Telegram.ChatID, log))
	}
	return out
}

// Run loads state, restores sessions, resumes interrupted campaigns and
// serves the API until ctx is cancelled or the listener fails.
func (a *App) Run(ctx context.Context) error {
	loaded, err := a.campaigns.Load(ctx)
	if err != nil {
		if shutdownErr := a.Shutdown(context.Background()); shutdownErr != nil {
			a.log.WithError(shutdownErr).Warn("Shutdown after failed start")
		}
		return fmt.Errorf("failed to load campaigns: %w", err)
	}

	a.sessions.Start()
	restored, failed, err := a.sessions.Restore(ctx)
	if err != nil {
		a.log.WithError(err).Error("Failed to restore sessions")
	}
	resumed := a.dispatcher.Recover(ctx)
	a.bridge.refreshCampaigns()

	a.log.WithFields(logrus.Fields{
		"addr":              a.cfg.Server.ListenAddr,
		"campaigns":         loaded,
		"campaigns_resumed": resumed,
		"sessions":          restored,
		"sessions_failed":   failed,
	}).Info("Broadcaster started")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(gaugeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				a.bridge.refreshCampaigns()
				a.metrics.SessionsReady.Set(float64(a.pool.ReadyCount()))
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("Shutting down")
		return a.Shutdown(context.Background())
	})

	return g.Wait()
}

// Shutdown stops the listener first, then the dispatch loops, then the
// sessions, and finally flushes notifications and closes the store.
// Campaign statuses are left as they are so the next start resumes them.
func (a *App) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("api server: %w", err))
	}

	a.dispatcher.Close()

	if err := a.sessions.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("sessions: %w", err))
	}
	a.health.Close()

	if err := a.hub.Close(); err != nil {
		errs = append(errs, fmt.Errorf("notify: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	return errors.Join(errs...)
}
