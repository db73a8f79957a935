package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"wabridge/internal/bridge"
	"wabridge/internal/browser"
	"wabridge/internal/bus"
	"wabridge/internal/channel"
	"wabridge/internal/config"
	"wabridge/internal/domain"
	"wabridge/internal/inject"
	"wabridge/internal/journal"
	"wabridge/internal/metrics"

	"github.com/spf13/cobra"
)

const (
	shutdownTimeout = 10 * time.Second
	pruneInterval   = 24 * time.Hour
	statusTimeout   = 2 * time.Second
)

// core is the part of the bridge every command that touches the browser
// needs: Chrome, the injector and the dispatcher.
type core struct {
	browser    *browser.Bridge
	injector   *inject.Injector
	events     *bus.EventBus
	dispatcher *bridge.Dispatcher
}

func newCore(cfg *config.Config, log *slog.Logger) (*core, error) {
	profile, err := inject.LoadProfile(cfg.Bridge.ProfilePath)
	if err != nil {
		return nil, err
	}

	b := browser.NewBridge(browser.BridgeConfig{
		RemoteURL:   cfg.Browser.RemoteURL,
		ProfileDir:  cfg.Browser.ProfileDir,
		Headless:    cfg.Browser.Headless,
		WhatsAppURL: cfg.Browser.WhatsAppURL,
		Logger:      log,
	})
	injector := inject.New(inject.Config{
		Profile: profile,
		Fetcher: inject.NewHTTPFetcher(inject.HTTPFetcherConfig{
			Timeout:  cfg.Bridge.ImageTimeout(),
			MaxBytes: cfg.Bridge.MaxImageBytes,
			Logger:   log,
		}),
		SettleDelay: cfg.Bridge.SettleDelay(),
		Logger:      log,
	})
	events := bus.NewEventBus(log)
	dispatcher := bridge.NewDispatcher(bridge.DispatcherConfig{
		Browser:        b,
		Injector:       injector,
		Events:         events,
		WhatsAppURL:    cfg.Browser.WhatsAppURL,
		PollInterval:   cfg.Bridge.PollInterval(),
		PollAttempts:   cfg.Bridge.PollAttempts,
		RequestTimeout: cfg.Bridge.RequestTimeout(),
		AllowAutoSend:  cfg.Bridge.AllowAutoSend,
		Logger:         log,
	})
	return &core{browser: b, injector: injector, events: events, dispatcher: dispatcher}, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge daemon (browser, listeners, channels)",
		Long:  "Connects to Chrome, keeps a listener on the WhatsApp Web tab and starts all enabled channels. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, logCloser, err := newLogger(cfg.General)
	if err != nil {
		return err
	}
	defer logCloser()
	logger = log

	if err := os.MkdirAll(cfg.General.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := newCore(cfg, log)
	if err != nil {
		return err
	}
	defer c.browser.Close()

	// The bus outlives one request by a margin so the dispatcher's own
	// timeout is what callers see.
	messageBus := bus.New(cfg.Bridge.RequestTimeout()+5*time.Second, log)
	messageBus.AddListener("dispatcher", c.dispatcher.Handle)

	watcher := bridge.NewWatcher(bridge.WatcherConfig{
		Browser:        c.browser,
		Bus:            messageBus,
		Injector:       c.injector,
		Events:         c.events,
		WhatsAppURL:    cfg.Browser.WhatsAppURL,
		Retry:          cfg.Bridge.AttachRetry(),
		RequestTimeout: cfg.Bridge.RequestTimeout(),
		Logger:         log,
	})

	if err := c.browser.Start(ctx); err != nil {
		log.Warn("browser not available yet, will keep retrying", "err", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		watcher.Run(ctx)
	}()

	var store *journal.SQLiteJournal
	if cfg.Journal.Enabled {
		store, err = journal.Open(cfg.Journal.DBPath, log)
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		defer store.Close()
		unsubscribe := store.Subscribe(c.events)
		defer unsubscribe()

		wg.Add(1)
		go func() {
			defer wg.Done()
			runPrune(ctx, store, cfg.Journal.RetentionDays, log)
		}()
	}

	var collector *metrics.MetricsCollector
	if cfg.Metrics.Enabled {
		collector = metrics.NewMetricsCollector("wabridge")
		unsubscribe := metrics.NewRecorder(collector).Subscribe(c.events)
		defer unsubscribe()
	}

	status := func(ctx context.Context) map[string]any {
		ctx, cancel := context.WithTimeout(ctx, statusTimeout)
		defer cancel()
		st := map[string]any{
			"browserReady":     c.browser.Ready(ctx) == nil,
			"listenerAttached": watcher.Attached() != "",
			"allowAutoSend":    cfg.Bridge.AllowAutoSend,
			"listeners":        messageBus.Len(),
			"bufferedEvents":   c.events.HistoryLen(),
		}
		if tab := watcher.Attached(); tab != "" {
			st["whatsappTab"] = tab
		}
		return st
	}

	channels := buildChannels(cfg, store, collector, c.events, status, log)
	if len(channels) == 0 {
		log.Warn("no channels enabled; the bridge can only be reached by 'wabridge send --direct'")
	}
	var ingress domain.MessageBus = messageBus
	if cfg.Bridge.RatePerMinute > 0 {
		ingress = bus.Throttle(messageBus, bus.NewRateLimiter(cfg.Bridge.RateBurst, float64(cfg.Bridge.RatePerMinute)))
	}
	for _, ch := range channels {
		wg.Add(1)
		go func(ch domain.Channel) {
			defer wg.Done()
			if err := ch.Start(ctx, ingress); err != nil {
				log.Error("channel failed", "channel", ch.Name(), "err", err)
				stop()
			}
		}(ch)
		log.Info("channel enabled", "channel", ch.Name())
	}

	log.Info("wabridge started. Press Ctrl+C to stop.", "version", version, "auto_send", cfg.Bridge.AllowAutoSend)

	<-ctx.Done()
	log.Info("shutting down...")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, ch := range channels {
			ch.Stop()
		}
		wg.Wait()
	}()

	select {
	case <-done:
		log.Info("shutdown complete")
		return nil
	case <-time.After(shutdownTimeout):
		log.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

func buildChannels(cfg *config.Config, store *journal.SQLiteJournal, collector *metrics.MetricsCollector, events *bus.EventBus, status channel.StatusFunc, log *slog.Logger) []domain.Channel {
	var channels []domain.Channel

	if h := cfg.Channels.HTTP; h.Enabled {
		hc := channel.HTTPConfig{
			Host:         h.Host,
			Port:         h.Port,
			Logger:       log,
			Version:      version,
			AuthEnabled:  h.Auth.Enabled,
			AuthUser:     h.Auth.Username,
			AuthPassHash: h.Auth.PasswordHash,
			Status:       status,
		}
		// A nil pointer in the interface would not compare equal to nil.
		if store != nil {
			hc.Journal = store
		}
		if events != nil {
			hc.Events = events
		}
		if collector != nil {
			hc.Metrics = collector.Handler()
		}
		channels = append(channels, channel.NewHTTP(hc))
	}

	if w := cfg.Channels.WebSocket; w.Enabled {
		channels = append(channels, channel.NewWebSocket(channel.WSConfig{
			Host:           w.Host,
			Port:           w.Port,
			Path:           w.Path,
			AllowedOrigins: w.AllowedOrigins,
			Logger:         log,
		}))
	}

	if t := cfg.Channels.Telegram; t.Enabled && t.Token != "" {
		channels = append(channels, channel.NewTelegram(channel.TelegramConfig{
			Token:     t.Token,
			AllowFrom: t.AllowFrom,
			Status:    status,
			Logger:    log,
		}))
	}

	if d := cfg.Channels.Discord; d.Enabled && d.Token != "" {
		channels = append(channels, channel.NewDiscord(channel.DiscordConfig{
			Token:     d.Token,
			GuildID:   d.GuildID,
			AllowFrom: d.AllowFrom,
			Status:    status,
			Logger:    log,
		}))
	}

	if s := cfg.Channels.Slack; s.Enabled && s.BotToken != "" && s.AppToken != "" {
		channels = append(channels, channel.NewSlack(channel.SlackConfig{
			BotToken:  s.BotToken,
			AppToken:  s.AppToken,
			AllowFrom: s.AllowFrom,
			Status:    status,
			Logger:    log,
		}))
	}

	return channels
}

// runPrune drops journal rows past retention at start and then daily.
func runPrune(ctx context.Context, store *journal.SQLiteJournal, retentionDays int, log *slog.Logger) {
	prune := func() {
		pctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if _, err := store.Prune(pctx, retentionDays); err != nil {
			log.Warn("journal prune failed", "err", err)
		}
	}

	prune()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
