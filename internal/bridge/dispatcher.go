// Package bridge holds the two entry points that turn bus messages into
// composer insertions: the Dispatcher, which finds and attaches to a
// WhatsApp tab per request, and the PageListener, which is bound to a tab
// the Watcher has already attached to.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"wabridge/internal/bus"
	"wabridge/internal/domain"
	"wabridge/internal/inject"
)

const (
	defaultPollInterval   = 100 * time.Millisecond
	defaultPollAttempts   = 10
	defaultRequestTimeout = 60 * time.Second
	defaultWhatsAppURL    = "https://web.whatsapp.com/"
)

// Dispatcher handles INSERT_WHATSAPP.
type Dispatcher struct {
	browser        domain.Browser
	injector       *inject.Injector
	events         *bus.EventBus
	whatsappURL    string
	pollInterval   time.Duration
	pollAttempts   int
	requestTimeout time.Duration
	allowAutoSend  bool
	logger         *slog.Logger
}

type DispatcherConfig struct {
	Browser        domain.Browser
	Injector       *inject.Injector
	Events         *bus.EventBus // optional
	WhatsAppURL    string
	PollInterval   time.Duration
	PollAttempts   int
	RequestTimeout time.Duration
	AllowAutoSend  bool
	Logger         *slog.Logger
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.WhatsAppURL == "" {
		cfg.WhatsAppURL = defaultWhatsAppURL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = defaultPollAttempts
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Injector == nil {
		cfg.Injector = inject.New(inject.Config{Logger: cfg.Logger})
	}
	return &Dispatcher{
		browser:        cfg.Browser,
		injector:       cfg.Injector,
		events:         cfg.Events,
		whatsappURL:    cfg.WhatsAppURL,
		pollInterval:   cfg.PollInterval,
		pollAttempts:   cfg.PollAttempts,
		requestTimeout: cfg.RequestTimeout,
		allowAutoSend:  cfg.AllowAutoSend,
		logger:         cfg.Logger,
	}
}

// Handle is a domain.Listener. It claims INSERT_WHATSAPP and answers once
// the insertion has finished.
func (d *Dispatcher) Handle(ctx context.Context, msg domain.Message, respond domain.Responder) bool {
	if msg.Type != domain.TypeInsert {
		return false
	}
	go func() {
		ctx, cancel := context.WithTimeout(ctx, d.requestTimeout)
		defer cancel()

		start := time.Now()
		report, tabID, err := d.Insert(ctx, msg.Request())
		emitOutcome(d.events, "dispatcher", msg, report, tabID, err, time.Since(start))
		if err != nil {
			d.logger.Warn("insert failed", "id", msg.ID, "channel", msg.Channel, "err", err)
		} else {
			d.logger.Info("insert done", "id", msg.ID, "tab", tabID, "composer", report.Composer,
				"attach", report.Attach.Source, "sent", report.Sent, "duration", time.Since(start))
		}
		respond(domain.ErrorResponse(err))
	}()
	return true
}

// Insert waits for the browser, resolves the WhatsApp tab and runs the
// insertion there. It returns the tab it used.
func (d *Dispatcher) Insert(ctx context.Context, req domain.InsertRequest) (domain.Report, string, error) {
	if err := d.waitReady(ctx); err != nil {
		return domain.Report{}, "", err
	}
	tab, err := d.ResolveTab(ctx)
	if err != nil {
		return domain.Report{}, "", err
	}
	doc, err := d.browser.Attach(ctx, tab.ID)
	if err != nil {
		return domain.Report{}, tab.ID, fmt.Errorf("attach to tab: %w", err)
	}
	report, err := d.injector.Insert(ctx, doc, req, d.allowAutoSend)
	return report, tab.ID, err
}

// waitReady polls the browser exactly pollAttempts times.
func (d *Dispatcher) waitReady(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= d.pollAttempts; attempt++ {
		lastErr = d.browser.Ready(ctx)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == d.pollAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.pollInterval):
		}
	}
	d.logger.Debug("browser not ready", "attempts", d.pollAttempts, "err", lastErr)
	return domain.ErrCapabilityUnavailable
}

// ResolveTab prefers the first WhatsApp Web tab, then the active tab.
func (d *Dispatcher) ResolveTab(ctx context.Context) (*domain.Tab, error) {
	tabs, err := d.browser.Tabs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tabs: %w", err)
	}
	if tab := domain.FindTab(tabs, d.whatsappURL); tab != nil {
		return tab, nil
	}

	active, err := d.browser.ActiveTab(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		d.logger.Debug("active tab lookup failed", "err", err)
	}
	if active == nil || active.ID == "" {
		return nil, domain.ErrTargetNotFound
	}
	return active, nil
}

func emitOutcome(events *bus.EventBus, source string, msg domain.Message, report domain.Report, tabID string, err error, took time.Duration) {
	if events == nil {
		return
	}
	ev := bus.Event{
		Type:     bus.EventInsertCompleted,
		Source:   source,
		Message:  msg,
		Report:   report,
		TabID:    tabID,
		Duration: took,
	}
	if err != nil {
		ev.Type = bus.EventInsertFailed
		ev.Err = err.Error()
	}
	events.Emit(ev)
}
