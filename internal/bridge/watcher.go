package bridge

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"wabridge/internal/bus"
	"wabridge/internal/domain"
	"wabridge/internal/inject"
)

// Watcher keeps a PageListener registered on the bus while a WhatsApp tab
// is open. It polls the tab list, attaches when a tab appears and removes
// the listener when the tab goes away.
type Watcher struct {
	browser        domain.Browser
	msgBus         domain.MessageBus
	injector       *inject.Injector
	events         *bus.EventBus
	whatsappURL    string
	retry          time.Duration
	requestTimeout time.Duration
	logger         *slog.Logger

	mu       sync.Mutex
	attached string
	remove   func()
}

type WatcherConfig struct {
	Browser        domain.Browser
	Bus            domain.MessageBus
	Injector       *inject.Injector
	Events         *bus.EventBus
	WhatsAppURL    string
	Retry          time.Duration
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

func NewWatcher(cfg WatcherConfig) *Watcher {
	if cfg.WhatsAppURL == "" {
		cfg.WhatsAppURL = defaultWhatsAppURL
	}
	if cfg.Retry <= 0 {
		cfg.Retry = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Watcher{
		browser:        cfg.Browser,
		msgBus:         cfg.Bus,
		injector:       cfg.Injector,
		events:         cfg.Events,
		whatsappURL:    cfg.WhatsAppURL,
		retry:          cfg.Retry,
		requestTimeout: cfg.RequestTimeout,
		logger:         cfg.Logger,
	}
}

// Run checks immediately, then every retry interval, until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.retry)
	defer ticker.Stop()
	defer w.detach("shutdown", false)

	w.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}

// Check reconciles the registered listener with the open tabs once. A
// failed check changes nothing; only a tab list that lacks the attached tab
// or shows it elsewhere detaches the listener.
func (w *Watcher) Check(ctx context.Context) {
	if err := w.browser.Ready(ctx); err != nil {
		w.logger.Debug("browser not ready", "err", err)
		return
	}
	tabs, err := w.browser.Tabs(ctx)
	if err != nil {
		w.logger.Debug("tab listing failed", "err", err)
		return
	}

	if current := w.Attached(); current != "" {
		open, onWhatsApp := tabState(tabs, current, w.whatsappURL)
		switch {
		case onWhatsApp:
			return
		case open:
			w.detach("tab navigated away", false)
		default:
			w.detach("tab closed", true)
		}
	}

	tab := domain.FindTab(tabs, w.whatsappURL)
	if tab == nil {
		return
	}
	doc, err := w.browser.Attach(ctx, tab.ID)
	if err != nil {
		w.logger.Warn("attach to WhatsApp tab failed, will retry", "tab", tab.ID, "err", err)
		return
	}

	listener := NewPageListener(PageListenerConfig{
		Document:       doc,
		TabID:          tab.ID,
		Injector:       w.injector,
		Events:         w.events,
		RequestTimeout: w.requestTimeout,
		Logger:         w.logger,
	})

	w.mu.Lock()
	w.attached = tab.ID
	w.remove = w.msgBus.AddListener("page:"+tab.ID, listener.Handle)
	w.mu.Unlock()

	w.logger.Info("page listener attached", "tab", tab.ID, "url", tab.URL)
	if w.events != nil {
		w.events.Emit(bus.Event{Type: bus.EventListenerAttached, Source: "watcher", TabID: tab.ID})
	}
}

// Attached returns the tab the listener is bound to, or "".
func (w *Watcher) Attached() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.attached
}

// detach unregisters the listener. release also drops the browser
// attachment, which is only safe once the tab is gone.
func (w *Watcher) detach(reason string, release bool) {
	w.mu.Lock()
	tabID, remove := w.attached, w.remove
	w.attached, w.remove = "", nil
	w.mu.Unlock()

	if tabID == "" {
		return
	}
	if remove != nil {
		remove()
	}
	if release {
		w.browser.Detach(tabID)
	}

	w.logger.Info("page listener detached", "tab", tabID, "reason", reason)
	if w.events != nil {
		w.events.Emit(bus.Event{Type: bus.EventListenerDetached, Source: "watcher", TabID: tabID, Err: reason})
	}
}

func tabState(tabs []domain.Tab, id, prefix string) (open, onWhatsApp bool) {
	for _, t := range tabs {
		if t.ID == id {
			return true, strings.HasPrefix(t.URL, prefix)
		}
	}
	return false, false
}
