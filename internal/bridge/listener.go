package bridge

import (
	"context"
	"log/slog"
	"time"

	"wabridge/internal/bus"
	"wabridge/internal/domain"
	"wabridge/internal/inject"
)

// PageListener serves WA_PING and WHATSAPP_PASTE for one attached tab.
// It never clicks send.
type PageListener struct {
	doc            domain.Document
	tabID          string
	injector       *inject.Injector
	events         *bus.EventBus
	requestTimeout time.Duration
	logger         *slog.Logger
}

type PageListenerConfig struct {
	Document       domain.Document
	TabID          string
	Injector       *inject.Injector
	Events         *bus.EventBus
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

func NewPageListener(cfg PageListenerConfig) *PageListener {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Injector == nil {
		cfg.Injector = inject.New(inject.Config{Logger: cfg.Logger})
	}
	return &PageListener{
		doc:            cfg.Document,
		tabID:          cfg.TabID,
		injector:       cfg.Injector,
		events:         cfg.Events,
		requestTimeout: cfg.RequestTimeout,
		logger:         cfg.Logger.With("tab", cfg.TabID),
	}
}

func (l *PageListener) Handle(ctx context.Context, msg domain.Message, respond domain.Responder) bool {
	switch msg.Type {
	case domain.TypePing:
		if l.events != nil {
			l.events.Emit(bus.Event{Type: bus.EventPing, Source: "listener", Message: msg, TabID: l.tabID})
		}
		respond(domain.OKResponse())
		return false

	case domain.TypePaste:
		if msg.AutoSend {
			l.logger.Warn("autoSend ignored: the page listener never sends", "id", msg.ID)
		}
		go func() {
			ctx, cancel := context.WithTimeout(ctx, l.requestTimeout)
			defer cancel()

			start := time.Now()
			report, err := l.injector.Insert(ctx, l.doc, msg.Request(), false)
			emitOutcome(l.events, "listener", msg, report, l.tabID, err, time.Since(start))
			if err != nil {
				l.logger.Warn("paste failed", "id", msg.ID, "err", err)
			}
			respond(domain.ErrorResponse(err))
		}()
		return true
	}
	return false
}
