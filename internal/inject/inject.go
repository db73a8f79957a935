// Package inject writes a message into the WhatsApp Web composer the way its
// rich-text editor expects, optionally attaches an image and optionally
// clicks send. It works against domain.Document, so the same code runs for
// the dispatcher and for the page listener.
package inject

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"wabridge/internal/domain"
)

// DefaultSettleDelay is how long the page gets to build its media preview
// after a paste.
const DefaultSettleDelay = 1500 * time.Millisecond

const paragraphSkeleton = `<p class="selectable-text copyable-text" dir="ltr"><br></p>`

// Injector runs the insertion algorithm. It holds no per-call state.
type Injector struct {
	profile     *Profile
	fetcher     ImageFetcher
	settleDelay time.Duration
	logger      *slog.Logger
}

// Config configures an Injector.
type Config struct {
	Profile     *Profile
	Fetcher     ImageFetcher  // nil disables the imageUrl fallback
	SettleDelay time.Duration // 0 skips the wait
	Logger      *slog.Logger
}

func New(cfg Config) *Injector {
	if cfg.Profile == nil {
		cfg.Profile = DefaultProfile()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Injector{
		profile:     cfg.Profile,
		fetcher:     cfg.Fetcher,
		settleDelay: cfg.SettleDelay,
		logger:      cfg.Logger,
	}
}

// Insert runs the four steps in order: composer discovery, text insertion,
// image attachment, send. Only the first two can fail the call. allowSend
// gates step four regardless of req.AutoSend.
func (in *Injector) Insert(ctx context.Context, doc domain.Document, req domain.InsertRequest, allowSend bool) (domain.Report, error) {
	var report domain.Report

	composer, match, err := in.findComposer(ctx, doc)
	if err != nil {
		return report, err
	}
	report.Composer = match

	if err := in.writeText(ctx, composer, req.Text); err != nil {
		return report, fmt.Errorf("insert text: %w", err)
	}
	in.logger.Debug("text inserted", "composer", match, "text_len", len(req.Text))

	if req.PasteImage {
		report.Attach = in.attachImage(ctx, doc, composer, req.ImageURL)
	}

	if req.AutoSend {
		if !allowSend {
			report.SendWarning = "auto-send disabled; message left in composer"
			in.logger.Warn("auto-send requested but not allowed, leaving message for the user")
			return report, nil
		}
		sent, warn := in.clickSend(ctx, doc)
		report.Sent = sent
		report.SendWarning = warn
	}
	return report, nil
}

// writeText resets the composer to an empty paragraph, fills it, and plays
// the event sequence the editor listens to: input, compositionend, keyup,
// change.
func (in *Injector) writeText(ctx context.Context, composer domain.Element, text string) error {
	if err := composer.Focus(ctx); err != nil {
		return fmt.Errorf("focus composer: %w", err)
	}
	if err := composer.SetHTML(ctx, paragraphSkeleton); err != nil {
		return fmt.Errorf("reset composer: %w", err)
	}
	if err := composer.SetHTML(ctx, composerMarkup(text)); err != nil {
		return fmt.Errorf("fill composer: %w", err)
	}

	for _, ev := range textEvents(text) {
		if err := composer.Dispatch(ctx, ev); err != nil {
			return fmt.Errorf("dispatch %s: %w", ev.Kind, err)
		}
	}

	// The editor sometimes blurs while it reconciles.
	if err := composer.Focus(ctx); err != nil {
		in.logger.Debug("refocus composer failed", "err", err)
	}
	return nil
}

func textEvents(text string) []domain.Event {
	return []domain.Event{
		{Kind: domain.EventInput, Bubbles: true, Cancelable: true, InputType: "insertText", Data: text},
		{Kind: domain.EventCompositionEnd, Bubbles: true, Cancelable: true, Data: text},
		{Kind: domain.EventKeyUp, Bubbles: true, Cancelable: true},
		{Kind: domain.EventChange, Bubbles: true, Cancelable: true},
	}
}

// composerMarkup escapes text so it can never carry markup into the page.
func composerMarkup(text string) string {
	escaped := html.EscapeString(text)
	escaped = strings.ReplaceAll(escaped, "\r\n", "\n")
	escaped = strings.ReplaceAll(escaped, "\n", "<br>")
	return `<p class="selectable-text copyable-text" dir="ltr">` +
		`<span class="selectable-text copyable-text" data-lexical-text="true">` +
		escaped + `</span></p>`
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
