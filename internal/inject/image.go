package inject

import (
	"context"
	"strings"

	"wabridge/internal/domain"
)

// attachImage is best effort from start to finish. Whatever happens, the
// text already written stays and the caller still succeeds.
func (in *Injector) attachImage(ctx context.Context, doc domain.Document, composer domain.Element, imageURL string) domain.AttachOutcome {
	out := domain.AttachOutcome{Attempted: true, Source: domain.AttachNone}

	img, err := doc.ReadClipboardImage(ctx)
	if err != nil {
		in.logger.Warn("clipboard read failed", "err", err)
		out.Err = "clipboard: " + err.Error()
	}
	if img != nil {
		out.Source = domain.AttachClipboard
	}

	if img == nil && imageURL != "" && in.fetcher != nil {
		img, err = in.fetcher.Fetch(ctx, imageURL)
		if err != nil {
			in.logger.Warn("image fetch failed", "url", imageURL, "err", err)
			out.Err = joinErr(out.Err, "fetch: "+err.Error())
			img = nil
		} else {
			out.Source = domain.AttachURL
		}
	}

	if img == nil {
		in.logger.Info("no image available to attach")
		return out
	}
	if img.Name == "" {
		img.Name = fileNameFor(img.MIME)
	}

	platform, err := doc.Platform(ctx)
	if err != nil {
		in.logger.Debug("platform lookup failed", "err", err)
	}
	mac := strings.Contains(strings.ToLower(platform), "mac")

	// paste first, drop for editors that only take drops, then the
	// keyboard shortcut for handlers keyed on it.
	events := []domain.Event{
		{Kind: domain.EventPaste, Bubbles: true, Cancelable: true, File: img},
		{Kind: domain.EventDrop, Bubbles: true, Cancelable: true, File: img},
		{Kind: domain.EventKeyDown, Bubbles: true, Cancelable: true, Key: "v", Code: "KeyV", Ctrl: !mac, Meta: mac},
	}
	for _, ev := range events {
		if err := composer.Dispatch(ctx, ev); err != nil {
			in.logger.Warn("image event dispatch failed", "event", ev.Kind, "err", err)
			out.Err = joinErr(out.Err, string(ev.Kind)+": "+err.Error())
			continue
		}
		out.Dispatched = true
	}
	if !out.Dispatched {
		return out
	}

	if err := sleepCtx(ctx, in.settleDelay); err != nil {
		out.Err = joinErr(out.Err, "settle: "+err.Error())
		return out
	}

	out.Indicated = in.hasAttachmentIndicator(ctx, doc)
	if out.Indicated {
		in.logger.Info("image attachment indicator present", "source", out.Source)
	} else {
		in.logger.Warn("no attachment indicator after paste", "source", out.Source)
	}
	return out
}

func (in *Injector) hasAttachmentIndicator(ctx context.Context, doc domain.Document) bool {
	for _, sel := range in.profile.Indicators {
		els, err := doc.QueryAll(ctx, sel)
		if err != nil {
			continue
		}
		if len(els) > 0 {
			return true
		}
	}
	return false
}

func fileNameFor(mime string) string {
	switch strings.ToLower(mime) {
	case "image/jpeg", "image/jpg":
		return "image.jpg"
	case "image/gif":
		return "image.gif"
	case "image/webp":
		return "image.webp"
	default:
		return "image.png"
	}
}

func joinErr(prev, next string) string {
	if prev == "" {
		return next
	}
	return prev + "; " + next
}
