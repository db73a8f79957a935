package inject

import (
	"context"
	"strings"

	"wabridge/internal/domain"
)

// clickSend clicks the first footer button, in send-selector order, that is
// neither the attach menu nor the emoji picker. Not finding one is a
// warning: the text is already in the composer.
func (in *Injector) clickSend(ctx context.Context, doc domain.Document) (bool, string) {
	for _, sel := range in.profile.SendButtons {
		els, err := doc.QueryAll(ctx, sel)
		if err != nil {
			in.logger.Debug("send selector failed", "selector", sel, "err", err)
			continue
		}
		for _, el := range els {
			info, err := el.Inspect(ctx)
			if err != nil {
				continue
			}
			if !info.InFooter {
				continue
			}
			if in.isAttachControl(info) || in.isEmojiControl(info) {
				continue
			}
			if err := el.Click(ctx); err != nil {
				in.logger.Warn("send button click failed", "selector", sel, "err", err)
				return false, "send button click failed: " + err.Error()
			}
			in.logger.Info("send button clicked", "selector", sel)
			return true, ""
		}
	}
	in.logger.Warn("send button not found, message left in composer")
	return false, "send button not found"
}

func (in *Injector) isAttachControl(info domain.ElementInfo) bool {
	switch strings.ToLower(info.Attr("aria-haspopup")) {
	case "menu", "true":
		return true
	}
	for _, icon := range info.Icons {
		for _, marker := range in.profile.AttachIcons {
			if strings.EqualFold(icon, marker) {
				return true
			}
		}
	}
	for _, attr := range []string{"title", "aria-label"} {
		v := strings.ToLower(info.Attr(attr))
		for _, label := range in.profile.AttachLabels {
			if v != "" && strings.Contains(v, strings.ToLower(label)) {
				return true
			}
		}
	}
	return false
}

func (in *Injector) isEmojiControl(info domain.ElementInfo) bool {
	fields := append([]string{info.Attr("aria-label"), info.Attr("title"), info.Attr("data-icon")}, info.Icons...)
	for _, f := range fields {
		v := strings.ToLower(f)
		if v == "" {
			continue
		}
		for _, marker := range in.profile.EmojiMarkers {
			if strings.Contains(v, strings.ToLower(marker)) {
				return true
			}
		}
	}
	return false
}
